package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot/internal/common/apperror"
	"github.com/wskish/discobot/pkg/model"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedProject(t *testing.T, st *SQLStore) *model.Project {
	t.Helper()
	p := &model.Project{Slug: "proj-" + t.Name(), Name: "Test"}
	require.NoError(t, st.CreateProject(context.Background(), p))
	return p
}

func seedWorkspace(t *testing.T, st *SQLStore, projectID string) *model.Workspace {
	t.Helper()
	ws := &model.Workspace{
		ProjectID:  projectID,
		Path:       t.TempDir(),
		SourceType: model.WorkspaceSourceLocal,
		Status:     model.WorkspaceStatusReady,
	}
	require.NoError(t, st.CreateWorkspace(context.Background(), ws))
	return ws
}

func seedSession(t *testing.T, st *SQLStore, projectID, workspaceID string) *model.Session {
	t.Helper()
	sess := &model.Session{
		ProjectID:   projectID,
		WorkspaceID: workspaceID,
		Name:        "test session",
		Status:      model.SessionStatusInitializing,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return sess
}

// Event seq must be strictly increasing across all projects, and
// garbage collection must never reclaim assigned values.
func TestEventSeqStrictlyMonotonic(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	var last int64
	for i := 0; i < 20; i++ {
		e := &model.ProjectEvent{ProjectID: p.ID, Type: "session_updated", Data: "{}"}
		require.NoError(t, st.CreateProjectEvent(ctx, e))
		require.Greater(t, e.Seq, last)
		last = e.Seq
	}

	maxSeq, err := st.MaxEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, maxSeq)

	// GC everything, then insert again: seq keeps growing.
	n, err := st.GarbageCollectEvents(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	e := &model.ProjectEvent{ProjectID: p.ID, Type: "session_updated", Data: "{}"}
	require.NoError(t, st.CreateProjectEvent(ctx, e))
	assert.Greater(t, e.Seq, last)

	maxSeq, err = st.MaxEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.Seq, maxSeq)
}

func TestListEventsAfterSeq(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	var seqs []int64
	for i := 0; i < 5; i++ {
		e := &model.ProjectEvent{ProjectID: p.ID, Type: "workspace_updated", Data: "{}"}
		require.NoError(t, st.CreateProjectEvent(ctx, e))
		seqs = append(seqs, e.Seq)
	}

	events, err := st.ListEventsAfterSeq(ctx, seqs[1], 100)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, seqs[i+2], e.Seq)
	}
}

// Concurrent claimers over jobs sharing one resource key end up with
// exactly one job running: the claim transaction's check-then-update
// must not let two claimers each see running == 0 and claim different
// jobs of the same resource.
func TestClaimJobOfTypesConcurrentResourceExclusion(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	const jobs = 6
	for i := 0; i < jobs; i++ {
		rt, rid := "session", "X"
		require.NoError(t, st.CreateJob(ctx, &model.Job{
			Type:         model.JobTypeSessionInit,
			Payload:      "{}",
			ResourceType: &rt,
			ResourceID:   &rid,
		}))
	}

	const claimers = 8
	results := make(chan *model.Job, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			job, err := st.ClaimJobOfTypes(ctx, []model.JobType{model.JobTypeSessionInit}, fmt.Sprintf("w%d", worker))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			results <- job
		}(i)
	}
	wg.Wait()
	close(results)

	var claimed []*model.Job
	for job := range results {
		if job != nil {
			claimed = append(claimed, job)
		}
	}
	require.Len(t, claimed, 1, "every job shares one resource, so exactly one claim may win")

	running, err := st.CountRunningJobsForResource(ctx, "session", "X", "")
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	// Completing the winner frees the resource for the next claim.
	require.NoError(t, st.CompleteJob(ctx, claimed[0].ID))
	next, err := st.ClaimJobOfTypes(ctx, []model.JobType{model.JobTypeSessionInit}, "w-next")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, claimed[0].ID, next.ID)
}

// Concurrent acquire attempts leave exactly one leader.
func TestLeadershipExclusive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	const contenders = 8
	var mu sync.Mutex
	winners := map[string]bool{}

	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			serverID := fmt.Sprintf("server-%d", id)
			ok, err := st.TryAcquireLeadership(ctx, serverID, 30*time.Second)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				winners[serverID] = true
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)

	// The winner renews; everyone else stays follower while the lease is
	// fresh.
	var leaderID string
	for id := range winners {
		leaderID = id
	}
	ok, err := st.TryAcquireLeadership(ctx, leaderID, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	ok, err = st.TryAcquireLeadership(ctx, "interloper", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "fresh lease is not taken over")

	// Release lets a successor win immediately.
	require.NoError(t, st.ReleaseLeadership(ctx, leaderID))
	ok, err = st.TryAcquireLeadership(ctx, "successor", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeadershipTakeoverAfterExpiry(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	ok, err := st.TryAcquireLeadership(ctx, "old-leader", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)

	ok, err = st.TryAcquireLeadership(ctx, "new-leader", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "expired heartbeat allows takeover")

	leader, err := st.GetLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new-leader", leader.ServerID)
}

// SetDefaultAgent clears prior defaults in the same transaction.
func TestSetDefaultAgentExclusive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	a1 := &model.Agent{ProjectID: p.ID, Name: "one", AgentType: "claude"}
	a2 := &model.Agent{ProjectID: p.ID, Name: "two", AgentType: "codex"}
	require.NoError(t, st.CreateAgent(ctx, a1))
	require.NoError(t, st.CreateAgent(ctx, a2))

	require.NoError(t, st.SetDefaultAgent(ctx, p.ID, a1.ID))
	require.NoError(t, st.SetDefaultAgent(ctx, p.ID, a2.ID))

	agents, err := st.ListAgents(ctx, p.ID)
	require.NoError(t, err)
	defaults := 0
	for _, a := range agents {
		if a.IsDefault {
			defaults++
			assert.Equal(t, a2.ID, a.ID)
		}
	}
	assert.Equal(t, 1, defaults)

	def, err := st.GetDefaultAgent(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, a2.ID, def.ID)
}

func TestMessageSeqOrdering(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	p := seedProject(t, st)
	ws := seedWorkspace(t, st, p.ID)
	sess := seedSession(t, st, p.ID, ws.ID)

	for i := 0; i < 4; i++ {
		role := model.MessageRoleUser
		if i%2 == 1 {
			role = model.MessageRoleAssistant
		}
		require.NoError(t, st.CreateMessage(ctx, &model.Message{
			SessionID: sess.ID,
			Role:      role,
			Body:      fmt.Sprintf(`[{"type":"text","text":"m%d"}]`, i),
		}))
	}

	messages, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	for i, m := range messages {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestDeleteWorkspaceCascades(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	p := seedProject(t, st)
	ws := seedWorkspace(t, st, p.ID)
	sess := seedSession(t, st, p.ID, ws.ID)

	require.NoError(t, st.CreateMessage(ctx, &model.Message{
		SessionID: sess.ID, Role: model.MessageRoleUser, Body: `[]`,
	}))

	n, err := st.CountUndestroyedSessions(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, st.DeleteWorkspace(ctx, ws.ID))

	_, err = st.GetWorkspace(ctx, ws.ID)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
	_, err = st.GetSession(ctx, sess.ID)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
	messages, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestDeleteProjectCascades(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	p := seedProject(t, st)
	ws := seedWorkspace(t, st, p.ID)
	sess := seedSession(t, st, p.ID, ws.ID)

	agent := &model.Agent{ProjectID: p.ID, Name: "a", AgentType: "claude"}
	require.NoError(t, st.CreateAgent(ctx, agent))
	cred := &model.Credential{
		ProjectID: p.ID, Provider: "anthropic", AuthType: model.CredentialAuthAPIKey,
		SecretCiphertext: []byte{1}, SecretNonce: []byte{2},
	}
	require.NoError(t, st.CreateCredential(ctx, cred))

	require.NoError(t, st.DeleteProject(ctx, p.ID))

	_, err := st.GetProject(ctx, p.ID)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
	_, err = st.GetSession(ctx, sess.ID)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
	_, err = st.GetAgent(ctx, agent.ID)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
	_, err = st.GetCredential(ctx, cred.ID)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestUserPreferenceUpsert(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	user, err := st.GetOrCreateUser(ctx, "github", "42", "a@b.c", "A")
	require.NoError(t, err)

	require.NoError(t, st.SetUserPreference(ctx, user.ID, "theme", "dark"))
	require.NoError(t, st.SetUserPreference(ctx, user.ID, "theme", "light"))

	v, err := st.GetUserPreference(ctx, user.ID, "theme")
	require.NoError(t, err)
	assert.Equal(t, "light", v)

	prefs, err := st.ListUserPreferences(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, prefs, 1)
}
