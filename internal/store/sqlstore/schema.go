package sqlstore

import (
	"fmt"

	"github.com/wskish/discobot/internal/db/dialect"
)

// columnTypes returns the driver-specific SQL type tokens used to render
// the (driver-portable) schema below.
type columnTypes struct {
	text     string // primary-key/string columns
	ts       string // timestamp columns
	boolean  string // 0/1 flag columns (dialect.BoolToInt on write)
	jsonText string // opaque JSON payload columns
	int_     string
}

func typesFor(driver string) columnTypes {
	if dialect.IsPostgres(driver) {
		return columnTypes{
			text:     "TEXT",
			ts:       "TIMESTAMPTZ",
			boolean:  "INTEGER",
			jsonText: "TEXT",
			int_:     "INTEGER",
		}
	}
	return columnTypes{
		text:     "TEXT",
		ts:       "TEXT",
		boolean:  "INTEGER",
		jsonText: "TEXT",
		int_:     "INTEGER",
	}
}

// initSchema creates every table used by Store if it doesn't already
// exist. Statements are written portably (TEXT ids, ISO8601/TIMESTAMPTZ
// timestamps, INTEGER booleans) so the same method drives both backends,
// per internal/task/repository/sqlite's initSchema convention.
func (s *SQLStore) initSchema() error {
	t := typesFor(s.driver)

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id %s PRIMARY KEY,
			provider %s NOT NULL,
			provider_id %s NOT NULL,
			email %s NOT NULL DEFAULT '',
			name %s NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			UNIQUE(provider, provider_id)
		)`, t.text, t.text, t.text, t.text, t.text, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS user_sessions (
			id %s PRIMARY KEY,
			user_id %s NOT NULL,
			token_hash %s NOT NULL UNIQUE,
			expires_at %s NOT NULL,
			created_at %s NOT NULL
		)`, t.text, t.text, t.text, t.ts, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS projects (
			id %s PRIMARY KEY,
			slug %s NOT NULL UNIQUE,
			name %s NOT NULL,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, t.text, t.text, t.text, t.ts, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS project_members (
			project_id %s NOT NULL,
			user_id %s NOT NULL,
			role %s NOT NULL,
			created_at %s NOT NULL,
			PRIMARY KEY (project_id, user_id)
		)`, t.text, t.text, t.text, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS invitations (
			id %s PRIMARY KEY,
			project_id %s NOT NULL,
			email %s NOT NULL,
			role %s NOT NULL,
			token %s NOT NULL UNIQUE,
			expires_at %s NOT NULL,
			created_at %s NOT NULL
		)`, t.text, t.text, t.text, t.text, t.text, t.ts, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workspaces (
			id %s PRIMARY KEY,
			project_id %s NOT NULL,
			path %s NOT NULL,
			source_type %s NOT NULL,
			git_url %s NOT NULL DEFAULT '',
			status %s NOT NULL,
			commit_sha %s,
			error_message %s,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, t.text, t.text, t.text, t.text, t.text, t.text, t.text, t.text, t.ts, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			id %s PRIMARY KEY,
			project_id %s NOT NULL,
			workspace_id %s NOT NULL,
			agent_id %s,
			name %s NOT NULL DEFAULT '',
			description %s,
			status %s NOT NULL,
			error_message %s,
			commit_status %s NOT NULL DEFAULT 'none',
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, t.text, t.text, t.text, t.text, t.text, t.text, t.text, t.text, t.text, t.ts, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id %s PRIMARY KEY,
			session_id %s NOT NULL,
			role %s NOT NULL,
			body %s NOT NULL,
			seq %s NOT NULL,
			created_at %s NOT NULL
		)`, t.text, t.text, t.text, t.jsonText, t.int_, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agents (
			id %s PRIMARY KEY,
			project_id %s NOT NULL,
			name %s NOT NULL,
			agent_type %s NOT NULL,
			system_prompt %s,
			mcp_servers %s NOT NULL DEFAULT '[]',
			is_default %s NOT NULL DEFAULT 0,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, t.text, t.text, t.text, t.text, t.text, t.jsonText, t.boolean, t.ts, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS credentials (
			id %s PRIMARY KEY,
			project_id %s NOT NULL,
			provider %s NOT NULL,
			auth_type %s NOT NULL,
			secret_ciphertext %s NOT NULL,
			secret_nonce %s NOT NULL,
			created_at %s NOT NULL,
			updated_at %s NOT NULL,
			UNIQUE(project_id, provider)
		)`, t.text, t.text, t.text, t.text, blobType(s.driver), blobType(s.driver), t.ts, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
			id %s PRIMARY KEY,
			type %s NOT NULL,
			payload %s NOT NULL DEFAULT '{}',
			status %s NOT NULL,
			priority %s NOT NULL DEFAULT 0,
			attempts %s NOT NULL DEFAULT 0,
			max_attempts %s NOT NULL DEFAULT 5,
			error %s,
			worker_id %s,
			resource_type %s,
			resource_id %s,
			scheduled_at %s NOT NULL,
			started_at %s,
			completed_at %s,
			created_at %s NOT NULL
		)`, t.text, t.text, t.jsonText, t.text, t.int_, t.int_, t.int_, t.text, t.text, t.text, t.text, t.ts, t.ts, t.ts, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS project_events (
			id %s PRIMARY KEY,
			seq %s NOT NULL UNIQUE,
			project_id %s NOT NULL,
			type %s NOT NULL,
			data %s NOT NULL DEFAULT '{}',
			created_at %s NOT NULL
		)`, t.text, t.int_, t.text, t.text, t.jsonText, t.ts),

		// event_seq_counter is a single-row counter driving ProjectEvent.seq
		// assignment: both backends increment it inside the insert
		// transaction rather than relying on driver-specific
		// autoincrement semantics, so GC never reclaims a value.
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS event_seq_counter (
			id %s PRIMARY KEY,
			next_seq %s NOT NULL
		)`, t.int_, t.int_),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS dispatcher_leader (
			id %s PRIMARY KEY,
			server_id %s NOT NULL,
			heartbeat_at %s NOT NULL,
			acquired_at %s NOT NULL
		)`, t.int_, t.text, t.ts, t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS terminal_history (
			id %s PRIMARY KEY,
			session_id %s NOT NULL,
			seq %s NOT NULL,
			kind %s NOT NULL,
			data %s NOT NULL,
			created_at %s NOT NULL
		)`, t.text, t.text, t.int_, t.text, blobType(s.driver), t.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS user_preferences (
			user_id %s NOT NULL,
			pref_key %s NOT NULL,
			value %s NOT NULL,
			updated_at %s NOT NULL,
			PRIMARY KEY (user_id, pref_key)
		)`, t.text, t.text, t.text, t.ts),

		`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workspaces_project ON workspaces(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_project ON credentials(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_type ON jobs(status, type)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_resource ON jobs(resource_type, resource_id)`,
		`CREATE INDEX IF NOT EXISTS idx_project_events_project_seq ON project_events(project_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_project_events_seq ON project_events(seq)`,
	}

	for _, stmt := range stmts {
		if _, err := s.w().Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w\n%s", err, stmt)
		}
	}

	return s.ensureEventSeqCounter()
}

func blobType(driver string) string {
	if dialect.IsPostgres(driver) {
		return "BYTEA"
	}
	return "BLOB"
}

func (s *SQLStore) ensureEventSeqCounter() error {
	var n int
	if err := s.w().Get(&n, `SELECT COUNT(*) FROM event_seq_counter WHERE id = 1`); err != nil {
		return err
	}
	if n == 0 {
		_, err := s.w().Exec(`INSERT INTO event_seq_counter (id, next_seq) VALUES (1, 1)`)
		return err
	}
	return nil
}
