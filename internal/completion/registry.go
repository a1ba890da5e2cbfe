// Package completion forwards chat requests into the sandbox's agent,
// mirrors the agent's SSE stream back to callers, assembles and persists
// the resulting assistant message, and lets disconnected clients rejoin
// an in-flight completion.
package completion

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/wskish/discobot/pkg/chatproto"
)

const registryShards = 16

// Registry is the process-scoped per-session completion state: the
// one-at-a-time slot, the replayable chunk buffer, and the abort
// handle for the in-flight agent reader. Sharded so concurrent sessions
// don't contend on one lock.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu sync.Mutex
	m  map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].m = make(map[string]*entry)
	}
	return r
}

func (r *Registry) shard(sessionID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &r.shards[h.Sum32()%registryShards]
}

// entry holds one session's completion state. The buffer always holds
// every chunk of the current (or most recently finished) completion so a
// late-joining client replays from the beginning; it is cleared when the
// next completion claims the slot.
type entry struct {
	mu           sync.Mutex
	running      bool
	completionID string
	buffer       []chatproto.Chunk
	done         bool
	notify       chan struct{}
	cancel       context.CancelFunc
}

// get returns the session's entry, creating it on demand.
func (r *Registry) get(sessionID string) *entry {
	s := r.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[sessionID]
	if !ok {
		e = &entry{notify: make(chan struct{})}
		s.m[sessionID] = e
	}
	return e
}

// lookup returns the session's entry without creating one.
func (r *Registry) lookup(sessionID string) *entry {
	s := r.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[sessionID]
}

// remove drops a session's entry (on session delete).
func (r *Registry) remove(sessionID string) {
	s := r.shard(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, sessionID)
}

// tryClaim atomically takes the completion slot. On success the buffer
// resets for the new completion. On failure the holder's completionID is
// returned for the conflict envelope.
func (e *entry) tryClaim(completionID string, cancel context.CancelFunc) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false, e.completionID
	}
	e.running = true
	e.completionID = completionID
	e.buffer = e.buffer[:0]
	e.done = false
	e.cancel = cancel
	e.wake()
	return true, completionID
}

// append adds a chunk to the buffer and wakes tailing readers. Chunks
// arriving after the terminal one are dropped (a cancel can race the
// agent's own finish).
func (e *entry) append(c chatproto.Chunk) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.buffer = append(e.buffer, c)
	if c.IsTerminal() {
		e.done = true
	}
	e.wake()
}

// finish releases the slot. The buffer stays for replay until the next
// completion claims it.
func (e *entry) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.cancel = nil
	if !e.done {
		e.done = true
	}
	e.wake()
}

// wake closes and replaces the notify channel; callers hold e.mu.
func (e *entry) wake() {
	close(e.notify)
	e.notify = make(chan struct{})
}

// state snapshots the slot flags.
func (e *entry) state() (running bool, completionID string, buffered int, done bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running, e.completionID, len(e.buffer), e.done
}

// abort invokes the in-flight reader's cancel handle, if any.
func (e *entry) abort() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// next returns the chunk at idx, blocking until it exists. The second
// return is false once the buffer is complete and idx is past its end.
// There is no window where an active stream's first chunk can be missed:
// readers always start from index 0 of the same buffer the pump appends
// to.
func (e *entry) next(ctx context.Context, idx int) (*chatproto.Chunk, bool, error) {
	for {
		e.mu.Lock()
		if idx < len(e.buffer) {
			c := e.buffer[idx]
			e.mu.Unlock()
			return &c, true, nil
		}
		if e.done {
			e.mu.Unlock()
			return nil, false, nil
		}
		ch := e.notify
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ch:
		}
	}
}
