package mock

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wskish/discobot/pkg/chatproto"
)

// Agent simulates the in-sandbox agent-api over HTTP: health, agent
// start, SSE chat streaming, cancel, and the opaque service surface.
// Tests script its chat responses with Script; unscripted chats stream a
// small default reply.
type Agent struct {
	mu       sync.Mutex
	started  bool
	startReq map[string]any
	scripts  [][]chatproto.Chunk
	chats    []map[string]any
	canceled int

	// ChunkDelay spaces out scripted chunks so rejoin tests can attach
	// mid-stream.
	ChunkDelay time.Duration
}

// NewAgent creates an Agent with no scripted responses.
func NewAgent() *Agent {
	return &Agent{}
}

// Script enqueues a chunk sequence to be streamed by the next chat
// request.
func (a *Agent) Script(chunks []chatproto.Chunk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts = append(a.scripts, chunks)
}

// Started reports whether the agent start command was received.
func (a *Agent) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// StartRequest returns the decoded body of the last agent start call.
func (a *Agent) StartRequest() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startReq
}

// ChatRequests returns the decoded bodies of every chat call received.
func (a *Agent) ChatRequests() []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]map[string]any(nil), a.chats...)
}

// CancelCount reports how many cancel calls were received.
func (a *Agent) CancelCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canceled
}

func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))

	case r.URL.Path == "/agent/start" && r.Method == http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.mu.Lock()
		a.started = true
		a.startReq = body
		a.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))

	case r.URL.Path == "/chat" && r.Method == http.MethodPost:
		a.serveChat(w, r)

	case r.URL.Path == "/chat/cancel" && r.Method == http.MethodPost:
		a.mu.Lock()
		a.canceled++
		a.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))

	case r.URL.Path == "/services":
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"webapp","name":"webapp","status":"running","port":3000}]`))

	case strings.HasPrefix(r.URL.Path, "/services/"):
		a.serveService(w, r)

	default:
		http.NotFound(w, r)
	}
}

// serveChat streams the next scripted chunk sequence as SSE.
func (a *Agent) serveChat(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	a.mu.Lock()
	a.chats = append(a.chats, body)
	var chunks []chatproto.Chunk
	if len(a.scripts) > 0 {
		chunks = a.scripts[0]
		a.scripts = a.scripts[1:]
	}
	delay := a.ChunkDelay
	a.mu.Unlock()

	if chunks == nil {
		chunks = []chatproto.Chunk{
			{Type: chatproto.ChunkStart, MessageID: "msg_mock"},
			{Type: chatproto.ChunkTextStart, ID: "t1"},
			{Type: chatproto.ChunkTextDelta, ID: "t1", Delta: "hello from the sandbox"},
			{Type: chatproto.ChunkTextEnd, ID: "t1"},
			{Type: chatproto.ChunkFinish, FinishReason: "stop"},
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(chatproto.StreamMessageHeader, chatproto.StreamMessageHeaderValue)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for _, c := range chunks {
		frame, err := c.MarshalSSE()
		if err != nil {
			continue
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
	}
	w.Write([]byte("data: " + chatproto.DoneSentinel + "\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

// serveService echoes service sub-requests back as JSON so proxy tests
// can assert on the exact path and headers that reached the sandbox.
func (a *Agent) serveService(w http.ResponseWriter, r *http.Request) {
	headers := map[string]string{}
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"path":    r.URL.Path,
		"method":  r.Method,
		"headers": headers,
	})
}
