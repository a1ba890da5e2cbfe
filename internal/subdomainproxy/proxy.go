// Package subdomainproxy routes {sessionId}-svc-{serviceId}.{base} host
// headers to HTTP services running inside the session's sandbox (spec
// §4.9). Credentials never cross the boundary: Authorization, Cookie,
// and X-Discobot-Credentials headers are stripped before forwarding.
package subdomainproxy

import (
	"net"
	"net/http"
	"regexp"

	"go.uber.org/zap"

	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/sandbox"
	"github.com/wskish/discobot/internal/store"
	"github.com/wskish/discobot/pkg/model"
)

// hostPattern extracts the session ID (26 base32/ULID characters) and
// service ID from the leading host label.
var hostPattern = regexp.MustCompile(`^([0-9A-Za-z]{26})-svc-([a-zA-Z0-9_.-]+)\.`)

// strippedHeaders are never forwarded into the sandbox.
var strippedHeaders = []string{"Authorization", "Cookie", "X-Discobot-Credentials"}

// Proxy is an http.Handler that serves matching hosts and hands
// everything else to next.
type Proxy struct {
	store    store.SessionStore
	provider sandbox.Provider
	logger   *logger.Logger
	next     http.Handler
}

// New creates the proxy. next handles non-matching hosts (typically the
// API router).
func New(s store.SessionStore, p sandbox.Provider, log *logger.Logger, next http.Handler) *Proxy {
	return &Proxy{
		store:    s,
		provider: p,
		logger:   log.WithFields(zap.String("component", "subdomain_proxy")),
		next:     next,
	}
}

// Match reports whether host selects a sandbox service, returning the
// session and service IDs.
func Match(host string) (sessionID, serviceID string, ok bool) {
	m := hostPattern.FindStringSubmatch(host)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, serviceID, ok := Match(r.Host)
	if !ok {
		p.next.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil || sess.Status != model.SessionStatusRunning {
		http.NotFound(w, r)
		return
	}

	originalPath := r.URL.Path
	target := "/services/" + serviceID + "/http" + originalPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()
	for _, name := range strippedHeaders {
		req.Header.Del(name)
	}
	req.Header.Set("X-Forwarded-Path", originalPath)
	req.Header.Set("X-Forwarded-Host", r.Host)
	req.Header.Set("X-Forwarded-Proto", schemeOf(r))
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		req.Header.Set("X-Forwarded-For", host)
	} else {
		req.Header.Set("X-Forwarded-For", r.RemoteAddr)
	}

	resp, err := p.provider.HTTPProxy(ctx, sessionID, req)
	if err != nil {
		p.logger.Warn("service proxy failed",
			zap.String("session_id", sessionID),
			zap.String("service_id", serviceID),
			zap.Error(err))
		http.NotFound(w, r)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
