// Package sshgateway multiplexes SSH sessions (shell, exec, SFTP,
// direct-tcpip) into running sandboxes. One listener serves every
// session; the SSH username is the session ID and is the only routing
// key, so the server runs without client auth.
package sshgateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/sandbox"
	"github.com/wskish/discobot/internal/store"
	"github.com/wskish/discobot/pkg/model"
)

// sftpServerPath is where the sandbox image installs the SFTP subsystem
// binary.
const sftpServerPath = "/usr/lib/openssh/sftp-server"

// Store is what the gateway needs from persistence: session routing and
// the terminal event log.
type Store interface {
	store.SessionStore
	store.TerminalHistoryStore
}

// Server is the SSH gateway.
type Server struct {
	store    Store
	provider sandbox.Provider
	logger   *logger.Logger
	config   *ssh.ServerConfig

	mu       sync.Mutex
	listener net.Listener
	conns    map[*ssh.ServerConn]struct{}
	wg       sync.WaitGroup
}

// NewServer builds the gateway, loading (or generating) the host key at
// hostKeyPath.
func NewServer(s Store, p sandbox.Provider, hostKeyPath string, log *logger.Logger) (*Server, error) {
	signer, err := loadOrGenerateHostKey(hostKeyPath)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ServerConfig{
		// The username is the routing key; there is nothing to
		// authenticate at this layer.
		NoClientAuth: true,
	}
	cfg.AddHostKey(signer)

	return &Server{
		store:    s,
		provider: p,
		logger:   log.WithFields(zap.String("component", "ssh_gateway")),
		config:   cfg,
		conns:    make(map[*ssh.ServerConn]struct{}),
	}, nil
}

// Serve accepts connections on l until l is closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("ssh gateway listening", zap.String("addr", l.Addr().String()))
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting and waits for live connections to wind down.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, nConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(nConn, s.config)
	if err != nil {
		nConn.Close()
		return
	}

	sessionID := sshConn.User()
	log := s.logger.WithSessionID(sessionID)

	// Resolve the routing key before accepting any channel: an unknown
	// session or a sandbox that isn't running closes the connection right
	// after the handshake.
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess.Status != model.SessionStatusRunning {
		log.Debug("rejecting ssh connection", zap.Error(err))
		sshConn.Close()
		return
	}
	if info, err := s.provider.Get(ctx, sessionID); err != nil || info.Status != sandbox.StatusRunning {
		log.Debug("sandbox not running; closing ssh connection")
		sshConn.Close()
		return
	}

	s.mu.Lock()
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		sshConn.Close()
	}()

	user := s.execUser(ctx, sessionID)

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, chReqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleSession(ctx, log, sessionID, user, ch, chReqs)
			}()

		case "direct-tcpip":
			fwd := parseDirectTCPIPRequest(newChan.ExtraData())
			if fwd.DestHost == "" {
				newChan.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
				continue
			}
			ch, chReqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(chReqs)
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleDirectTCPIP(ctx, log, sessionID, user, fwd, ch)
			}()

		default:
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
	wg.Wait()
}

// execUser resolves the sandbox's default "uid:gid"; empty means the
// backend's default user.
func (s *Server) execUser(ctx context.Context, sessionID string) string {
	info, err := s.provider.UserInfo(ctx, sessionID)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d:%d", info.UID, info.GID)
}

// sessionState accumulates pty/env requests until shell/exec/subsystem
// starts the channel's work.
type sessionState struct {
	env  map[string]string
	pty  *ptyRequest
	term sandbox.PTY // set once a shell attaches, for window-change
}

func (s *Server) handleSession(ctx context.Context, log *logger.Logger, sessionID, user string, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	state := &sessionState{env: make(map[string]string)}

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			pty := parsePTYRequest(req.Payload)
			state.pty = &pty
			if pty.Term != "" {
				state.env["TERM"] = pty.Term
			}
			req.Reply(true, nil)

		case "env":
			env := parseEnvRequest(req.Payload)
			if env.Name != "" {
				state.env[env.Name] = env.Value
			}
			req.Reply(true, nil)

		case "shell":
			req.Reply(true, nil)
			s.runShell(ctx, log, sessionID, user, state, ch, reqs)
			return

		case "exec":
			exec := parseExecRequest(req.Payload)
			req.Reply(true, nil)
			s.runExec(ctx, log, sessionID, user, state, exec.Command, ch)
			return

		case "subsystem":
			sub := parseSubsystemRequest(req.Payload)
			if sub.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.runSFTP(ctx, log, sessionID, user, ch)
			return

		case "window-change":
			wc := parseWindowChangeRequest(req.Payload)
			if state.term != nil && wc.Rows > 0 && wc.Cols > 0 {
				_ = state.term.Resize(uint16(wc.Rows), uint16(wc.Cols))
				s.recordTerminalEvent(ctx, sessionID, "resize",
					fmt.Sprintf(`{"cols":%d,"rows":%d}`, wc.Cols, wc.Rows))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		default:
			req.Reply(false, nil)
		}
	}
}

// runShell attaches a PTY in the sandbox and bridges it with the
// channel, handling window-change on the remaining request stream.
func (s *Server) runShell(ctx context.Context, log *logger.Logger, sessionID, user string, state *sessionState, ch ssh.Channel, reqs <-chan *ssh.Request) {
	opts := sandbox.PTYOpts{Env: state.env, User: user}
	if state.pty != nil {
		opts.Rows = uint16(state.pty.Rows)
		opts.Cols = uint16(state.pty.Cols)
	}

	term, err := s.provider.Attach(ctx, sessionID, opts)
	if err != nil {
		log.Warn("pty attach failed", zap.Error(err))
		sendExitStatus(ch, 1)
		return
	}
	defer term.Close()
	state.term = term

	go func() {
		for req := range reqs {
			if req.Type == "window-change" {
				wc := parseWindowChangeRequest(req.Payload)
				if wc.Rows > 0 && wc.Cols > 0 {
					_ = term.Resize(uint16(wc.Rows), uint16(wc.Cols))
					s.recordTerminalEvent(ctx, sessionID, "resize", fmt.Sprintf(`{"cols":%d,"rows":%d}`, wc.Cols, wc.Rows))
				}
			}
			if req.WantReply {
				req.Reply(req.Type == "window-change", nil)
			}
		}
	}()

	s.recordTerminalEvent(ctx, sessionID, "shell_open",
		fmt.Sprintf(`{"cols":%d,"rows":%d}`, opts.Cols, opts.Rows))

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(term, ch)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(ch, term)
		done <- struct{}{}
	}()

	<-done
	code, err := term.Wait(ctx)
	if err != nil {
		code = 1
	}
	s.recordTerminalEvent(ctx, sessionID, "shell_exit", fmt.Sprintf(`{"exitCode":%d}`, code))
	sendExitStatus(ch, code)
}

// recordTerminalEvent appends to the session's terminal history;
// failures only cost the replay log, never the live channel.
func (s *Server) recordTerminalEvent(ctx context.Context, sessionID, kind, data string) {
	err := s.store.AppendTerminalEvent(ctx, &model.TerminalHistoryEntry{
		SessionID: sessionID,
		Kind:      kind,
		Data:      []byte(data),
	})
	if err != nil {
		s.logger.Debug("terminal history append failed", zap.Error(err))
	}
}

// runExec runs one command to completion, writes its output, and
// propagates the exit status.
func (s *Server) runExec(ctx context.Context, log *logger.Logger, sessionID, user string, state *sessionState, command string, ch ssh.Channel) {
	res, err := s.provider.Exec(ctx, sessionID, []string{"/bin/sh", "-c", command}, sandbox.ExecOpts{
		Env:  state.env,
		User: user,
	})
	if err != nil {
		log.Warn("exec failed", zap.String("command", command), zap.Error(err))
		fmt.Fprintf(ch.Stderr(), "exec failed: %v\n", err)
		sendExitStatus(ch, 1)
		return
	}
	if len(res.Stdout) > 0 {
		ch.Write(res.Stdout)
	}
	if len(res.Stderr) > 0 {
		ch.Stderr().Write(res.Stderr)
	}
	sendExitStatus(ch, res.ExitCode)
}

// runSFTP bridges the channel to an sftp-server process in the sandbox.
func (s *Server) runSFTP(ctx context.Context, log *logger.Logger, sessionID, user string, ch ssh.Channel) {
	stream, err := s.provider.ExecStream(ctx, sessionID, []string{sftpServerPath}, sandbox.StreamOpts{User: user})
	if err != nil {
		log.Warn("sftp start failed", zap.Error(err))
		sendExitStatus(ch, 1)
		return
	}
	defer stream.Close()

	bridgeStream(ctx, ch, stream)
	code, err := stream.Wait(ctx)
	if err != nil {
		code = 1
	}
	sendExitStatus(ch, code)
}

// handleDirectTCPIP tunnels the channel to dest via socat in the
// sandbox, so forwarded ports resolve against the sandbox's network
// namespace.
func (s *Server) handleDirectTCPIP(ctx context.Context, log *logger.Logger, sessionID, user string, fwd directTCPIPRequest, ch ssh.Channel) {
	defer ch.Close()

	dest := net.JoinHostPort(fwd.DestHost, strconv.Itoa(int(fwd.DestPort)))
	stream, err := s.provider.ExecStream(ctx, sessionID, []string{"socat", "-", "TCP:" + dest}, sandbox.StreamOpts{User: user})
	if err != nil {
		log.Warn("tcp forward failed", zap.String("dest", dest), zap.Error(err))
		return
	}
	defer stream.Close()

	bridgeStream(ctx, ch, stream)
}

// bridgeStream copies bytes both ways with a drain-on-close barrier:
// when the client half-closes, the stream's write side closes so the
// remote process sees EOF, and pending output keeps draining before the
// exit status is sent.
func bridgeStream(ctx context.Context, ch ssh.Channel, stream sandbox.Stream) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(stream, ch)
		stream.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(ch, stream)
		ch.CloseWrite()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

func sendExitStatus(ch ssh.Channel, code int) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: uint32(code)}))
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	return s.Serve(ctx, l)
}
