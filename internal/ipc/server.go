package ipc

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
	"github.com/childguard/daemon/pkg/logger"
)

// DecisionEngine is the consumer-side interface over *engine.Engine that
// the Decision API handler drives.
type DecisionEngine interface {
	Decide(ctx context.Context, systemUser string, key domain.DecisionKey) (domain.Decision, error)
}

// Server accepts connections on a Unix domain socket and dispatches
// frames per spec.md §6's Decision API and Admin API, both carried over
// the same bespoke binary framing negotiated by Hello.
type Server struct {
	socketPath string
	readTimeout time.Duration
	decider    DecisionEngine
	admin      *AdminHandler
	minter     *TokenMinter
	log        logger.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(socketPath string, readTimeout time.Duration, decider DecisionEngine, admin *AdminHandler, minter *TokenMinter, log logger.Logger) *Server {
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	return &Server{socketPath: socketPath, readTimeout: readTimeout, decider: decider, admin: admin, minter: minter, log: log.With("ipc")}
}

// Serve listens on the configured socket and accepts connections until
// ctx is cancelled or Close is called. The socket path is removed first
// in case a prior daemon crashed without cleaning it up.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errs.Wrap(errs.CodeConfigInvalid, "listening on ipc socket", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return errs.Wrap(errs.CodeConfigInvalid, "restricting ipc socket permissions", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.Wrap(errs.CodeStoreUnavailable, "accepting ipc connection", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close shuts the listener down. It does not wait for connections already
// accepted; each ends when its next frame read fails or times out.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var hello Hello
	if _, err := readFrame(conn, &hello); err != nil {
		s.log.Warn("ipc hello read failed", "error", err)
		return
	}
	if hello.ProtocolVersion != ProtocolVersion {
		writeFrame(conn, TagHelloAck, HelloAck{ProtocolVersion: ProtocolVersion, Err: "protocol version mismatch"})
		return
	}
	isAdmin := hello.CallerKind == "admin"
	if isAdmin {
		if err := s.minter.Verify(hello.Token); err != nil {
			writeFrame(conn, TagHelloAck, HelloAck{ProtocolVersion: ProtocolVersion, Err: "unauthorized"})
			return
		}
	}
	if err := writeFrame(conn, TagHelloAck, HelloAck{ProtocolVersion: ProtocolVersion}); err != nil {
		return
	}

	caller := hello.CallerKind
	for {
		if s.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		var tag Tag
		var err error
		switch {
		case isAdmin:
			tag, err = s.serveAdminFrame(ctx, conn, caller)
		default:
			tag, err = s.serveDecisionFrame(ctx, conn, caller)
		}
		if err != nil {
			return
		}
		if tag == TagClose {
			return
		}
	}
}

func (s *Server) serveDecisionFrame(ctx context.Context, conn net.Conn, caller string) (Tag, error) {
	var req DecisionRequestMsg
	tag, err := readFrame(conn, &req)
	if err != nil {
		return tag, err
	}
	if tag == TagClose {
		return tag, nil
	}
	if tag != TagDecisionRequest {
		writeFrame(conn, TagDecisionResponse, DecisionResponseMsg{Err: "unexpected frame tag"})
		return tag, nil
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if req.DeadlineMS > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	key := domain.DecisionKey{
		Kind:      domain.DecisionKind(req.Key.Kind),
		Subject:   req.Key.Subject,
		Category:  req.Key.Category,
		Interface: req.Key.Interface,
	}
	decision, err := s.decider.Decide(reqCtx, req.SystemUser, key)
	resp := DecisionResponseMsg{
		Verdict:       string(decision.Verdict),
		Reason:        decision.Reason,
		RewriteHint:   decision.RewriteHint,
		PolicyVersion: decision.PolicyVer,
		EvaluatedAt:   decision.DecidedAt,
	}
	if err != nil {
		resp.Err = err.Error()
	}
	if werr := writeFrame(conn, TagDecisionResponse, resp); werr != nil {
		return tag, werr
	}
	return tag, nil
}

func (s *Server) serveAdminFrame(ctx context.Context, conn net.Conn, caller string) (Tag, error) {
	var req AdminRequestMsg
	tag, err := readFrame(conn, &req)
	if err != nil {
		return tag, err
	}
	if tag == TagClose {
		return tag, nil
	}
	if tag != TagAdminRequest {
		writeFrame(conn, TagAdminResponse, AdminResponseMsg{Err: "unexpected frame tag"})
		return tag, nil
	}

	result, opErr := s.admin.Dispatch(ctx, caller, req.Op, req.Params)
	resp := AdminResponseMsg{Success: opErr == nil}
	if opErr != nil {
		resp.Err = opErr.Error()
	} else {
		resp.Result = json.RawMessage(result)
	}
	if werr := writeFrame(conn, TagAdminResponse, resp); werr != nil {
		return tag, werr
	}
	return tag, nil
}
