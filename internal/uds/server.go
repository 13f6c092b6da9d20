package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/acd/internal/acd"
	"github.com/msageha/acd/internal/model"
)

// Engine is the call-distribution surface the control socket drives.
// *acd.Dispatcher satisfies it.
type Engine interface {
	Submit(queue string, priority int, opts acd.RequestOptions) (*acd.QueueRequest, error)
	Cancel(id int64) error
	Move(ctx context.Context, id int64, queue string) error
	SetOperatorActive(id string, active bool) error
	Sweep(ctx context.Context)
	Snapshot() model.StateSnapshot
}

// handler serves one command. A returned error becomes an error response.
type handler func(ctx context.Context, req *Request) (any, error)

// Server answers control commands for an Engine. Every connection carries
// exactly one request frame and one response frame.
type Server struct {
	socketPath  string
	engine      Engine
	log         zerolog.Logger
	connTimeout time.Duration
	callTimeout time.Duration
	onShutdown  func()
	routes      map[string]handler

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewServer binds the command table to engine. Nothing listens until Start.
func NewServer(socketPath string, engine Engine, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		socketPath:  socketPath,
		engine:      engine,
		log:         logger.With().Str("component", "uds").Logger(),
		connTimeout: 30 * time.Second,
		callTimeout: 10 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.routes = map[string]handler{
		CmdPing:           s.ping,
		CmdStatus:         s.status,
		CmdSweep:          s.sweep,
		CmdShutdown:       s.shutdown,
		CmdSubmit:         withParams(s.submit),
		CmdCancel:         withParams(s.cancelCall),
		CmdMove:           withParams(s.move),
		CmdOperatorActive: withParams(s.operatorActive),
	}
	return s
}

// SetConnTimeout bounds how long one connection may stay open.
func (s *Server) SetConnTimeout(d time.Duration) { s.connTimeout = d }

// OnShutdown sets the callback a shutdown command runs on its own
// goroutine. Without one the command is refused.
func (s *Server) OnShutdown(fn func()) { s.onShutdown = fn }

// Start replaces any stale socket file and begins accepting connections.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info().Str("socket", s.socketPath).Int("commands", len(s.routes)).Msg("listening")
	return nil
}

// Stop closes the listener, waits for in-flight commands and removes the
// socket file. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		_ = os.Remove(s.socketPath)
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept_error")
			continue
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log.Debug().Err(err).Msg("read_request_failed")
		return
	}
	start := time.Now()
	resp := s.dispatch(&req)
	ev := s.log.Debug()
	if !resp.Success {
		ev = s.log.Info().Str("code", resp.Error.Code)
	}
	ev.Str("command", req.Command).Dur("took", time.Since(start)).Msg("command")

	if err := WriteFrame(conn, resp); err != nil {
		s.log.Debug().Err(err).Str("command", req.Command).Msg("write_response_failed")
	}
}

// dispatch routes req to its handler. A panicking handler still answers
// with an internal error.
func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}
	h, ok := s.routes[req.Command]
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Str("command", req.Command).Msg("handler_panic")
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s: internal error", req.Command))
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.callTimeout)
	defer cancel()
	data, err := h(ctx, req)
	if err != nil {
		return errorResponse(err)
	}
	return SuccessResponse(data)
}

// withParams decodes and validates the command parameters before fn runs.
func withParams[P interface{ Validate() error }](fn func(context.Context, P) (any, error)) handler {
	return func(ctx context.Context, req *Request) (any, error) {
		var p P
		if err := req.DecodeParams(&p); err != nil {
			return nil, validationError(err)
		}
		if err := p.Validate(); err != nil {
			return nil, validationError(fmt.Errorf("%s: %w", req.Command, err))
		}
		return fn(ctx, p)
	}
}

func validationError(err error) *ErrorDetail {
	return &ErrorDetail{Code: ErrCodeValidation, Message: err.Error()}
}

// errorResponse maps engine errors onto protocol codes.
func errorResponse(err error) *Response {
	var detail *ErrorDetail
	if errors.As(err, &detail) {
		return ErrorResponse(detail.Code, detail.Message)
	}
	code := ErrCodeInternal
	switch {
	case errors.Is(err, acd.ErrUnknownQueue),
		errors.Is(err, acd.ErrRequestNotFound),
		errors.Is(err, acd.ErrOperatorNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, acd.ErrInvalidPriority):
		code = ErrCodeValidation
	case errors.Is(err, acd.ErrAlreadyQueued),
		errors.Is(err, acd.ErrQueuedElsewhere),
		errors.Is(err, acd.ErrRequestBusy),
		errors.Is(err, acd.ErrInvalidRequest):
		code = ErrCodeConflict
	case errors.Is(err, acd.ErrDispatcherClosed):
		code = ErrCodeShuttingDown
	}
	return ErrorResponse(code, err.Error())
}

func (s *Server) ping(context.Context, *Request) (any, error) {
	return PingResult{Status: "ok", PID: os.Getpid()}, nil
}

func (s *Server) status(context.Context, *Request) (any, error) {
	return s.engine.Snapshot(), nil
}

func (s *Server) sweep(ctx context.Context, _ *Request) (any, error) {
	s.engine.Sweep(ctx)
	return Ack{Status: "swept"}, nil
}

func (s *Server) shutdown(context.Context, *Request) (any, error) {
	if s.onShutdown == nil {
		return nil, &ErrorDetail{Code: ErrCodeConflict, Message: "shutdown is not enabled on this socket"}
	}
	s.log.Info().Msg("shutdown_requested")
	go s.onShutdown()
	return Ack{Status: "shutdown_accepted"}, nil
}

func (s *Server) submit(_ context.Context, p SubmitParams) (any, error) {
	r, err := s.engine.Submit(p.Queue, p.Priority, acd.RequestOptions{
		CallerNumber: p.CallerNumber,
		CallerLeg:    acd.Leg(p.CallerLeg),
		Resources:    acd.Resources{Scenario: p.Scenario},
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Int64("request_id", r.ID()).Str("queue", p.Queue).Int("priority", p.Priority).Msg("call_submitted")
	return SubmitResult{RequestID: r.ID(), Queue: p.Queue, Position: r.Position()}, nil
}

func (s *Server) cancelCall(_ context.Context, p CancelParams) (any, error) {
	if err := s.engine.Cancel(p.RequestID); err != nil {
		return nil, err
	}
	return CancelResult{RequestID: p.RequestID, Status: "cancelled"}, nil
}

func (s *Server) move(ctx context.Context, p MoveParams) (any, error) {
	if err := s.engine.Move(ctx, p.RequestID, p.Queue); err != nil {
		return nil, err
	}
	return MoveResult{RequestID: p.RequestID, Queue: p.Queue}, nil
}

func (s *Server) operatorActive(_ context.Context, p OperatorActiveParams) (any, error) {
	if err := s.engine.SetOperatorActive(p.OperatorID, p.Active); err != nil {
		return nil, err
	}
	return OperatorActiveResult{OperatorID: p.OperatorID, Active: p.Active}, nil
}
