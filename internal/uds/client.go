package uds

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/msageha/acd/internal/model"
)

// ErrDaemonUnavailable means nothing answered on the control socket.
var ErrDaemonUnavailable = errors.New("daemon not reachable")

// Client issues control commands to a running daemon, one connection per
// command.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// SetTimeout bounds dialling plus the whole exchange.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

func (c *Client) Ping() (PingResult, error) {
	var res PingResult
	err := c.call(CmdPing, nil, &res)
	return res, err
}

// Submit queues a call and reports its id and starting position.
func (c *Client) Submit(p SubmitParams) (SubmitResult, error) {
	var res SubmitResult
	if err := p.Validate(); err != nil {
		return res, validationError(err)
	}
	err := c.call(CmdSubmit, p, &res)
	return res, err
}

func (c *Client) Cancel(requestID int64) (CancelResult, error) {
	var res CancelResult
	err := c.call(CmdCancel, CancelParams{RequestID: requestID}, &res)
	return res, err
}

// Move relocates a waiting call to another queue.
func (c *Client) Move(requestID int64, queue string) (MoveResult, error) {
	var res MoveResult
	err := c.call(CmdMove, MoveParams{RequestID: requestID, Queue: queue}, &res)
	return res, err
}

func (c *Client) SetOperatorActive(operatorID string, active bool) (OperatorActiveResult, error) {
	var res OperatorActiveResult
	err := c.call(CmdOperatorActive, OperatorActiveParams{OperatorID: operatorID, Active: active}, &res)
	return res, err
}

// Status returns the live queue and operator snapshot.
func (c *Client) Status() (model.StateSnapshot, error) {
	var snap model.StateSnapshot
	err := c.call(CmdStatus, nil, &snap)
	return snap, err
}

func (c *Client) Sweep() (Ack, error) {
	var res Ack
	err := c.call(CmdSweep, nil, &res)
	return res, err
}

// Shutdown asks the daemon to stop. It returns once the request is
// accepted, not when the daemon has exited.
func (c *Client) Shutdown() (Ack, error) {
	var res Ack
	err := c.call(CmdShutdown, nil, &res)
	return res, err
}

func (c *Client) call(command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}

func (c *Client) roundTrip(req *Request) (*Response, error) {
	deadline := time.Now().Add(c.timeout)
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v (start it with: acd daemon)", ErrDaemonUnavailable, c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}
