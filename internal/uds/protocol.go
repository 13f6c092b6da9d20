// Package uds implements the Unix domain socket control channel between the
// acd CLI and the daemon.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside the daemon directory.
const DefaultSocketName = "acd.sock"

const maxFrameSize = 10 * 1024 * 1024

// Commands understood by the daemon.
const (
	CmdPing           = "ping"
	CmdSubmit         = "submit"
	CmdCancel         = "cancel"
	CmdMove           = "move"
	CmdStatus         = "status"
	CmdOperatorActive = "operator_active"
	CmdSweep          = "sweep"
	CmdShutdown       = "shutdown"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
)

// SubmitParams admits a call into a queue.
type SubmitParams struct {
	Queue        string `json:"queue"`
	Priority     int    `json:"priority"`
	CallerNumber string `json:"caller_number,omitempty"`
	CallerLeg    string `json:"caller_leg,omitempty"`
	Scenario     string `json:"scenario,omitempty"`
}

func (p SubmitParams) Validate() error {
	if p.Queue == "" {
		return errors.New("queue is required")
	}
	if p.Priority < 0 {
		return fmt.Errorf("priority %d is negative", p.Priority)
	}
	return nil
}

// SubmitResult reports where an admitted call landed.
type SubmitResult struct {
	RequestID int64  `json:"request_id"`
	Queue     string `json:"queue"`
	Position  int    `json:"position"`
}

type CancelParams struct {
	RequestID int64 `json:"request_id"`
}

func (p CancelParams) Validate() error {
	if p.RequestID <= 0 {
		return errors.New("request_id is required")
	}
	return nil
}

type CancelResult struct {
	RequestID int64  `json:"request_id"`
	Status    string `json:"status"`
}

type MoveParams struct {
	RequestID int64  `json:"request_id"`
	Queue     string `json:"queue"`
}

func (p MoveParams) Validate() error {
	switch {
	case p.RequestID <= 0:
		return errors.New("request_id is required")
	case p.Queue == "":
		return errors.New("queue is required")
	}
	return nil
}

type MoveResult struct {
	RequestID int64  `json:"request_id"`
	Queue     string `json:"queue"`
}

type OperatorActiveParams struct {
	OperatorID string `json:"operator_id"`
	Active     bool   `json:"active"`
}

func (p OperatorActiveParams) Validate() error {
	if p.OperatorID == "" {
		return errors.New("operator_id is required")
	}
	return nil
}

type OperatorActiveResult struct {
	OperatorID string `json:"operator_id"`
	Active     bool   `json:"active"`
}

// PingResult identifies the daemon process answering the socket.
type PingResult struct {
	Status string `json:"status"`
	PID    int    `json:"pid"`
}

// Ack acknowledges commands that carry no other result.
type Ack struct {
	Status string `json:"status"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request parameters into v.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("missing params for %s", r.Command)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("invalid params for %s: %w", r.Command, err)
	}
	return nil
}

// Decode unmarshals a successful response's data into v, or returns the
// error detail of a failed one.
func (r *Response) Decode(v any) error {
	if !r.Success {
		if r.Error == nil {
			return fmt.Errorf("request failed without detail")
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// WriteFrame writes a length-prefixed JSON frame to the connection.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from the connection.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
