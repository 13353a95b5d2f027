package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound          = errors.New("task not found")
	ErrInvalidTransition     = errors.New("task already in terminal state")
	ErrUnknownMethod         = errors.New("unknown method")
	ErrUnknownCapability     = errors.New("no agent provides capability")
	ErrRemoteUnavailable     = errors.New("remote agent unavailable")
	ErrDelegationTimeout     = errors.New("delegation timed out")
	ErrAlreadyRunning        = errors.New("agent already running")
	ErrNotRunning            = errors.New("agent not running")
	ErrStartTimeout          = errors.New("agent did not become live in time")
	ErrAgentNotConfigured    = errors.New("agent not configured")
	ErrWorkflowNotFound      = errors.New("workflow not found")
	ErrDeadLetterNotFound    = errors.New("dead letter not found")
	ErrAgentNotFound         = errors.New("agent not found")
	ErrProcessExitedEarly    = errors.New("agent process exited during startup")
	ErrDependencyUnavailable = errors.New("dependency not configured")
)

// ProtocolError is a malformed envelope or unknown method, rejected before a task exists.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCErr converts the error into its wire representation.
func (e *ProtocolError) RPCErr() *RPCError {
	return &RPCError{Code: e.Code, Message: e.Message}
}

func NewInvalidRequest() *ProtocolError {
	return &ProtocolError{Code: CodeInvalidRequest, Message: "Invalid Request"}
}

func NewMethodNotFound(method string) *ProtocolError {
	return &ProtocolError{Code: CodeMethodNotFound, Message: "Method not found: " + method}
}

// RemoteError is a network level failure talking to another agent.
type RemoteError struct {
	AgentID string
	Address string
	Op      string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.AgentID, e.Address, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *RemoteError) Unwrap() []error {
	return []error{ErrRemoteUnavailable, e.Err}
}

// HandlerError is a capability failure recorded on a task.
type HandlerError struct {
	Method  string
	AgentID string
	Message string
}

func (e *HandlerError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("%s failed on %s: %s", e.Method, e.AgentID, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

// SupervisorError is a start or stop failure surfaced by the process supervisor.
type SupervisorError struct {
	AgentID string
	Op      string
	Err     error
}

func (e *SupervisorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.AgentID, e.Err)
}

func (e *SupervisorError) Unwrap() error {
	return e.Err
}
