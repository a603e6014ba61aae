// Package rpc defines the wire protocol of the delegate-facing control
// plane channel.
//
// The transport is NATS request/reply. Account and delegate identity plus
// the delegate token ride in message headers, not in payload fields, so
// the auth gate can reject a call before the handler body ever decodes the
// request. Payloads are JSON envelopes with an explicit error code, which
// keeps ownership outcomes (stale epoch, not owner) distinguishable from
// transport failures.
package rpc

import (
	"errors"
	"time"

	"github.com/taskplane/taskplane/types"
)

// DefaultSubjectPrefix is the subject namespace of the control-plane RPCs.
// The three calls live at <prefix>.list, <prefix>.context and
// <prefix>.heartbeat.
const DefaultSubjectPrefix = "taskplane.rpc"

// Subject suffixes for the three calls.
const (
	SubjectList      = "list"
	SubjectContext   = "context"
	SubjectHeartbeat = "heartbeat"
)

// Header names carrying call identity.
const (
	HeaderAccount  = "Taskplane-Account"
	HeaderDelegate = "Taskplane-Delegate"
	HeaderToken    = "Taskplane-Token"
)

// ErrorCode identifies a call failure class on the wire.
type ErrorCode string

// Wire error codes.
const (
	CodeAccessDenied ErrorCode = "ACCESS_DENIED"
	CodeInvalidToken ErrorCode = "INVALID_TOKEN"
	CodeRevokedToken ErrorCode = "REVOKED_TOKEN"
	CodeExpiredToken ErrorCode = "EXPIRED_TOKEN"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeNotOwner     ErrorCode = "NOT_OWNER"
	CodeUnavailable  ErrorCode = "UNAVAILABLE"
	CodeBadRequest   ErrorCode = "BAD_REQUEST"
	CodeInternal     ErrorCode = "INTERNAL"
)

// CodeFor maps a server-side error to its wire code.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, types.ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, types.ErrInvalidToken):
		return CodeInvalidToken
	case errors.Is(err, types.ErrRevokedToken):
		return CodeRevokedToken
	case errors.Is(err, types.ErrExpiredToken):
		return CodeExpiredToken
	case errors.Is(err, types.ErrTaskNotFound):
		return CodeNotFound
	case errors.Is(err, types.ErrNotOwner):
		return CodeNotOwner
	case errors.Is(err, types.ErrStoreUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// ErrorFor maps a wire code back to the library's sentinel error, so
// client callers can use errors.Is the same way server callers do.
func ErrorFor(code ErrorCode) error {
	switch code {
	case CodeAccessDenied:
		return types.ErrAccessDenied
	case CodeInvalidToken:
		return types.ErrInvalidToken
	case CodeRevokedToken:
		return types.ErrRevokedToken
	case CodeExpiredToken:
		return types.ErrExpiredToken
	case CodeNotFound:
		return types.ErrTaskNotFound
	case CodeNotOwner:
		return types.ErrNotOwner
	case CodeUnavailable:
		return types.ErrStoreUnavailable
	case "":
		return nil
	default:
		return errors.New(string(code))
	}
}

// TaskRef identifies one task a delegate now owns.
//
// Epoch is included so the delegate can present it on heartbeats; a
// reassignment bumps it server-side, which is how the previous assignee's
// heartbeats become rejectable.
type TaskRef struct {
	ID    string         `json:"id"`
	Type  types.TaskType `json:"type"`
	Epoch uint64         `json:"epoch"`
}

// ListRequest is the List call payload. Identity is in headers; the body
// is empty today and exists for forward compatibility.
type ListRequest struct{}

// ListResponse carries the ids now owned by the calling delegate, newly
// assigned plus reconfirmed.
type ListResponse struct {
	OK    bool      `json:"ok"`
	Error ErrorCode `json:"error,omitempty"`
	Tasks []TaskRef `json:"tasks,omitempty"`
}

// ContextRequest asks for the execution context of one owned task.
type ContextRequest struct {
	ID string `json:"id"`
}

// ContextResponse returns the opaque parameter blob and resolved schedule.
type ContextResponse struct {
	OK       bool               `json:"ok"`
	Error    ErrorCode          `json:"error,omitempty"`
	Params   types.ClientParams `json:"params,omitempty"`
	Schedule types.Schedule     `json:"schedule,omitzero"`
}

// HeartbeatRequest reports liveness for one owned task.
//
// Timestamp is the delegate's local send time, recorded for diagnostics
// only; the control plane stamps accepted heartbeats with its own clock so
// delegate clock skew cannot affect sweep decisions.
type HeartbeatRequest struct {
	ID        string    `json:"id"`
	Epoch     uint64    `json:"epoch"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Result    []byte    `json:"result,omitempty"`
}

// HeartbeatResponse acknowledges the call. Accepted=false is not an
// error: it is the signal that the caller has been superseded and should
// stop executing the task locally.
type HeartbeatResponse struct {
	OK       bool      `json:"ok"`
	Error    ErrorCode `json:"error,omitempty"`
	Accepted bool      `json:"accepted"`
}
