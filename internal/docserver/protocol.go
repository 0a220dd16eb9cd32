package docserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/tasksync/internal/docstore"
)

// Op names a request operation.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpRead        Op = "read"
	OpArrayUnion  Op = "arrayUnion"
	OpArrayRemove Op = "arrayRemove"
	OpOverwrite   Op = "overwrite"
	OpRemoveByKey Op = "removeByKey"
	OpUpdateByKey Op = "updateByKey"
	OpCreate      Op = "create"
)

// Request is sent by clients. ID is chosen by the client and echoed in the
// reply; for OpSubscribe it also names the subscription in later pushes.
type Request struct {
	ID        uint64             `json:"id"`
	Op        Op                 `json:"op"`
	Key       string             `json:"key,omitempty"`
	Field     string             `json:"field,omitempty"`
	IDField   string             `json:"idField,omitempty"`
	ElementID string             `json:"elementId,omitempty"`
	Element   docstore.Element   `json:"element,omitempty"`
	Elements  []docstore.Element `json:"elements,omitempty"`
	Changes   map[string]any     `json:"changes,omitempty"`
	Fields    map[string]any     `json:"fields,omitempty"`
	Sub       uint64             `json:"sub,omitempty"`
}

// MessageType defines the type of a server message.
type MessageType string

const (
	// MessageTypeReply answers the request with the same ID.
	MessageTypeReply MessageType = "reply"

	// MessageTypeSnapshot carries a committed document for subscription Sub.
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeError ends subscription Sub.
	MessageTypeError MessageType = "error"
)

// Message is sent by the server.
type Message struct {
	Type     MessageType        `json:"type"`
	ID       uint64             `json:"id,omitempty"`
	Sub      uint64             `json:"sub,omitempty"`
	OK       bool               `json:"ok,omitempty"`
	Error    string             `json:"error,omitempty"`
	Code     string             `json:"code,omitempty"`
	Removed  int                `json:"removed,omitempty"` // arrayRemove, removeByKey
	Matched  int                `json:"matched,omitempty"` // updateByKey
	Snapshot *docstore.Snapshot `json:"snapshot,omitempty"`
}

// Error codes carried in Message.Code.
const (
	CodeNotFound      = "not_found"
	CodeAlreadyExists = "already_exists"
	CodeUnavailable   = "unavailable"
	CodeFieldType     = "field_type"
	CodeClosed        = "closed"
	CodeBadRequest    = "bad_request"
	CodeCanceled      = "canceled"
	CodeInternal      = "internal"
)

// ErrBadRequest is returned for malformed or unknown requests.
var ErrBadRequest = errors.New("bad request")

// Code returns the wire code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, docstore.ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, docstore.ErrFieldType):
		return CodeFieldType
	case errors.Is(err, docstore.ErrClosed):
		return CodeClosed
	case errors.Is(err, docstore.ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeInternal
	}
}

// Decode rebuilds an error from a wire code and message so that errors.Is
// matches the sentinel the server saw. A closed store on the server is
// unavailable from the client's point of view.
func Decode(code, msg string) error {
	var sentinel error
	switch code {
	case CodeNotFound:
		sentinel = docstore.ErrNotFound
	case CodeAlreadyExists:
		sentinel = docstore.ErrAlreadyExists
	case CodeFieldType:
		sentinel = docstore.ErrFieldType
	case CodeUnavailable, CodeClosed:
		sentinel = docstore.ErrUnavailable
	case CodeBadRequest:
		sentinel = ErrBadRequest
	case CodeCanceled:
		sentinel = context.Canceled
	default:
		return fmt.Errorf("remote error: %s", msg)
	}
	return fmt.Errorf("%w (remote: %s)", sentinel, msg)
}

// validate checks that a request carries what its op needs.
func (r Request) validate() error {
	if r.ID == 0 {
		return fmt.Errorf("%w: missing id", ErrBadRequest)
	}
	switch r.Op {
	case OpUnsubscribe:
		if r.Sub == 0 {
			return fmt.Errorf("%w: missing sub", ErrBadRequest)
		}
		return nil
	case OpSubscribe, OpRead, OpCreate:
	case OpArrayUnion, OpArrayRemove:
		if r.Field == "" || r.Element == nil {
			return fmt.Errorf("%w: %s needs field and element", ErrBadRequest, r.Op)
		}
	case OpOverwrite:
		if r.Field == "" {
			return fmt.Errorf("%w: overwrite needs field", ErrBadRequest)
		}
	case OpRemoveByKey, OpUpdateByKey:
		if r.Field == "" || r.IDField == "" || r.ElementID == "" {
			return fmt.Errorf("%w: %s needs field, idField and elementId", ErrBadRequest, r.Op)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrBadRequest, r.Op)
	}
	if r.Key == "" {
		return fmt.Errorf("%w: missing key", ErrBadRequest)
	}
	return nil
}
