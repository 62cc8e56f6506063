package cluster

import (
	"errors"
	"fmt"
	"strings"
)

// Operation is the tag carried by every data-plane request.
type Operation string

const (
	OpLocalize Operation = "LOCALIZE"
	OpAttach   Operation = "ATTACH"
	OpDetach   Operation = "DETACH"
	OpList     Operation = "LIST"
	OpCreate   Operation = "CREATE"
	OpFind     Operation = "FIND"
	OpUpdate   Operation = "UPDATE"
	OpDelete   Operation = "DELETE"
	OpCount    Operation = "COUNT"
)

// Operations lists every operation understood on the data plane.
var Operations = []Operation{
	OpLocalize, OpAttach, OpDetach, OpList, OpCreate, OpFind, OpUpdate, OpDelete, OpCount,
}

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	for _, known := range Operations {
		if op == known {
			return true
		}
	}
	return false
}

// IsWrite reports whether op mutates orders.
func (op Operation) IsWrite() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// Status is the outcome of a request.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

// NotificationKind tags a membership notification.
type NotificationKind string

const (
	NotifyAttach NotificationKind = "attach"
	NotifyDetach NotificationKind = "detach"
)

// Notification is the membership payload of ATTACH and DETACH requests.
// It is decoded once at the envelope boundary; handlers switch on Kind and
// Role instead of inspecting payload types.
type Notification struct {
	Kind NotificationKind `json:"kind"`
	Role Role             `json:"role"`
	Node NodeAddress      `json:"node"`
}

// Request is a single data-plane call.
type Request struct {
	ID           string        `json:"id,omitempty"`
	Operation    Operation     `json:"operation"`
	Order        *Order        `json:"order,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// Response is the reply to a Request.
type Response struct {
	Status  Status       `json:"status"`
	Message string       `json:"message,omitempty"`
	Order   *Order       `json:"order,omitempty"`
	Orders  []Order      `json:"orders,omitempty"`
	Count   *int64       `json:"count,omitempty"`
	Node    *NodeAddress `json:"node,omitempty"`
	Address string       `json:"address,omitempty"`
}

// OK reports whether the response succeeded.
func (r Response) OK() bool {
	return r.Status == StatusOK
}

// remoteErrors are the sentinels recognised in ERROR messages.
var remoteErrors = []error{
	ErrNotFound, ErrConnection, ErrUnsupportedOperation, ErrDecode, ErrNoProxy, ErrBindFailure, ErrPeerStatus,
}

// Err converts an ERROR response into an error. A message that starts with a
// sentinel's text maps back to it so callers can use errors.Is across the
// network boundary.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	if r.Message == "" {
		return errors.New("request failed")
	}
	for _, sentinel := range remoteErrors {
		if strings.HasPrefix(r.Message, sentinel.Error()) {
			return &remoteError{msg: r.Message, sentinel: sentinel}
		}
	}
	return errors.New(r.Message)
}

// remoteError keeps the peer's message verbatim while matching its sentinel.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// NewOrderRequest builds a request carrying an order payload.
func NewOrderRequest(op Operation, order Order) Request {
	return Request{Operation: op, Order: &order}
}

// NewFindRequest builds a FIND request for the given code.
func NewFindRequest(code int64) Request {
	return Request{Operation: OpFind, Order: &Order{Code: CodePtr(code)}}
}

// NewMembershipRequest builds an ATTACH or DETACH request announcing node.
func NewMembershipRequest(op Operation, role Role, node NodeAddress) Request {
	kind := NotifyAttach
	if op == OpDetach {
		kind = NotifyDetach
	}
	return Request{
		Operation:    op,
		Notification: &Notification{Kind: kind, Role: role, Node: node},
	}
}

// OKResponse is a bare successful response.
func OKResponse() Response {
	return Response{Status: StatusOK}
}

// OrderResponse wraps a single order.
func OrderResponse(order Order) Response {
	return Response{Status: StatusOK, Order: &order}
}

// OrdersResponse wraps a list of orders.
func OrdersResponse(orders []Order) Response {
	if orders == nil {
		orders = []Order{}
	}
	return Response{Status: StatusOK, Orders: orders}
}

// CountResponse wraps a count.
func CountResponse(n int64) Response {
	return Response{Status: StatusOK, Count: &n}
}

// NodeResponse wraps a node address; a nil node yields an OK response with no
// address (for example, DETACH of the last proxy).
func NodeResponse(node *NodeAddress) Response {
	if node == nil {
		return OKResponse()
	}
	n := *node
	return Response{Status: StatusOK, Node: &n}
}

// ErrorResponse builds an ERROR response from err. When err wraps a known
// sentinel the message starts with the sentinel's text.
func ErrorResponse(err error) Response {
	msg := err.Error()
	for _, sentinel := range remoteErrors {
		if errors.Is(err, sentinel) {
			if !strings.HasPrefix(msg, sentinel.Error()) {
				msg = sentinel.Error() + ": " + msg
			}
			break
		}
	}
	return Response{Status: StatusError, Message: msg}
}

// ErrorResponsef builds an ERROR response from a formatted message.
func ErrorResponsef(format string, args ...any) Response {
	return Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// Unsupported is the response of a node receiving an operation it does not
// implement.
func Unsupported(role Role, op Operation) Response {
	return ErrorResponse(fmt.Errorf("%w: %s does not handle %s", ErrUnsupportedOperation, role, op))
}

// Validate checks that a request carries the payload its operation needs.
func (r Request) Validate() error {
	if !r.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrDecode, r.Operation)
	}
	switch r.Operation {
	case OpAttach, OpDetach:
		if r.Notification == nil || r.Notification.Node.IsZero() {
			return fmt.Errorf("%w: %s requires a node notification", ErrDecode, r.Operation)
		}
	case OpCreate:
		if r.Order == nil {
			return fmt.Errorf("%w: %s requires an order", ErrDecode, r.Operation)
		}
	case OpFind, OpUpdate, OpDelete:
		if r.Order == nil || r.Order.Code == nil {
			return fmt.Errorf("%w: %s requires an order code", ErrDecode, r.Operation)
		}
	}
	return nil
}
