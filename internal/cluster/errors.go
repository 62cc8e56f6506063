package cluster

import "errors"

var (
	// ErrBindFailure is returned when a node cannot bind a port in its range
	// after exhausting all attempts.
	ErrBindFailure = errors.New("bind failure")

	// ErrConnection is returned when a peer cannot be reached.
	ErrConnection = errors.New("connection failure")

	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")

	// ErrUnsupportedOperation is returned when a node receives an operation
	// it does not implement.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrDecode is returned when a payload cannot be decoded.
	ErrDecode = errors.New("decode failure")

	// ErrNoProxy is returned by LOCALIZE when no proxy is attached.
	ErrNoProxy = errors.New("no proxy available")

	// ErrPeerStatus is returned when a control-plane call gets a non-2xx
	// reply, including 404 for an unknown path.
	ErrPeerStatus = errors.New("unexpected peer status")
)
