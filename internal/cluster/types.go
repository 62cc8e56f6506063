package cluster

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// RangeSize is the number of ports in every role's data and control range.
const RangeSize = 20

// Role identifies which tier a node belongs to. Each role owns an independent
// port range on both planes so that nodes of different tiers never contend for
// the same ports on a shared host.
type Role int

const (
	// RoleLocalization is the membership registry tier.
	RoleLocalization Role = iota
	// RoleProxy is the caching tier clients talk to.
	RoleProxy
	// RoleApplication is the store-of-record tier.
	RoleApplication
)

// String returns the lowercase role name used in logs and metrics labels.
func (r Role) String() string {
	switch r {
	case RoleLocalization:
		return "localization"
	case RoleProxy:
		return "proxy"
	case RoleApplication:
		return "application"
	default:
		return "role(" + strconv.Itoa(int(r)) + ")"
	}
}

// DataPorts returns the data-plane port range for the role.
func (r Role) DataPorts() PortRange {
	switch r {
	case RoleLocalization:
		return PortRange{Base: 8400, Size: RangeSize}
	case RoleProxy:
		return PortRange{Base: 8420, Size: RangeSize}
	case RoleApplication:
		return PortRange{Base: 8440, Size: RangeSize}
	default:
		return EphemeralPorts
	}
}

// ControlPorts returns the control-plane port range for the role.
func (r Role) ControlPorts() PortRange {
	switch r {
	case RoleLocalization:
		return PortRange{Base: 8500, Size: RangeSize}
	case RoleProxy:
		return PortRange{Base: 8520, Size: RangeSize}
	case RoleApplication:
		return PortRange{Base: 8540, Size: RangeSize}
	default:
		return EphemeralPorts
	}
}

// PortRange is a contiguous block of ports [Base, Base+Size).
// A zero Base means the operating system picks the port.
type PortRange struct {
	Base int
	Size int
}

// EphemeralPorts lets the operating system choose a free port.
var EphemeralPorts = PortRange{}

// Ephemeral reports whether the range delegates port choice to the OS.
func (p PortRange) Ephemeral() bool {
	return p.Base == 0
}

// NodeAddress pairs a node's data-plane address with its control-plane
// address. Two addresses are the same node iff both fields are equal, so the
// struct is used directly as a map key and compared with ==.
type NodeAddress struct {
	Data    string `json:"data"`
	Control string `json:"control"`
}

// IsZero reports whether the address is unset.
func (a NodeAddress) IsZero() bool {
	return a.Data == "" && a.Control == ""
}

// String renders the address as "data|control".
func (a NodeAddress) String() string {
	return a.Data + "|" + a.Control
}

// JoinHostPort builds a "host:port" address string.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Order is the business entity managed by the service.
// Code is nil until the Application store assigns it on create.
type Order struct {
	Code        *int64     `json:"code,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	DoneAt      *time.Time `json:"done_at,omitempty"`
}

// NewOrder creates an order without a code, stamped with the current time.
func NewOrder(name, description string) Order {
	return Order{
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
}

// CodeValue returns the order code, or 0 when it has not been assigned.
func (o Order) CodeValue() int64 {
	if o.Code == nil {
		return 0
	}
	return *o.Code
}

// WithCode returns a copy of the order carrying the given code.
func (o Order) WithCode(code int64) Order {
	o.Code = &code
	return o
}

// Done reports whether the order has been completed.
func (o Order) Done() bool {
	return o.DoneAt != nil
}

// String renders a short human-readable description.
func (o Order) String() string {
	if o.Code == nil {
		return fmt.Sprintf("order(new %q)", o.Name)
	}
	return fmt.Sprintf("order(#%d %q)", *o.Code, o.Name)
}

// CodePtr returns a pointer to a copy of code, convenient for literals.
func CodePtr(code int64) *int64 {
	return &code
}
