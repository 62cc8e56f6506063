package cluster

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	node := NodeAddress{Data: "a:1", Control: "a:2"}
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"unknown operation", Request{Operation: "PING"}, true},
		{"localize", Request{Operation: OpLocalize}, false},
		{"list", Request{Operation: OpList}, false},
		{"count", Request{Operation: OpCount}, false},
		{"attach without node", Request{Operation: OpAttach}, true},
		{"attach", NewMembershipRequest(OpAttach, RoleProxy, node), false},
		{"detach", NewMembershipRequest(OpDetach, RoleProxy, node), false},
		{"create without order", Request{Operation: OpCreate}, true},
		{"create", NewOrderRequest(OpCreate, NewOrder("n", "d")), false},
		{"find without code", NewOrderRequest(OpFind, NewOrder("n", "d")), true},
		{"find", NewFindRequest(4), false},
		{"update", NewOrderRequest(OpUpdate, NewOrder("n", "d").WithCode(1)), false},
		{"delete without order", Request{Operation: OpDelete}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrDecode))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMembershipRequestKind(t *testing.T) {
	node := NodeAddress{Data: "a:1", Control: "a:2"}

	attach := NewMembershipRequest(OpAttach, RoleProxy, node)
	require.NotNil(t, attach.Notification)
	assert.Equal(t, NotifyAttach, attach.Notification.Kind)
	assert.Equal(t, RoleProxy, attach.Notification.Role)
	assert.Equal(t, node, attach.Notification.Node)

	detach := NewMembershipRequest(OpDetach, RoleApplication, node)
	assert.Equal(t, NotifyDetach, detach.Notification.Kind)
}

func TestResponseErr(t *testing.T) {
	assert.NoError(t, OKResponse().Err())

	err := ErrorResponse(ErrNotFound).Err()
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "order not found", err.Error())

	err = ErrorResponse(fmt.Errorf("%w: dial x", ErrConnection)).Err()
	assert.True(t, errors.Is(err, ErrConnection))
	assert.False(t, errors.Is(err, ErrNotFound))

	err = ErrorResponsef("boom %d", 1).Err()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "boom 1", err.Error())

	assert.Contains(t, Unsupported(RoleProxy, OpLocalize).Message, "unsupported operation")
}

func TestErrorResponsePutsSentinelFirst(t *testing.T) {
	resp := ErrorResponse(fmt.Errorf("find order 7: %w", ErrNotFound))
	assert.Equal(t, "order not found: find order 7: order not found", resp.Message)
	assert.True(t, errors.Is(resp.Err(), ErrNotFound))

	resp = ErrorResponse(fmt.Errorf("%w: find order 7", ErrNotFound))
	assert.Equal(t, "order not found: find order 7", resp.Message)
}

func TestResponseErrMatchesPrefixOnly(t *testing.T) {
	err := ErrorResponsef("upstream said: order not found").Err()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	err = ErrorResponsef("replay failed: connection failure").Err()
	assert.False(t, errors.Is(err, ErrConnection))

	err = Response{Status: StatusError, Message: "connection failure: dial x"}.Err()
	assert.True(t, errors.Is(err, ErrConnection))
}

func TestResponseConstructors(t *testing.T) {
	assert.Equal(t, int64(5), *CountResponse(5).Count)
	assert.NotNil(t, OrdersResponse(nil).Orders)
	assert.Nil(t, NodeResponse(nil).Node)

	node := NodeAddress{Data: "a:1", Control: "a:2"}
	resp := NodeResponse(&node)
	require.NotNil(t, resp.Node)
	assert.Equal(t, node, *resp.Node)

	o := NewOrder("n", "d").WithCode(2)
	assert.Equal(t, int64(2), OrderResponse(o).Order.CodeValue())
}

func TestOperationIsWrite(t *testing.T) {
	for _, op := range Operations {
		want := op == OpCreate || op == OpUpdate || op == OpDelete
		assert.Equal(t, want, op.IsWrite(), string(op))
	}
}
