package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds every peer call that does not carry its own deadline.
const DefaultTimeout = 5 * time.Second

var httpClient = &http.Client{Timeout: DefaultTimeout}

// Send performs one data-plane round trip: dial addr, write req, read one
// Response. It never returns an error; any I/O or decode failure is reported
// as an ERROR response so callers can treat local and remote failures alike.
func Send(ctx context.Context, addr string, req Request) Response {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ErrorResponse(fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err))
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return ErrorResponse(fmt.Errorf("%w: write %s: %v", ErrConnection, addr, err))
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return ErrorResponse(fmt.Errorf("%w: read %s: %v", ErrDecode, addr, err))
	}
	if resp.Status == "" {
		return ErrorResponse(fmt.Errorf("%w: empty status from %s", ErrDecode, addr))
	}
	return resp
}

// ControlURL joins a control-plane address and a path into an http URL.
func ControlURL(addr, path string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + path
	}
	return "http://" + addr + path
}

// PostJSON posts body as JSON to url and decodes the reply into out when out
// is non-nil. Transport failures wrap ErrConnection.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpError(url, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// GetJSON fetches url and decodes the JSON reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpError(url, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

func httpError(url string, resp *http.Response) error {
	return fmt.Errorf("%w: %s: %d", ErrPeerStatus, url, resp.StatusCode)
}

// Retry calls fn up to attempts times, sleeping delay between failures.
// It returns nil on the first success and the last error otherwise.
// ErrNotFound is treated as a definitive answer and not retried.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}
