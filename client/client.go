// Package client talks to an nntpprox server: null-terminated JSON
// requests in, one null-terminated JSON response out per request.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/nntpprox/nntp"
	"github.com/migadu/nntpprox/server/proxy"
)

// ErrConnectionClosed is returned when the proxy hangs up instead of
// answering. The proxy does this when every upstream session is taken.
var ErrConnectionClosed = errors.New("proxy closed the connection")

// ErrClientBroken is returned by every request after an earlier one failed
// mid-exchange. The connection is closed by then; dial a new client.
var ErrClientBroken = errors.New("client connection is unusable after a failed request")

// ServerError is a NO response.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "proxy: " + e.Message
}

// Options configures a Client.
type Options struct {
	DialTimeout time.Duration // Default 10s
	Timeout     time.Duration // Per request when ctx has no deadline; 0 waits forever
}

// Client is one proxy connection. Requests are serialized; it is safe for
// concurrent use.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	broken  bool
}

// Dial connects to the proxy at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", addr, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), timeout: opts.Timeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and returns the payload of an OK response. A NO
// response is returned as *ServerError.
func (c *Client) Do(ctx context.Context, command string, args any) (json.RawMessage, error) {
	req, err := proxy.EncodeRequest(command, args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", command, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return nil, ErrClientBroken
	}
	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(req); err != nil {
		c.abandon()
		return nil, fmt.Errorf("failed to send %s: %w", command, err)
	}

	line, err := c.r.ReadBytes(proxy.Delimiter)
	if err != nil {
		// A partial reply may be buffered; the stream can't be resynchronized.
		c.abandon()
		if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("failed to read %s response: %w", command, err)
	}

	var resp struct {
		Status  string          `json:"RSP"`
		Payload json.RawMessage `json:"ARG"`
	}
	if err := json.Unmarshal(line[:len(line)-1], &resp); err != nil {
		return nil, fmt.Errorf("invalid response envelope: %w", err)
	}

	switch resp.Status {
	case proxy.StatusOK:
		return resp.Payload, nil
	case proxy.StatusNO:
		var msg string
		if err := json.Unmarshal(resp.Payload, &msg); err != nil {
			msg = string(resp.Payload)
		}
		return nil, &ServerError{Message: msg}
	default:
		return nil, fmt.Errorf("unexpected response status %q", resp.Status)
	}
}

func (c *Client) abandon() {
	c.broken = true
	c.conn.Close()
}

func (c *Client) applyDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline, ok = time.Now().Add(c.timeout), true
	}
	if !ok {
		return c.conn.SetDeadline(time.Time{})
	}
	return c.conn.SetDeadline(deadline)
}

func (c *Client) call(ctx context.Context, command string, args, out any) error {
	payload, err := c.Do(ctx, command, args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("invalid %s payload: %w", command, err)
	}
	return nil
}

type groupArgs struct {
	MessageSpec *nntp.MessageSpec `json:"message_spec,omitempty"`
	GroupName   string            `json:"group_name,omitempty"`
}

// GetGroups lists the upstream's newsgroups, optionally filtered by a
// wildmat prefix such as "alt.binaries.*".
func (c *Client) GetGroups(ctx context.Context, prefix string) ([]nntp.GroupEntry, error) {
	var args any
	if prefix != "" {
		args = map[string]string{"prefix": prefix}
	}
	var groups []nntp.GroupEntry
	if err := c.call(ctx, "GETGROUPS", args, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// Group selects a newsgroup on the connection's upstream session.
func (c *Client) Group(ctx context.Context, name string) (nntp.GroupInfo, error) {
	var info nntp.GroupInfo
	err := c.call(ctx, "GROUP", groupArgs{GroupName: name}, &info)
	return info, err
}

// GetGroup fetches overview data. group may be empty when a group was
// selected earlier on this connection.
func (c *Client) GetGroup(ctx context.Context, spec nntp.MessageSpec, group string) ([]nntp.Overview, error) {
	var overviews []nntp.Overview
	if err := c.call(ctx, "GETGROUP", groupArgs{MessageSpec: &spec, GroupName: group}, &overviews); err != nil {
		return nil, err
	}
	return overviews, nil
}

// GetHeader fetches one article's headers.
func (c *Client) GetHeader(ctx context.Context, spec nntp.MessageSpec, group string) (map[string]string, error) {
	var header map[string]string
	if err := c.call(ctx, "GETHEADER", groupArgs{MessageSpec: &spec, GroupName: group}, &header); err != nil {
		return nil, err
	}
	return header, nil
}

// Date returns the upstream server's clock.
func (c *Client) Date(ctx context.Context) (time.Time, error) {
	var s string
	if err := c.call(ctx, "DATE", nil, &s); err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid DATE payload: %w", err)
	}
	return t, nil
}
