package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/migadu/nntpprox/nntp"
	"github.com/stretchr/testify/require"
)

var testDate = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeBackend stands in for an upstream NNTP session.
type fakeBackend struct {
	mu        sync.Mutex
	groups    []nntp.GroupEntry
	overviews []nntp.Overview
	header    map[string]string
	panicOn   string

	calls  []string
	closed int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		groups: []nntp.GroupEntry{
			{Group: "alt.binaries.test", First: 1, Last: 100, Flag: "y"},
			{Group: "alt.binaries.misc", First: 50, Last: 60, Flag: "m"},
		},
		overviews: []nntp.Overview{
			{Article: 1, Headers: map[string]string{"subject": "first", "message-id": "<1@example.com>"}},
			{Article: 2, Headers: map[string]string{"subject": "second", "message-id": "<2@example.com>"}},
		},
		header: map[string]string{"subject": "hello", "message-id": "<1@example.com>"},
	}
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	if b.panicOn != "" && strings.HasPrefix(call, b.panicOn) {
		panic("backend exploded")
	}
}

func (b *fakeBackend) callLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBackend) GetGroups(ctx context.Context, pattern string) ([]nntp.GroupEntry, error) {
	b.record("GetGroups " + pattern)
	return b.groups, nil
}

func (b *fakeBackend) Group(ctx context.Context, name string) (nntp.GroupInfo, error) {
	b.record("Group " + name)
	if name == "no.such" {
		return nntp.GroupInfo{}, &nntp.ProtocolError{Code: 411, Msg: "no such group"}
	}
	return nntp.GroupInfo{Count: 3, First: 1, Last: 3, Group: name}, nil
}

func (b *fakeBackend) GetGroup(ctx context.Context, spec nntp.MessageSpec, groupName string) ([]nntp.Overview, error) {
	b.record(fmt.Sprintf("GetGroup %s %s", spec, groupName))
	return b.overviews, nil
}

func (b *fakeBackend) GetHeader(ctx context.Context, spec nntp.MessageSpec, groupName string) (map[string]string, error) {
	b.record(fmt.Sprintf("GetHeader %s %s", spec, groupName))
	return b.header, nil
}

func (b *fakeBackend) Date(ctx context.Context) (time.Time, error) {
	b.record("Date")
	return testDate, nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

// fakeFactory hands out fakeBackends, or fails with err when set.
type fakeFactory struct {
	mu       sync.Mutex
	err      error
	prepare  func(*fakeBackend)
	opened   []*fakeBackend
	attempts int
}

func (f *fakeFactory) Open(ctx context.Context) (Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return nil, f.err
	}
	b := newFakeBackend()
	if f.prepare != nil {
		f.prepare(b)
	}
	f.opened = append(f.opened, b)
	return b, nil
}

func (f *fakeFactory) backends() []*fakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeBackend(nil), f.opened...)
}

func (f *fakeFactory) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// startServer serves on a loopback port and returns the server, its address
// and the channel receiving Serve's result.
func startServer(t *testing.T, factory BackendFactory, opts Options) (*Server, string, <-chan error) {
	t.Helper()
	if opts.MaxSessions == 0 {
		opts.MaxSessions = 4
	}
	if opts.WriteRetryBackoff == 0 {
		opts.WriteRetryBackoff = 10 * time.Millisecond
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := New(context.Background(), factory, opts)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() { srv.Close() })

	return srv, ln.Addr().String(), done
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(raw string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(raw))
	require.NoError(c.t, err)
}

// receive reads one delimited message, delimiter included.
func (c *testClient) receive() []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := c.r.ReadBytes(Delimiter)
	require.NoError(c.t, err)
	return msg
}

// expectClosed asserts the server closes the connection without sending
// anything more.
func (c *testClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	n, err := c.r.Read(buf)
	require.Equal(c.t, 0, n)
	require.Error(c.t, err)
	var netErr net.Error
	require.False(c.t, errors.As(err, &netErr) && netErr.Timeout(), "connection was not closed")
}

// scriptedConn is a net.Conn whose writes follow a script; reads block
// until Close.
type scriptedConn struct {
	mu      sync.Mutex
	written []byte
	// write decides how many bytes of p the call accepts and what it returns.
	write  func(call int, p []byte) (int, error)
	calls  int
	closed chan struct{}
	once   sync.Once
}

func newScriptedConn(write func(call int, p []byte) (int, error)) *scriptedConn {
	return &scriptedConn{write: write, closed: make(chan struct{})}
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	n, err := c.write(c.calls, p)
	c.written = append(c.written, p[:n]...)
	return n, err
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written...)
}

func (c *scriptedConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1701} }
func (c *scriptedConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }
func (c *scriptedConn) SetDeadline(t time.Time) error      { return nil }
func (c *scriptedConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *scriptedConn) SetWriteDeadline(t time.Time) error { return nil }

var errTimeout = os.ErrDeadlineExceeded
