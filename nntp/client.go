// Package nntp is a minimal NNTP (RFC 3977) client covering what the
// proxy forwards: listing and selecting groups, fetching overviews and
// headers, and reading the server clock.
//
// A Client is one upstream session. It remembers the selected group so
// that article-number queries can be checked before they are sent, and it
// is not safe for concurrent use.
package nntp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/migadu/nntpprox/config"
	"github.com/migadu/nntpprox/helpers"
	"github.com/migadu/nntpprox/logger"
)

const quitTimeout = 2 * time.Second

// Options configures a single upstream session.
type Options struct {
	Addr           string
	ServerName     string // TLS server name; defaults to the host part of Addr
	Security       string // config.SecurityTLS, config.SecurityStartTLS or config.SecurityNone
	TLSVerify      bool
	TLSConfig      *tls.Config // used as-is when set
	Username       string      // empty skips authentication
	Password       string
	AuthMechanism  string // config.AuthMechanismAuthinfo or config.AuthMechanismPlain
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Debug          bool
}

type Client struct {
	opts        Options
	conn        net.Conn
	text        *textproto.Conn
	caps        map[string][]string
	group       *GroupInfo
	overviewFmt []string
	skew        time.Duration
	lost        error
	closed      bool
}

type response struct {
	code  int
	msg   string
	lines []string
}

// Dial establishes, secures and authenticates one upstream session.
// Every failure wraps ErrConnection.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	conn, err := dialTransport(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	c := &Client{
		opts: opts,
		conn: conn,
		text: textproto.NewConn(conn),
	}
	if err := c.handshake(ctx); err != nil {
		c.text.Close()
		if errors.Is(err, ErrConnection) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	logger.Debug("NNTP: Session established", "addr", opts.Addr, "security", opts.Security)
	return c, nil
}

func dialTransport(ctx context.Context, opts Options) (net.Conn, error) {
	dialer := &net.Dialer{}
	if opts.Security == config.SecurityTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig(opts)}
		return tlsDialer.DialContext(ctx, "tcp", opts.Addr)
	}
	return dialer.DialContext(ctx, "tcp", opts.Addr)
}

func tlsConfig(opts Options) *tls.Config {
	if opts.TLSConfig != nil {
		return opts.TLSConfig
	}
	serverName := opts.ServerName
	if serverName == "" {
		if host, _, err := net.SplitHostPort(opts.Addr); err == nil {
			serverName = host
		}
	}
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !opts.TLSVerify,
	}
}

func (c *Client) handshake(ctx context.Context) error {
	c.applyDeadline(ctx)
	if _, msg, err := c.text.ReadCodeLine(20); err != nil {
		// 400 and 502 are how servers refuse a connection over their limit.
		return fmt.Errorf("%w: greeting: %v", ErrConnection, c.convert(err, msg))
	}

	if err := c.readCapabilities(ctx); err != nil {
		return err
	}

	if c.opts.Security == config.SecurityStartTLS {
		if err := c.startTLS(ctx); err != nil {
			return fmt.Errorf("%w: starttls: %v", ErrConnection, err)
		}
		if err := c.readCapabilities(ctx); err != nil {
			return err
		}
	}

	if c.hasCap("MODE-READER") && !c.hasCap("READER") {
		if _, err := c.do(ctx, 20, false, "MODE READER"); err != nil {
			return fmt.Errorf("%w: mode reader: %v", ErrConnection, err)
		}
		if err := c.readCapabilities(ctx); err != nil {
			return err
		}
	}

	if c.opts.Username != "" {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
		return c.readCapabilities(ctx)
	}
	return nil
}

func (c *Client) convert(err error, msg string) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &ProtocolError{Code: tpErr.Code, Msg: tpErr.Msg}
	}
	if msg != "" {
		return fmt.Errorf("%v: %s", err, msg)
	}
	return err
}

func (c *Client) startTLS(ctx context.Context) error {
	if _, err := c.do(ctx, 382, false, "STARTTLS"); err != nil {
		return err
	}
	tlsConn := tls.Client(c.conn, tlsConfig(c.opts))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	c.conn = tlsConn
	c.text = textproto.NewConn(tlsConn)
	return nil
}

func authError(err error) error {
	return fmt.Errorf("%w: %w", ErrConnection, fmt.Errorf("%w: %v", ErrAuthentication, err))
}

func (c *Client) authenticate(ctx context.Context) error {
	if c.opts.AuthMechanism == config.AuthMechanismPlain {
		mech, ir, err := sasl.NewPlainClient("", c.opts.Username, c.opts.Password).Start()
		if err != nil {
			return authError(err)
		}
		if _, err := c.do(ctx, 281, false, "AUTHINFO SASL %s %s", mech, base64.StdEncoding.EncodeToString(ir)); err != nil {
			return authError(err)
		}
		return nil
	}

	resp, err := c.do(ctx, 0, false, "AUTHINFO USER %s", c.opts.Username)
	if err != nil {
		return authError(err)
	}
	switch resp.code {
	case 281:
		return nil
	case 381:
		if _, err := c.do(ctx, 281, false, "AUTHINFO PASS %s", c.opts.Password); err != nil {
			return authError(err)
		}
		return nil
	default:
		return authError(&ProtocolError{Code: resp.code, Msg: resp.msg})
	}
}

func (c *Client) readCapabilities(ctx context.Context) error {
	resp, err := c.do(ctx, 101, true, "CAPABILITIES")
	if err != nil {
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			// Pre-RFC 3977 servers answer 500; assume nothing.
			c.caps = map[string][]string{}
			return nil
		}
		return fmt.Errorf("%w: capabilities: %v", ErrConnection, err)
	}

	caps := make(map[string][]string, len(resp.lines))
	for _, line := range resp.lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		caps[strings.ToUpper(fields[0])] = fields[1:]
	}
	c.caps = caps
	return nil
}

func (c *Client) hasCap(name string) bool {
	_, ok := c.caps[name]
	return ok
}

// Capabilities returns the capability labels advertised by the server.
func (c *Client) Capabilities() map[string][]string {
	return c.caps
}

func (c *Client) applyDeadline(ctx context.Context) {
	var deadline time.Time
	if c.opts.CommandTimeout > 0 {
		deadline = time.Now().Add(c.opts.CommandTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
}

// do sends one command and reads its status line, plus the dot-terminated
// block when multiline is set. A status outside expect is a *ProtocolError;
// expect follows textproto.Reader.ReadCodeLine (0 accepts anything).
func (c *Client) do(ctx context.Context, expect int, multiline bool, format string, args ...any) (*response, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.lost != nil {
		return nil, c.lost
	}

	line := fmt.Sprintf(format, args...)
	if c.opts.Debug {
		logger.Debug("NNTP: C:", "addr", c.opts.Addr, "line", helpers.MaskSensitive(line))
	}

	c.applyDeadline(ctx)
	defer c.conn.SetDeadline(time.Time{})

	id, err := c.text.Cmd("%s", line)
	if err != nil {
		return nil, c.broken(err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	code, msg, err := c.text.ReadCodeLine(expect)
	if c.opts.Debug {
		logger.Debug("NNTP: S:", "addr", c.opts.Addr, "code", code, "msg", msg)
	}
	if err != nil {
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) {
			return nil, &ProtocolError{Code: tpErr.Code, Msg: tpErr.Msg}
		}
		return nil, c.broken(err)
	}

	resp := &response{code: code, msg: msg}
	if multiline {
		resp.lines, err = c.text.ReadDotLines()
		if err != nil {
			return nil, c.broken(err)
		}
	}
	return resp, nil
}

// broken records a transport failure; the session is unusable afterwards.
func (c *Client) broken(err error) error {
	c.lost = fmt.Errorf("nntp: connection lost: %w", err)
	return c.lost
}

// Close sends QUIT and closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.lost == nil {
		_ = c.conn.SetDeadline(time.Now().Add(quitTimeout))
		if id, err := c.text.Cmd("QUIT"); err == nil {
			c.text.StartResponse(id)
			_, _, _ = c.text.ReadCodeLine(205)
			c.text.EndResponse(id)
		}
	}
	logger.Debug("NNTP: Session closed", "addr", c.opts.Addr)
	return c.text.Close()
}
