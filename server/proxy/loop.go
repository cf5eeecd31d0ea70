package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/migadu/nntpprox/logger"
	"github.com/migadu/nntpprox/pkg/metrics"
	"github.com/migadu/nntpprox/pkg/retry"
)

type eventKind int

const (
	evAccept eventKind = iota
	evRead
	evListenerDown
)

// event is what the acceptor and the readers hand to the loop.
type event struct {
	kind eventKind
	conn net.Conn // evAccept
	id   ConnID   // evRead
	data []byte   // evRead
	err  error    // evRead, evListenerDown
}

const (
	minSweepInterval = 10 * time.Millisecond
	maxSweepInterval = 30 * time.Second
)

func sweepInterval(idle time.Duration) time.Duration {
	d := idle / 4
	if d < minSweepInterval {
		return minSweepInterval
	}
	if d > maxSweepInterval {
		return maxSweepInterval
	}
	return d
}

func (s *Server) run() error {
	var sweep <-chan time.Time
	if s.opts.IdleTimeout > 0 {
		ticker := time.NewTicker(sweepInterval(s.opts.IdleTimeout))
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case ev := <-s.events:
			if err := s.handleEvent(ev); err != nil {
				return err
			}
		case now := <-sweep:
			s.sweepIdle(now)
		}
		s.flushWritable()
	}
}

func (s *Server) handleEvent(ev event) error {
	switch ev.kind {
	case evAccept:
		s.admit(ev.conn)
	case evRead:
		s.handleRead(ev)
	case evListenerDown:
		return fmt.Errorf("proxy: listener failed: %w", ev.err)
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				select {
				case s.events <- event{kind: evListenerDown, err: err}:
				case <-s.quit:
				}
				return
			}
			delay = acceptBackoff(delay)
			logger.Debug("Proxy: Failed to accept connection", "proxy", s.name, "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-s.quit:
				return
			}
			continue
		}
		delay = 0

		select {
		case s.events <- event{kind: evAccept, conn: conn}:
		case <-s.quit:
			conn.Close()
			return
		}
	}
}

// acceptBackoff doubles the pause after a failed Accept, from 5ms up to 1s.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if next := prev * 2; next < time.Second {
		return next
	}
	return time.Second
}

// readLoop reads from one client and waits for the loop to take every
// chunk before reading the next.
func (s *Server) readLoop(c *Connection) {
	buf := make([]byte, s.opts.ReadChunkSize)
	for {
		n, err := c.conn.Read(buf)
		ev := event{kind: evRead, id: c.id, err: err}
		if n > 0 {
			ev.data = append([]byte(nil), buf[:n]...)
		}
		if n == 0 && err == nil {
			continue
		}

		select {
		case s.events <- ev:
		case <-c.done:
			return
		case <-s.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) admit(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	session, err := s.pool.Admit(s.ctx)
	if err != nil {
		conn.Close()
		if errors.Is(err, ErrCeilingReached) {
			logger.Info("Proxy: Max sessions reached, connection refused", "proxy", s.name, "remote", remote)
		} else {
			logger.Warn("Proxy: Upstream session unavailable, connection refused", "proxy", s.name, "remote", remote, "error", err)
		}
		return
	}

	c := s.registry.add(conn, session, time.Now())
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()
	logger.Debug("Proxy: Connection admitted", "proxy", s.name, "conn", c.id, "remote", c.remote)

	go s.readLoop(c)
}

func (s *Server) handleRead(ev event) {
	c := s.registry.get(ev.id)
	if c == nil {
		return
	}

	if len(ev.data) > 0 {
		c.inbound = append(c.inbound, ev.data...)
		c.lastActivity = time.Now()
		c.readable = true
		metrics.BytesReceived.Add(float64(len(ev.data)))
		if s.opts.Debug {
			logger.Debug("Proxy: Received", "proxy", s.name, "conn", c.id, "bytes", len(ev.data))
		}

		s.drain(c)

		if s.opts.MaxInboundBuffer > 0 && len(c.inbound) > s.opts.MaxInboundBuffer {
			logger.Warn("Proxy: Undelimited input too large, closing", "proxy", s.name, "conn", c.id, "remote", c.remote, "bytes", len(c.inbound))
			s.teardown(c, "buffer_overflow")
			return
		}
	}

	if ev.err == nil {
		return
	}
	if errors.Is(ev.err, io.EOF) {
		// The client may have half-closed after its last request.
		if err := s.flush(c); err != nil {
			s.teardown(c, "write_error")
			return
		}
		s.teardown(c, "eof")
		return
	}
	logger.Debug("Proxy: Read failed", "proxy", s.name, "conn", c.id, "error", ev.err)
	s.teardown(c, "read_error")
}

// drain answers every complete message in the inbound buffer, in order.
func (s *Server) drain(c *Connection) {
	for {
		msgs, rest := ExtractMessages(c.inbound)
		progressed := len(rest) < len(c.inbound)
		for _, msg := range msgs {
			if s.opts.Debug {
				logger.Debug("Proxy: RECV", "proxy", s.name, "conn", c.id, "msg", string(msg))
			}
			c.enqueue(s.dispatcher.Process(s.ctx, c.session, msg))
		}
		c.inbound = rest
		if !progressed {
			break
		}
	}

	if len(c.inbound) == 0 {
		c.inbound = nil
	} else {
		c.inbound = append([]byte(nil), c.inbound...)
	}
	c.readable = false
}

func (s *Server) flushWritable() {
	for _, c := range s.registry.writable() {
		if err := s.flush(c); err != nil {
			logger.Info("Proxy: Send error, closing", "proxy", s.name, "conn", c.id, "remote", c.remote, "error", err)
			s.teardown(c, "write_error")
		}
	}
}

// flush writes the outbound queue in chunks of at most WriteChunkSize. On
// error the unwritten rest stays queued at the recorded offset.
func (s *Server) flush(c *Connection) error {
	for len(c.outbound) > 0 {
		head := c.outbound[0]
		for c.offset < len(head) {
			end := min(c.offset+s.opts.WriteChunkSize, len(head))
			n, err := s.writeChunk(c, head[c.offset:end])
			c.offset += n
			if err != nil {
				return err
			}
		}
		if s.opts.Debug {
			logger.Debug("Proxy: SEND", "proxy", s.name, "conn", c.id, "bytes", len(head))
		}
		c.outbound[0] = nil
		c.outbound = c.outbound[1:]
		c.offset = 0
	}
	c.outbound = nil
	c.writable = false
	return nil
}

// writeChunk writes chunk, retrying transient failures from the first
// byte not yet accepted by the socket.
func (s *Server) writeChunk(c *Connection, chunk []byte) (int, error) {
	written := 0
	err := retry.WithRetry(s.ctx, func() error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		n, err := c.conn.Write(chunk[written:])
		written += n
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return retry.Stop(err)
		}
		metrics.WriteRetries.Inc()
		return err
	}, s.writeRetry)
	metrics.BytesSent.Add(float64(written))
	return written, err
}

func isTransient(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.EAGAIN) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Server) sweepIdle(now time.Time) {
	for _, c := range s.registry.idleSince(now.Add(-s.opts.IdleTimeout)) {
		logger.Info("Proxy: Closing idle connection", "proxy", s.name, "conn", c.id, "remote", c.remote, "idle", now.Sub(c.lastActivity))
		s.teardown(c, "idle")
	}
}

// teardown is the only way a connection is released. Repeated calls are
// no-ops.
func (s *Server) teardown(c *Connection, reason string) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.readable, c.writable = false, false
	c.inbound, c.outbound = nil, nil
	s.registry.remove(c.id)
	close(c.done)

	var result *multierror.Error
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("closing client %s: %w", c.remote, err))
	}
	if err := c.session.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing upstream session of %s: %w", c.remote, err))
	}

	metrics.Teardowns.WithLabelValues(reason).Inc()
	metrics.ConnectionsCurrent.Dec()
	metrics.ConnectionDuration.Observe(time.Since(c.created).Seconds())

	err := result.ErrorOrNil()
	logger.Debug("Proxy: Connection closed", "proxy", s.name, "conn", c.id, "remote", c.remote, "reason", reason, "error", err)
	return err
}

// shutdown closes the listener and every connection and releases the
// acceptor and the readers.
func (s *Server) shutdown() error {
	s.cancel()

	var result *multierror.Error
	s.listenerMu.Lock()
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("closing listener: %w", err))
	}
	s.listenerMu.Unlock()

	for _, c := range s.registry.all() {
		if err := s.teardown(c, "shutdown"); err != nil {
			result = multierror.Append(result, err)
		}
	}
	close(s.quit)

	logger.Info("Proxy: Stopped", "proxy", s.name)
	return result.ErrorOrNil()
}
