package nntp

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
)

const readerCaps = "101 Capability list:\r\nVERSION 2\r\nREADER\r\nOVER\r\nLIST ACTIVE OVERVIEW.FMT\r\n.\r\n"

// fakeServer answers NNTP commands from a table. Responses are looked up
// by the full command line first, then by its first word.
type fakeServer struct {
	ln        net.Listener
	greeting  string
	responses map[string]string

	mu       sync.Mutex
	received []string
	accepted int
}

func newFakeServer(t *testing.T, greeting string, responses map[string]string) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, ok := responses["CAPABILITIES"]; !ok {
		responses["CAPABILITIES"] = readerCaps
	}
	s := &fakeServer{ln: ln, greeting: greeting, responses: responses}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeServer) options() Options {
	return Options{Addr: s.addr(), Security: "none"}
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	if _, err := conn.Write([]byte(s.greeting + "\r\n")); err != nil {
		return
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		s.mu.Lock()
		s.received = append(s.received, line)
		s.mu.Unlock()

		if line == "QUIT" {
			conn.Write([]byte("205 bye\r\n"))
			return
		}

		resp, ok := s.responses[line]
		if !ok {
			verb, _, _ := strings.Cut(line, " ")
			resp, ok = s.responses[verb]
		}
		if !ok {
			resp = "500 unknown command\r\n"
		}
		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
	}
}

func (s *fakeServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func (s *fakeServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *fakeServer) saw(prefix string) bool {
	for _, cmd := range s.commands() {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}
