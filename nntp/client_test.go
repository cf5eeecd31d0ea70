package nntp

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/migadu/nntpprox/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialFake(t *testing.T, srv *fakeServer) *Client {
	t.Helper()
	c, err := Dial(context.Background(), srv.options())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialReadsCapabilities(t *testing.T) {
	srv := newFakeServer(t, "200 news.example.com ready", map[string]string{})
	c := dialFake(t, srv)

	caps := c.Capabilities()
	assert.Contains(t, caps, "OVER")
	assert.Equal(t, []string{"ACTIVE", "OVERVIEW.FMT"}, caps["LIST"])
	assert.False(t, srv.saw("MODE READER"))
	assert.False(t, srv.saw("AUTHINFO"))
}

func TestDialSwitchesToReaderMode(t *testing.T) {
	srv := newFakeServer(t, "201 transit ready", map[string]string{
		"CAPABILITIES": "101 caps\r\nVERSION 2\r\nMODE-READER\r\n.\r\n",
		"MODE READER":  "200 reader mode\r\n",
	})
	dialFake(t, srv)
	assert.True(t, srv.saw("MODE READER"))
}

func TestDialRefusedGreeting(t *testing.T) {
	srv := newFakeServer(t, "502 too many connections", map[string]string{})
	_, err := Dial(context.Background(), srv.options())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), Options{Addr: addr, Security: "none", ConnectTimeout: time.Second})
	assert.ErrorIs(t, err, ErrConnection)
}

func TestAuthinfoUserPass(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{
		"AUTHINFO USER alice":  "381 password required\r\n",
		"AUTHINFO PASS secret": "281 welcome\r\n",
	})
	opts := srv.options()
	opts.Username = "alice"
	opts.Password = "secret"

	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()

	cmds := srv.commands()
	assert.Contains(t, cmds, "AUTHINFO USER alice")
	assert.Contains(t, cmds, "AUTHINFO PASS secret")
}

func TestAuthinfoRejected(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{
		"AUTHINFO USER alice": "381 password required\r\n",
		"AUTHINFO PASS wrong": "481 authentication failed\r\n",
	})
	opts := srv.options()
	opts.Username = "alice"
	opts.Password = "wrong"

	_, err := Dial(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAuthinfoSASLPlain(t *testing.T) {
	ir := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00secret"))
	srv := newFakeServer(t, "200 ready", map[string]string{
		"AUTHINFO SASL PLAIN " + ir: "281 welcome\r\n",
	})
	opts := srv.options()
	opts.Username = "alice"
	opts.Password = "secret"
	opts.AuthMechanism = "plain"

	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, srv.saw("AUTHINFO SASL PLAIN "))
}

func TestGetGroups(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{
		"LIST ACTIVE comp.lang.*": "215 list follows\r\n" +
			"comp.lang.go 0000000200 0000000100 y\r\n" +
			"garbage\r\n" +
			"comp.lang.c 5 1 m\r\n" +
			".\r\n",
	})
	c := dialFake(t, srv)

	groups, err := c.GetGroups(context.Background(), "comp.lang.*")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, GroupEntry{Group: "comp.lang.go", First: 100, Last: 200, Flag: "y"}, groups[0])
	assert.Equal(t, GroupEntry{Group: "comp.lang.c", First: 1, Last: 5, Flag: "m"}, groups[1])
}

func TestGetGroupsRejectsInjection(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{})
	c := dialFake(t, srv)

	_, err := c.GetGroups(context.Background(), "comp.*\r\nQUIT")
	require.Error(t, err)
	assert.False(t, srv.saw("LIST"))
}

func TestGroupSelection(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{
		"GROUP misc.test": "211 3 1 3 misc.test\r\n",
		"GROUP no.such":   "411 no such group\r\n",
	})
	c := dialFake(t, srv)

	_, ok := c.SelectedGroup()
	assert.False(t, ok)

	info, err := c.Group(context.Background(), "misc.test")
	require.NoError(t, err)
	assert.Equal(t, GroupInfo{Count: 3, First: 1, Last: 3, Group: "misc.test"}, info)

	_, err = c.Group(context.Background(), "no.such")
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, 411, protoErr.Code)

	// A refused GROUP keeps the previous selection and the session.
	selected, ok := c.SelectedGroup()
	assert.True(t, ok)
	assert.Equal(t, "misc.test", selected.Group)

	_, err = c.Group(context.Background(), "misc.test")
	assert.NoError(t, err)
}

func overviewResponses() map[string]string {
	return map[string]string{
		"GROUP misc.test": "211 3 1 3 misc.test\r\n",
		"LIST OVERVIEW.FMT": "215 order of fields\r\n" +
			"Subject:\r\nFrom:\r\nDate:\r\nMessage-ID:\r\nReferences:\r\n:bytes\r\n:lines\r\nXref:full\r\n.\r\n",
		"OVER 1-2": "224 overview follows\r\n" +
			"1\t=?UTF-8?B?SGVsbG8gV29ybGQ=?=\tjoe@example.com\tMon, 1 Jan 2024 10:00:00 +0000\t<a@example.com>\t\t1234\t20\tXref: news misc.test:1\r\n" +
			"2\tRe: Hello\tann@example.com\tMon, 1 Jan 2024 11:00:00 +0000\t<b@example.com>\t<a@example.com>\t99\t3\t\r\n" +
			".\r\n",
	}
}

func TestGetGroupOverview(t *testing.T) {
	srv := newFakeServer(t, "200 ready", overviewResponses())
	c := dialFake(t, srv)

	ovs, err := c.GetGroup(context.Background(), ByRange(1, 2), "misc.test")
	require.NoError(t, err)
	require.Len(t, ovs, 2)

	assert.Equal(t, int64(1), ovs[0].Article)
	assert.Equal(t, "Hello World", ovs[0].Headers["subject"])
	assert.Equal(t, "1234", ovs[0].Headers["bytes"])
	assert.Equal(t, "20", ovs[0].Headers["lines"])
	assert.Equal(t, "news misc.test:1", ovs[0].Headers["xref"])

	assert.Equal(t, int64(2), ovs[1].Article)
	assert.Equal(t, "<a@example.com>", ovs[1].Headers["references"])
	assert.Equal(t, "", ovs[1].Headers["xref"])
}

func TestGetGroupNeedsSelectedGroup(t *testing.T) {
	srv := newFakeServer(t, "200 ready", overviewResponses())
	c := dialFake(t, srv)

	_, err := c.GetGroup(context.Background(), ByRange(1, 2), "")
	assert.ErrorIs(t, err, ErrNoGroupSelected)
	assert.False(t, srv.saw("OVER"))
}

func TestGetGroupFallsBackToXover(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{
		"CAPABILITIES":      "500 what?\r\n",
		"LIST OVERVIEW.FMT": "503 not supported\r\n",
		"GROUP misc.test":   "211 3 1 3 misc.test\r\n",
		"XOVER 3": "224 overview follows\r\n" +
			"3\tthird\tjoe@example.com\tdate\t<c@example.com>\t\t10\t1\r\n.\r\n",
	})
	c := dialFake(t, srv)

	ovs, err := c.GetGroup(context.Background(), ByNumber(3), "misc.test")
	require.NoError(t, err)
	require.Len(t, ovs, 1)
	assert.Equal(t, "third", ovs[0].Headers["subject"])
	assert.True(t, srv.saw("XOVER 3"))
}

func TestGetHeader(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{
		"HEAD <a@example.com>": "221 0 <a@example.com>\r\n" +
			"From: joe@example.com\r\n" +
			"Subject: =?ISO-8859-1?Q?caf=E9?=\r\n" +
			"Received: first\r\n" +
			"Received: second\r\n" +
			"X-Long: part one\r\n" +
			"\tpart two\r\n" +
			".\r\n",
	})
	c := dialFake(t, srv)

	hdr, err := c.GetHeader(context.Background(), ByMessageID("<a@example.com>"), "")
	require.NoError(t, err)
	assert.Equal(t, "joe@example.com", hdr["from"])
	assert.Equal(t, "café", hdr["subject"])
	assert.Equal(t, "second", hdr["received"])
	assert.Contains(t, hdr["x-long"], "part one")
	assert.Contains(t, hdr["x-long"], "part two")
	assert.NotContains(t, hdr["x-long"], "\n")
}

func TestGetHeaderValidation(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{})
	c := dialFake(t, srv)

	_, err := c.GetHeader(context.Background(), ByRange(1, 5), "")
	assert.Error(t, err)

	_, err = c.GetHeader(context.Background(), ByNumber(7), "")
	assert.ErrorIs(t, err, ErrNoGroupSelected)
	assert.False(t, srv.saw("HEAD"))
}

func TestGetHeaderRejectsMessageIDInjection(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{
		"GROUP misc.test": "211 3 1 3 misc.test\r\n",
	})
	c := dialFake(t, srv)

	_, err := c.GetHeader(context.Background(), ByMessageID("<a@b>\r\nGROUP injected <x>"), "")
	require.Error(t, err)
	assert.False(t, srv.saw("HEAD"))
	assert.False(t, srv.saw("GROUP injected"))

	// The session stays paired: the next reply belongs to the next request.
	info, err := c.Group(context.Background(), "misc.test")
	require.NoError(t, err)
	assert.Equal(t, "misc.test", info.Group)
}

func TestDate(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{
		"DATE": "111 20240102030405\r\n",
	})
	c := dialFake(t, srv)

	ts, err := c.Date(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), ts)
	assert.Less(t, c.Skew(), time.Duration(0))
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{})
	c, err := Dial(context.Background(), srv.options())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	_, err = c.Date(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	require.Eventually(t, func() bool { return srv.saw("QUIT") }, time.Second, 10*time.Millisecond)
}

func TestDialerStopsOnAuthFailure(t *testing.T) {
	srv := newFakeServer(t, "200 ready", map[string]string{
		"AUTHINFO USER alice": "481 go away\r\n",
	})
	d := &Dialer{
		Options: Options{Addr: srv.addr(), Security: "none", Username: "alice", Password: "x"},
		Retry:   retry.BackoffConfig{InitialInterval: time.Millisecond, MaxRetries: 3},
	}

	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, 1, srv.connections())
}

func TestDialerRetries(t *testing.T) {
	srv := newFakeServer(t, "400 busy", map[string]string{})
	d := &Dialer{
		Options: srv.options(),
		Retry:   retry.BackoffConfig{InitialInterval: time.Millisecond, MaxRetries: 2},
	}

	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Equal(t, 3, srv.connections())
}
