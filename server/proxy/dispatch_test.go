package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/migadu/nntpprox/nntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decodedResponse struct {
	RSP string          `json:"RSP"`
	ARG json.RawMessage `json:"ARG"`
}

func process(t *testing.T, d *Dispatcher, s *Session, msg string) decodedResponse {
	t.Helper()
	out := d.Process(context.Background(), s, []byte(msg))
	require.True(t, bytes.HasSuffix(out, []byte{Delimiter}), "response must be delimited")
	require.Equal(t, 1, bytes.Count(out, []byte{Delimiter}))

	var resp decodedResponse
	require.NoError(t, json.Unmarshal(bytes.TrimSuffix(out, []byte{Delimiter}), &resp))
	return resp
}

func errorText(t *testing.T, resp decodedResponse) string {
	t.Helper()
	require.Equal(t, StatusNO, resp.RSP)
	var text string
	require.NoError(t, json.Unmarshal(resp.ARG, &text))
	return text
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Session, *fakeBackend) {
	t.Helper()
	d, err := NewDispatcher(0)
	require.NoError(t, err)
	backend := newFakeBackend()
	return d, newSession(backend, nil), backend
}

func TestDispatchGetGroups(t *testing.T) {
	d, s, backend := newTestDispatcher(t)

	resp := process(t, d, s, `{"CMD":"GETGROUPS","ARG":{"prefix":"alt.binaries.*"}}`)
	require.Equal(t, StatusOK, resp.RSP)

	var groups []nntp.GroupEntry
	require.NoError(t, json.Unmarshal(resp.ARG, &groups))
	assert.Equal(t, backend.groups, groups)
	assert.Equal(t, []string{"GetGroups alt.binaries.*"}, backend.callLog())

	// ARG may be omitted entirely.
	resp = process(t, d, s, `{"CMD":"GETGROUPS"}`)
	assert.Equal(t, StatusOK, resp.RSP)
}

func TestDispatchGroupKeepsContext(t *testing.T) {
	d, s, _ := newTestDispatcher(t)

	resp := process(t, d, s, `{"CMD":"GROUP","ARG":{"group_name":"alt.test"}}`)
	require.Equal(t, StatusOK, resp.RSP)
	assert.JSONEq(t, `{"count":3,"first":1,"last":3,"group":"alt.test"}`, string(resp.ARG))

	group, ok := s.SelectedGroup()
	require.True(t, ok)
	assert.Equal(t, "alt.test", group.Group)

	resp = process(t, d, s, `{"CMD":"GROUP","ARG":{"group_name":"no.such"}}`)
	assert.Equal(t, "Unknown Error: nntp: 411 no such group", errorText(t, resp))

	// A failed selection keeps the previous context.
	group, _ = s.SelectedGroup()
	assert.Equal(t, "alt.test", group.Group)
}

func TestDispatchGetGroupWithoutGroup(t *testing.T) {
	d, s, backend := newTestDispatcher(t)

	resp := process(t, d, s, `{"CMD":"GETGROUP","ARG":{"message_spec":[100,200]}}`)
	assert.Contains(t, errorText(t, resp), nntp.ErrNoGroupSelected.Error())
	assert.Empty(t, backend.callLog())
}

func TestDispatchGetGroupSelectsGroup(t *testing.T) {
	d, s, backend := newTestDispatcher(t)

	resp := process(t, d, s, `{"CMD":"GETGROUP","ARG":{"message_spec":[1,2],"group_name":"alt.test"}}`)
	require.Equal(t, StatusOK, resp.RSP)
	assert.JSONEq(t, `[[1,{"subject":"first","message-id":"<1@example.com>"}],[2,{"subject":"second","message-id":"<2@example.com>"}]]`, string(resp.ARG))
	assert.Equal(t, []string{"Group alt.test", "GetGroup 1-2 "}, backend.callLog())

	// The selection carries over to later requests.
	resp = process(t, d, s, `{"CMD":"GETGROUP","ARG":{"message_spec":"5-"}}`)
	require.Equal(t, StatusOK, resp.RSP)
	assert.Equal(t, "GetGroup 5- ", backend.callLog()[2])
}

func TestDispatchGetHeader(t *testing.T) {
	d, s, backend := newTestDispatcher(t)

	out := d.Process(context.Background(), s, []byte(`{"CMD":"GETHEADER","ARG":{"message_spec":"<1@example.com>"}}`))
	assert.Contains(t, string(out), `"<1@example.com>"`, "angle brackets must not be escaped")

	resp := process(t, d, s, `{"CMD":"GETHEADER","ARG":{"message_spec":7}}`)
	assert.Contains(t, errorText(t, resp), nntp.ErrNoGroupSelected.Error())

	resp = process(t, d, s, `{"CMD":"GETHEADER","ARG":{"message_spec":7,"group_name":"alt.test"}}`)
	require.Equal(t, StatusOK, resp.RSP)
	assert.Equal(t, []string{"GetHeader <1@example.com> ", "Group alt.test", "GetHeader 7 "}, backend.callLog())
}

func TestDispatchRejectsMessageIDWithLineBreak(t *testing.T) {
	d, s, backend := newTestDispatcher(t)

	resp := process(t, d, s, `{"CMD":"GETHEADER","ARG":{"message_spec":"<a@b>\r\nQUIT <x>"}}`)
	assert.Contains(t, errorText(t, resp), "Unknown Error: invalid arguments:")

	resp = process(t, d, s, `{"CMD":"GETGROUP","ARG":{"message_spec":"<a@b> <c@d>","group_name":"alt.test"}}`)
	assert.Equal(t, StatusNO, resp.RSP)
	assert.Empty(t, backend.callLog())
}

func TestDispatchDate(t *testing.T) {
	d, s, _ := newTestDispatcher(t)

	resp := process(t, d, s, `{"CMD":"DATE","ARG":{}}`)
	require.Equal(t, StatusOK, resp.RSP)
	assert.Equal(t, `"2024-01-02T03:04:05Z"`, string(resp.ARG))
}

func TestDispatchErrors(t *testing.T) {
	d, s, _ := newTestDispatcher(t)

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"unknown command", `{"CMD":"POST","ARG":{}}`, "Unknown Command: POST"},
		{"missing required argument", `{"CMD":"GROUP","ARG":{}}`, "Unknown Error: missing required argument: group_name"},
		{"missing message spec", `{"CMD":"GETHEADER","ARG":{"group_name":"alt.test"}}`, "Unknown Error: missing required argument: message_spec"},
		{"unexpected argument", `{"CMD":"GETGROUPS","ARG":{"pattern":"x"}}`, "Unknown Error: invalid arguments: json: unknown field \"pattern\""},
		{"wrong argument type", `{"CMD":"GROUP","ARG":{"group_name":5}}`, "Unknown Error: invalid arguments:"},
		{"bad message spec", `{"CMD":"GETGROUP","ARG":{"message_spec":"nope"}}`, "Unknown Error: invalid arguments:"},
		{"not utf-8", "\xff\xfe", "Malformed Message: message is not valid UTF-8"},
		{"not json", `GETGROUPS alt.*`, "Malformed Message: invalid envelope:"},
		{"no command", `{"ARG":{}}`, "Malformed Message: envelope has no CMD"},
		{"args not an object", `{"CMD":"GETGROUPS","ARG":["alt.*"]}`, "Malformed Message: ARG must be an object"},
		{"lowercase envelope keys", `{"cmd":"GETGROUPS","arg":{"prefix":"alt.*"}}`, "Malformed Message: unknown envelope key"},
		{"command not a string", `{"CMD":5}`, "Malformed Message: invalid envelope: CMD must be a string"},
		{"miscased argument", `{"CMD":"GETGROUPS","ARG":{"PREFIX":"alt.*"}}`, "Unknown Error: invalid arguments: json: unknown field \"PREFIX\""},
		{"miscased group name", `{"CMD":"GROUP","ARG":{"Group_Name":"alt.test"}}`, "Unknown Error: invalid arguments: json: unknown field \"Group_Name\""},
		{"arguments to DATE", `{"CMD":"DATE","ARG":{"x":1}}`, "Unknown Error: invalid arguments: json: unknown field \"x\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := process(t, d, s, tt.msg)
			assert.Contains(t, errorText(t, resp), tt.want)
		})
	}
}

func TestDispatchErrorKinds(t *testing.T) {
	d, s, _ := newTestDispatcher(t)

	_, derr := d.Dispatch(context.Background(), s, "NOPE", nil)
	require.NotNil(t, derr)
	assert.Equal(t, UnknownCommand, derr.Kind)

	_, derr = d.Dispatch(context.Background(), s, "GROUP", nil)
	require.NotNil(t, derr)
	assert.Equal(t, BackendError, derr.Kind)

	result, derr := d.Dispatch(context.Background(), s, "GROUP", json.RawMessage(`{"group_name":"alt.test"}`))
	require.Nil(t, derr)
	assert.Equal(t, nntp.GroupInfo{Count: 3, First: 1, Last: 3, Group: "alt.test"}, result)
}

func TestNewDispatcherValidatesTable(t *testing.T) {
	_, err := newDispatcher(map[string]handlerFunc{
		"GETGROUPS": handleGetGroups,
		"GROUP":     handleGroup,
		"GETGROUP":  handleGetGroup,
	}, 0)
	assert.ErrorContains(t, err, "GETHEADER")

	_, err = newDispatcher(map[string]handlerFunc{
		"GETGROUPS": handleGetGroups,
		"GROUP":     handleGroup,
		"GETGROUP":  handleGetGroup,
		"GETHEADER": nil,
	}, 0)
	assert.Error(t, err)

	_, err = newDispatcher(map[string]handlerFunc{
		"GETGROUPS": handleGetGroups,
		"GROUP":     handleGroup,
		"GETGROUP":  handleGetGroup,
		"GETHEADER": handleGetHeader,
		"date":      handleDate,
	}, 0)
	assert.Error(t, err)

	d, err := NewDispatcher(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"DATE", "GETGROUP", "GETGROUPS", "GETHEADER", "GROUP"}, d.Commands())
}

func TestEncodeRequest(t *testing.T) {
	out, err := EncodeRequest("GETHEADER", map[string]any{"message_spec": "<a@b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"CMD":"GETHEADER","ARG":{"message_spec":"<a@b>"}}`+"\x00", string(out))

	out, err = EncodeRequest("DATE", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"CMD":"DATE","ARG":{}}`+"\x00", string(out))
}
