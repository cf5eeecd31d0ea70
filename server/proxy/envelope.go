package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	StatusOK = "OK"
	StatusNO = "NO"
)

// Request is the envelope of one client message.
type Request struct {
	Command string          `json:"CMD"`
	Args    json.RawMessage `json:"ARG,omitempty"`
}

// Response is the envelope of one reply. Payload is the command result on
// OK and a description of the failure on NO.
type Response struct {
	Status  string `json:"RSP"`
	Payload any    `json:"ARG"`
}

// DecodeRequest parses one message, without its delimiter. ARG must be an
// object; a missing or null ARG means no arguments.
func DecodeRequest(msg []byte) (*Request, error) {
	if !utf8.Valid(msg) {
		return nil, errors.New("message is not valid UTF-8")
	}

	// Keys are matched exactly; encoding/json alone would accept "cmd".
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	for key := range fields {
		if key != "CMD" && key != "ARG" {
			return nil, fmt.Errorf("unknown envelope key %q", key)
		}
	}

	var req Request
	if cmd, ok := fields["CMD"]; ok {
		if err := json.Unmarshal(cmd, &req.Command); err != nil {
			return nil, errors.New("invalid envelope: CMD must be a string")
		}
	}
	if req.Command == "" {
		return nil, errors.New("envelope has no CMD")
	}
	req.Args = fields["ARG"]

	args := bytes.TrimSpace(req.Args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		req.Args = nil
	} else if args[0] != '{' {
		return nil, errors.New("ARG must be an object")
	}
	return &req, nil
}

// EncodeResponse serializes resp and appends the delimiter. HTML escaping
// is off so message-ids keep their angle brackets.
func EncodeResponse(resp Response) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resp); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return append(out, Delimiter), nil
}

// EncodeRequest serializes a request envelope and appends the delimiter.
func EncodeRequest(command string, args any) ([]byte, error) {
	env := struct {
		Command string `json:"CMD"`
		Args    any    `json:"ARG"`
	}{Command: command, Args: args}
	if env.Args == nil {
		env.Args = struct{}{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return append(out, Delimiter), nil
}
