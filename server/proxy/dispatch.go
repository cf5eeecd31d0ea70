package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/migadu/nntpprox/logger"
	"github.com/migadu/nntpprox/nntp"
	"github.com/migadu/nntpprox/pkg/metrics"
)

// ErrorKind classifies a failed request. None of them closes the connection.
type ErrorKind int

const (
	ProtocolFraming ErrorKind = iota + 1
	UnknownCommand
	BackendError
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolFraming:
		return "protocol_framing"
	case UnknownCommand:
		return "unknown_command"
	case BackendError:
		return "backend_error"
	default:
		return "unknown"
	}
}

// DispatchError is the failure of one request; Message is sent to the
// client as the payload of a NO response.
type DispatchError struct {
	Kind    ErrorKind
	Message string
}

func (e *DispatchError) Error() string {
	return e.Message
}

func framingError(err error) *DispatchError {
	return &DispatchError{Kind: ProtocolFraming, Message: "Malformed Message: " + err.Error()}
}

func unknownCommandError(name string) *DispatchError {
	return &DispatchError{Kind: UnknownCommand, Message: "Unknown Command: " + name}
}

func backendError(err error) *DispatchError {
	return &DispatchError{Kind: BackendError, Message: "Unknown Error: " + err.Error()}
}

type handlerFunc func(ctx context.Context, s *Session, args json.RawMessage) (any, error)

// commands maps every command tag to its handler.
var commands = map[string]handlerFunc{
	"GETGROUPS": handleGetGroups,
	"GROUP":     handleGroup,
	"GETGROUP":  handleGetGroup,
	"GETHEADER": handleGetHeader,
	"DATE":      handleDate,
}

// requiredCommands must be served by every dispatcher.
var requiredCommands = []string{"GETGROUPS", "GROUP", "GETGROUP", "GETHEADER"}

// Dispatcher turns client messages into Session calls.
type Dispatcher struct {
	handlers       map[string]handlerFunc
	commandTimeout time.Duration
}

// NewDispatcher returns a dispatcher over the built-in command table.
// commandTimeout bounds each upstream call; zero leaves it to the backend.
func NewDispatcher(commandTimeout time.Duration) (*Dispatcher, error) {
	return newDispatcher(commands, commandTimeout)
}

func newDispatcher(table map[string]handlerFunc, commandTimeout time.Duration) (*Dispatcher, error) {
	handlers := make(map[string]handlerFunc, len(table))
	for name, h := range table {
		if h == nil {
			return nil, fmt.Errorf("command %s has no handler", name)
		}
		if name == "" || name != strings.ToUpper(name) {
			return nil, fmt.Errorf("command tag %q must be upper case", name)
		}
		handlers[name] = h
	}
	for _, name := range requiredCommands {
		if _, ok := handlers[name]; !ok {
			return nil, fmt.Errorf("command %s is not served", name)
		}
	}
	return &Dispatcher{handlers: handlers, commandTimeout: commandTimeout}, nil
}

// Commands lists the served command tags in sorted order.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one command against the session.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, command string, args json.RawMessage) (any, *DispatchError) {
	h, ok := d.handlers[command]
	if !ok {
		return nil, unknownCommandError(command)
	}

	if d.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.commandTimeout)
		defer cancel()
	}

	result, err := h(ctx, s, args)
	if err != nil {
		return nil, backendError(err)
	}
	return result, nil
}

// Process handles one raw message and returns the delimited response.
func (d *Dispatcher) Process(ctx context.Context, s *Session, msg []byte) []byte {
	start := time.Now()
	label := "MALFORMED"

	var resp Response
	req, err := DecodeRequest(msg)
	if err != nil {
		resp = failure(framingError(err))
	} else {
		if _, ok := d.handlers[req.Command]; ok {
			label = req.Command
		} else {
			label = "UNKNOWN"
		}
		result, derr := d.Dispatch(ctx, s, req.Command, req.Args)
		if derr != nil {
			resp = failure(derr)
		} else {
			resp = Response{Status: StatusOK, Payload: result}
		}
	}

	out, err := EncodeResponse(resp)
	if err != nil {
		resp = failure(backendError(fmt.Errorf("encoding result: %w", err)))
		out, _ = EncodeResponse(resp)
	}

	metrics.CommandsTotal.WithLabelValues(label, resp.Status).Inc()
	metrics.CommandDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if resp.Status == StatusNO {
		logger.Debug("Proxy: Request failed", "cmd", label, "error", resp.Payload)
	}
	return out
}

func failure(err *DispatchError) Response {
	return Response{Status: StatusNO, Payload: err.Message}
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := checkArgNames(raw, dst); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// checkArgNames rejects argument names that only match a field of dst
// case-insensitively.
func checkArgNames(raw json.RawMessage, dst any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	known := make(map[string]bool)
	t := reflect.TypeOf(dst)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() == reflect.Struct {
		for i := 0; i < t.NumField(); i++ {
			name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
			if name == "" {
				name = t.Field(i).Name
			}
			known[name] = true
		}
	}
	for name := range fields {
		if !known[name] {
			return fmt.Errorf("invalid arguments: json: unknown field %q", name)
		}
	}
	return nil
}

func missingArg(name string) error {
	return fmt.Errorf("missing required argument: %s", name)
}

type getGroupsArgs struct {
	Prefix string `json:"prefix"`
}

type groupArgs struct {
	GroupName *string `json:"group_name"`
}

type articleArgs struct {
	MessageSpec *nntp.MessageSpec `json:"message_spec"`
	GroupName   string            `json:"group_name"`
}

func handleGetGroups(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	var args getGroupsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	groups, err := s.GetGroups(ctx, args.Prefix)
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = []nntp.GroupEntry{}
	}
	return groups, nil
}

func handleGroup(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	var args groupArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.GroupName == nil {
		return nil, missingArg("group_name")
	}
	return s.SelectGroup(ctx, *args.GroupName)
}

func (a *articleArgs) decode(raw json.RawMessage) error {
	if err := decodeArgs(raw, a); err != nil {
		return err
	}
	if a.MessageSpec == nil {
		return missingArg("message_spec")
	}
	return nil
}

func handleGetGroup(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	var args articleArgs
	if err := args.decode(raw); err != nil {
		return nil, err
	}
	overviews, err := s.GetGroup(ctx, *args.MessageSpec, args.GroupName)
	if err != nil {
		return nil, err
	}
	if overviews == nil {
		overviews = []nntp.Overview{}
	}
	return overviews, nil
}

func handleGetHeader(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	var args articleArgs
	if err := args.decode(raw); err != nil {
		return nil, err
	}
	return s.GetHeader(ctx, *args.MessageSpec, args.GroupName)
}

func handleDate(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	if err := decodeArgs(raw, &struct{}{}); err != nil {
		return nil, err
	}
	ts, err := s.Date(ctx)
	if err != nil {
		return nil, err
	}
	return ts.UTC().Format(time.RFC3339), nil
}
