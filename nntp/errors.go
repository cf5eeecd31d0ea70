package nntp

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection marks every failure to establish a session: dial,
	// TLS, greeting, capacity refusal and authentication.
	ErrConnection = errors.New("nntp: connection failed")

	// ErrAuthentication is wrapped together with ErrConnection when the
	// server rejects the credentials. Retrying does not help.
	ErrAuthentication = errors.New("nntp: authentication failed")

	// ErrNoGroupSelected is returned for article-number queries issued
	// before any group was selected on the session.
	ErrNoGroupSelected = errors.New("article ids supplied without group name")

	ErrClosed = errors.New("nntp: client closed")
)

// ProtocolError is an unexpected status line from the server.
type ProtocolError struct {
	Code int
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("nntp: %03d %s", e.Code, e.Msg)
}
