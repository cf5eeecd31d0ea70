package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/migadu/nntpprox/nntp"
	"github.com/migadu/nntpprox/pkg/metrics"
)

// Session is the upstream side of one client connection: its Backend and
// the group most recently selected through it. It is used only by the loop
// on behalf of its connection.
type Session struct {
	backend Backend
	group   *nntp.GroupInfo
	release func()
	closed  bool
}

func newSession(backend Backend, release func()) *Session {
	return &Session{backend: backend, release: release}
}

// SelectedGroup returns the group context of the session.
func (s *Session) SelectedGroup() (nntp.GroupInfo, bool) {
	if s.group == nil {
		return nntp.GroupInfo{}, false
	}
	return *s.group, true
}

func (s *Session) GetGroups(ctx context.Context, prefix string) ([]nntp.GroupEntry, error) {
	return s.backend.GetGroups(ctx, prefix)
}

// SelectGroup selects name upstream and records it as the session's group.
func (s *Session) SelectGroup(ctx context.Context, name string) (nntp.GroupInfo, error) {
	if name == "" {
		return nntp.GroupInfo{}, errors.New("group name is empty")
	}
	info, err := s.backend.Group(ctx, name)
	if err != nil {
		return nntp.GroupInfo{}, err
	}
	s.group = &info
	return info, nil
}

// prepare selects groupName when given and checks that article numbers
// have a group to refer to.
func (s *Session) prepare(ctx context.Context, spec nntp.MessageSpec, groupName string) error {
	if groupName != "" {
		if _, err := s.SelectGroup(ctx, groupName); err != nil {
			return err
		}
	}
	if !spec.IsMessageID() && s.group == nil {
		return nntp.ErrNoGroupSelected
	}
	return nil
}

func (s *Session) GetGroup(ctx context.Context, spec nntp.MessageSpec, groupName string) ([]nntp.Overview, error) {
	if err := s.prepare(ctx, spec, groupName); err != nil {
		return nil, err
	}
	return s.backend.GetGroup(ctx, spec, "")
}

func (s *Session) GetHeader(ctx context.Context, spec nntp.MessageSpec, groupName string) (map[string]string, error) {
	if err := s.prepare(ctx, spec, groupName); err != nil {
		return nil, err
	}
	return s.backend.GetHeader(ctx, spec, "")
}

func (s *Session) Date(ctx context.Context) (time.Time, error) {
	return s.backend.Date(ctx)
}

// Close closes the backend and gives the admission slot back. Only the
// first call has an effect.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	metrics.UpstreamSessionsCurrent.Dec()
	err := s.backend.Close()
	if s.release != nil {
		s.release()
	}
	return err
}
