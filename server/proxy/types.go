package proxy

import (
	"context"
	"time"

	"github.com/migadu/nntpprox/nntp"
)

// Backend is one upstream session. *nntp.Client implements it.
type Backend interface {
	GetGroups(ctx context.Context, pattern string) ([]nntp.GroupEntry, error)
	Group(ctx context.Context, name string) (nntp.GroupInfo, error)
	GetGroup(ctx context.Context, spec nntp.MessageSpec, groupName string) ([]nntp.Overview, error)
	GetHeader(ctx context.Context, spec nntp.MessageSpec, groupName string) (map[string]string, error)
	Date(ctx context.Context) (time.Time, error)
	Close() error
}

// BackendFactory opens a new upstream session for every admitted client.
type BackendFactory interface {
	Open(ctx context.Context) (Backend, error)
}

type BackendFactoryFunc func(ctx context.Context) (Backend, error)

func (f BackendFactoryFunc) Open(ctx context.Context) (Backend, error) {
	return f(ctx)
}

// DialerFactory opens upstream sessions with an nntp.Dialer.
func DialerFactory(d *nntp.Dialer) BackendFactory {
	return BackendFactoryFunc(func(ctx context.Context) (Backend, error) {
		c, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Stats is a point-in-time view of the server's occupancy.
type Stats struct {
	Ceiling         int `json:"ceiling"`
	BoundSessions   int `json:"bound_sessions"`
	LiveConnections int `json:"live_connections"`
}
