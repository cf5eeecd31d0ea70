package nntp

import (
	"context"
	"errors"
	"time"

	"github.com/migadu/nntpprox/config"
	"github.com/migadu/nntpprox/logger"
	"github.com/migadu/nntpprox/pkg/retry"
)

// Dialer opens upstream sessions from configuration, retrying transient
// connection failures. Authentication failures are not retried.
type Dialer struct {
	Options Options
	Retry   retry.BackoffConfig
}

// NewDialer builds a Dialer from the upstream section of the configuration.
func NewDialer(cfg config.UpstreamConfig, debug bool) (*Dialer, error) {
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return nil, err
	}
	commandTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		return nil, err
	}
	backoff, err := cfg.GetConnectRetryBackoff()
	if err != nil {
		return nil, err
	}

	return &Dialer{
		Options: Options{
			Addr:           cfg.Address(),
			ServerName:     cfg.Host,
			Security:       cfg.Security,
			TLSVerify:      cfg.TLSVerify,
			Username:       cfg.Username,
			Password:       cfg.Password,
			AuthMechanism:  cfg.AuthMechanism,
			ConnectTimeout: connectTimeout,
			CommandTimeout: commandTimeout,
			Debug:          debug,
		},
		Retry: retry.BackoffConfig{
			InitialInterval: backoff,
			MaxInterval:     4 * backoff,
			Multiplier:      2,
			Jitter:          true,
			MaxRetries:      cfg.ConnectRetries,
		},
	}, nil
}

// Dial opens one authenticated session.
func (d *Dialer) Dial(ctx context.Context) (*Client, error) {
	var client *Client
	start := time.Now()
	err := retry.WithRetry(ctx, func() error {
		c, err := Dial(ctx, d.Options)
		if err != nil {
			if errors.Is(err, ErrAuthentication) {
				return retry.Stop(err)
			}
			logger.Debug("NNTP: Dial attempt failed", "addr", d.Options.Addr, "error", err)
			return err
		}
		client = c
		return nil
	}, d.Retry)
	if err != nil {
		logger.Warn("NNTP: Unable to open upstream session", "addr", d.Options.Addr, "duration", time.Since(start), "error", err)
		return nil, err
	}
	return client, nil
}
