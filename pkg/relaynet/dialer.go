package relaynet

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"
)

// DialEndpoint dials a concrete endpoint and wraps the resulting socket in a
// Conn. The caller becomes the exclusive owner of the returned Conn.
func DialEndpoint(ctx context.Context, ep Endpoint) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, ep.Network(), ep.String())
	if err != nil {
		return nil, fmt.Errorf("relaynet: dial failed for %s '%s': %s", ep.Network(), ep, err)
	}
	return NewConn(nc), nil
}

// RetryDialerConfig configures a RetryDialer.
type RetryDialerConfig struct {
	// MaxRetryCount caps the number of retries after the first failed
	// attempt; 0 or negative means retry without limit.
	MaxRetryCount int

	// MaxRetryInterval caps the exponential backoff delay between attempts.
	// Zero selects a default of 30 seconds.
	MaxRetryInterval time.Duration
}

// RetryDialer dials an upstream endpoint with exponential backoff between
// attempts. A caller that relays accepted connections to an upstream uses it
// to rebuild the upstream half of a pair after a failure, without hammering
// a briefly-unavailable target.
type RetryDialer struct {
	lg     logger.Logger
	ep     Endpoint
	config RetryDialerConfig
}

// NewRetryDialer creates a RetryDialer for the given endpoint. config may be
// nil for defaults.
func NewRetryDialer(lg logger.Logger, ep Endpoint, config *RetryDialerConfig) *RetryDialer {
	cfg := RetryDialerConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	return &RetryDialer{
		lg:     lg.ForkLog("<RetryDialer %s:%s>", ep.Network(), ep),
		ep:     ep,
		config: cfg,
	}
}

// Dial attempts to connect until it succeeds, the retry budget is exhausted,
// or ctx is canceled. On success the caller becomes the exclusive owner of
// the returned Conn.
func (d *RetryDialer) Dial(ctx context.Context) (*Conn, error) {
	b := &backoff.Backoff{Max: d.config.MaxRetryInterval}
	var connerr error
	for {
		if connerr != nil {
			attempt := int(b.Attempt())
			delay := b.Duration()
			msg := fmt.Sprintf("Connection error: %s", connerr)
			if attempt > 0 {
				msg += fmt.Sprintf(" (Attempt: %d", attempt)
				if d.config.MaxRetryCount > 0 {
					msg += fmt.Sprintf("/%d", d.config.MaxRetryCount)
				}
				msg += ")"
			}
			d.lg.DLog(msg)
			if d.config.MaxRetryCount > 0 && attempt >= d.config.MaxRetryCount {
				return nil, connerr
			}
			d.lg.ILogf("Retrying in %s...", delay)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrOperationCanceled, ctx.Err())
			case <-time.After(delay):
			}
		}

		conn, err := DialEndpoint(ctx, d.ep)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrOperationCanceled, ctx.Err())
		}
		connerr = err
	}
}
