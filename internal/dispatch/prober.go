package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"cmdbox/internal/broker"
	"cmdbox/internal/logger"
)

// ProbeOptions controls one liveness check
type ProbeOptions struct {
	// FindService additionally requires a heartbeat for the service
	FindService bool
	// RetryCount bounds ping attempts; <= 0 retries until ctx is done
	RetryCount int
	// RetryInterval is the pause between failed pings
	RetryInterval time.Duration
	// Announce logs each attempt at info level instead of debug
	Announce bool
}

// Prober verifies that the broker answers and, optionally, that a service
// has a live heartbeat.
type Prober struct {
	broker     *broker.Broker
	heartbeats *HeartbeatRegistry
	svname     string
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewProber creates a prober for svname
func NewProber(b *broker.Broker, svname string) *Prober {
	return &Prober{
		broker:     b,
		heartbeats: NewHeartbeatRegistry(b),
		svname:     svname,
		clock:      clock.New(),
		logger:     logger.Component("prober").With().Str("service", svname).Logger(),
	}
}

// SetClock replaces the clock used between retries
func (p *Prober) SetClock(c clock.Clock) {
	p.clock = c
}

// Check runs the probe loop. It returns nil when the broker (and the
// service, if requested) is available, otherwise one of ErrInvalidInterval,
// ErrServiceNotFound, ErrBrokerUnreachable or the context error.
func (p *Prober) Check(ctx context.Context, opts ProbeOptions) error {
	if opts.RetryInterval <= 0 {
		p.logger.Warn().
			Dur("retry_interval", opts.RetryInterval).
			Msg("Invalid retry interval")
		return ErrInvalidInterval
	}

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.event(opts.Announce).
			Str("broker", p.broker.Addr()).
			Int("attempt", attempts+1).
			Msg("Probing broker")

		pingErr := p.broker.Ping(ctx)
		if pingErr == nil {
			if !opts.FindService {
				return nil
			}
			found, err := p.heartbeats.Registered(ctx, p.svname)
			if err == nil {
				if !found {
					p.logger.Warn().Msg("Service has no live heartbeat")
					return fmt.Errorf("%w: %s", ErrServiceNotFound, p.svname)
				}
				return nil
			}
			// the scan failed mid-way, treat like a failed ping
			pingErr = err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempts++
		p.logger.Warn().
			Str("broker", p.broker.Addr()).
			Int("attempt", attempts).
			Int("retry_count", opts.RetryCount).
			Err(pingErr).
			Msg("Broker unreachable")

		if opts.RetryCount > 0 && attempts >= opts.RetryCount {
			return fmt.Errorf("%w: %s", ErrBrokerUnreachable, p.broker.Addr())
		}

		if err := p.sleep(ctx, opts.RetryInterval); err != nil {
			return err
		}
	}
}

// CheckServer is the boolean form of Check
func (p *Prober) CheckServer(ctx context.Context, findService bool, retryCount int, retryInterval time.Duration, announce bool) bool {
	err := p.Check(ctx, ProbeOptions{
		FindService:   findService,
		RetryCount:    retryCount,
		RetryInterval: retryInterval,
		Announce:      announce,
	})
	return err == nil
}

func (p *Prober) sleep(ctx context.Context, d time.Duration) error {
	timer := p.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prober) event(announce bool) *zerolog.Event {
	if announce {
		return p.logger.Info()
	}
	return p.logger.Debug()
}

// IsInterrupted reports whether err came from context cancellation
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
