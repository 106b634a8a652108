// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cmdbox/internal/broker"
	"cmdbox/internal/config"
	"cmdbox/internal/logger"
)

const (
	defaultPollInterval = 5 * time.Millisecond
	defaultPushTimeout  = 5 * time.Second
	maxLatencySamples   = 100
)

// SendOptions controls a single SendCommand call
type SendOptions struct {
	RetryCount    int
	RetryInterval time.Duration
	Timeout       time.Duration
	Announce      bool
	NoWait        bool
}

// SendOptionsFromConfig returns the client defaults of cfg
func SendOptionsFromConfig(cfg *config.Config) SendOptions {
	return SendOptions{
		RetryCount:    cfg.Client.RetryCount,
		RetryInterval: cfg.RetryInterval(),
		Timeout:       cfg.Timeout(),
	}
}

// ClientStats represents client statistics
type ClientStats struct {
	CommandsSent    int       `json:"commands_sent"`
	RepliesReceived int       `json:"replies_received"`
	CommandsFailed  int       `json:"commands_failed"`
	CommandsTimeout int       `json:"commands_timeout"`
	CommandsNoWait  int       `json:"commands_nowait"`
	LastCommand     time.Time `json:"last_command"`
	LastReply       time.Time `json:"last_reply"`
	StartTime       time.Time `json:"start_time"`
	AverageLatency  float64   `json:"average_latency_ms"`
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithNoWaitWorkers bounds the number of concurrent background pushes
func WithNoWaitWorkers(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.noWaitWorkers = n
		}
	}
}

// WithPollInterval sets the pause between empty reply polls
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithClock sets the clock used by the prober between retries
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.prober.SetClock(clk)
	}
}

// Client sends commands to one named service and waits for their replies
type Client struct {
	broker        *broker.Broker
	svname        string
	prober        *Prober
	codec         *Codec
	heartbeats    *HeartbeatRegistry
	pollInterval  time.Duration
	noWaitWorkers int

	pool   *errgroup.Group
	poolMu sync.Mutex
	closed bool

	logger    zerolog.Logger
	stats     *ClientStats
	mutex     sync.RWMutex
	latencies []time.Duration
}

// NewClient creates a dispatcher for svname over a shared broker
func NewClient(b *broker.Broker, svname string, opts ...ClientOption) *Client {
	c := &Client{
		broker:        b,
		svname:        svname,
		prober:        NewProber(b, svname),
		codec:         NewCodec(b),
		heartbeats:    NewHeartbeatRegistry(b),
		pollInterval:  defaultPollInterval,
		noWaitWorkers: config.DefaultNoWaitWorkers,
		logger:        logger.Component("client").With().Str("service", svname).Logger(),
		stats: &ClientStats{
			StartTime: time.Now(),
		},
		latencies: make([]time.Duration, 0, maxLatencySamples),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.pool = new(errgroup.Group)
	c.pool.SetLimit(c.noWaitWorkers)
	return c
}

// Service returns the service this client talks to
func (c *Client) Service() string {
	return c.svname
}

// Prober returns the liveness prober of this client
func (c *Client) Prober() *Prober {
	return c.prober
}

// SendCommand delivers command to the service and, unless opts.NoWait is
// set, waits for its reply. Failures are reported as envelopes, never as
// Go errors. A nil result means the command was queued without waiting.
func (c *Client) SendCommand(ctx context.Context, command string, params []string, opts SendOptions) *Reply {
	start := time.Now()

	if opts.Timeout <= 0 {
		c.recordFailure(KindError)
		return ErrorReply("Invalid timeout %s: must be greater than 0.", opts.Timeout)
	}

	msg := &CommandMessage{Command: command, ResKey: NewResKey(), Params: append([]string(nil), params...)}
	if opts.NoWait {
		msg.ResKey = NoReplyKey
	}
	if err := msg.Validate(); err != nil {
		c.recordFailure(KindError)
		return ErrorReply("Invalid command: %v", err)
	}

	err := c.prober.Check(ctx, ProbeOptions{
		FindService:   true,
		RetryCount:    opts.RetryCount,
		RetryInterval: opts.RetryInterval,
		Announce:      opts.Announce,
	})
	if err != nil {
		return c.probeFailure(command, err)
	}

	c.mutex.Lock()
	c.stats.CommandsSent++
	c.stats.LastCommand = time.Now()
	c.mutex.Unlock()

	c.logger.Debug().
		Str("command", command).
		Str("reskey", msg.ResKey).
		Int("params", len(msg.Params)).
		Bool("nowait", opts.NoWait).
		Msg("Sending command")

	if opts.NoWait {
		return c.sendNoWait(msg)
	}

	ioCtx := context.WithoutCancel(ctx)
	if err := c.broker.Push(ioCtx, ServiceQueue(c.svname), msg.Encode()); err != nil {
		c.recordFailure(outcomeBrokerErr)
		c.logger.Error().Str("command", command).Err(err).Msg("Failed to push command")
		return ErrorReply("Redis server %s is unreachable.", c.broker.Addr())
	}

	return c.waitReply(ctx, msg, start, opts.Timeout)
}

// probeFailure maps prober errors to envelopes
func (c *Client) probeFailure(command string, err error) *Reply {
	switch {
	case errors.Is(err, ErrServiceNotFound):
		c.recordFailure(outcomeNotFound)
		return ErrorReply("Service '%s' not found.", c.svname)
	case errors.Is(err, ErrBrokerUnreachable):
		c.recordFailure(outcomeBrokerErr)
		return ErrorReply("Redis server %s is unreachable.", c.broker.Addr())
	case errors.Is(err, ErrInvalidInterval):
		c.recordFailure(KindError)
		return ErrorReply("Invalid retry interval: %v", err)
	case IsInterrupted(err):
		c.recordFailure(KindWarn)
		return WarnReply("Command '%s' was interrupted.", command)
	default:
		c.recordFailure(KindError)
		return ErrorReply("Failed to reach service '%s': %v", c.svname, err)
	}
}

// sendNoWait hands the push to the background pool
func (c *Client) sendNoWait(msg *CommandMessage) *Reply {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()

	if c.closed {
		c.recordFailure(KindError)
		return ErrorReply("Client is closed.")
	}

	queue := ServiceQueue(c.svname)
	payload := msg.Encode()
	c.pool.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), defaultPushTimeout)
		defer cancel()

		if err := c.broker.Push(ctx, queue, payload); err != nil {
			c.logger.Error().
				Str("command", msg.Command).
				Err(err).
				Msg("Background push failed")
			commandsSent.WithLabelValues(c.svname, outcomeBrokerErr).Inc()
			return fmt.Errorf("failed to push %s: %w", msg.Command, err)
		}
		return nil
	})

	c.mutex.Lock()
	c.stats.CommandsNoWait++
	c.mutex.Unlock()
	commandsSent.WithLabelValues(c.svname, outcomeNoWait).Inc()
	return nil
}

// waitReply polls the reply key until a reply arrives, the timeout
// elapses or ctx is cancelled. Cancellation is observed between polls.
func (c *Client) waitReply(ctx context.Context, msg *CommandMessage, start time.Time, timeout time.Duration) *Reply {
	ioCtx := context.WithoutCancel(ctx)
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		data, err := c.broker.PopNonBlocking(ioCtx, msg.ResKey)
		if err != nil {
			c.recordFailure(outcomeBrokerErr)
			c.logger.Error().Str("reskey", msg.ResKey).Err(err).Msg("Failed to poll reply")
			return ErrorReply("Redis server %s is unreachable.", c.broker.Addr())
		}
		if data != nil {
			reply := c.codec.Decode(ioCtx, msg.ResKey, data, start)
			c.recordReply(reply, time.Since(start))
			return reply
		}

		if !time.Now().Before(deadline) {
			if _, err := c.broker.Delete(ioCtx, msg.ResKey); err != nil {
				c.logger.Warn().Str("reskey", msg.ResKey).Err(err).Msg("Failed to delete reply key")
			}
			c.recordFailure(outcomeTimeout)
			c.logger.Warn().
				Str("command", msg.Command).
				Dur("timeout", timeout).
				Msg("Response timed out")
			return ErrorReply("Response timed out.")
		}

		select {
		case <-ctx.Done():
			c.recordFailure(KindWarn)
			c.logger.Warn().Str("command", msg.Command).Msg("Command interrupted")
			return WarnReply("Command '%s' was interrupted.", msg.Command)
		case <-ticker.C:
		}
	}
}

func (c *Client) recordReply(reply *Reply, latency time.Duration) {
	kind := reply.Kind()
	commandsSent.WithLabelValues(c.svname, kind).Inc()
	roundTrip.WithLabelValues(c.svname).Observe(latency.Seconds())

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stats.RepliesReceived++
	c.stats.LastReply = time.Now()
	if kind == KindError {
		c.stats.CommandsFailed++
	}

	if len(c.latencies) >= maxLatencySamples {
		c.latencies = c.latencies[1:]
	}
	c.latencies = append(c.latencies, latency)

	var total time.Duration
	for _, l := range c.latencies {
		total += l
	}
	c.stats.AverageLatency = float64(total.Milliseconds()) / float64(len(c.latencies))
}

func (c *Client) recordFailure(outcome string) {
	commandsSent.WithLabelValues(c.svname, outcome).Inc()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if outcome == outcomeTimeout {
		c.stats.CommandsTimeout++
		return
	}
	c.stats.CommandsFailed++
}

// GetStats returns client statistics
func (c *Client) GetStats() *ClientStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	stats := *c.stats
	return &stats
}

// ListServices returns every live service known to the broker
func (c *Client) ListServices(ctx context.Context) ([]ServiceSummary, error) {
	return c.heartbeats.ListServices(ctx)
}

// Close waits for in-flight background pushes. The shared broker is left
// open for its owner.
func (c *Client) Close() error {
	c.poolMu.Lock()
	c.closed = true
	c.poolMu.Unlock()

	if err := c.pool.Wait(); err != nil {
		return fmt.Errorf("background push failed: %w", err)
	}
	return nil
}
