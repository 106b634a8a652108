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
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"cmdbox/internal/broker"
	"cmdbox/internal/config"
	"cmdbox/internal/logger"
)

// WorkerState represents the state of a worker
type WorkerState int

const (
	WorkerStateStopped WorkerState = iota
	WorkerStateReady
	WorkerStateBusy
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStateStopped:
		return string(StatusStopped)
	case WorkerStateReady:
		return string(StatusReady)
	case WorkerStateBusy:
		return string(StatusBusy)
	default:
		return string(StatusUnknown)
	}
}

// WorkerStats represents worker statistics
type WorkerStats struct {
	CommandsReceived  int       `json:"commands_received"`
	CommandsSucceeded int       `json:"commands_succeeded"`
	CommandsWarned    int       `json:"commands_warned"`
	CommandsFailed    int       `json:"commands_failed"`
	Redirected        int       `json:"redirected"`
	LastCommand       time.Time `json:"last_command"`
	StartTime         time.Time `json:"start_time"`
	State             string    `json:"state"`
}

// Worker consumes the command queue of a service, runs registered handlers
// and pushes their replies.
type Worker struct {
	broker     *broker.Broker
	registry   *Registry
	heartbeats *HeartbeatRegistry
	redirector *Redirector

	svname    string
	nodeID    string
	node      string
	heartbeat time.Duration
	popWait   time.Duration
	replyTTL  time.Duration

	state  WorkerState
	stats  *WorkerStats
	mutex  sync.RWMutex
	logger zerolog.Logger
}

// NewWorker creates a worker for the service configured in cfg. A nil
// registry means DefaultRegistry.
func NewWorker(b *broker.Broker, cfg *config.Config, registry *Registry) (*Worker, error) {
	if registry == nil {
		registry = DefaultRegistry
	}

	svname := cfg.Service.Name
	nodeID := cfg.Service.NodeID
	node := NodeName(svname, nodeID)

	w := &Worker{
		broker:     b,
		registry:   registry,
		heartbeats: NewHeartbeatRegistry(b),
		svname:     svname,
		nodeID:     nodeID,
		node:       node,
		heartbeat:  cfg.HeartbeatInterval(),
		popWait:    cfg.PopTimeout(),
		replyTTL:   cfg.ReplyTTL(),
		state:      WorkerStateStopped,
		stats: &WorkerStats{
			StartTime: time.Now(),
		},
		logger: logger.Component("worker").With().Str("node", node).Logger(),
	}

	if nodeID != "" {
		redirector, err := NewRedirector(b, svname, nodeID, cfg.Worker.RedirectCacheSize)
		if err != nil {
			return nil, err
		}
		w.redirector = redirector
	}
	return w, nil
}

// Node returns the scoped name this worker registers under
func (w *Worker) Node() string {
	return w.node
}

// Queues returns the queues consumed by the worker, node queue first
func (w *Worker) Queues() []string {
	if w.nodeID == "" {
		return []string{ServiceQueue(w.svname)}
	}
	return []string{ServiceQueue(w.node), ServiceQueue(w.svname)}
}

func (w *Worker) heartbeatTTL() time.Duration {
	return 3 * w.heartbeat
}

// Run registers the heartbeat and serves commands until ctx is done.
// On return the heartbeat has been removed, so probers stop finding the
// node at once.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Str("broker", w.broker.Addr()).
		Strs("queues", w.Queues()).
		Strs("commands", w.registry.Names()).
		Msg("Starting worker")

	if err := w.heartbeats.Register(ctx, w.node, w.heartbeatTTL()); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	w.setState(WorkerStateReady)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return w.receiveLoop(gctx)
	})
	runErr := g.Wait()

	w.setState(WorkerStateStopped)
	return multierr.Append(runErr, w.shutdown())
}

func (w *Worker) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.logger.Info().Msg("Worker stopped")
	if err := w.heartbeats.Unregister(ctx, w.node); err != nil {
		return fmt.Errorf("failed to remove heartbeat: %w", err)
	}
	return nil
}

// heartbeatLoop refreshes the heartbeat TTL with the current status
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status := WorkerStatus(w.State().String())
			if err := w.heartbeats.Touch(ctx, w.node, status, w.heartbeatTTL()); err != nil && ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("Failed to refresh heartbeat")
			}
		case <-ctx.Done():
			return
		}
	}
}

// receiveLoop pops one message at a time. The pop timeout bounds how long
// a cancellation goes unnoticed.
func (w *Worker) receiveLoop(ctx context.Context) error {
	queues := w.Queues()
	for {
		if ctx.Err() != nil {
			return nil
		}

		queue, data, err := w.broker.PopBlocking(ctx, w.popWait, queues...)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Failed to pop command, retrying")
			select {
			case <-time.After(w.popWait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if data == nil {
			continue
		}

		w.HandleMessage(ctx, queue, string(data))
	}
}

// HandleMessage processes one raw inbound message and returns the reply it
// produced, or nil when nothing was replied.
func (w *Worker) HandleMessage(ctx context.Context, queue, raw string) *Reply {
	ioCtx := context.WithoutCancel(ctx)
	w.incr(ioCtx, FieldReceive)

	w.mutex.Lock()
	w.stats.CommandsReceived++
	w.stats.LastCommand = time.Now()
	w.mutex.Unlock()

	msg, err := ParseCommandMessage(raw)
	if err != nil {
		w.logger.Warn().Str("queue", queue).Err(err).Msg("Dropping malformed command")
		w.incr(ioCtx, FieldError)
		return nil
	}

	params, origin, redirected := SplitRedirectMarker(msg.Params)
	if redirected && w.redirector != nil && w.redirector.Seen(origin) {
		w.logger.Debug().
			Str("command", msg.Command).
			Str("origin", origin).
			Msg("Dropping duplicate redirected command")
		return nil
	}

	cmd, found := w.registry.Lookup(msg.Command)
	var reply *Reply
	if !found {
		reply = WarnReply("Unknown command: %s", msg.Command)
	} else {
		w.setState(WorkerStateBusy)
		if err := w.heartbeats.SetStatus(ioCtx, w.node, StatusBusy); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to set busy status")
		}

		started := time.Now()
		reply = w.invoke(ctx, cmd, &Request{
			Service:    w.svname,
			Node:       w.node,
			Command:    msg.Command,
			ResKey:     msg.ResKey,
			Params:     params,
			Redirected: redirected,
			Broker:     w.broker,
		})

		w.setState(WorkerStateReady)
		if err := w.heartbeats.SetStatus(ioCtx, w.node, StatusReady); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to set ready status")
		}

		w.logger.Info().
			Str("command", msg.Command).
			Str("reskey", msg.ResKey).
			Str("outcome", reply.Kind()).
			Dur("elapsed", time.Since(started)).
			Bool("redirected", redirected).
			Msg("Command handled")
	}

	w.count(ioCtx, msg.Command, reply)

	if msg.WantsReply() {
		if err := w.reply(ioCtx, msg.ResKey, reply); err != nil {
			w.logger.Error().Str("reskey", msg.ResKey).Err(err).Msg("Failed to push reply")
		}
	}

	if found && cmd.ClusterRedirect && !redirected && w.redirector != nil {
		n, err := w.redirector.Forward(ioCtx, &CommandMessage{Command: msg.Command, ResKey: msg.ResKey, Params: params})
		if err != nil {
			w.logger.Warn().Err(err).Msg("Failed to forward command to some peers")
		}
		w.mutex.Lock()
		w.stats.Redirected += n
		w.mutex.Unlock()
	}

	return reply
}

// invoke runs the handler and converts panics into error envelopes
func (w *Worker) invoke(ctx context.Context, cmd Command, req *Request) (reply *Reply) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("command", cmd.Name).
				Interface("panic", r).
				Msg("Command handler panicked")
			reply = ErrorReply("Command '%s' failed: %v", cmd.Name, r)
		}
	}()
	return toReply(cmd.Handler(ctx, req))
}

func (w *Worker) reply(ctx context.Context, reskey string, reply *Reply) error {
	if err := w.broker.Push(ctx, reskey, reply); err != nil {
		return err
	}
	if w.replyTTL > 0 {
		return w.broker.Expire(ctx, reskey, w.replyTTL)
	}
	return nil
}

func (w *Worker) count(ctx context.Context, command string, reply *Reply) {
	kind := reply.Kind()
	commandsHandled.WithLabelValues(w.svname, command, kind).Inc()

	w.mutex.Lock()
	switch kind {
	case KindSuccess:
		w.stats.CommandsSucceeded++
	case KindWarn:
		w.stats.CommandsWarned++
	default:
		w.stats.CommandsFailed++
	}
	w.mutex.Unlock()

	switch kind {
	case KindSuccess:
		w.incr(ctx, FieldSuccess)
	case KindWarn:
		w.incr(ctx, FieldWarn)
	default:
		w.incr(ctx, FieldError)
	}
}

func (w *Worker) incr(ctx context.Context, field string) {
	if _, err := w.heartbeats.Incr(ctx, w.node, field); err != nil {
		w.logger.Warn().Str("field", field).Err(err).Msg("Failed to update heartbeat counter")
	}
}

func (w *Worker) setState(state WorkerState) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.state = state
}

// State returns the current worker state
func (w *Worker) State() WorkerState {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.state
}

// GetStats returns worker statistics
func (w *Worker) GetStats() *WorkerStats {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	stats := *w.stats
	stats.State = w.state.String()
	return &stats
}
