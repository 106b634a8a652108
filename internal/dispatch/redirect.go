package dispatch

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"cmdbox/internal/broker"
	"cmdbox/internal/logger"
)

// RedirectMarker prefixes the final parameter of a forwarded copy. The
// rest of the parameter is the reply key of the original message.
const RedirectMarker = "@redirected:"

// SplitRedirectMarker strips a trailing redirect marker from params
func SplitRedirectMarker(params []string) ([]string, string, bool) {
	if len(params) == 0 {
		return params, "", false
	}
	last := params[len(params)-1]
	if !strings.HasPrefix(last, RedirectMarker) {
		return params, "", false
	}
	return params[:len(params)-1], strings.TrimPrefix(last, RedirectMarker), true
}

// Redirector forwards cluster commands one hop to the peer nodes of a
// service and remembers which origins it has already seen.
type Redirector struct {
	broker     *broker.Broker
	heartbeats *HeartbeatRegistry
	svname     string
	nodeID     string
	seen       *lru.Cache[string, struct{}]
	logger     zerolog.Logger
}

// NewRedirector creates a redirector for node nodeID of svname
func NewRedirector(b *broker.Broker, svname, nodeID string, cacheSize int) (*Redirector, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	seen, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create redirect cache: %w", err)
	}
	return &Redirector{
		broker:     b,
		heartbeats: NewHeartbeatRegistry(b),
		svname:     svname,
		nodeID:     nodeID,
		seen:       seen,
		logger: logger.Component("redirect").With().
			Str("service", svname).
			Str("node", nodeID).
			Logger(),
	}, nil
}

// Seen records origin and reports whether it was already known
func (r *Redirector) Seen(origin string) bool {
	if origin == "" {
		return false
	}
	found, _ := r.seen.ContainsOrAdd(origin, struct{}{})
	return found
}

// Forward pushes a marked copy of msg to every peer node. It returns how
// many peers received it; failures for single peers are combined.
func (r *Redirector) Forward(ctx context.Context, msg *CommandMessage) (int, error) {
	if r.nodeID == "" {
		return 0, nil
	}

	origin := msg.ResKey
	if origin == NoReplyKey {
		origin = NewResKey()
	}
	r.Seen(origin)

	nodes, err := r.heartbeats.Nodes(ctx, r.svname)
	if err != nil {
		return 0, fmt.Errorf("failed to list peers: %w", err)
	}

	copyMsg := &CommandMessage{
		Command: msg.Command,
		ResKey:  NoReplyKey,
		Params:  append(append([]string(nil), msg.Params...), RedirectMarker+origin),
	}
	payload := copyMsg.Encode()

	var errs error
	sent := 0
	for _, peer := range nodes {
		if peer == r.nodeID {
			continue
		}
		queue := ServiceQueue(NodeName(r.svname, peer))
		if err := r.broker.Push(ctx, queue, payload); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", peer, err))
			continue
		}
		sent++
	}

	if sent > 0 {
		redirectsSent.WithLabelValues(r.svname).Add(float64(sent))
		r.logger.Info().
			Str("command", msg.Command).
			Str("origin", origin).
			Int("peers", sent).
			Msg("Forwarded command to cluster peers")
	}
	return sent, errs
}
