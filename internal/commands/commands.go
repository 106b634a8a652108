// Package commands holds the built-in commands every cmdbox worker serves.
// They register themselves in dispatch.DefaultRegistry on import.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cmdbox/internal/config"
	"cmdbox/internal/dispatch"
	"cmdbox/internal/stream"
)

// MaxSleep bounds the sleep command
const MaxSleep = 10 * time.Minute

func init() {
	for _, cmd := range Builtins() {
		dispatch.Register(cmd)
	}
}

// Builtins returns the built-in command set
func Builtins() []dispatch.Command {
	return []dispatch.Command{
		{Name: "ping", Description: "Reply with pong", Handler: Ping},
		{Name: "echo", Description: "Reply with the given parameters", Handler: Echo},
		{Name: "sleep", Description: "Sleep for <sec> seconds, then reply", Handler: Sleep},
		{Name: "fail", Description: "Always reply with an error", Handler: Fail},
		{Name: "warn", Description: "Always reply with a warning", Handler: Warn},
		{Name: "services", Description: "List live services", Handler: Services},
		{Name: "notify", Description: "Publish <text> on the side channel", Handler: Notify},
		{Name: "broadcast", Description: "Run <text> on every cluster node", ClusterRedirect: true, Handler: Broadcast},
	}
}

// Ping replies "pong"
func Ping(ctx context.Context, req *dispatch.Request) (any, error) {
	return "pong", nil
}

// Echo returns its parameters
func Echo(ctx context.Context, req *dispatch.Request) (any, error) {
	params := req.Params
	if params == nil {
		params = []string{}
	}
	return map[string]any{"data": params}, nil
}

// Sleep waits for params[0] seconds or until ctx is done
func Sleep(ctx context.Context, req *dispatch.Request) (any, error) {
	if len(req.Params) != 1 {
		return nil, fmt.Errorf("usage: sleep <sec>")
	}
	secs, err := strconv.ParseFloat(req.Params[0], 64)
	if err != nil || secs < 0 {
		return nil, fmt.Errorf("invalid duration %q", req.Params[0])
	}
	d := time.Duration(secs * float64(time.Second))
	if d > MaxSleep {
		return nil, fmt.Errorf("sleep is limited to %s", MaxSleep)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept": secs}, nil
	case <-ctx.Done():
		return nil, dispatch.Warnf("sleep interrupted after shutdown")
	}
}

// Fail always returns an error, joining params into the message
func Fail(ctx context.Context, req *dispatch.Request) (any, error) {
	if len(req.Params) > 0 {
		return nil, errors.New(strings.Join(req.Params, " "))
	}
	return nil, errors.New("command failed")
}

// Warn always returns a warning
func Warn(ctx context.Context, req *dispatch.Request) (any, error) {
	if len(req.Params) > 0 {
		return nil, dispatch.Warnf("%s", strings.Join(req.Params, " "))
	}
	return nil, dispatch.Warnf("command warned")
}

// Services lists the heartbeats visible on the broker
func Services(ctx context.Context, req *dispatch.Request) (any, error) {
	services, err := dispatch.NewHeartbeatRegistry(req.Broker).ListServices(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"data": services}, nil
}

// Notify pushes params as a text frame on the side channel of the service
func Notify(ctx context.Context, req *dispatch.Request) (any, error) {
	if len(req.Params) == 0 {
		return nil, fmt.Errorf("usage: notify <text>")
	}
	reply := stream.New(req.Broker, req.Service).Send(ctx, stream.CmdText, strings.Join(req.Params, " "), config.DefaultMaxRecordSize)
	return reply, nil
}

// Broadcast replies with the node that ran it. Cluster nodes forward it
// to their peers.
func Broadcast(ctx context.Context, req *dispatch.Request) (any, error) {
	return map[string]any{
		"data": map[string]any{
			"node":       req.Node,
			"text":       strings.Join(req.Params, " "),
			"redirected": req.Redirected,
		},
	}, nil
}
