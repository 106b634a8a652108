package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdbox/internal/config"
	"cmdbox/internal/dispatch"
	"cmdbox/internal/stream"
	"cmdbox/internal/testutil"
)

func TestBuiltinsRegistered(t *testing.T) {
	names := dispatch.DefaultRegistry.Names()
	for _, want := range []string{"ping", "echo", "sleep", "fail", "warn", "services", "notify", "broadcast"} {
		assert.Contains(t, names, want)
	}

	cmd, ok := dispatch.DefaultRegistry.Lookup("broadcast")
	require.True(t, ok)
	assert.True(t, cmd.ClusterRedirect)
}

func TestHandlers(t *testing.T) {
	b, mr := testutil.NewBroker(t)
	ctx := context.Background()
	req := func(params ...string) *dispatch.Request {
		return &dispatch.Request{Service: "svc", Node: "svc", Params: params, Broker: b}
	}

	t.Run("ping", func(t *testing.T) {
		v, err := Ping(ctx, req())
		require.NoError(t, err)
		assert.Equal(t, "pong", v)
	})

	t.Run("echo", func(t *testing.T) {
		v, err := Echo(ctx, req("a", "b"))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"data": []string{"a", "b"}}, v)
	})

	t.Run("sleep", func(t *testing.T) {
		v, err := Sleep(ctx, req("0.01"))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"slept": 0.01}, v)

		_, err = Sleep(ctx, req("soon"))
		assert.Error(t, err)
		_, err = Sleep(ctx, req())
		assert.Error(t, err)
		_, err = Sleep(ctx, req("100000"))
		assert.Error(t, err)
	})

	t.Run("sleep is cancellable", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := Sleep(cctx, req("60"))
		var warning *dispatch.Warning
		assert.ErrorAs(t, err, &warning)
	})

	t.Run("fail and warn", func(t *testing.T) {
		_, err := Fail(ctx, req("disk", "full"))
		assert.EqualError(t, err, "disk full")

		_, err = Warn(ctx, req())
		var warning *dispatch.Warning
		assert.ErrorAs(t, err, &warning)
	})

	t.Run("services", func(t *testing.T) {
		mr.HSet("hb-svc", "status", "ready")
		v, err := Services(ctx, req())
		require.NoError(t, err)
		services := v.(map[string]any)["data"].([]dispatch.ServiceSummary)
		require.Len(t, services, 1)
		assert.Equal(t, "svc", services[0].Name)
	})

	t.Run("notify", func(t *testing.T) {
		v, err := Notify(ctx, req("hello", "there"))
		require.NoError(t, err)
		assert.Equal(t, dispatch.KindSuccess, v.(*dispatch.Reply).Kind())

		frame, err := stream.New(b, "svc").Receive(ctx)
		require.NoError(t, err)
		require.NotNil(t, frame)
		assert.Equal(t, "hello there", frame.Text)

		_, err = Notify(ctx, req())
		assert.Error(t, err)
	})
}

func TestWorkerScenario(t *testing.T) {
	b, mr := testutil.NewBroker(t)

	cfg := config.NewDefaultConfig()
	cfg.Service.Name = "worker1"
	w, err := dispatch.NewWorker(b, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return mr.Exists("hb-worker1")
	}, 2*time.Second, 10*time.Millisecond)

	client := dispatch.NewClient(b, "worker1")
	defer client.Close()

	reply := client.SendCommand(context.Background(), "ping", nil, dispatch.SendOptionsFromConfig(cfg))
	require.Equal(t, dispatch.KindSuccess, reply.Kind(), reply.String())
	assert.Equal(t, "pong", reply.Data())
	assert.Len(t, reply.Performance(), 2)

	reply = client.SendCommand(context.Background(), "echo", []string{"x"}, dispatch.SendOptionsFromConfig(cfg))
	require.Equal(t, dispatch.KindSuccess, reply.Kind(), reply.String())
	assert.Equal(t, []any{"x"}, reply.Data())
}
