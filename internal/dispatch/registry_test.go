package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, req *Request) (any, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(Command{Name: "zeta", Handler: noop}))
	require.NoError(t, reg.Register(Command{Name: "alpha", Description: "first", Handler: noop, ClusterRedirect: true}))

	t.Run("lookup", func(t *testing.T) {
		cmd, ok := reg.Lookup("alpha")
		require.True(t, ok)
		assert.Equal(t, "first", cmd.Description)
		assert.True(t, cmd.ClusterRedirect)

		_, ok = reg.Lookup("missing")
		assert.False(t, ok)
	})

	t.Run("names are sorted", func(t *testing.T) {
		assert.Equal(t, []string{"alpha", "zeta"}, reg.Names())
		cmds := reg.Commands()
		require.Len(t, cmds, 2)
		assert.Equal(t, "alpha", cmds[0].Name)
	})

	t.Run("rejects bad registrations", func(t *testing.T) {
		assert.Error(t, reg.Register(Command{Name: "alpha", Handler: noop}), "duplicate")
		assert.Error(t, reg.Register(Command{Name: "two words", Handler: noop}))
		assert.Error(t, reg.Register(Command{Name: "", Handler: noop}))
		assert.Error(t, reg.Register(Command{Name: "nohandler"}))
	})

	t.Run("package register panics on conflict", func(t *testing.T) {
		Register(Command{Name: "registry-test-dup", Handler: noop})
		assert.Panics(t, func() {
			Register(Command{Name: "registry-test-dup", Handler: noop})
		})
	})
}

func TestToReply(t *testing.T) {
	tests := []struct {
		name  string
		value any
		err   error
		want  *Reply
	}{
		{"value", "pong", nil, SuccessReply("pong")},
		{"nil value", nil, nil, SuccessReply(map[string]any{})},
		{"error", nil, errors.New("boom"), &Reply{Error: "boom"}},
		{"warning", nil, Warnf("careful %d", 2), &Reply{Warn: "careful 2"}},
		{"wrapped warning", nil, fmt.Errorf("ctx: %w", Warnf("inner")), &Reply{Warn: "inner"}},
		{"reply passthrough", WarnReply("as is"), nil, &Reply{Warn: "as is"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toReply(tt.value, tt.err))
		})
	}
}
