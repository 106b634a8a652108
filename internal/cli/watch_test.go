package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdbox/internal/dispatch"
)

type fakeLister struct {
	services []dispatch.ServiceSummary
	err      error
}

func (f *fakeLister) ListServices(ctx context.Context) ([]dispatch.ServiceSummary, error) {
	return f.services, f.err
}

func TestWatchModel(t *testing.T) {
	lister := &fakeLister{services: []dispatch.ServiceSummary{
		{Name: "worker1", Status: "ready", ReceiveCount: 7, SuccessCount: 6, ErrorCount: 1, Ctime: "2025-01-01 10:00:00"},
		{Name: "worker2-n1", Status: "busy"},
	}}
	m := NewWatchModel(lister, 50*time.Millisecond)

	msg := m.Init()()
	require.IsType(t, servicesMsg{}, msg)

	updated, cmd := m.Update(msg)
	assert.NotNil(t, cmd, "a refresh is scheduled")
	view := updated.View()
	assert.Contains(t, view, "worker1")
	assert.Contains(t, view, "worker2-n1")
	assert.Contains(t, view, "2025-01-01 10:00:00")

	t.Run("errors keep the last table", func(t *testing.T) {
		lister.err = errors.New("redis down")
		next, _ := updated.Update(updated.(WatchModel).poll())
		view := next.View()
		assert.Contains(t, view, "redis down")
		assert.Contains(t, view, "worker1")
	})

	t.Run("quit", func(t *testing.T) {
		next, cmd := updated.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
		require.NotNil(t, cmd)
		assert.Equal(t, tea.QuitMsg{}, cmd())
		assert.Empty(t, next.View())
	})
}

func TestWatchModelEmpty(t *testing.T) {
	m := NewWatchModel(&fakeLister{}, 0)
	assert.Equal(t, time.Second, m.interval)

	next, _ := m.Update(m.poll())
	assert.Contains(t, next.View(), "No live services")
}
