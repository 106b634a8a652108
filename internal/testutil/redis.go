// Package testutil provides an in-process Redis for package tests.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cmdbox/internal/broker"
)

// NewBroker starts a miniredis server bound to t and returns a broker
// adapter connected to it. Both are closed when the test ends.
func NewBroker(t testing.TB) (*broker.Broker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	b := broker.NewFromClient(rdb)
	t.Cleanup(func() {
		b.Close()
	})
	return b, mr
}
