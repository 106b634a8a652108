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

package broker_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdbox/internal/broker"
	"cmdbox/internal/testutil"
)

func TestPushAndPop(t *testing.T) {
	b, _ := testutil.NewBroker(t)
	ctx := context.Background()

	t.Run("strings are pushed verbatim", func(t *testing.T) {
		require.NoError(t, b.Push(ctx, "q1", "ping cl-abc 1 2"))

		data, err := b.PopNonBlocking(ctx, "q1")
		require.NoError(t, err)
		assert.Equal(t, "ping cl-abc 1 2", string(data))
	})

	t.Run("structured values are JSON encoded", func(t *testing.T) {
		require.NoError(t, b.Push(ctx, "q2", map[string]any{"success": "pong"}))

		data, err := b.PopNonBlocking(ctx, "q2")
		require.NoError(t, err)
		assert.JSONEq(t, `{"success":"pong"}`, string(data))
	})

	t.Run("FIFO order", func(t *testing.T) {
		require.NoError(t, b.Push(ctx, "q3", "first"))
		require.NoError(t, b.Push(ctx, "q3", "second"))

		n, err := b.ListLen(ctx, "q3")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		first, _ := b.PopNonBlocking(ctx, "q3")
		second, _ := b.PopNonBlocking(ctx, "q3")
		assert.Equal(t, "first", string(first))
		assert.Equal(t, "second", string(second))
	})

	t.Run("empty queue yields nil", func(t *testing.T) {
		data, err := b.PopNonBlocking(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, data)
	})
}

func TestPushBounded(t *testing.T) {
	b, mr := testutil.NewBroker(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		size, pushed, err := b.PushBounded(ctx, "bounded", "frame", 2)
		require.NoError(t, err)
		assert.True(t, pushed)
		assert.EqualValues(t, i, size)
	}

	size, pushed, err := b.PushBounded(ctx, "bounded", "overflow", 2)
	require.NoError(t, err)
	assert.False(t, pushed)
	assert.EqualValues(t, 2, size)

	items, err := mr.List("bounded")
	require.NoError(t, err)
	assert.Equal(t, []string{"frame", "frame"}, items)
}

func TestPopBlocking(t *testing.T) {
	b, _ := testutil.NewBroker(t)
	ctx := context.Background()

	t.Run("returns queued item and its queue", func(t *testing.T) {
		require.NoError(t, b.Push(ctx, "sv-b", "hello"))

		queue, data, err := b.PopBlocking(ctx, time.Second, "sv-a", "sv-b")
		require.NoError(t, err)
		assert.Equal(t, "sv-b", queue)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("wakes up on a late push", func(t *testing.T) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			b.Push(ctx, "late", "arrived")
		}()

		_, data, err := b.PopBlocking(ctx, 2*time.Second, "late")
		require.NoError(t, err)
		assert.Equal(t, "arrived", string(data))
	})

	t.Run("rejects bad arguments", func(t *testing.T) {
		_, _, err := b.PopBlocking(ctx, 0, "q")
		assert.Error(t, err)

		_, _, err = b.PopBlocking(ctx, time.Second)
		assert.Error(t, err)
	})
}

func TestHashes(t *testing.T) {
	b, _ := testutil.NewBroker(t)
	ctx := context.Background()

	require.NoError(t, b.HashSet(ctx, "hb-w", "status", "ready"))
	require.NoError(t, b.HashSetFields(ctx, "hb-w", map[string]any{"ctime": "1700000000", "error_cnt": 0}))

	v, err := b.HashGet(ctx, "hb-w", "status")
	require.NoError(t, err)
	assert.Equal(t, "ready", string(v))

	missing, err := b.HashGet(ctx, "hb-w", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	n, err := b.HashIncr(ctx, "hb-w", "receive_cnt", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ok, err := b.HashExists(ctx, "hb-w", "receive_cnt")
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := b.HashGetAll(ctx, "hb-w")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"status":      "ready",
		"ctime":       "1700000000",
		"error_cnt":   "0",
		"receive_cnt": "1",
	}, all)

	t.Run("wrong type surfaces an error", func(t *testing.T) {
		require.NoError(t, b.Push(ctx, "hb-list", "x"))
		_, err := b.HashGetAll(ctx, "hb-list")
		assert.Error(t, err)
	})
}

func TestKeysExpireDelete(t *testing.T) {
	b, mr := testutil.NewBroker(t)
	ctx := context.Background()

	for _, k := range []string{"hb-a", "hb-b", "sv-a"} {
		require.NoError(t, b.HashSet(ctx, k, "status", "ready"))
	}

	keys, err := b.KeysMatching(ctx, "hb-*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"hb-a", "hb-b"}, keys)

	require.NoError(t, b.Expire(ctx, "hb-a", time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("hb-a"))
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("hb-a"))

	n, err := b.Delete(ctx, "hb-b")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = b.Delete(ctx, "hb-b")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "second delete is a no-op")
}

func TestPingAndClose(t *testing.T) {
	b, mr := testutil.NewBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Ping(ctx))
	assert.Equal(t, mr.Addr(), b.Addr())

	mr.Close()
	assert.Error(t, b.Ping(ctx))
}

func TestOptionsAddr(t *testing.T) {
	opts := broker.Options{Host: "redis.local", Port: 6380}
	assert.Equal(t, "redis.local:6380", opts.Addr())

	b := broker.New(opts)
	defer b.Close()
	assert.Equal(t, "redis.local:6380", b.Addr())
}
