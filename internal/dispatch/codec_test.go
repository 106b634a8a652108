package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdbox/internal/logger"
	"cmdbox/internal/testutil"
)

func TestCodecDecode(t *testing.T) {
	b, mr := testutil.NewBroker(t)
	codec := NewCodec(b)
	ctx := context.Background()

	decode := func(t *testing.T, raw string) *Reply {
		t.Helper()
		reskey := NewResKey()
		require.NoError(t, b.Push(ctx, reskey, "leftover"))
		reply := codec.Decode(ctx, reskey, []byte(raw), time.Now().Add(-120*time.Millisecond))
		assert.False(t, mr.Exists(reskey), "reply key must be deleted")
		return reply
	}

	t.Run("scalar success is wrapped", func(t *testing.T) {
		reply := decode(t, `{"success":"pong"}`)
		require.Equal(t, KindSuccess, reply.Kind())
		assert.Equal(t, "pong", reply.Data())

		perf := reply.Performance()
		require.Len(t, perf, 2)
		assert.Equal(t, PerfRoundTrip, perf[0]["key"])
		assert.Equal(t, PerfReplySize, perf[1]["key"])
		assert.GreaterOrEqual(t, perf[0]["val"].(float64), 0.12)
	})

	t.Run("object success keeps its performance entries", func(t *testing.T) {
		reply := decode(t, `{"success":{"data":[1,2],"performance":[{"key":"sv_x","val":1}]}}`)
		require.Equal(t, KindSuccess, reply.Kind())

		perf := reply.Performance()
		require.Len(t, perf, 3)
		assert.Equal(t, "sv_x", perf[0]["key"])
		assert.Equal(t, PerfRoundTrip, perf[1]["key"])

		data := reply.Data().([]any)
		assert.Equal(t, json.Number("1"), data[0])
	})

	t.Run("error wins over warn and success", func(t *testing.T) {
		reply := decode(t, `{"error":"bad","warn":"w","success":1}`)
		assert.Equal(t, KindError, reply.Kind())
		assert.Equal(t, "bad", reply.Message())
	})

	t.Run("warn wins over success", func(t *testing.T) {
		reply := decode(t, `{"warn":"w","success":1}`)
		assert.Equal(t, KindWarn, reply.Kind())
		assert.Nil(t, reply.Performance())
	})

	t.Run("malformed replies become error envelopes", func(t *testing.T) {
		for _, raw := range []string{`not json`, `[1,2]`, `{"other":1}`, `{"success":null}`, ``} {
			reply := decode(t, raw)
			assert.Equal(t, KindError, reply.Kind(), "raw=%q", raw)
		}
	})

	t.Run("missing reply key is fine", func(t *testing.T) {
		reply := codec.Decode(ctx, "cl-gone-1", []byte(`{"success":true}`), time.Now())
		assert.Equal(t, KindSuccess, reply.Kind())
		assert.Equal(t, true, reply.Data())
	})
}

func TestReplySizeKiB(t *testing.T) {
	b, _ := testutil.NewBroker(t)
	codec := NewCodec(b)

	raw := []byte(`{"success":"` + strings.Repeat("x", 2048) + `"}`)
	reply := codec.Decode(context.Background(), "cl-k-1", raw, time.Now())

	perf := reply.Performance()
	require.Len(t, perf, 2)
	assert.InDelta(t, float64(len(raw))/1024, perf[1]["val"].(float64), 0.001)
}

func TestRedact(t *testing.T) {
	original := map[string]any{
		"output_image": "AAAA",
		"nested": map[string]any{
			"list": []any{
				map[string]any{"output_image": "BBBB", "keep": 1},
			},
		},
	}

	redacted := redact(original).(map[string]any)
	assert.Equal(t, "binary", redacted["output_image"])

	inner := redacted["nested"].(map[string]any)["list"].([]any)[0].(map[string]any)
	assert.Equal(t, "binary", inner["output_image"])
	assert.Equal(t, 1, inner["keep"])

	// the source is untouched
	assert.Equal(t, "AAAA", original["output_image"])
	src := original["nested"].(map[string]any)["list"].([]any)[0].(map[string]any)
	assert.Equal(t, "BBBB", src["output_image"])
}

func TestDecodeLogsRedactedCopy(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetLevel("debug")
	t.Cleanup(func() { logger.SetSilentMode(true) })

	b, _ := testutil.NewBroker(t)
	codec := NewCodec(b)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
		kind string
	}{
		{"error", `{"error":{"output_image":"AAAAHUGEBINARY"}}`, KindError},
		{"warn", `{"warn":{"frames":[{"output_image":"AAAAHUGEBINARY"}]}}`, KindWarn},
		{"success", `{"success":{"output_image":"AAAAHUGEBINARY"}}`, KindSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			reply := codec.Decode(ctx, NewResKey(), []byte(tt.raw), time.Now())
			require.Equal(t, tt.kind, reply.Kind())

			assert.NotContains(t, buf.String(), "AAAAHUGEBINARY")
			assert.Contains(t, buf.String(), `"output_image":"binary"`)
			assert.Contains(t, reply.String(), "AAAAHUGEBINARY", "the returned reply keeps the payload")
		})
	}
}
