package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rs/zerolog"

	"cmdbox/internal/broker"
	"cmdbox/internal/logger"
)

// redactedField is replaced in logged copies of a reply
const redactedField = "output_image"

// Codec turns a raw reply into a normalized envelope
type Codec struct {
	broker *broker.Broker
	logger zerolog.Logger
}

// NewCodec creates a codec bound to a broker
func NewCodec(b *broker.Broker) *Codec {
	return &Codec{
		broker: b,
		logger: logger.Component("codec"),
	}
}

// Decode consumes a reply popped from reskey. The reskey is deleted
// before parsing so a malformed reply never leaks a key.
func (c *Codec) Decode(ctx context.Context, reskey string, raw []byte, start time.Time) *Reply {
	if _, err := c.broker.Delete(ctx, reskey); err != nil {
		c.logger.Warn().
			Str("reskey", reskey).
			Err(err).
			Msg("Failed to delete reply key")
	}

	elapsed := time.Since(start)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		c.logger.Warn().
			Str("reskey", reskey).
			Str("raw", truncate(string(raw), 120)).
			Err(err).
			Msg("Reply is not valid JSON")
		return ErrorReply("Invalid response: %v", err)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return ErrorReply("Invalid response: expected an object")
	}

	if v, ok := obj[KindError]; ok && v != nil {
		c.logger.Warn().Str("reskey", reskey).Interface("error", redact(v)).Msg("Command failed")
		return &Reply{Error: v}
	}
	if v, ok := obj[KindWarn]; ok && v != nil {
		c.logger.Warn().Str("reskey", reskey).Interface("warn", redact(v)).Msg("Command warned")
		return &Reply{Warn: v}
	}
	v, ok := obj[KindSuccess]
	if !ok || v == nil {
		return ErrorReply("Invalid response: no error, warn or success key")
	}

	success, ok := v.(map[string]any)
	if !ok {
		success = map[string]any{"data": v}
	}

	perf, _ := success["performance"].([]any)
	perf = append(perf,
		map[string]any{"key": PerfRoundTrip, "val": round3(elapsed.Seconds())},
		map[string]any{"key": PerfReplySize, "val": round3(float64(len(raw)) / 1024)},
	)
	success["performance"] = perf

	if e := c.logger.Debug(); e.Enabled() {
		e.Str("reskey", reskey).
			Interface("success", redact(success)).
			Msg("Command succeeded")
	}

	return SuccessReply(success)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// redact returns a deep copy of v with every output_image value replaced
func redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if k == redactedField {
				out[k] = "binary"
				continue
			}
			out[k] = redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redact(val)
		}
		return out
	default:
		return v
	}
}
