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

// Package stream implements the bounded side channel a service uses to
// publish text, structured outputs and images outside of command replies.
package stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"cmdbox/internal/broker"
	"cmdbox/internal/config"
	"cmdbox/internal/dispatch"
	"cmdbox/internal/logger"
)

// Frame commands
const (
	CmdText    = "text"
	CmdOutputs = "outputs"
	CmdImage   = "output_image"
)

var framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cmdbox",
	Subsystem: "stream",
	Name:      "frames_total",
	Help:      "Side-channel frames by service, command and direction.",
}, []string{"service", "command", "direction"})

// Frame is one decoded side-channel record. Exactly one of Text, Outputs
// and Image is set, according to Command.
type Frame struct {
	Command string `json:"cmd"`
	Text    string `json:"text,omitempty"`
	Outputs any    `json:"outputs,omitempty"`
	Image   *Image `json:"-"`
}

// Streamer writes and reads the side channel of one service
type Streamer struct {
	broker *broker.Broker
	svname string
	prober *dispatch.Prober
	logger zerolog.Logger
}

// New creates a streamer for svname
func New(b *broker.Broker, svname string) *Streamer {
	return &Streamer{
		broker: b,
		svname: svname,
		prober: dispatch.NewProber(b, svname),
		logger: logger.Component("stream").With().Str("service", svname).Logger(),
	}
}

// Queue returns the side-channel list name
func (s *Streamer) Queue() string {
	return dispatch.StreamQueue(s.svname)
}

// Send pushes one frame. The channel never blocks: when it already holds
// maxRecordSize frames a warning is returned and nothing is pushed.
// A maxRecordSize <= 0 means config.DefaultMaxRecordSize.
func (s *Streamer) Send(ctx context.Context, cmd string, payload any, maxRecordSize int) *dispatch.Reply {
	if maxRecordSize <= 0 {
		maxRecordSize = config.DefaultMaxRecordSize
	}

	encoded, err := encodePayload(cmd, payload)
	if err != nil {
		var unknown *unknownCommandError
		if errors.As(err, &unknown) {
			s.logger.Warn().Str("cmd", cmd).Msg("Unknown stream command")
			return dispatch.WarnReply("%v", err)
		}
		return dispatch.ErrorReply("Invalid %s payload: %v", cmd, err)
	}

	queue := s.Queue()
	size, pushed, err := s.broker.PushBounded(ctx, queue, cmd+" "+encoded, int64(maxRecordSize))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to push stream frame")
		return dispatch.ErrorReply("Redis server %s is unreachable.", s.broker.Addr())
	}
	if !pushed {
		s.logger.Warn().
			Int64("size", size).
			Int("max", maxRecordSize).
			Msg("Stream is full")
		return dispatch.WarnReply("Stream %s is full: %d records (max %d).", queue, size, maxRecordSize)
	}

	framesTotal.WithLabelValues(s.svname, cmd, "out").Inc()
	return dispatch.SuccessReply(map[string]any{
		"queue": queue,
		"size":  size,
	})
}

// Receive pops at most one frame. It returns (nil, nil) when the broker is
// unreachable, the channel is empty or the frame command is unknown.
func (s *Streamer) Receive(ctx context.Context) (*Frame, error) {
	err := s.prober.Check(ctx, dispatch.ProbeOptions{
		RetryCount:    1,
		RetryInterval: time.Second,
	})
	if err != nil {
		if dispatch.IsInterrupted(err) {
			return nil, err
		}
		s.logger.Warn().Err(err).Msg("Stream receive skipped")
		return nil, nil
	}

	data, err := s.broker.PopNonBlocking(ctx, s.Queue())
	if err != nil {
		return nil, fmt.Errorf("failed to pop stream frame: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	cmd, encoded, _ := strings.Cut(string(data), " ")
	frame, err := decodePayload(cmd, encoded)
	if err != nil {
		var unknown *unknownCommandError
		if errors.As(err, &unknown) {
			s.logger.Warn().Str("cmd", cmd).Msg("Dropping frame with unknown command")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode %s frame: %w", cmd, err)
	}

	framesTotal.WithLabelValues(s.svname, cmd, "in").Inc()
	return frame, nil
}

type unknownCommandError struct {
	cmd string
}

func (e *unknownCommandError) Error() string {
	return fmt.Sprintf("Unknown stream command: %s", e.cmd)
}

// encodePayload returns the base64 body of a frame
func encodePayload(cmd string, payload any) (string, error) {
	switch cmd {
	case CmdText:
		text, ok := payload.(string)
		if !ok {
			text = fmt.Sprint(payload)
		}
		return base64.StdEncoding.EncodeToString([]byte(text)), nil

	case CmdOutputs:
		data, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(data), nil

	case CmdImage:
		var img *Image
		switch p := payload.(type) {
		case *Image:
			clone := *p
			img = &clone
		case image.Image:
			img = FromImage(p, "")
		default:
			return "", fmt.Errorf("expected an image, got %T", payload)
		}
		if img.Name == "" {
			img.Name = DefaultImageName(time.Now())
		}
		record, err := encodeImage(img)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString([]byte(record)), nil

	default:
		return "", &unknownCommandError{cmd: cmd}
	}
}

// decodePayload turns a frame body back into its value
func decodePayload(cmd, encoded string) (*Frame, error) {
	switch cmd {
	case CmdText, CmdOutputs, CmdImage:
	default:
		return nil, &unknownCommandError{cmd: cmd}
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}

	frame := &Frame{Command: cmd}
	switch cmd {
	case CmdText:
		frame.Text = string(raw)

	case CmdOutputs:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&frame.Outputs); err != nil {
			return nil, fmt.Errorf("invalid outputs: %w", err)
		}

	case CmdImage:
		img, err := decodeImage(string(raw))
		if err != nil {
			return nil, err
		}
		img.PNG, err = img.EncodePNG()
		if err != nil {
			return nil, err
		}
		frame.Image = img
	}
	return frame, nil
}
