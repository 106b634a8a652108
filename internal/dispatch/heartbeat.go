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

package dispatch

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cmdbox/internal/broker"
	"cmdbox/internal/logger"
)

// Heartbeat hash fields. "sccess_cnt" is the established wire spelling.
const (
	FieldReceive = "receive_cnt"
	FieldSuccess = "sccess_cnt"
	FieldWarn    = "warn_cnt"
	FieldError   = "error_cnt"
	FieldStatus  = "status"
	FieldCtime   = "ctime"
)

// CtimeLayout is how ListServices renders ctime
const CtimeLayout = "2006/01/02 15:04:05"

// WorkerStatus is the status field of a heartbeat
type WorkerStatus string

const (
	StatusReady   WorkerStatus = "ready"
	StatusBusy    WorkerStatus = "busy"
	StatusStopped WorkerStatus = "stopped"
	StatusUnknown WorkerStatus = "unknown"
)

// HeartbeatRecord is the decoded form of a heartbeat hash
type HeartbeatRecord struct {
	ReceiveCount int64
	SuccessCount int64
	WarnCount    int64
	ErrorCount   int64
	Status       WorkerStatus
	Ctime        time.Time // zero when the field is absent
}

// ServiceSummary is one row of ListServices
type ServiceSummary struct {
	Name         string `json:"svname"`
	ReceiveCount int64  `json:"receive_cnt"`
	SuccessCount int64  `json:"sccess_cnt"`
	WarnCount    int64  `json:"warn_cnt"`
	ErrorCount   int64  `json:"error_cnt"`
	Status       string `json:"status"`
	Ctime        string `json:"ctime"`
}

// parseHeartbeat decodes broker strings, applying defaults for absent fields
func parseHeartbeat(fields map[string]string) (HeartbeatRecord, error) {
	rec := HeartbeatRecord{Status: StatusUnknown}

	counters := []struct {
		field string
		dst   *int64
	}{
		{FieldReceive, &rec.ReceiveCount},
		{FieldSuccess, &rec.SuccessCount},
		{FieldWarn, &rec.WarnCount},
		{FieldError, &rec.ErrorCount},
	}
	for _, c := range counters {
		raw, ok := fields[c.field]
		if !ok || raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("field %s: %w", c.field, err)
		}
		*c.dst = n
	}

	if status, ok := fields[FieldStatus]; ok && status != "" {
		rec.Status = WorkerStatus(status)
	}

	if raw, ok := fields[FieldCtime]; ok && raw != "" {
		// Writers in other languages store fractional seconds
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return rec, fmt.Errorf("field %s: %w", FieldCtime, err)
		}
		whole, frac := math.Modf(secs)
		rec.Ctime = time.Unix(int64(whole), int64(frac*1e9))
	}

	return rec, nil
}

// Summary renders the record for listing
func (r HeartbeatRecord) Summary(name string) ServiceSummary {
	ctime := "-"
	if !r.Ctime.IsZero() {
		ctime = r.Ctime.Local().Format(CtimeLayout)
	}
	return ServiceSummary{
		Name:         name,
		ReceiveCount: r.ReceiveCount,
		SuccessCount: r.SuccessCount,
		WarnCount:    r.WarnCount,
		ErrorCount:   r.ErrorCount,
		Status:       string(r.Status),
		Ctime:        ctime,
	}
}

// HeartbeatRegistry reads and writes heartbeat hashes. Workers own the
// write side; clients only read.
type HeartbeatRegistry struct {
	broker *broker.Broker
	logger zerolog.Logger
}

// NewHeartbeatRegistry creates a registry on a shared broker
func NewHeartbeatRegistry(b *broker.Broker) *HeartbeatRegistry {
	return &HeartbeatRegistry{
		broker: b,
		logger: logger.Component("heartbeat"),
	}
}

// Register resets the counters of name and marks it ready
func (h *HeartbeatRegistry) Register(ctx context.Context, name string, ttl time.Duration) error {
	key := HeartbeatKey(name)
	err := h.broker.HashSetFields(ctx, key, map[string]any{
		FieldReceive: 0,
		FieldSuccess: 0,
		FieldWarn:    0,
		FieldError:   0,
		FieldStatus:  string(StatusReady),
		FieldCtime:   strconv.FormatInt(time.Now().Unix(), 10),
	})
	if err != nil {
		return fmt.Errorf("failed to register heartbeat %s: %w", name, err)
	}
	if ttl > 0 {
		if err := h.broker.Expire(ctx, key, ttl); err != nil {
			return fmt.Errorf("failed to set heartbeat ttl %s: %w", name, err)
		}
	}

	h.logger.Info().
		Str("name", name).
		Dur("ttl", ttl).
		Msg("Heartbeat registered")
	return nil
}

// Touch rewrites the status and extends the TTL. It recreates the hash if
// it expired while the worker was stalled.
func (h *HeartbeatRegistry) Touch(ctx context.Context, name string, status WorkerStatus, ttl time.Duration) error {
	key := HeartbeatKey(name)
	if err := h.broker.HashSet(ctx, key, FieldStatus, string(status)); err != nil {
		return err
	}
	if ttl > 0 {
		return h.broker.Expire(ctx, key, ttl)
	}
	return nil
}

// SetStatus records a state change together with its time
func (h *HeartbeatRegistry) SetStatus(ctx context.Context, name string, status WorkerStatus) error {
	return h.broker.HashSetFields(ctx, HeartbeatKey(name), map[string]any{
		FieldStatus: string(status),
		FieldCtime:  strconv.FormatInt(time.Now().Unix(), 10),
	})
}

// Incr increments one counter field
func (h *HeartbeatRegistry) Incr(ctx context.Context, name, field string) (int64, error) {
	return h.broker.HashIncr(ctx, HeartbeatKey(name), field, 1)
}

// Unregister removes the heartbeat of name
func (h *HeartbeatRegistry) Unregister(ctx context.Context, name string) error {
	_, err := h.broker.Delete(ctx, HeartbeatKey(name))
	return err
}

// Get reads one heartbeat. ok is false when the hash does not exist.
func (h *HeartbeatRegistry) Get(ctx context.Context, name string) (rec HeartbeatRecord, ok bool, err error) {
	fields, err := h.broker.HashGetAll(ctx, HeartbeatKey(name))
	if err != nil {
		return rec, false, err
	}
	if len(fields) == 0 {
		return rec, false, nil
	}
	rec, err = parseHeartbeat(fields)
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// Registered reports whether svname has at least one live heartbeat: its
// own hb-<svname> or that of a cluster node hb-<svname>-<node>.
func (h *HeartbeatRegistry) Registered(ctx context.Context, svname string) (bool, error) {
	keys, err := h.broker.KeysMatching(ctx, HeartbeatKey(escapeGlob(svname))+"*")
	if err != nil {
		return false, err
	}
	for _, key := range keys {
		if matchesService(key, svname) {
			return true, nil
		}
	}
	return false, nil
}

// Nodes returns the node ids registered under svname
func (h *HeartbeatRegistry) Nodes(ctx context.Context, svname string) ([]string, error) {
	prefix := HeartbeatKey(svname) + "-"
	keys, err := h.broker.KeysMatching(ctx, escapeGlob(prefix)+"*")
	if err != nil {
		return nil, err
	}
	nodes := make([]string, 0, len(keys))
	for _, key := range keys {
		node := strings.TrimPrefix(key, prefix)
		if node != "" && !strings.Contains(node, "-") {
			nodes = append(nodes, node)
		}
	}
	sort.Strings(nodes)
	return nodes, nil
}

// ListServices scans every heartbeat. Entries that cannot be read are
// skipped with a warning.
func (h *HeartbeatRegistry) ListServices(ctx context.Context) ([]ServiceSummary, error) {
	keys, err := h.broker.KeysMatching(ctx, HeartbeatPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan heartbeats: %w", err)
	}

	summaries := make([]ServiceSummary, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimPrefix(key, HeartbeatPrefix)

		fields, err := h.broker.HashGetAll(ctx, key)
		if err != nil {
			h.logger.Warn().
				Str("key", key).
				Err(err).
				Msg("Skipping unreadable heartbeat")
			continue
		}
		if len(fields) == 0 {
			// expired between scan and read
			continue
		}

		rec, err := parseHeartbeat(fields)
		if err != nil {
			h.logger.Warn().
				Str("key", key).
				Err(err).
				Msg("Skipping malformed heartbeat")
			continue
		}
		summaries = append(summaries, rec.Summary(name))
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})
	return summaries, nil
}

// matchesService applies the discovery rule: exact name or cluster node
func matchesService(key, svname string) bool {
	exact := HeartbeatKey(svname)
	return key == exact || strings.HasPrefix(key, exact+"-")
}

// escapeGlob quotes Redis glob metacharacters
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
