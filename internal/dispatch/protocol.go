package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Key namespace shared by clients and workers
const (
	ServiceQueuePrefix = "sv-"
	HeartbeatPrefix    = "hb-"
	StreamQueuePrefix  = "showimg-"
	ResKeyPrefix       = "cl-"

	// NoReplyKey is used as reskey when the sender does not wait for a reply
	NoReplyKey = "-"
)

// Reply envelope keys
const (
	KindError   = "error"
	KindWarn    = "warn"
	KindSuccess = "success"
)

// Performance sample keys appended by the client
const (
	PerfRoundTrip = "cl_svreqest"
	PerfReplySize = "cl_reskbyte"
)

// Sentinel errors returned by the prober
var (
	ErrInvalidInterval   = errors.New("retry interval must be greater than 0")
	ErrBrokerUnreachable = errors.New("broker unreachable")
	ErrServiceNotFound   = errors.New("service not found")
)

// ServiceQueue returns the inbound command list of a service
func ServiceQueue(svname string) string {
	return ServiceQueuePrefix + svname
}

// HeartbeatKey returns the heartbeat hash of a service or cluster node
func HeartbeatKey(svname string) string {
	return HeartbeatPrefix + svname
}

// StreamQueue returns the side-channel list of a service
func StreamQueue(svname string) string {
	return StreamQueuePrefix + svname
}

// NodeName returns the scoped name of a cluster node, or svname itself
// when nodeID is empty.
func NodeName(svname, nodeID string) string {
	if nodeID == "" {
		return svname
	}
	return svname + "-" + nodeID
}

// Reply is the envelope every dispatch operation returns. Exactly one of
// the three fields is set.
type Reply struct {
	Error   any `json:"error,omitempty"`
	Warn    any `json:"warn,omitempty"`
	Success any `json:"success,omitempty"`
}

// ErrorReply builds an error envelope
func ErrorReply(format string, args ...any) *Reply {
	return &Reply{Error: fmt.Sprintf(format, args...)}
}

// WarnReply builds a warning envelope
func WarnReply(format string, args ...any) *Reply {
	return &Reply{Warn: fmt.Sprintf(format, args...)}
}

// SuccessReply builds a success envelope
func SuccessReply(value any) *Reply {
	return &Reply{Success: value}
}

// Kind returns "error", "warn", "success" or "" for an empty envelope
func (r *Reply) Kind() string {
	switch {
	case r == nil:
		return ""
	case r.Error != nil:
		return KindError
	case r.Warn != nil:
		return KindWarn
	case r.Success != nil:
		return KindSuccess
	default:
		return ""
	}
}

// Message returns the error or warning text, if any
func (r *Reply) Message() string {
	switch r.Kind() {
	case KindError:
		return fmt.Sprint(r.Error)
	case KindWarn:
		return fmt.Sprint(r.Warn)
	default:
		return ""
	}
}

// Data returns success.data of a normalized success envelope
func (r *Reply) Data() any {
	if m, ok := r.successMap(); ok {
		return m["data"]
	}
	if r != nil {
		return r.Success
	}
	return nil
}

// Performance returns the performance samples of a success envelope
func (r *Reply) Performance() []map[string]any {
	m, ok := r.successMap()
	if !ok {
		return nil
	}
	list, _ := m["performance"].([]any)
	samples := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if sample, ok := item.(map[string]any); ok {
			samples = append(samples, sample)
		}
	}
	return samples
}

func (r *Reply) successMap() (map[string]any, bool) {
	if r == nil {
		return nil, false
	}
	m, ok := r.Success.(map[string]any)
	return m, ok
}

// String renders the envelope as JSON
func (r *Reply) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

// ContainsWhitespace reports whether s would break the space-delimited
// command framing.
func ContainsWhitespace(s string) bool {
	return strings.ContainsAny(s, " \t\r\n")
}
