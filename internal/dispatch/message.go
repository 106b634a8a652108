package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommandMessage is one inbound request: command name, reply key and
// parameters, framed as a single space-joined string.
type CommandMessage struct {
	Command string
	ResKey  string
	Params  []string
}

// NewResKey generates a fresh correlation key: cl-<32 hex>-<unix seconds>
func NewResKey() string {
	return fmt.Sprintf("%s%s-%d", ResKeyPrefix, strings.ReplaceAll(uuid.NewString(), "-", ""), time.Now().Unix())
}

// NewCommandMessage builds a message with a freshly generated reply key
func NewCommandMessage(command string, params []string) (*CommandMessage, error) {
	msg := &CommandMessage{
		Command: command,
		ResKey:  NewResKey(),
		Params:  append([]string(nil), params...),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Validate checks that the message survives space-delimited framing
func (m *CommandMessage) Validate() error {
	if m.Command == "" {
		return fmt.Errorf("command is required")
	}
	if ContainsWhitespace(m.Command) {
		return fmt.Errorf("command %q contains whitespace", m.Command)
	}
	if m.ResKey == "" || ContainsWhitespace(m.ResKey) {
		return fmt.Errorf("invalid reply key %q", m.ResKey)
	}
	for i, p := range m.Params {
		if ContainsWhitespace(p) {
			return fmt.Errorf("parameter %d (%q) contains whitespace", i, p)
		}
	}
	return nil
}

// Encode renders the wire form "<cmd> <reskey> <p0> ... <pN>"
func (m *CommandMessage) Encode() string {
	parts := make([]string, 0, len(m.Params)+2)
	parts = append(parts, m.Command, m.ResKey)
	parts = append(parts, m.Params...)
	return strings.Join(parts, " ")
}

// WantsReply reports whether the sender is waiting on ResKey
func (m *CommandMessage) WantsReply() bool {
	return m.ResKey != NoReplyKey
}

// ParseCommandMessage decodes the wire form produced by Encode
func ParseCommandMessage(raw string) (*CommandMessage, error) {
	raw = strings.TrimRight(raw, "\r\n")
	parts := strings.Split(raw, " ")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("malformed command message: %q", truncate(raw, 80))
	}
	return &CommandMessage{
		Command: parts[0],
		ResKey:  parts[1],
		Params:  parts[2:],
	}, nil
}

// StringifyParams converts arbitrary values to wire parameters
func StringifyParams(values ...any) []string {
	params := make([]string, len(values))
	for i, v := range values {
		switch t := v.(type) {
		case string:
			params[i] = t
		case int:
			params[i] = strconv.Itoa(t)
		case bool:
			params[i] = strconv.FormatBool(t)
		default:
			params[i] = fmt.Sprint(t)
		}
	}
	return params
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
