package approval

import (
	"errors"
	"fmt"
	"strings"
)

// Decision is the human's answer to an exec approval request. A nil
// *Decision means the request timed out before anyone answered.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
)

// ParseDecision validates a decision tag received over the wire.
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.TrimSpace(s)) {
	case DecisionAllowOnce:
		return DecisionAllowOnce, nil
	case DecisionAllowAlways:
		return DecisionAllowAlways, nil
	case DecisionDeny:
		return DecisionDeny, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
}

// Status is the lifecycle state of an approval record. Resolved and
// expired are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusExpired  Status = "expired"
)

// Request is the command payload submitted for approval. All fields
// except Command are optional free-form strings.
type Request struct {
	Command       string `json:"command"`
	Cwd           string `json:"cwd,omitempty"`
	Host          string `json:"host,omitempty"`
	SecurityLevel string `json:"security_level,omitempty"`
	AskReason     string `json:"ask_reason,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	ResolvedPath  string `json:"resolved_path,omitempty"`
	SessionKey    string `json:"session_key,omitempty"`
}

// Requester identifies the connection that submitted a request, not
// the human who decides it.
type Requester struct {
	ConnID   string `json:"conn_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// Snapshot is a read-only copy of a record's public fields. Callers
// never receive mutable references into the registry.
type Snapshot struct {
	ID           string    `json:"id"`
	Request      Request   `json:"request"`
	Requester    Requester `json:"requester,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	CreatedAtMs  int64     `json:"created_at_ms"`
	ExpiresAtMs  int64     `json:"expires_at_ms"`
	TimeoutMs    int64     `json:"timeout_ms"`
	Status       Status    `json:"status"`
	Decision     *Decision `json:"decision"`
	ResolvedBy   string    `json:"resolved_by,omitempty"`
	ResolvedAtMs int64     `json:"resolved_at_ms,omitempty"`
}

var (
	ErrInvalidDecision      = errors.New("invalid decision tag")
	ErrDuplicateID          = errors.New("approval id already pending")
	ErrDuplicateFingerprint = errors.New("an identical approval is already pending")
	ErrNotFound             = errors.New("approval not found")
	ErrMissingCommand       = errors.New("command is required")
	ErrMissingID            = errors.New("approval id is required")
	ErrClosed               = errors.New("registry closed")
)

// AmbiguousPrefixError reports a short id prefix that matched more
// than one tracked record. Candidates carries the full ids so the
// caller can pick one.
type AmbiguousPrefixError struct {
	Prefix     string
	Candidates []string
}

func (e *AmbiguousPrefixError) Error() string {
	return fmt.Sprintf("prefix %q matches %d approvals", e.Prefix, len(e.Candidates))
}

// shortPrefixLen is the length of a human-typed short id: the first
// hex group of a UUID.
const shortPrefixLen = 8

// IsShortPrefix reports whether s has the shape of a short id prefix.
func IsShortPrefix(s string) bool {
	if len(s) != shortPrefixLen {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
