package approval

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout applies when a request does not carry its own.
const DefaultTimeout = 120 * time.Second

// RequestedEvent is pushed to observers and forwarders when a new
// approval enters the registry.
type RequestedEvent struct {
	ID          string  `json:"id"`
	Request     Request `json:"request"`
	CreatedAtMs int64   `json:"created_at_ms"`
	ExpiresAtMs int64   `json:"expires_at_ms"`
}

// ResolvedEvent is pushed when a record reaches a terminal state by
// human decision.
type ResolvedEvent struct {
	ID         string    `json:"id"`
	Decision   *Decision `json:"decision"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	Ts         int64     `json:"ts"`
}

// Broadcaster fans events out to connected observers. Best-effort:
// dropped messages never affect the RPC paths.
type Broadcaster interface {
	BroadcastRequested(ev RequestedEvent)
	BroadcastResolved(ev ResolvedEvent)
}

// Forwarder surfaces approvals on an external channel (chat, webhook).
// Failures are logged, never surfaced to the requester.
type Forwarder interface {
	HandleRequested(ctx context.Context, ev RequestedEvent) error
	HandleResolved(ctx context.Context, ev ResolvedEvent) error
}

// AllowlistRecorder persists the pattern behind an allow-always
// decision so future identical commands can skip the human.
type AllowlistRecorder interface {
	Record(ctx context.Context, agentID, pattern, command string) error
}

// RequestParams are the wire-level inputs of the request operation.
type RequestParams struct {
	Request   Request
	Requester Requester
	ID        string
	TimeoutMs int64
	TwoPhase  bool
}

// Accepted is the immediate acknowledgement of a request: the record
// exists and a decision will follow.
type Accepted struct {
	ID          string `json:"id"`
	CreatedAtMs int64  `json:"created_at_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// Result is the final answer of request/waitDecision. Decision is
// null when the request expired unanswered; that is not an error.
type Result struct {
	ID          string    `json:"id"`
	Decision    *Decision `json:"decision"`
	CreatedAtMs int64     `json:"created_at_ms"`
	ExpiresAtMs int64     `json:"expires_at_ms"`
}

// Service implements the approval protocol on top of the registry:
// request with fingerprint dedup, waitDecision with short-prefix
// addressing, and resolve with its side-effect fan-out.
type Service struct {
	registry    *Registry
	timeout     time.Duration
	broadcaster Broadcaster
	forwarder   Forwarder
	allowlist   AllowlistRecorder
}

func NewService(registry *Registry, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{registry: registry, timeout: timeout}
}

// SetBroadcaster attaches the observer fan-out. Optional.
func (s *Service) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// SetForwarder attaches the external channel. Optional.
func (s *Service) SetForwarder(f Forwarder) { s.forwarder = f }

// SetAllowlist attaches allow-always persistence. Optional.
func (s *Service) SetAllowlist(a AllowlistRecorder) { s.allowlist = a }

// Registry exposes the underlying registry for read paths.
func (s *Service) Registry() *Registry { return s.registry }

// Request creates or reuses an approval record and returns its
// acknowledgement plus a waiter for the decision. The caller decides
// whether to block on the waiter (single-phase) or hand the ack back
// first (two-phase).
func (s *Service) Request(ctx context.Context, p RequestParams) (Accepted, *Waiter, error) {
	if strings.TrimSpace(p.Request.Command) == "" {
		return Accepted{}, nil, ErrMissingCommand
	}

	timeout := s.timeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	var rec *Record
	var w *Waiter
	for {
		// An agent retrying the same risky action must not flood the
		// approver: reuse the pending record with the same fingerprint.
		if p.ID == "" {
			fp := Fingerprint(p.Request, p.Requester)
			if snap, ok := s.registry.GetPendingByFingerprint(fp); ok {
				w, err := s.registry.AwaitDecision(snap.ID)
				if err == nil {
					log.Debug().Str("id", snap.ID).Msg("approval request deduplicated")
					return Accepted{ID: snap.ID, CreatedAtMs: snap.CreatedAtMs, ExpiresAtMs: snap.ExpiresAtMs}, w, nil
				}
				// Record turned terminal between lookups; fall through
				// and create a fresh one.
			}
		}

		var err error
		rec, err = s.registry.Create(p.Request, p.Requester, timeout, p.ID)
		if err != nil {
			return Accepted{}, nil, err
		}
		w, err = s.registry.Register(rec)
		if err == nil {
			break
		}
		if errors.Is(err, ErrDuplicateFingerprint) && p.ID == "" {
			// Lost the race against a concurrent identical request;
			// loop back and reuse the winner.
			continue
		}
		return Accepted{}, nil, err
	}

	ev := RequestedEvent{
		ID:          rec.ID,
		Request:     rec.Request,
		CreatedAtMs: rec.CreatedAtMs,
		ExpiresAtMs: rec.ExpiresAtMs,
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastRequested(ev)
	}
	if s.forwarder != nil {
		go func() {
			if err := s.forwarder.HandleRequested(context.Background(), ev); err != nil {
				log.Warn().Err(err).Str("id", ev.ID).Msg("forward requested failed")
			}
		}()
	}

	log.Info().
		Str("id", rec.ID).
		Str("command", rec.Request.Command).
		Str("agent_id", rec.Request.AgentID).
		Msg("approval requested")

	return Accepted{ID: rec.ID, CreatedAtMs: rec.CreatedAtMs, ExpiresAtMs: rec.ExpiresAtMs}, w, nil
}

// WaitDecision blocks until the addressed record is terminal. The id
// may be a full id or an 8-hex-char prefix resolved against all
// tracked records, pending and grace period alike.
func (s *Service) WaitDecision(ctx context.Context, idOrPrefix string) (Result, error) {
	id := strings.TrimSpace(idOrPrefix)
	if id == "" {
		return Result{}, ErrMissingID
	}

	// Snapshot before awaiting: the record may be GC'd the moment
	// the decision lands.
	snap, ok := s.registry.GetSnapshot(id)
	if !ok {
		resolved, err := s.resolvePrefix(id, false)
		if err != nil {
			return Result{}, err
		}
		id = resolved
		if snap, ok = s.registry.GetSnapshot(id); !ok {
			return Result{}, ErrNotFound
		}
	}

	w, err := s.registry.AwaitDecision(id)
	if err != nil {
		return Result{}, err
	}
	decision, err := w.Wait(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{ID: id, Decision: decision, CreatedAtMs: snap.CreatedAtMs, ExpiresAtMs: snap.ExpiresAtMs}, nil
}

// Resolve applies a human decision to an exact id, or to a prefix
// matched against open records only. It returns the full id that was
// resolved.
func (s *Service) Resolve(ctx context.Context, idOrPrefix, decisionTag, resolvedBy string) (string, error) {
	id := strings.TrimSpace(idOrPrefix)
	if id == "" {
		return "", ErrMissingID
	}
	decision, err := ParseDecision(decisionTag)
	if err != nil {
		return "", err
	}

	if !s.registry.Resolve(id, decision, resolvedBy) {
		// Never match a prefix against already-decided records: a
		// terminal record sharing the prefix must not shadow an open
		// one, and resolving it twice is not a thing.
		resolved, perr := s.resolvePrefix(id, true)
		if perr != nil {
			return "", perr
		}
		if !s.registry.Resolve(resolved, decision, resolvedBy) {
			return "", ErrNotFound
		}
		id = resolved
	}

	ev := ResolvedEvent{
		ID:         id,
		Decision:   &decision,
		ResolvedBy: resolvedBy,
		Ts:         time.Now().UnixMilli(),
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastResolved(ev)
	}
	if s.forwarder != nil {
		go func() {
			if err := s.forwarder.HandleResolved(context.Background(), ev); err != nil {
				log.Warn().Err(err).Str("id", ev.ID).Msg("forward resolved failed")
			}
		}()
	}
	if decision == DecisionAllowAlways && s.allowlist != nil {
		s.recordAllowAlways(ctx, id)
	}

	log.Info().
		Str("id", id).
		Str("decision", string(decision)).
		Str("resolved_by", resolvedBy).
		Msg("approval resolved")

	return id, nil
}

// Pending returns all open approvals, newest first.
func (s *Service) Pending() []Snapshot {
	return s.registry.PendingSnapshots()
}

// Snapshot returns one record by exact id or short prefix.
func (s *Service) Snapshot(idOrPrefix string) (Snapshot, error) {
	id := strings.TrimSpace(idOrPrefix)
	if snap, ok := s.registry.GetSnapshot(id); ok {
		return snap, nil
	}
	resolved, err := s.resolvePrefix(id, false)
	if err != nil {
		return Snapshot{}, err
	}
	snap, ok := s.registry.GetSnapshot(resolved)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *Service) resolvePrefix(id string, openOnly bool) (string, error) {
	if !IsShortPrefix(id) {
		return "", ErrNotFound
	}
	var candidates []string
	if openOnly {
		candidates = s.registry.FindOpenPendingIDsByPrefix(id)
	} else {
		candidates = s.registry.FindIDsByPrefix(id)
	}
	switch len(candidates) {
	case 0:
		return "", ErrNotFound
	case 1:
		return candidates[0], nil
	default:
		return "", &AmbiguousPrefixError{Prefix: id, Candidates: candidates}
	}
}

func (s *Service) recordAllowAlways(ctx context.Context, id string) {
	snap, ok := s.registry.GetSnapshot(id)
	if !ok {
		return
	}
	pattern := snap.Request.ResolvedPath
	if pattern == "" {
		pattern = strings.TrimSpace(snap.Request.Command)
	}
	if pattern == "" {
		return
	}
	if err := s.allowlist.Record(ctx, snap.Request.AgentID, pattern, snap.Request.Command); err != nil {
		log.Warn().Err(err).Str("id", id).Str("pattern", pattern).Msg("allowlist record failed")
	}
}
