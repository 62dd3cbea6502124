package approval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultGracePeriod = 60 * time.Second

// record is the registry-owned state for one approval. The done
// channel is closed exactly once, at the terminal transition, after
// the decision fields are written; waiters that observe the close may
// read those fields without holding the registry lock.
type record struct {
	id          string
	request     Request
	requester   Requester
	fingerprint string
	createdAtMs int64
	expiresAtMs int64
	timeoutMs   int64

	status       Status
	decision     *Decision
	resolvedBy   string
	resolvedAtMs int64

	done        chan struct{}
	expireTimer *time.Timer
	gcTimer     *time.Timer
}

// Record is the caller-visible result of Create, handed back to
// Register. It is not tracked until registered.
type Record struct {
	ID          string
	Request     Request
	Requester   Requester
	Fingerprint string
	CreatedAtMs int64
	ExpiresAtMs int64
	TimeoutMs   int64
}

// Registry owns every approval record in the process. It enforces id
// uniqueness, one pending record per fingerprint, and exactly one
// terminal transition per record regardless of how resolve and expiry
// race.
type Registry struct {
	mu            sync.Mutex
	records       map[string]*record // pending + grace period, by id
	byFingerprint map[string]*record // pending only
	grace         time.Duration
	closed        bool
	now           func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		records:       make(map[string]*record),
		byFingerprint: make(map[string]*record),
		grace:         defaultGracePeriod,
		now:           time.Now,
	}
}

// Create allocates a new pending record without tracking it. An
// explicit id that collides with a currently pending record fails
// with ErrDuplicateID.
func (r *Registry) Create(req Request, rq Requester, timeout time.Duration, explicitID string) (*Record, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, ErrMissingCommand
	}

	id := explicitID
	if id == "" {
		id = uuid.New().String()
	} else {
		// Ids must stay unique across everything still tracked,
		// grace-period records included.
		r.mu.Lock()
		_, dup := r.records[id]
		r.mu.Unlock()
		if dup {
			return nil, ErrDuplicateID
		}
	}

	now := r.now().UnixMilli()
	return &Record{
		ID:          id,
		Request:     req,
		Requester:   rq,
		Fingerprint: Fingerprint(req, rq),
		CreatedAtMs: now,
		ExpiresAtMs: now + timeout.Milliseconds(),
		TimeoutMs:   timeout.Milliseconds(),
	}, nil
}

// Register inserts a created record into the id and fingerprint
// indexes, arms its expiry timer, and returns a waiter that fires
// when the record becomes terminal.
func (r *Registry) Register(rec *Record) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.records[rec.ID]; ok {
		return nil, ErrDuplicateID
	}
	// Enforce one pending record per fingerprint under the same lock
	// as the insert; the service's lock-free dedup check can lose a
	// race against a concurrent identical request.
	if _, ok := r.byFingerprint[rec.Fingerprint]; ok {
		return nil, ErrDuplicateFingerprint
	}

	tracked := &record{
		id:          rec.ID,
		request:     rec.Request,
		requester:   rec.Requester,
		fingerprint: rec.Fingerprint,
		createdAtMs: rec.CreatedAtMs,
		expiresAtMs: rec.ExpiresAtMs,
		timeoutMs:   rec.TimeoutMs,
		status:      StatusPending,
		done:        make(chan struct{}),
	}

	timeout := time.Duration(rec.ExpiresAtMs-r.now().UnixMilli()) * time.Millisecond
	if timeout < 0 {
		timeout = 0
	}
	tracked.expireTimer = time.AfterFunc(timeout, func() { r.expire(tracked) })

	r.records[rec.ID] = tracked
	r.byFingerprint[rec.Fingerprint] = tracked

	return &Waiter{id: rec.ID, rec: tracked}, nil
}

// Resolve performs the terminal transition for a human decision. It
// returns false when the record is unknown or already terminal; the
// first decision always wins and is never reassigned.
func (r *Registry) Resolve(id string, decision Decision, resolvedBy string) bool {
	d := decision
	return r.terminate(id, StatusResolved, &d, resolvedBy)
}

// expire is the timer-driven terminal transition. Losing the race
// against Resolve makes it a no-op.
func (r *Registry) expire(rec *record) {
	if r.terminate(rec.id, StatusExpired, nil, "") {
		log.Info().Str("id", rec.id).Msg("approval expired")
	}
}

func (r *Registry) terminate(id string, status Status, decision *Decision, resolvedBy string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.status != StatusPending {
		return false
	}

	rec.status = status
	rec.decision = decision
	rec.resolvedBy = resolvedBy
	rec.resolvedAtMs = r.now().UnixMilli()
	rec.expireTimer.Stop()
	delete(r.byFingerprint, rec.fingerprint)

	// Keep the record queryable for the grace period, then drop it.
	rec.gcTimer = time.AfterFunc(r.grace, func() { r.remove(id) })

	close(rec.done)
	return true
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok && rec.status != StatusPending {
		delete(r.records, id)
	}
}

// GetSnapshot returns a read-only view of a tracked record, valid
// while pending and for the grace period after termination.
func (r *Registry) GetSnapshot(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(rec), true
}

// GetPendingByFingerprint returns the single pending record sharing
// the fingerprint, if any. Used for request-level dedup.
func (r *Registry) GetPendingByFingerprint(fp string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byFingerprint[fp]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(rec), true
}

// AwaitDecision returns a fresh waiter for a tracked record. A record
// that is already terminal yields a waiter that fires immediately
// with the stored decision.
func (r *Registry) AwaitDecision(id string) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Waiter{id: id, rec: rec}, nil
}

// FindIDsByPrefix returns all tracked ids (pending or within the
// grace period) starting with prefix, case-insensitive, sorted.
func (r *Registry) FindIDsByPrefix(prefix string) []string {
	return r.findByPrefix(prefix, false)
}

// FindOpenPendingIDsByPrefix is FindIDsByPrefix restricted to pending
// records, so resolving by prefix never collides with decided ones.
func (r *Registry) FindOpenPendingIDsByPrefix(prefix string) []string {
	return r.findByPrefix(prefix, true)
}

func (r *Registry) findByPrefix(prefix string, pendingOnly bool) []string {
	p := strings.ToLower(prefix)

	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, rec := range r.records {
		if pendingOnly && rec.status != StatusPending {
			continue
		}
		if strings.HasPrefix(strings.ToLower(id), p) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// PendingSnapshots returns all currently pending records, newest
// first.
func (r *Registry) PendingSnapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.byFingerprint))
	for _, rec := range r.byFingerprint {
		out = append(out, snapshotOf(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs > out[j].CreatedAtMs })
	return out
}

// Close stops all timers. Pending records stay pending; outstanding
// waiters only return when their context is cancelled.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	for _, rec := range r.records {
		if rec.expireTimer != nil {
			rec.expireTimer.Stop()
		}
		if rec.gcTimer != nil {
			rec.gcTimer.Stop()
		}
	}
	return nil
}

func snapshotOf(rec *record) Snapshot {
	return Snapshot{
		ID:           rec.id,
		Request:      rec.request,
		Requester:    rec.requester,
		Fingerprint:  rec.fingerprint,
		CreatedAtMs:  rec.createdAtMs,
		ExpiresAtMs:  rec.expiresAtMs,
		TimeoutMs:    rec.timeoutMs,
		Status:       rec.status,
		Decision:     rec.decision,
		ResolvedBy:   rec.resolvedBy,
		ResolvedAtMs: rec.resolvedAtMs,
	}
}

// Waiter delivers a record's eventual decision. Any number of waiters
// on the same record observe the identical decision; waiters created
// after termination fire immediately with the cached value.
type Waiter struct {
	id  string
	rec *record
}

func (w *Waiter) ID() string { return w.id }

// Wait blocks until the record is terminal or ctx is done. A nil
// decision with a nil error means the request timed out unanswered.
func (w *Waiter) Wait(ctx context.Context) (*Decision, error) {
	select {
	case <-w.rec.done:
		return w.rec.decision, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
