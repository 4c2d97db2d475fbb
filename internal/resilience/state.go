package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/strain-refinery/internal/model"
)

// RecordState is the position of one record in the extraction retry
// state machine:
//
//	pending -> in_flight -> succeeded
//	                     -> retrying -> in_flight ...
//	                     -> failed
type RecordState string

const (
	StatePending   RecordState = "pending"
	StateInFlight  RecordState = "in_flight"
	StateRetrying  RecordState = "retrying"
	StateSucceeded RecordState = "succeeded"
	StateFailed    RecordState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RecordState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var transitions = map[RecordState]map[RecordState]bool{
	StatePending:  {StateInFlight: true, StateFailed: true},
	StateInFlight: {StateSucceeded: true, StateRetrying: true, StateFailed: true},
	StateRetrying: {StateInFlight: true, StateFailed: true},
}

// RecordStatus is the tracked state of one record.
type RecordStatus struct {
	State    RecordState
	Attempts int
	NextAt   time.Time
	LastErr  error
	Class    model.FailureClass
}

// Tracker runs the retry state machine for a set of records. It is safe for
// concurrent use; each record can be in flight at most once.
type Tracker struct {
	mu      sync.Mutex
	policy  Policy
	now     func() time.Time
	records map[string]*RecordStatus
}

// NewTracker creates a Tracker driven by policy.
func NewTracker(policy Policy) *Tracker {
	return &Tracker{
		policy:  policy.WithDefaults(),
		now:     time.Now,
		records: make(map[string]*RecordStatus),
	}
}

// Add registers id as pending. Adding a record that is already tracked and
// not terminal is an error: the same record is never submitted twice.
func (t *Tracker) Add(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.records[id]; ok && !st.State.Terminal() {
		return eris.Errorf("resilience: record %s already %s", id, st.State)
	}
	t.records[id] = &RecordStatus{State: StatePending}
	return nil
}

// Begin moves id to in_flight and counts the attempt.
func (t *Tracker) Begin(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.transition(id, StateInFlight)
	if err != nil {
		return err
	}
	st.Attempts++
	return nil
}

// Succeed marks id as succeeded.
func (t *Tracker) Succeed(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.transition(id, StateSucceeded)
	if err != nil {
		return err
	}
	st.LastErr = nil
	st.Class = ""
	return nil
}

// Fail records a failed attempt. A retryable error with attempts left moves
// the record to retrying and returns the backoff to wait; anything else
// moves it to failed.
func (t *Tracker) Fail(id string, cause error) (RecordState, time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.records[id]
	if !ok {
		return "", 0, eris.Errorf("resilience: record %s not tracked", id)
	}
	class := Classify(cause)
	next := StateFailed
	var delay time.Duration
	if class == model.FailureTransient && t.policy.Retryable(cause) && st.Attempts < t.policy.MaxAttempts {
		next = StateRetrying
		delay = t.policy.Backoff(st.Attempts)
	}
	if _, err := t.transition(id, next); err != nil {
		return "", 0, err
	}
	st.LastErr = cause
	st.Class = class
	st.NextAt = t.now().Add(delay)
	if next == StateRetrying && t.policy.OnRetry != nil {
		t.policy.OnRetry(st.Attempts, cause)
	}
	return next, delay, nil
}

// Abandon moves a non-terminal record straight to failed, e.g. when the run
// is canceled while it waits for a retry.
func (t *Tracker) Abandon(id string, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.transition(id, StateFailed)
	if err != nil {
		return err
	}
	st.LastErr = cause
	st.Class = Classify(cause)
	return nil
}

// Status returns a copy of the tracked status of id.
func (t *Tracker) Status(id string) (RecordStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.records[id]
	if !ok {
		return RecordStatus{}, false
	}
	return *st, true
}

// Ready returns, in sorted order, the pending records plus the retrying
// records whose backoff has elapsed.
func (t *Tracker) Ready() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var ids []string
	for id, st := range t.records {
		if st.State == StatePending || (st.State == StateRetrying && !st.NextAt.After(now)) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// NextWake returns how long until the earliest retrying record is due, and
// false when nothing is waiting.
func (t *Tracker) NextWake() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var earliest time.Time
	found := false
	for _, st := range t.records {
		if st.State != StateRetrying {
			continue
		}
		if !found || st.NextAt.Before(earliest) {
			earliest = st.NextAt
			found = true
		}
	}
	if !found {
		return 0, false
	}
	d := earliest.Sub(t.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Counts tallies records by state.
func (t *Tracker) Counts() map[RecordState]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[RecordState]int)
	for _, st := range t.records {
		out[st.State]++
	}
	return out
}

// Done reports whether every tracked record is terminal.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.records {
		if !st.State.Terminal() {
			return false
		}
	}
	return true
}

func (t *Tracker) transition(id string, to RecordState) (*RecordStatus, error) {
	st, ok := t.records[id]
	if !ok {
		return nil, eris.Errorf("resilience: record %s not tracked", id)
	}
	if !transitions[st.State][to] {
		return nil, eris.Errorf("resilience: record %s cannot move from %s to %s", id, st.State, to)
	}
	st.State = to
	return st, nil
}
