package reconcile

import (
	"errors"
	"fmt"
	"time"
)

// Outcome summarizes how a pass went.
type Outcome string

const (
	// OutcomeSuccess means every action and delete replay succeeded.
	OutcomeSuccess Outcome = "success"

	// OutcomePartial means some, but not all, steps failed.
	OutcomePartial Outcome = "partial"

	// OutcomeFailed means the pass could not make progress, e.g. the
	// remote set could not be fetched or every step failed.
	OutcomeFailed Outcome = "failed"
)

// Failure records one failed step of a pass.
type Failure struct {
	TaskID string
	Kind   Kind // empty for fetch failures; "delete" for delete replay
	Err    error
}

func (f Failure) Error() string {
	if f.TaskID == "" {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s %s: %v", f.Kind, f.TaskID, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// KindDelete marks failures of a pending-delete replay.
const KindDelete Kind = "delete"

// KindFetch marks a failure to read the remote set.
const KindFetch Kind = "fetch"

// Result is the aggregated status of one pass.
type Result struct {
	Outcome  Outcome
	Planned  int
	Pushed   int
	Pulled   int
	Deleted  int
	Failures []Failure
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the pass ran.
func (r *Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Err joins all failures, or returns nil if there were none.
func (r *Result) Err() error {
	if r == nil || len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

func (r *Result) String() string {
	return fmt.Sprintf("%s: planned=%d pushed=%d pulled=%d deleted=%d failed=%d (%s)",
		r.Outcome, r.Planned, r.Pushed, r.Pulled, r.Deleted, len(r.Failures), r.Duration().Round(time.Millisecond))
}

// finish sets Outcome from the counters.
func (r *Result) finish(now time.Time, attempted int) {
	r.Finished = now
	switch {
	case len(r.Failures) == 0:
		r.Outcome = OutcomeSuccess
	case len(r.Failures) >= attempted:
		r.Outcome = OutcomeFailed
	default:
		r.Outcome = OutcomePartial
	}
}
