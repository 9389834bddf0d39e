package gateway

import (
	"context"
)

// Replication is the remote half of a mutation. It completes after the
// remote call returns or is skipped. Callers may ignore it.
type Replication struct {
	done    chan struct{}
	err     error
	skipped bool
}

func newReplication() *Replication {
	return &Replication{done: make(chan struct{})}
}

// skippedReplication returns a completed Replication that never reached the
// remote store.
func skippedReplication(err error) *Replication {
	r := newReplication()
	r.skipped = true
	r.complete(err)
	return r
}

// localReplication returns a completed Replication for a change that has
// no remote half.
func localReplication() *Replication {
	r := newReplication()
	r.complete(nil)
	return r
}

func (r *Replication) complete(err error) {
	r.err = err
	close(r.done)
}

// Done is closed when the replication has completed.
func (r *Replication) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the replication completes or ctx is done, and returns
// the replication error.
func (r *Replication) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the replication error, or nil while still running.
func (r *Replication) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Skipped reports whether no remote call was attempted.
func (r *Replication) Skipped() bool {
	select {
	case <-r.done:
		return r.skipped
	default:
		return false
	}
}
