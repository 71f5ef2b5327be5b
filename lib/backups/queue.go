package backups

import (
	"context"
	"sync"
)

// queuedDelete is a deletion waiting for a slot.
type queuedDelete struct {
	BackupID string
	StartFn  func()
}

// DeleteQueue runs deletions with a configurable concurrency limit.
// Enqueue never blocks; work beyond the limit waits in memory and is lost on
// restart, where the recovery scan finds the still-deleting records again.
type DeleteQueue struct {
	maxConcurrent int
	active        map[string]bool
	pending       []queuedDelete
	mu            sync.Mutex
	wg            sync.WaitGroup
}

// NewDeleteQueue creates a new delete queue with the given concurrency limit
func NewDeleteQueue(maxConcurrent int) *DeleteQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &DeleteQueue{
		maxConcurrent: maxConcurrent,
		active:        make(map[string]bool),
		pending:       make([]queuedDelete, 0),
	}
}

// Enqueue adds a deletion to the queue. Returns queue position (0 if started immediately, >0 if queued).
// If the backup is already being deleted or queued, returns its current position without re-enqueueing.
func (q *DeleteQueue) Enqueue(backupID string, startFn func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active[backupID] {
		return 0
	}

	for i, d := range q.pending {
		if d.BackupID == backupID {
			return i + 1
		}
	}

	q.wg.Add(1)
	wrappedFn := func() {
		defer q.wg.Done()
		defer q.MarkComplete(backupID)
		startFn()
	}

	if len(q.active) < q.maxConcurrent {
		q.active[backupID] = true
		go wrappedFn()
		return 0
	}

	q.pending = append(q.pending, queuedDelete{BackupID: backupID, StartFn: wrappedFn})
	return len(q.pending)
}

// MarkComplete marks a deletion as complete and starts the next pending one if any
func (q *DeleteQueue) MarkComplete(backupID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, backupID)

	if len(q.pending) > 0 && len(q.active) < q.maxConcurrent {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.active[next.BackupID] = true
		go next.StartFn()
	}
}

// ActiveCount returns the number of running deletions
func (q *DeleteQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// PendingCount returns the number of queued deletions
func (q *DeleteQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain waits until every enqueued deletion has finished or ctx is done.
func (q *DeleteQueue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
