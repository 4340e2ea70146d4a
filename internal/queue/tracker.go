package queue

import (
	"context"
	"fmt"
	"sync"
)

// offsetTracker commits records of a subscription in partition order. A record
// is committed only when it and every record fetched before it on the same
// partition have completed, so a deferred record holds back the commit point.
type offsetTracker struct {
	ctx context.Context
	sub Subscription

	mu      sync.Mutex
	pending map[int][]*trackedRecord

	commitMu  sync.Mutex
	committed map[int]int64
}

type trackedRecord struct {
	record Record
	done   bool
}

func newOffsetTracker(ctx context.Context, sub Subscription) *offsetTracker {
	return &offsetTracker{
		ctx:       ctx,
		sub:       sub,
		pending:   make(map[int][]*trackedRecord),
		committed: make(map[int]int64),
	}
}

func (t *offsetTracker) track(record Record) *trackedRecord {
	tr := &trackedRecord{record: record}

	t.mu.Lock()
	t.pending[record.Partition] = append(t.pending[record.Partition], tr)
	t.mu.Unlock()

	return tr
}

func (t *offsetTracker) complete(tr *trackedRecord) error {
	partition := tr.record.Partition

	t.mu.Lock()
	if tr.done {
		t.mu.Unlock()
		return nil
	}
	tr.done = true

	queued := t.pending[partition]
	var last *Record
	i := 0
	for i < len(queued) && queued[i].done {
		last = &queued[i].record
		i++
	}
	t.pending[partition] = queued[i:]
	t.mu.Unlock()

	if last == nil {
		return nil
	}
	return t.commit(*last)
}

func (t *offsetTracker) commit(record Record) error {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()

	if committed, ok := t.committed[record.Partition]; ok && record.Offset <= committed {
		return nil
	}

	if err := t.sub.Commit(t.ctx, record); err != nil {
		return &TransportError{
			Op:    "commit",
			Topic: record.Topic,
			Cause: fmt.Errorf("partition %d offset %d: %w", record.Partition, record.Offset, err),
		}
	}
	t.committed[record.Partition] = record.Offset
	return nil
}

func (t *offsetTracker) pendingCount(partition int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending[partition])
}
