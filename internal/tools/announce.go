package tools

import (
	"fmt"
	"sync"
	"time"
)

// AnnounceQueueItem is one subagent's completion, queued for delivery back
// to its parent's session.
type AnnounceQueueItem struct {
	SubagentID string
	Label      string
	Status     string
	Result     string
	Runtime    time.Duration
	Iterations int
}

// AnnounceMetadata carries the routing info needed to publish a batched
// announce back onto the parent's original channel/chat.
type AnnounceMetadata struct {
	OriginChannel    string
	OriginChatID     string
	OriginPeerKind   string
	OriginUserID     string
	ParentAgent      string
	OriginTraceID    string
	OriginRootSpanID string
}

type announceBatch struct {
	items []AnnounceQueueItem
	meta  AnnounceMetadata
	timer *time.Timer
}

// AnnounceQueue batches subagent completions arriving close together for
// the same parent session into a single delivered message, so five
// subagents finishing within a second don't produce five separate pings.
// A batch flushes when it has been idle for debounce, or once it reaches
// maxBatch items, whichever comes first.
type AnnounceQueue struct {
	debounce time.Duration
	maxBatch int
	onFlush  func(sessionKey string, items []AnnounceQueueItem, meta AnnounceMetadata)

	mu      sync.Mutex
	batches map[string]*announceBatch
}

// NewAnnounceQueue builds a queue that groups announces per session key,
// waiting debounceMs of inactivity (or maxBatch items, whichever is first)
// before calling onFlush. countRunning is accepted for symmetry with the
// caller's closure signature but isn't needed by the queue itself — callers
// use it inside onFlush to report how many subagents are still in flight.
func NewAnnounceQueue(
	debounceMs int,
	maxBatch int,
	onFlush func(sessionKey string, items []AnnounceQueueItem, meta AnnounceMetadata),
	countRunning func(parentID string) int,
) *AnnounceQueue {
	return &AnnounceQueue{
		debounce: time.Duration(debounceMs) * time.Millisecond,
		maxBatch: maxBatch,
		onFlush:  onFlush,
		batches:  make(map[string]*announceBatch),
	}
}

// Enqueue adds one subagent's result to the batch for sessionKey.
func (q *AnnounceQueue) Enqueue(sessionKey string, item AnnounceQueueItem, meta AnnounceMetadata) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.batches[sessionKey]
	if !ok {
		b = &announceBatch{meta: meta}
		q.batches[sessionKey] = b
	}
	b.items = append(b.items, item)
	b.meta = meta // last writer wins; origin routing doesn't change mid-batch

	if b.timer != nil {
		b.timer.Stop()
	}
	if len(b.items) >= q.maxBatch {
		q.flushLocked(sessionKey)
		return
	}
	b.timer = time.AfterFunc(q.debounce, func() { q.flush(sessionKey) })
}

func (q *AnnounceQueue) flush(sessionKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(sessionKey)
}

func (q *AnnounceQueue) flushLocked(sessionKey string) {
	b, ok := q.batches[sessionKey]
	if !ok || len(b.items) == 0 {
		return
	}
	delete(q.batches, sessionKey)
	if q.onFlush != nil {
		q.onFlush(sessionKey, b.items, b.meta)
	}
}

// FormatBatchedAnnounce renders one or more subagent completions as a
// single message for the parent session to reformulate for the user.
func FormatBatchedAnnounce(items []AnnounceQueueItem, remainingActive int) string {
	if len(items) == 1 {
		it := items[0]
		s := fmt.Sprintf("Subagent '%s' %s in %s (%d iterations).\n\nResult:\n%s",
			it.Label, statusVerb(it.Status), it.Runtime.Round(time.Second), it.Iterations, it.Result)
		if remainingActive > 0 {
			s += fmt.Sprintf("\n\n(%d subagent(s) still running)", remainingActive)
		}
		return s
	}

	s := fmt.Sprintf("%d subagents finished:\n", len(items))
	for _, it := range items {
		s += fmt.Sprintf("\n- '%s' %s in %s (%d iterations): %s",
			it.Label, statusVerb(it.Status), it.Runtime.Round(time.Second), it.Iterations, it.Result)
	}
	if remainingActive > 0 {
		s += fmt.Sprintf("\n\n(%d subagent(s) still running)", remainingActive)
	}
	return s
}

func statusVerb(status string) string {
	switch status {
	case TaskStatusCompleted:
		return "completed"
	case TaskStatusFailed:
		return "failed"
	case TaskStatusCancelled:
		return "was cancelled"
	default:
		return status
	}
}
