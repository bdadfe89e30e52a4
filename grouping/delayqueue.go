package grouping

import "time"

// timerEntry is one scheduled bucket check. Entries are never cancelled;
// stale entries fire and find the bucket either gone or not yet due.
type timerEntry struct {
	key string
	at  time.Time
}

// delayQueue is a binary min-heap of timer entries ordered by deadline.
// One of these backs the whole engine, so arrival bursts cost a heap push
// instead of a goroutine plus runtime timer per instance.
type delayQueue struct {
	entries []timerEntry
}

func (q *delayQueue) push(e timerEntry) {
	q.entries = append(q.entries, e)
	i := len(q.entries) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !q.entries[i].at.Before(q.entries[parent].at) {
			break
		}
		q.entries[i], q.entries[parent] = q.entries[parent], q.entries[i]
		i = parent
	}
}

func (q *delayQueue) peek() (timerEntry, bool) {
	if len(q.entries) == 0 {
		return timerEntry{}, false
	}
	return q.entries[0], true
}

func (q *delayQueue) pop() (timerEntry, bool) {
	if len(q.entries) == 0 {
		return timerEntry{}, false
	}
	top := q.entries[0]
	last := len(q.entries) - 1
	q.entries[0] = q.entries[last]
	q.entries = q.entries[:last]

	i := 0
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < len(q.entries) && q.entries[left].at.Before(q.entries[smallest].at) {
			smallest = left
		}
		if right < len(q.entries) && q.entries[right].at.Before(q.entries[smallest].at) {
			smallest = right
		}
		if smallest == i {
			break
		}
		q.entries[i], q.entries[smallest] = q.entries[smallest], q.entries[i]
		i = smallest
	}
	return top, true
}

func (q *delayQueue) len() int { return len(q.entries) }
