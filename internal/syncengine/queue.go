package syncengine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultMaxQueueSize bounds how many pending mutations a terminal may hold
// before admissions are rejected.
const DefaultMaxQueueSize = 50

// MutationQueue is the durable, bounded, FIFO-ordered store of pending
// mutations. Every mutating operation must be durable before it returns
// success; a crash right after TryEnqueue must not lose the item.
type MutationQueue interface {
	// TryEnqueue persists the item or returns ErrQueueFull. It never waits
	// for replay.
	TryEnqueue(item MutationItem) error
	// Snapshot returns the queue ordered by (EnqueuedAt, Seq) as of the
	// call. A drain pass iterates the snapshot, so items enqueued after the
	// pass began are not observed within it.
	Snapshot() []MutationItem
	// UpdateRetryCount updates the item in place, preserving its position.
	UpdateRetryCount(id string, count int) error
	// Remove durably deletes the item.
	Remove(id string) error
	Size() int
	Capacity() int
	Close() error
}

type fileMutationQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []MutationItem
	nextSeq  uint64
}

type fileMutationQueueState struct {
	NextSeq uint64         `json:"nextSeq"`
	Items   []MutationItem `json:"items"`
}

func NewFileMutationQueue(path string, capacity int) (MutationQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultMaxQueueSize
	}
	q := &fileMutationQueue{
		path:     path,
		capacity: capacity,
		items:    []MutationItem{},
		nextSeq:  1,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileMutationQueue) TryEnqueue(item MutationItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	item.Seq = q.nextSeq
	q.nextSeq++
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		q.nextSeq--
		return err
	}
	return nil
}

func (q *fileMutationQueue) Snapshot() []MutationItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]MutationItem(nil), q.items...)
	sortMutations(out)
	return out
}

func (q *fileMutationQueue) UpdateRetryCount(id string, count int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		previous := q.items[i].RetryCount
		q.items[i].RetryCount = count
		if err := q.saveLocked(); err != nil {
			q.items[i].RetryCount = previous
			return err
		}
		return nil
	}
	return ErrNotFound
}

func (q *fileMutationQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		removed := q.items[i]
		q.items = append(q.items[:i], q.items[i+1:]...)
		if err := q.saveLocked(); err != nil {
			q.items = append(q.items[:i], append([]MutationItem{removed}, q.items[i:]...)...)
			return err
		}
		return nil
	}
	return ErrNotFound
}

func (q *fileMutationQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileMutationQueue) Capacity() int {
	return q.capacity
}

func (q *fileMutationQueue) Close() error {
	return nil
}

func (q *fileMutationQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileMutationQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.items = append([]MutationItem(nil), snapshot.Items...)
	sortMutations(q.items)
	q.nextSeq = snapshot.NextSeq
	for _, item := range q.items {
		if item.Seq >= q.nextSeq {
			q.nextSeq = item.Seq + 1
		}
	}
	if q.nextSeq == 0 {
		q.nextSeq = 1
	}
	return nil
}

func (q *fileMutationQueue) saveLocked() error {
	snapshot := fileMutationQueueState{
		NextSeq: q.nextSeq,
		Items:   append([]MutationItem(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

type memoryMutationQueue struct {
	capacity int
	mu       sync.Mutex
	items    []MutationItem
	nextSeq  uint64
}

// NewMemoryMutationQueue is for tests and ephemeral setups; it provides the
// same ordering and capacity semantics without durability.
func NewMemoryMutationQueue(capacity int) MutationQueue {
	if capacity <= 0 {
		capacity = DefaultMaxQueueSize
	}
	return &memoryMutationQueue{capacity: capacity, items: []MutationItem{}, nextSeq: 1}
}

func (q *memoryMutationQueue) TryEnqueue(item MutationItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	item.Seq = q.nextSeq
	q.nextSeq++
	q.items = append(q.items, item)
	return nil
}

func (q *memoryMutationQueue) Snapshot() []MutationItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]MutationItem(nil), q.items...)
	sortMutations(out)
	return out
}

func (q *memoryMutationQueue) UpdateRetryCount(id string, count int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items[i].RetryCount = count
			return nil
		}
	}
	return ErrNotFound
}

func (q *memoryMutationQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (q *memoryMutationQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryMutationQueue) Capacity() int {
	return q.capacity
}

func (q *memoryMutationQueue) Close() error {
	return nil
}

func sortMutations(items []MutationItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].Seq < items[j].Seq
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
}
