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

// DeadLetterStore holds mutations that exhausted the retry ceiling. Terminal:
// the engine never resurrects entries; operators inspect and purge.
type DeadLetterStore interface {
	Put(item DeadLetterItem) error
	Get(id string) (DeadLetterItem, bool)
	List() []DeadLetterItem
	Purge(id string) error
	IDs() []string
	Size() int
	Close() error
}

// CorruptedStore holds mutations quarantined for schema drift. Terminal like
// the dead-letter store, and never touched by retry accounting.
type CorruptedStore interface {
	Put(item CorruptedItem) error
	Get(id string) (CorruptedItem, bool)
	List() []CorruptedItem
	Purge(id string) error
	IDs() []string
	Size() int
	Close() error
}

type fileDeadLetterStore struct {
	path  string
	mu    sync.Mutex
	items map[string]DeadLetterItem
}

type fileDeadLetterState struct {
	Items []DeadLetterItem `json:"items"`
}

func NewFileDeadLetterStore(path string) (DeadLetterStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileDeadLetterStore{path: path, items: map[string]DeadLetterItem{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileDeadLetterStore) Put(item DeadLetterItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.items[item.ID]
	s.items[item.ID] = item
	if err := s.saveLocked(); err != nil {
		if existed {
			s.items[item.ID] = previous
		} else {
			delete(s.items, item.ID)
		}
		return err
	}
	return nil
}

func (s *fileDeadLetterStore) Get(id string) (DeadLetterItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

func (s *fileDeadLetterStore) List() []DeadLetterItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetterItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

func (s *fileDeadLetterStore) Purge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	if err := s.saveLocked(); err != nil {
		s.items[id] = item
		return err
	}
	return nil
}

func (s *fileDeadLetterStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for id := range s.items {
		out = append(out, id)
	}
	return out
}

func (s *fileDeadLetterStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *fileDeadLetterStore) Close() error {
	return nil
}

func (s *fileDeadLetterStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileDeadLetterState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, item := range snapshot.Items {
		s.items[item.ID] = item
	}
	return nil
}

func (s *fileDeadLetterStore) saveLocked() error {
	snapshot := fileDeadLetterState{Items: make([]DeadLetterItem, 0, len(s.items))}
	for _, item := range s.items {
		snapshot.Items = append(snapshot.Items, item)
	}
	sort.Slice(snapshot.Items, func(i, j int) bool {
		return snapshot.Items[i].FailedAt.Before(snapshot.Items[j].FailedAt)
	})
	return writeFileAtomic(s.path, snapshot)
}

type fileCorruptedStore struct {
	path  string
	mu    sync.Mutex
	items map[string]CorruptedItem
}

type fileCorruptedState struct {
	Items []CorruptedItem `json:"items"`
}

func NewFileCorruptedStore(path string) (CorruptedStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileCorruptedStore{path: path, items: map[string]CorruptedItem{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileCorruptedStore) Put(item CorruptedItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.items[item.ID]
	s.items[item.ID] = item
	if err := s.saveLocked(); err != nil {
		if existed {
			s.items[item.ID] = previous
		} else {
			delete(s.items, item.ID)
		}
		return err
	}
	return nil
}

func (s *fileCorruptedStore) Get(id string) (CorruptedItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

func (s *fileCorruptedStore) List() []CorruptedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CorruptedItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuarantinedAt.Before(out[j].QuarantinedAt) })
	return out
}

func (s *fileCorruptedStore) Purge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	if err := s.saveLocked(); err != nil {
		s.items[id] = item
		return err
	}
	return nil
}

func (s *fileCorruptedStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for id := range s.items {
		out = append(out, id)
	}
	return out
}

func (s *fileCorruptedStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *fileCorruptedStore) Close() error {
	return nil
}

func (s *fileCorruptedStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileCorruptedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, item := range snapshot.Items {
		s.items[item.ID] = item
	}
	return nil
}

func (s *fileCorruptedStore) saveLocked() error {
	snapshot := fileCorruptedState{Items: make([]CorruptedItem, 0, len(s.items))}
	for _, item := range s.items {
		snapshot.Items = append(snapshot.Items, item)
	}
	sort.Slice(snapshot.Items, func(i, j int) bool {
		return snapshot.Items[i].QuarantinedAt.Before(snapshot.Items[j].QuarantinedAt)
	})
	return writeFileAtomic(s.path, snapshot)
}

type memoryDeadLetterStore struct {
	mu    sync.Mutex
	items map[string]DeadLetterItem
}

func NewMemoryDeadLetterStore() DeadLetterStore {
	return &memoryDeadLetterStore{items: map[string]DeadLetterItem{}}
}

func (s *memoryDeadLetterStore) Put(item DeadLetterItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

func (s *memoryDeadLetterStore) Get(id string) (DeadLetterItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

func (s *memoryDeadLetterStore) List() []DeadLetterItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetterItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

func (s *memoryDeadLetterStore) Purge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *memoryDeadLetterStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for id := range s.items {
		out = append(out, id)
	}
	return out
}

func (s *memoryDeadLetterStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *memoryDeadLetterStore) Close() error {
	return nil
}

type memoryCorruptedStore struct {
	mu    sync.Mutex
	items map[string]CorruptedItem
}

func NewMemoryCorruptedStore() CorruptedStore {
	return &memoryCorruptedStore{items: map[string]CorruptedItem{}}
}

func (s *memoryCorruptedStore) Put(item CorruptedItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

func (s *memoryCorruptedStore) Get(id string) (CorruptedItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

func (s *memoryCorruptedStore) List() []CorruptedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CorruptedItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuarantinedAt.Before(out[j].QuarantinedAt) })
	return out
}

func (s *memoryCorruptedStore) Purge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *memoryCorruptedStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for id := range s.items {
		out = append(out, id)
	}
	return out
}

func (s *memoryCorruptedStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *memoryCorruptedStore) Close() error {
	return nil
}

func writeFileAtomic(path string, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
