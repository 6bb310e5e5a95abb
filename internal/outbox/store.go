package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store is the durable pending-action store: five independent keyed
// collections of unconfirmed intents. Records exist from the moment a user
// action completes locally until the drainer confirms remote application.
// The store is an outbox, not a history log.
type Store struct {
	mu      sync.RWMutex
	pending map[Kind]map[string]Record
	backend StateBackend
	logger  Logger
}

type StoreOptions struct {
	// StateFile is a convenience for a JSON file backend; ignored when
	// Backend is set.
	StateFile string
	Backend   StateBackend
	Logger    Logger
}

type persistedState struct {
	Pending map[Kind]map[string]Record `json:"pending"`
}

// StateBackend persists the full pending snapshot. Implementations must make
// Save atomic with respect to process crashes: a snapshot is either fully
// written or the previous one survives.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

func NewStore() *Store {
	store, _ := NewStoreWithOptions(StoreOptions{})
	return store
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	backend := opts.Backend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	s := &Store{
		pending: emptyPending(),
		backend: backend,
		logger:  opts.Logger,
	}
	if backend != nil {
		snapshot, err := backend.Load()
		if err != nil {
			return nil, fmt.Errorf("load pending state: %w", err)
		}
		if snapshot != nil {
			for kind, records := range snapshot.Pending {
				if _, ok := s.pending[kind]; !ok {
					continue
				}
				for key, record := range records {
					s.pending[kind][key] = record
				}
			}
		}
	}
	return s, nil
}

func (s *Store) Close() {
	if closer, ok := s.backend.(stateBackendCloser); ok && closer != nil {
		_ = closer.Close()
	}
}

// Enqueue inserts or replaces the pending record for key. A second enqueue
// for the same key overwrites the previous payload; the creation idempotency
// token survives the overwrite so interrupted retries stay deduplicable.
// A storage failure leaves the store unchanged and propagates to the caller.
func (s *Store) Enqueue(kind Kind, key string, payload map[string]any) (Record, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(key) == "" {
		return Record{}, ErrInvalidInput
	}
	if kind == KindCreate {
		if err := ValidateCreatePayload(payload); err != nil {
			return Record{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.pending[kind][key]
	record := Record{
		Key:        key,
		Payload:    clonePayload(payload),
		EnqueuedAt: nowStamp(),
	}
	if kind == KindCreate {
		if existed && previous.Token != "" {
			record.Token = previous.Token
		} else {
			record.Token = uuid.NewString()
		}
	}
	s.pending[kind][key] = record

	if err := s.saveLocked(); err != nil {
		if existed {
			s.pending[kind][key] = previous
		} else {
			delete(s.pending[kind], key)
		}
		return Record{}, fmt.Errorf("persist pending record: %w", err)
	}
	return record, nil
}

// List returns a copy of every pending record for kind, ordered by key. The
// order carries no meaning; it is stable only to keep drains deterministic.
func (s *Store) List(kind Kind) ([]Record, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0, len(s.pending[kind]))
	for _, record := range s.pending[kind] {
		records = append(records, Record{
			Key:        record.Key,
			Payload:    clonePayload(record.Payload),
			Token:      record.Token,
			EnqueuedAt: record.EnqueuedAt,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// Remove deletes the record for key. Removing an absent key is a no-op, not
// an error; the drainer may race a concurrent manual clear.
func (s *Store) Remove(kind Kind, key string) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.pending[kind][key]
	if !existed {
		return nil
	}
	delete(s.pending[kind], key)
	if err := s.saveLocked(); err != nil {
		s.pending[kind][key] = previous
		return fmt.Errorf("persist pending state: %w", err)
	}
	return nil
}

func (s *Store) Count(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending[kind])
}

// Counts returns pending totals per kind, for UI badge rendering.
func (s *Store) Counts() map[Kind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Kind]int, len(s.pending))
	for kind, records := range s.pending {
		counts[kind] = len(records)
	}
	return counts
}

func (s *Store) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Save(s.snapshotLocked())
}

func (s *Store) snapshotLocked() *persistedState {
	snapshot := &persistedState{Pending: make(map[Kind]map[string]Record, len(s.pending))}
	for kind, records := range s.pending {
		clone := make(map[string]Record, len(records))
		for key, record := range records {
			clone[key] = record
		}
		snapshot.Pending[kind] = clone
	}
	return snapshot
}

func emptyPending() map[Kind]map[string]Record {
	pending := make(map[Kind]map[string]Record, len(Kinds()))
	for _, kind := range Kinds() {
		pending[kind] = map[string]Record{}
	}
	return pending
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads come from JSON-decoded UI input; non-marshalable values
		// should not occur. Fall back to a shallow copy.
		clone := make(map[string]any, len(payload))
		for key, value := range payload {
			clone[key] = value
		}
		return clone
	}
	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil || clone == nil {
		return map[string]any{}
	}
	return clone
}

// JSONFileStateBackend persists the snapshot to a single JSON file using a
// tmp-file write followed by rename.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
