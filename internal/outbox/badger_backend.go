package outbox

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

var badgerStateKey = []byte("pending-state")

// BadgerStateBackend stores the pending snapshot in an embedded BadgerDB
// directory. Badger fsyncs through its value log, which makes it the backend
// of choice on devices whose filesystems reorder renames aggressively.
type BadgerStateBackend struct {
	dir string

	initOnce sync.Once
	initErr  error
	db       *badger.DB
}

func NewBadgerStateBackend(dir string) (StateBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	return &BadgerStateBackend{dir: dir}, nil
}

func (b *BadgerStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerStateKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *BadgerStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerStateKey, data)
	})
}

func (b *BadgerStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BadgerStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		opts := badger.DefaultOptions(b.dir)
		opts.Logger = nil
		db, err := badger.Open(opts)
		if err != nil {
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
