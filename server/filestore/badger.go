package filestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"quizsync/core"
)

// BadgerStore is a persistent FileStore backed by BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	stop   chan struct{}
	logger *zap.Logger
}

// NewBadgerStore opens (or creates) a BadgerDB at dbPath and starts a
// background value-log GC loop.
func NewBadgerStore(dbPath string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		stop:   make(chan struct{}),
		logger: core.GetLogger(),
	}
	go s.runGC()
	return s, nil
}

// Put stores the blob.
func (s *BadgerStore) Put(_ context.Context, id string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store file %s: %w", id, err)
	}
	return nil
}

// Get retrieves the blob.
func (s *BadgerStore) Get(_ context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file %s: %w", id, err)
	}
	return data, nil
}

// Delete removes the blob. Missing keys are ignored.
func (s *BadgerStore) Delete(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(id))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete file %s: %w", id, err)
	}
	return nil
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	close(s.stop)
	return s.db.Close()
}

// runGC periodically reclaims value-log space.
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		case <-s.stop:
			return
		}
	}
}
