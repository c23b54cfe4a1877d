// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage is the badger-backed store holding committed chain state.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blinklabs-io/ledgerd/types"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("store is closed")
	// ErrRead wraps any failure reading committed state other than a
	// missing key
	ErrRead = errors.New("storage read failed")
	// ErrBatchTooLarge is returned when a block writes more keys than a
	// single badger transaction holds
	ErrBatchTooLarge = errors.New("write batch exceeds transaction limit")
)

// Entry is a key/value pair returned by prefix iteration
type Entry struct {
	Key   string
	Value []byte
}

// Store holds committed state in badger. All writes go through Commit
type Store struct {
	promRegistry   prometheus.Registerer
	db             *badger.DB
	cache          *Cache
	logger         *slog.Logger
	gcTicker       *time.Ticker
	gcStopCh       chan struct{}
	commits        prometheus.Counter
	commitDuration prometheus.Histogram
	dataDir        string
	gcWg           sync.WaitGroup
	closeOnce      sync.Once
	blockCacheSize uint64
	indexCacheSize uint64
	gcEnabled      bool
}

// New opens the store
func New(opts ...StoreOptionFunc) (*Store, error) {
	s := &Store{
		gcEnabled:      true,
		blockCacheSize: DefaultBlockCacheSize,
		indexCacheSize: DefaultIndexCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var badgerOpts badger.Options
	if s.dataDir == "" {
		badgerOpts = badger.DefaultOptions("").
			WithLogger(NewBadgerLogger(s.logger)).
			// The default INFO logging is a bit verbose
			WithLoggingLevel(badger.WARNING).
			WithInMemory(true)
		// Nothing to collect in memory
		s.gcEnabled = false
	} else {
		if _, err := os.Stat(s.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		badgerOpts = badger.DefaultOptions(filepath.Join(s.dataDir, "db")).
			WithLogger(NewBadgerLogger(s.logger)).
			WithLoggingLevel(badger.WARNING).
			WithBlockCacheSize(int64(s.blockCacheSize)). //nolint:gosec
			WithIndexCacheSize(int64(s.indexCacheSize)). //nolint:gosec
			WithCompression(options.Snappy)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.db = db
	s.init()
	return s, nil
}

func (s *Store) init() {
	if s.promRegistry != nil {
		promautoFactory := promauto.With(s.promRegistry)
		s.commits = promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerd_storage_commits_total",
			Help: "number of committed blocks",
		})
		s.commitDuration = promautoFactory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerd_storage_commit_duration_seconds",
			Help:    "time taken to write a block to storage",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		})
	}
	if s.gcEnabled {
		s.gcTicker = time.NewTicker(5 * time.Minute)
		s.gcStopCh = make(chan struct{})
		s.gcWg.Add(1)
		go s.valueLogGc(s.gcTicker, s.gcStopCh)
	}
}

func (s *Store) valueLogGc(t *time.Ticker, stop <-chan struct{}) {
	defer s.gcWg.Done()
	for {
		select {
		case <-t.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					// Run it again if it just ran successfully
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn(
						fmt.Sprintf("GC failure: %s", err),
						"component", "storage",
					)
				}
				break
			}
		case <-stop:
			return
		}
	}
}

// Close stops garbage collection and closes the database. The cache is left
// untouched
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.gcTicker != nil {
			s.gcTicker.Stop()
			close(s.gcStopCh)
			s.gcWg.Wait()
		}
		err = s.db.Close()
	})
	return err
}

// Get returns the committed value of key
func (s *Store) Get(key string) ([]byte, error) {
	if s.db.IsClosed() {
		return nil, ErrClosed
	}
	if s.cache != nil {
		if val, ok := s.cache.Get(key); ok {
			return slices.Clone(val), nil
		}
	}
	var ret []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		ret, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %w", ErrRead, key, err)
	}
	if s.cache != nil {
		s.cache.Add(key, slices.Clone(ret))
	}
	return ret, nil
}

func (s *Store) Has(key string) (bool, error) {
	_, err := s.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IterPrefix returns every committed entry whose key starts with prefix, in
// key order
func (s *Store) IterPrefix(prefix string) ([]Entry, error) {
	if s.db.IsClosed() {
		return nil, ErrClosed
	}
	var ret []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte(prefix),
			PrefetchValues: true,
			PrefetchSize:   100,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			ret = append(ret, Entry{
				Key:   string(item.KeyCopy(nil)),
				Value: val,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %w", ErrRead, prefix, err)
	}
	return ret, nil
}

// MaxBatchCount is the largest number of keys Commit can write at once,
// block header included
func (s *Store) MaxBatchCount() int64 {
	// badger refuses the entry that brings a transaction to its limit
	return s.db.MaxBatchCount() - 1
}

// Commit writes the block write log and header in a single transaction
func (s *Store) Commit(wl *WriteLog, header *BlockHeader) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	if count := int64(wl.Len()) + 1; count > s.MaxBatchCount() {
		return fmt.Errorf(
			"commit block %d: %w: %d keys, limit %d",
			header.Height,
			ErrBatchTooLarge,
			count,
			s.MaxBatchCount(),
		)
	}
	start := time.Now()
	headerBytes, err := types.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode block header: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		var werr error
		wl.ForEach(func(key string, value []byte, deleted bool) {
			if werr != nil {
				return
			}
			if deleted {
				werr = txn.Delete([]byte(key))
			} else {
				werr = txn.Set([]byte(key), value)
			}
		})
		if werr != nil {
			return werr
		}
		return txn.Set([]byte(lastBlockKey), headerBytes)
	})
	if err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) {
			return fmt.Errorf("commit block %d: %w: %w", header.Height, ErrBatchTooLarge, err)
		}
		return fmt.Errorf("commit block %d: %w", header.Height, err)
	}
	if s.cache != nil {
		wl.ForEach(func(key string, value []byte, deleted bool) {
			if deleted {
				s.cache.Remove(key)
			} else {
				s.cache.Add(key, slices.Clone(value))
			}
		})
		s.cache.Remove(lastBlockKey)
	}
	if s.commits != nil {
		s.commits.Inc()
		s.commitDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// LastBlock returns the header of the last committed block, or ErrNotFound
// on a fresh store
func (s *Store) LastBlock() (*BlockHeader, error) {
	data, err := s.Get(lastBlockKey)
	if err != nil {
		return nil, err
	}
	var header BlockHeader
	if err := types.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decode block header: %w", err)
	}
	return &header, nil
}
