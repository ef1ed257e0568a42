// Package badger is the embedded single-node cache backend. It keeps the
// same contract as the redis cache; hit and miss counters are per process.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/repository"
	"grading-orchestrator/internal/infra/metrics"
)

var _ repository.CacheStore = (*GradingCache)(nil)

const (
	keyPrefix  = "grading_cache:"
	defaultTTL = 7 * 24 * time.Hour
	gcInterval = 5 * time.Minute
)

type GradingCache struct {
	db     *badger.DB
	hits   atomic.Int64
	misses atomic.Int64
	now    func() time.Time
	log    *zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open opens the cache at dir; an empty dir keeps everything in memory.
func Open(dir string, logger *zerolog.Logger) (*GradingCache, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(false)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	l := logger.With().Str("component", "grading_cache").Str("backend", "badger").Logger()
	c := &GradingCache{db: db, now: time.Now, log: &l, stop: make(chan struct{})}
	if dir != "" {
		c.wg.Add(1)
		go c.gcLoop()
	}
	return c, nil
}

func (c *GradingCache) Close() error {
	close(c.stop)
	c.wg.Wait()
	return c.db.Close()
}

func (c *GradingCache) gcLoop() {
	defer c.wg.Done()
	t := time.NewTicker(gcInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			// One GC call rewrites at most one value log file; repeat until nothing is left.
			for c.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func (c *GradingCache) Lookup(_ context.Context, text string) (*model.CacheEntry, bool) {
	hash := model.ContentHash(text)
	var e model.CacheEntry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		c.miss("miss")
		return nil, false
	case err != nil:
		c.miss("error")
		c.log.Warn().Err(err).Str("hash", hash).Msg("cache lookup failed; treating as miss")
		return nil, false
	case e.Expired(c.now()):
		c.miss("miss")
		return nil, false
	}
	c.hits.Add(1)
	metrics.IncCacheRequest("badger", "hit")
	return &e, true
}

func (c *GradingCache) miss(result string) {
	c.misses.Add(1)
	metrics.IncCacheRequest("badger", result)
}

func (c *GradingCache) Store(_ context.Context, text string, result model.GradingResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	hash := model.ContentHash(text)
	data, err := json.Marshal(model.CacheEntry{Hash: hash, Result: result, CreatedAt: c.now(), TTL: ttl})
	if err != nil {
		metrics.IncCacheWrite("badger", "error")
		return err
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(keyPrefix+hash), data).WithTTL(ttl))
	})
	if err != nil {
		metrics.IncCacheWrite("badger", "error")
		return err
	}
	metrics.IncCacheWrite("badger", "ok")
	return nil
}

func (c *GradingCache) Stats(_ context.Context) (model.CacheStats, error) {
	var n int64
	err := c.scan("*", func([]byte) error { n++; return nil })
	if err != nil {
		return model.CacheStats{}, err
	}
	return model.NewCacheStats(c.hits.Load(), c.misses.Load(), n), nil
}

func (c *GradingCache) Clear(_ context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	var keys [][]byte
	if err := c.scan(pattern, func(k []byte) error {
		keys = append(keys, k)
		return nil
	}); err != nil {
		return 0, err
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	c.log.Info().Str("pattern", pattern).Int("removed", len(keys)).Msg("cache entries cleared")
	return len(keys), nil
}

// scan visits the keys of the cache namespace whose hash matches the glob pattern.
func (c *GradingCache) scan(pattern string, fn func(key []byte) error) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if ok, _ := path.Match(pattern, strings.TrimPrefix(string(k), keyPrefix)); !ok {
				continue
			}
			if err := fn(k); err != nil {
				return err
			}
		}
		return nil
	})
}
