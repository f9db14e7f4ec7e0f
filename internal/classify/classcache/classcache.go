// Package classcache memoizes lead classifications in BadgerDB. Entries are
// derived data with a TTL; a miss or a decode failure simply recomputes.
package classcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/outreach/internal/classify"
)

// RulesVersion is mixed into every key so a rule change never serves a
// classification computed by older rules.
const RulesVersion = "2"

// Cache wraps a Badger database.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger log.Logger

	hits        prometheus.Counter
	misses      prometheus.Counter
	readErrors  prometheus.Counter
	writeErrors prometheus.Counter
}

// Open opens a cache rooted at dir. An empty dir keeps everything in memory.
// Cache failures are logged to logger and counted; see Register.
func Open(dir string, ttl time.Duration, logger log.Logger) (*Cache, error) {
	if logger == nil {
		logger = log.Nop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_classcache_" + name, Help: help})
	}
	return &Cache{
		db:          db,
		ttl:         ttl,
		logger:      logger,
		hits:        counter("hits_total", "Classifications served from the cache."),
		misses:      counter("misses_total", "Classifications computed because the cache had no usable entry."),
		readErrors:  counter("read_errors_total", "Cache lookups that failed."),
		writeErrors: counter("write_errors_total", "Classifications that could not be stored."),
	}, nil
}

// Register exposes the cache counters on reg.
func (c *Cache) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, col := range []prometheus.Collector{c.hits, c.misses, c.readErrors, c.writeErrors} {
		if err := reg.Register(col); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Key derives the cache key from the normalized record.
func Key(r classify.Record) []byte {
	f := classify.Normalize(r)
	sum := sha256.Sum256([]byte(RulesVersion + "\x00" + f.Company + "\x00" + f.Title + "\x00" +
		f.Industry + "\x00" + f.Location + "\x00" + strconv.Itoa(f.Size)))
	return []byte("lead:" + hex.EncodeToString(sum[:]))
}

// Get returns a cached classification.
func (c *Cache) Get(r classify.Record) (classify.Classification, bool, error) {
	var out classify.Classification
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(Key(r))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return classify.Classification{}, false, nil
	}
	if err != nil {
		return classify.Classification{}, false, fmt.Errorf("cache get: %w", err)
	}
	return out, true, nil
}

// Put stores a classification with the configured TTL.
func (c *Cache) Put(r classify.Record, cl classify.Classification) error {
	val, err := json.Marshal(cl)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(Key(r), val)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Classify returns the cached classification or computes and stores it.
// Cache errors never fail the call.
func (c *Cache) Classify(r classify.Record) classify.Classification {
	cl, ok, err := c.Get(r)
	if err != nil {
		c.readErrors.Inc()
		c.logger.Warn(context.Background(), "classification cache read failed", "error", err)
	}
	if ok {
		c.hits.Inc()
		return cl
	}
	c.misses.Inc()
	cl = classify.Classify(r)
	if err := c.Put(r, cl); err != nil {
		c.writeErrors.Inc()
		c.logger.Warn(context.Background(), "classification cache write failed", "error", err)
	}
	return cl
}
