// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache stores encoded analysis reports keyed by the content of
// the trace that produced them.
//
// A key is the SHA-256 of the trace bytes followed by a fingerprint of
// every option that changes the report. Re-analyzing an unchanged trace
// with unchanged options is a lookup.
//
// Thread Safety:
//
//	Cache is safe for concurrent use. Badger serializes conflicting
//	transactions.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/csptrace/services/trace/config"
	"github.com/AleutianAI/csptrace/services/trace/storage/badger"
	"github.com/AleutianAI/csptrace/services/trace/telemetry"
)

var (
	// ErrNotFound is returned when no report is cached under a key.
	ErrNotFound = errors.New("report not cached")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache is closed")

	// ErrInvalidKey is returned for keys that are not 64 hex characters.
	ErrInvalidKey = errors.New("invalid cache key")
)

const keyPrefix = "report/"

// Cache is a content-addressed report store on BadgerDB.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	closed atomic.Bool
}

// Open opens the database described by cfg and wraps it in a Cache.
//
// Inputs:
//
//	cfg    - Cache section of the configuration. Enabled is not checked.
//	logger - Receives Badger warnings. May be nil.
//
// Outputs:
//
//	*Cache - The open cache. Call Close when done.
//	error  - Non-nil if the database cannot be opened.
func Open(cfg config.CacheConfig, logger *slog.Logger) (*Cache, error) {
	dbCfg := badger.InMemoryConfig()
	if !cfg.InMemory {
		dbCfg = badger.DefaultConfig(cfg.Dir)
		dbCfg.GCInterval = cfg.GCInterval
	}
	dbCfg.Logger = logger

	db, err := badger.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open report cache: %w", err)
	}
	return New(db, cfg.TTL), nil
}

// New wraps an open database. The cache takes ownership of db.
// A ttl of 0 keeps entries until they are deleted.
func New(db *badger.DB, ttl time.Duration) *Cache {
	return &Cache{db: db, ttl: ttl}
}

// Key derives the cache key for a trace under a set of options.
//
// Inputs:
//
//	trace       - Raw trace file bytes.
//	fingerprint - Stable encoding of the options that affect the report.
//
// Outputs:
//
//	string - 64 lowercase hex characters.
func Key(trace []byte, fingerprint string) string {
	h := sha256.New()
	h.Write(trace)
	h.Write([]byte{0})
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidKey reports whether key has the shape Key produces.
func ValidKey(key string) bool {
	if len(key) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

// Get returns the report stored under key.
//
// Outputs:
//
//	[]byte - The encoded report. The caller owns the slice.
//	error  - ErrNotFound, ErrInvalidKey, ErrClosed, or a storage error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "Get", key)
	defer span.End()

	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !ValidKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	var value []byte
	err := c.db.View(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	hit := err == nil
	recordGet(ctx, time.Since(start), hit)
	span.SetAttributes(attribute.Bool("cache.hit", hit))

	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("read cached report: %w", err)
	}
	return value, nil
}

// Put stores an encoded report under key with the cache TTL.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	ctx, span := startSpan(ctx, "Put", key)
	defer span.End()

	if c.closed.Load() {
		return ErrClosed
	}
	if !ValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	err := c.db.Update(ctx, func(txn *dgbadger.Txn) error {
		e := dgbadger.NewEntry([]byte(keyPrefix+key), value)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("write cached report: %w", err)
	}
	recordPut(ctx, len(value))
	return nil
}

// Delete removes the report under key. Deleting a missing key is not an
// error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !ValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return c.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
}

// Keys lists every live key in byte order.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	var keys []string
	err := c.db.View(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list cached reports: %w", err)
	}
	return keys, nil
}

// Close closes the underlying database. Later calls return nil.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.db.Close()
}
