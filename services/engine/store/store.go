// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists entities and their join tables on BadgerDB.
//
// # Description
//
// Each entity is one JSON record. Every relationship is an explicit link row
// plus a mirrored reverse-index row, so "who references X" is a prefix scan
// and never a full-graph traversal. Callers obtain an isolated Session per
// chunk through Store.Update or Store.View; a session holds only the rows it
// touches and is discarded when the callback returns.
//
// # Thread Safety
//
// Store is safe for concurrent use. A Session must not be shared between
// goroutines.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	badgerdb "github.com/AleutianAI/netcontrol/services/engine/storage/badger"
	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrNotFound is returned when an entity record does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrReadOnly is returned when a write is attempted in a View session.
	ErrReadOnly = errors.New("session is read-only")

	// ErrConflict is returned on commit when a concurrent transaction
	// changed a row this session read.
	ErrConflict = badger.ErrConflict

	// ErrTooLarge is returned by Update when the pending writes exceed what
	// one transaction can hold.
	ErrTooLarge = badger.ErrTxnTooBig
)

// Link is one row of a join table.
type Link struct {
	Owner    datatypes.Key
	Relation datatypes.Relation
	Target   datatypes.Key
	Value    string
}

// Store is the entity store.
type Store struct {
	db     *badgerdb.DB
	logger *slog.Logger
}

// New wraps an open database.
func New(db *badgerdb.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With(slog.String("component", "store"))}
}

// Update runs fn in a read-write session committed atomically on success.
func (s *Store) Update(ctx context.Context, fn func(*Session) error) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return fn(&Session{txn: txn, writable: true})
	})
}

// UpdateWithRetry is Update retried up to attempts times on ErrConflict.
func (s *Store) UpdateWithRetry(ctx context.Context, attempts int, fn func(*Session) error) error {
	var err error
	for i := 0; i < max(attempts, 1); i++ {
		err = s.Update(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		s.logger.Debug("store: commit conflict, retrying", slog.Int("attempt", i+1))
	}
	return err
}

// View runs fn in a read-only session.
func (s *Store) View(ctx context.Context, fn func(*Session) error) error {
	return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return fn(&Session{txn: txn})
	})
}

// UpdateSplittable runs fn in a read-write session that commits and renews
// its transaction whenever badger reports the pending writes are too large.
//
// Callers must order their writes so that every intermediate commit leaves
// the store referentially consistent. Cascade deletions satisfy this by
// deleting the deepest dependents first.
func (s *Store) UpdateSplittable(ctx context.Context, fn func(*Session) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	sess := &Session{db: s.db.DB, txn: s.db.DB.NewTransaction(true), writable: true, splittable: true}
	defer func() { sess.txn.Discard() }()

	if err := fn(sess); err != nil {
		return err
	}
	if err := sess.txn.Commit(); err != nil {
		return err
	}
	if sess.splits > 0 {
		s.logger.Debug("store: large update committed in parts", slog.Int("parts", sess.splits+1))
	}
	return nil
}

// Session is one isolated persistence session.
type Session struct {
	txn        *badger.Txn
	db         *badger.DB
	writable   bool
	splittable bool
	splits     int
}

func (s *Session) set(key, value []byte) error {
	if !s.writable {
		return ErrReadOnly
	}
	err := s.txn.Set(key, value)
	if errors.Is(err, badger.ErrTxnTooBig) && s.splittable {
		if err := s.renew(); err != nil {
			return err
		}
		err = s.txn.Set(key, value)
	}
	return err
}

func (s *Session) delete(key []byte) error {
	if !s.writable {
		return ErrReadOnly
	}
	err := s.txn.Delete(key)
	if errors.Is(err, badger.ErrTxnTooBig) && s.splittable {
		if err := s.renew(); err != nil {
			return err
		}
		err = s.txn.Delete(key)
	}
	return err
}

func (s *Session) renew() error {
	if err := s.txn.Commit(); err != nil {
		return fmt.Errorf("commit partial update: %w", err)
	}
	s.txn = s.db.NewTransaction(true)
	s.splits++
	return nil
}

func (s *Session) getRaw(key []byte) ([]byte, error) {
	item, err := s.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// keysWithPrefix returns every key under prefix. The iterator is closed
// before returning so callers may write afterwards.
func (s *Session) keysWithPrefix(prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := s.txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

type rawEntry struct {
	key   []byte
	value []byte
}

func (s *Session) entriesWithPrefix(prefix []byte) ([]rawEntry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := s.txn.NewIterator(opts)
	defer it.Close()

	var entries []rawEntry
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		entries = append(entries, rawEntry{key: item.KeyCopy(nil), value: val})
	}
	return entries, nil
}

// Get decodes the record for (kind, id) into out.
func (s *Session) Get(kind datatypes.Kind, id string, out any) error {
	raw, err := s.getRaw(entityKey(kind, id))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %q: %w", kind, id, err)
	}
	return nil
}

// Exists reports whether a record is stored.
func (s *Session) Exists(kind datatypes.Kind, id string) (bool, error) {
	_, err := s.txn.Get(entityKey(kind, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetMany fetches the raw records of every listed id of one kind. Missing ids
// are absent from the result.
func (s *Session) GetMany(kind datatypes.Kind, ids []string) (map[string][]byte, error) {
	found := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if _, seen := found[id]; seen {
			continue
		}
		raw, err := s.getRaw(entityKey(kind, id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %s %q: %w", kind, id, err)
		}
		found[id] = raw
	}
	return found, nil
}

// Put stores v as the record for (kind, id).
func (s *Session) Put(kind datatypes.Kind, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %q: %w", kind, id, err)
	}
	return s.set(entityKey(kind, id), raw)
}

// Scan calls fn for every record of kind in key order.
func (s *Session) Scan(kind datatypes.Kind, fn func(id string, raw []byte) error) error {
	prefix := entityKindPrefix(kind)
	entries, err := s.entriesWithPrefix(prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(string(e.key[len(prefix):]), e.value); err != nil {
			return err
		}
	}
	return nil
}

// IDs lists every stored id of kind.
func (s *Session) IDs(kind datatypes.Kind) ([]string, error) {
	prefix := entityKindPrefix(kind)
	keys, err := s.keysWithPrefix(prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = string(k[len(prefix):])
	}
	return ids, nil
}

// Link writes a join row and its reverse mirror.
func (s *Session) Link(owner datatypes.Key, rel datatypes.Relation, target datatypes.Key, value string) error {
	if err := s.set(linkKey(owner, rel, target), []byte(value)); err != nil {
		return err
	}
	return s.set(reverseKey(target, owner, rel), nil)
}

// Links returns the owner's join rows for rel, or for every relation when
// rel is empty.
func (s *Session) Links(owner datatypes.Key, rel datatypes.Relation) ([]Link, error) {
	prefix := linkOwnerPrefix(owner)
	if rel != "" {
		prefix = linkRelPrefix(owner, rel)
	}
	entries, err := s.entriesWithPrefix(prefix)
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(entries))
	for _, e := range entries {
		l, ok := parseLinkKey(e.key)
		if !ok {
			return nil, fmt.Errorf("malformed link key %q", e.key)
		}
		l.Value = string(e.value)
		links = append(links, l)
	}
	return links, nil
}

// LinkedIDs returns the target ids of the owner's rel links.
func (s *Session) LinkedIDs(owner datatypes.Key, rel datatypes.Relation) ([]string, error) {
	links, err := s.Links(owner, rel)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(links))
	for i, l := range links {
		ids[i] = l.Target.ID
	}
	return ids, nil
}

// UnlinkAll removes every join row owned by owner together with the reverse
// mirrors.
func (s *Session) UnlinkAll(owner datatypes.Key) error {
	keys, err := s.keysWithPrefix(linkOwnerPrefix(owner))
	if err != nil {
		return err
	}
	for _, k := range keys {
		l, ok := parseLinkKey(k)
		if !ok {
			return fmt.Errorf("malformed link key %q", k)
		}
		if err := s.delete(reverseKey(l.Target, l.Owner, l.Relation)); err != nil {
			return err
		}
		if err := s.delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Referrers returns the join rows of ownerKind entities that point at
// target. An empty ownerKind returns referrers of every kind.
func (s *Session) Referrers(target datatypes.Key, ownerKind datatypes.Kind) ([]Link, error) {
	prefix := reverseTargetPrefix(target)
	if ownerKind != "" {
		prefix = reverseOwnerKindPrefix(target, ownerKind)
	}
	keys, err := s.keysWithPrefix(prefix)
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(keys))
	for _, k := range keys {
		l, ok := parseReverseKey(k)
		if !ok {
			return nil, fmt.Errorf("malformed reverse key %q", k)
		}
		links = append(links, l)
	}
	return links, nil
}

// DeleteEntity removes the record and every join row it owns. Join rows that
// point at the entity are left to the caller, which must remove the
// referrers first.
func (s *Session) DeleteEntity(key datatypes.Key) error {
	if err := s.UnlinkAll(key); err != nil {
		return fmt.Errorf("unlink %s: %w", key, err)
	}
	if err := s.delete(entityKey(key.Kind, key.ID)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if err := s.delete(accessKey(key)); err != nil {
		return fmt.Errorf("delete access time of %s: %w", key, err)
	}
	return nil
}

// Touch records at as the last access time of key. The time lives in its
// own row so readers never write the entity record.
func (s *Session) Touch(key datatypes.Key, at time.Time) error {
	raw, err := at.UTC().MarshalBinary()
	if err != nil {
		return err
	}
	return s.set(accessKey(key), raw)
}

// AccessedAt returns the last access time recorded for key.
func (s *Session) AccessedAt(key datatypes.Key) (at time.Time, ok bool, err error) {
	raw, err := s.getRaw(accessKey(key))
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if err := at.UnmarshalBinary(raw); err != nil {
		return time.Time{}, false, fmt.Errorf("decode access time of %s: %w", key, err)
	}
	return at, true, nil
}

// PutIndex maps value to id in a named unique index.
func (s *Session) PutIndex(index, value, id string) error {
	return s.set(indexKey(index, value), []byte(id))
}

// LookupIndex returns the id stored for value.
func (s *Session) LookupIndex(index, value string) (id string, ok bool, err error) {
	raw, err := s.getRaw(indexKey(index, value))
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

// DeleteIndex removes value from a named index.
func (s *Session) DeleteIndex(index, value string) error {
	return s.delete(indexKey(index, value))
}

// Load decodes one record of type T.
func Load[T any](s *Session, kind datatypes.Kind, id string) (T, error) {
	var v T
	err := s.Get(kind, id, &v)
	return v, err
}

// LoadMany decodes every existing record among ids.
func LoadMany[T any](s *Session, kind datatypes.Kind, ids []string) (map[string]T, error) {
	raws, err := s.GetMany(kind, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raws))
	for id, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s %q: %w", kind, id, err)
		}
		out[id] = v
	}
	return out, nil
}

// LoadAll decodes every record of kind.
func LoadAll[T any](s *Session, kind datatypes.Kind) ([]T, error) {
	var out []T
	err := s.Scan(kind, func(id string, raw []byte) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode %s %q: %w", kind, id, err)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}
