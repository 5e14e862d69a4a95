// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	badgerdb "github.com/AleutianAI/netcontrol/services/engine/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil)
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(sess *Session) error {
		return sess.Put(datatypes.KindSource, "uniprot", datatypes.Source{ID: "uniprot", Name: "UniProt", Type: "db"})
	})
	require.NoError(t, err)

	err = s.View(ctx, func(sess *Session) error {
		src, err := Load[datatypes.Source](sess, datatypes.KindSource, "uniprot")
		require.NoError(t, err)
		assert.Equal(t, "UniProt", src.Name)

		ok, err := sess.Exists(datatypes.KindSource, "uniprot")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = Load[datatypes.Source](sess, datatypes.KindSource, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ViewIsReadOnly(t *testing.T) {
	s := newTestStore(t)
	err := s.View(context.Background(), func(sess *Session) error {
		return sess.Put(datatypes.KindSource, "a", datatypes.Source{ID: "a"})
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestStore_GetManyAndIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(sess *Session) error {
		for _, id := range []string{"a", "b", "c"} {
			if err := sess.Put(datatypes.KindNode, id, datatypes.Element{ID: id, Name: id}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(sess *Session) error {
		got, err := LoadMany[datatypes.Element](sess, datatypes.KindNode, []string{"a", "c", "zz", "a"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Contains(t, got, "a")
		assert.Contains(t, got, "c")

		ids, err := sess.IDs(datatypes.KindNode)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		// Kinds share no prefix space.
		edges, err := sess.IDs(datatypes.KindEdge)
		require.NoError(t, err)
		assert.Empty(t, edges)
		return nil
	}))
}

func TestStore_LinksAndReferrers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := datatypes.Key{Kind: datatypes.KindNode, ID: "p53"}
	src := datatypes.Key{Kind: datatypes.KindSource, ID: "uniprot"}
	field := datatypes.Key{Kind: datatypes.KindField, ID: "gene"}

	require.NoError(t, s.Update(ctx, func(sess *Session) error {
		if err := sess.Link(node, datatypes.RelSources, src, ""); err != nil {
			return err
		}
		return sess.Link(node, datatypes.RelFields, field, "TP53")
	}))

	require.NoError(t, s.View(ctx, func(sess *Session) error {
		links, err := sess.Links(node, "")
		require.NoError(t, err)
		assert.Len(t, links, 2)

		fields, err := sess.Links(node, datatypes.RelFields)
		require.NoError(t, err)
		require.Len(t, fields, 1)
		assert.Equal(t, "TP53", fields[0].Value)
		assert.Equal(t, field, fields[0].Target)

		refs, err := sess.Referrers(src, datatypes.KindNode)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, node, refs[0].Owner)
		assert.Equal(t, datatypes.RelSources, refs[0].Relation)

		none, err := sess.Referrers(src, datatypes.KindEdge)
		require.NoError(t, err)
		assert.Empty(t, none)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(sess *Session) error {
		return sess.DeleteEntity(node)
	}))

	require.NoError(t, s.View(ctx, func(sess *Session) error {
		refs, err := sess.Referrers(src, "")
		require.NoError(t, err)
		assert.Empty(t, refs, "reverse mirrors must be removed with the owner")
		refs, err = sess.Referrers(field, "")
		require.NoError(t, err)
		assert.Empty(t, refs)
		return nil
	}))
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(sess *Session) error {
		require.NoError(t, sess.Put(datatypes.KindSource, "a", datatypes.Source{ID: "a"}))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	require.NoError(t, s.View(ctx, func(sess *Session) error {
		ok, err := sess.Exists(datatypes.KindSource, "a")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestStore_UpdateSplittable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateSplittable(ctx, func(sess *Session) error {
		for _, id := range []string{"x", "y"} {
			if err := sess.Put(datatypes.KindSource, id, datatypes.Source{ID: id}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(sess *Session) error {
		all, err := LoadAll[datatypes.Source](sess, datatypes.KindSource)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		return nil
	}))
}

func TestParseKeys(t *testing.T) {
	owner := datatypes.Key{Kind: datatypes.KindEdge, ID: "e1"}
	target := datatypes.Key{Kind: datatypes.KindNode, ID: "n1"}

	l, ok := parseLinkKey(linkKey(owner, datatypes.RelEndpointSource, target))
	require.True(t, ok)
	assert.Equal(t, owner, l.Owner)
	assert.Equal(t, target, l.Target)
	assert.Equal(t, datatypes.RelEndpointSource, l.Relation)

	r, ok := parseReverseKey(reverseKey(target, owner, datatypes.RelEndpointSource))
	require.True(t, ok)
	assert.Equal(t, l, r)

	_, ok = parseLinkKey([]byte("lnk/bad"))
	assert.False(t, ok)
}

func TestStore_Index(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(sess *Session) error {
		return sess.PutIndex("user.email", "a@example.org", "u1")
	}))
	require.NoError(t, s.View(ctx, func(sess *Session) error {
		id, ok, err := sess.LookupIndex("user.email", "a@example.org")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "u1", id)

		_, ok, err = sess.LookupIndex("user.email", "b@example.org")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
	require.NoError(t, s.Update(ctx, func(sess *Session) error {
		return sess.DeleteIndex("user.email", "a@example.org")
	}))
	require.NoError(t, s.View(ctx, func(sess *Session) error {
		_, ok, err := sess.LookupIndex("user.email", "a@example.org")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

type record struct {
	Name string `json:"name"`
}

func TestStore_TouchIsSeparateFromRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := datatypes.Key{Kind: datatypes.KindNetwork, ID: "n1"}
	require.NoError(t, s.Update(ctx, func(sess *Session) error {
		return sess.Put(key.Kind, key.ID, record{Name: "before"})
	}))

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	err := s.Update(ctx, func(sess *Session) error {
		rec, err := Load[record](sess, key.Kind, key.ID)
		if err != nil {
			return err
		}
		// A reader records an access while this write is in flight.
		require.NoError(t, s.Update(ctx, func(other *Session) error {
			if _, err := Load[record](other, key.Kind, key.ID); err != nil {
				return err
			}
			return other.Touch(key, at)
		}))
		rec.Name = "after"
		return sess.Put(key.Kind, key.ID, rec)
	})
	require.NoError(t, err)

	require.NoError(t, s.View(ctx, func(sess *Session) error {
		rec, err := Load[record](sess, key.Kind, key.ID)
		require.NoError(t, err)
		assert.Equal(t, "after", rec.Name)

		got, ok, err := sess.AccessedAt(key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, at.Equal(got))
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(sess *Session) error { return sess.DeleteEntity(key) }))
	require.NoError(t, s.View(ctx, func(sess *Session) error {
		_, ok, err := sess.AccessedAt(key)
		require.NoError(t, err)
		assert.False(t, ok, "deleting the entity drops its access time")
		return nil
	}))
}

func TestStore_UpdateWithRetryRereadsAfterConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := datatypes.Key{Kind: datatypes.KindNetwork, ID: "n1"}
	require.NoError(t, s.Update(ctx, func(sess *Session) error {
		return sess.Put(key.Kind, key.ID, record{Name: "a"})
	}))

	write := func(name string) func(*Session) error {
		return func(sess *Session) error {
			rec, err := Load[record](sess, key.Kind, key.ID)
			if err != nil {
				return err
			}
			rec.Name += name
			return sess.Put(key.Kind, key.ID, rec)
		}
	}

	err := s.Update(ctx, func(sess *Session) error {
		require.NoError(t, s.Update(ctx, write("b")))
		return write("c")(sess)
	})
	assert.ErrorIs(t, err, ErrConflict)

	calls := 0
	err = s.UpdateWithRetry(ctx, 3, func(sess *Session) error {
		calls++
		if calls == 1 {
			require.NoError(t, s.Update(ctx, write("d")))
		}
		return write("e")(sess)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.NoError(t, s.View(ctx, func(sess *Session) error {
		rec, err := Load[record](sess, key.Kind, key.ID)
		require.NoError(t, err)
		assert.Equal(t, "abde", rec.Name)
		return nil
	}))
}
