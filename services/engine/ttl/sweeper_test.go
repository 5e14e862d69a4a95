// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/cascade"
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/jobs"
	badgerdb "github.com/AleutianAI/netcontrol/services/engine/storage/badger"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type countingQueue struct {
	mu    sync.Mutex
	names []string
}

func (q *countingQueue) Enqueue(_ context.Context, name string, _ []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.names = append(q.names, name)
	return nil
}

type fixture struct {
	st    *store.Store
	queue *countingQueue
	audit *AuditLog
	sw    *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, nil)
	q := &countingQueue{}
	audit, _ := openTestAudit(t)
	sw := NewSweeper(st, cascade.NewResolver(nil, nil), jobs.NewOutbox(st, q, nil, nil), Config{}, audit, nil, nil)
	sw.now = func() time.Time { return testNow }
	return &fixture{st: st, queue: q, audit: audit, sw: sw}
}

func (f *fixture) update(t *testing.T, fn func(sess *store.Session) error) {
	t.Helper()
	require.NoError(t, f.st.Update(context.Background(), fn))
}

func (f *fixture) exists(t *testing.T, kind datatypes.Kind, id string) bool {
	t.Helper()
	var ok bool
	require.NoError(t, f.st.View(context.Background(), func(sess *store.Session) error {
		var err error
		ok, err = sess.Exists(kind, id)
		return err
	}))
	return ok
}

func putArtifact(t *testing.T, sess *store.Session, art datatypes.Artifact) {
	t.Helper()
	require.NoError(t, sess.Put(art.Kind, art.ID, art))
}

func k(kind datatypes.Kind, id string) datatypes.Key { return datatypes.Key{Kind: kind, ID: id} }

func TestSweeper_Extend(t *testing.T) {
	f := newFixture(t)
	f.update(t, func(sess *store.Session) error {
		putArtifact(t, sess, datatypes.Artifact{ID: "recent", Kind: datatypes.KindNetwork,
			DeleteAfter: testNow.Add(24 * time.Hour)})
		require.NoError(t, sess.Touch(k(datatypes.KindNetwork, "recent"), testNow.Add(-time.Hour)))
		putArtifact(t, sess, datatypes.Artifact{ID: "idle", Kind: datatypes.KindNetwork,
			DeleteAfter: testNow.Add(24 * time.Hour)})
		require.NoError(t, sess.Touch(k(datatypes.KindNetwork, "idle"), testNow.Add(-60*24*time.Hour)))
		putArtifact(t, sess, datatypes.Artifact{ID: "never", Kind: datatypes.KindNetwork,
			DeleteAfter: testNow.Add(24 * time.Hour)})
		putArtifact(t, sess, datatypes.Artifact{ID: "far", Kind: datatypes.KindAnalysis,
			DeleteAfter: testNow.Add(20 * 24 * time.Hour)})
		require.NoError(t, sess.Touch(k(datatypes.KindAnalysis, "far"), testNow))
		return nil
	})

	n, err := f.sw.Extend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.st.View(context.Background(), func(sess *store.Session) error {
		art, err := store.Load[datatypes.Artifact](sess, datatypes.KindNetwork, "recent")
		require.NoError(t, err)
		assert.Equal(t, testNow.Add(f.sw.cfg.Retention), art.DeleteAfter.UTC())
		idle, err := store.Load[datatypes.Artifact](sess, datatypes.KindNetwork, "idle")
		require.NoError(t, err)
		assert.Equal(t, testNow.Add(24*time.Hour), idle.DeleteAfter.UTC())
		return nil
	}))
}

func TestSweeper_ExpiredSkipsDemoItems(t *testing.T) {
	f := newFixture(t)
	past := testNow.Add(-time.Hour)
	f.update(t, func(sess *store.Session) error {
		putArtifact(t, sess, datatypes.Artifact{ID: "old", Kind: datatypes.KindNetwork, DeleteAfter: past})
		putArtifact(t, sess, datatypes.Artifact{ID: "demo", Kind: datatypes.KindNetwork, DeleteAfter: past})
		putArtifact(t, sess, datatypes.Artifact{ID: "fresh", Kind: datatypes.KindNetwork, DeleteAfter: testNow.Add(time.Hour)})
		putArtifact(t, sess, datatypes.Artifact{ID: "over-old", Kind: datatypes.KindAnalysis, DeleteAfter: testNow.Add(time.Hour)})
		require.NoError(t, sess.Link(k(datatypes.KindAnalysis, "over-old"), datatypes.RelNetworks, k(datatypes.KindNetwork, "old"), ""))
		return sess.Put(datatypes.KindSetting, datatypes.DemoSettingID, datatypes.DemoSettings{NetworkIDs: []string{"demo"}})
	})

	n, err := f.sw.Expired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.exists(t, datatypes.KindNetwork, "old"))
	assert.False(t, f.exists(t, datatypes.KindAnalysis, "over-old"))
	assert.True(t, f.exists(t, datatypes.KindNetwork, "demo"))
	assert.True(t, f.exists(t, datatypes.KindNetwork, "fresh"))

	count, err := f.audit.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSweeper_Orphans(t *testing.T) {
	f := newFixture(t)
	f.update(t, func(sess *store.Session) error {
		require.NoError(t, sess.Put(datatypes.KindSource, "g", datatypes.Source{ID: "g", Type: datatypes.SourceTypeGeneric}))
		require.NoError(t, sess.Put(datatypes.KindSource, "g2", datatypes.Source{ID: "g2", Type: datatypes.SourceTypeGeneric}))
		require.NoError(t, sess.Put(datatypes.KindSource, "c", datatypes.Source{ID: "c", Type: "curated"}))
		for _, id := range []string{"lonely", "used", "curated", "bare"} {
			require.NoError(t, sess.Put(datatypes.KindNode, id, datatypes.Element{ID: id}))
		}
		require.NoError(t, sess.Put(datatypes.KindEdge, "e", datatypes.Element{ID: "e"}))
		require.NoError(t, sess.Link(k(datatypes.KindNode, "lonely"), datatypes.RelSources, k(datatypes.KindSource, "g"), ""))
		require.NoError(t, sess.Link(k(datatypes.KindNode, "used"), datatypes.RelSources, k(datatypes.KindSource, "g"), ""))
		require.NoError(t, sess.Link(k(datatypes.KindNode, "curated"), datatypes.RelSources, k(datatypes.KindSource, "c"), ""))
		require.NoError(t, sess.Link(k(datatypes.KindEdge, "e"), datatypes.RelSources, k(datatypes.KindSource, "c"), ""))
		return sess.Link(k(datatypes.KindEdge, "e"), datatypes.RelEndpointSource, k(datatypes.KindNode, "used"), "")
	})

	n, err := f.sw.Orphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, f.exists(t, datatypes.KindNode, "lonely"))
	assert.False(t, f.exists(t, datatypes.KindSource, "g2"))
	assert.True(t, f.exists(t, datatypes.KindNode, "used"))
	assert.True(t, f.exists(t, datatypes.KindNode, "curated"))
	assert.True(t, f.exists(t, datatypes.KindNode, "bare"))
	assert.True(t, f.exists(t, datatypes.KindSource, "g"))
}

func TestSweeper_InvitationsKeepLastMemberOfPrivateItem(t *testing.T) {
	f := newFixture(t)
	old := testNow.Add(-30 * 24 * time.Hour)
	f.update(t, func(sess *store.Session) error {
		putArtifact(t, sess, datatypes.Artifact{ID: "private", Kind: datatypes.KindNetwork})
		putArtifact(t, sess, datatypes.Artifact{ID: "public", Kind: datatypes.KindNetwork, Public: true})
		members := []datatypes.Membership{
			{ID: "p-old", ParentID: "private", CreatedAt: old},
			{ID: "p-older", ParentID: "private", CreatedAt: old.Add(-time.Hour)},
			{ID: "pub-old", ParentID: "public", CreatedAt: old},
			{ID: "pub-accepted", ParentID: "public", CreatedAt: old, UserID: "u1"},
			{ID: "pub-new", ParentID: "public", CreatedAt: testNow},
		}
		for _, m := range members {
			m.ParentKind = datatypes.KindNetwork
			require.NoError(t, sess.Put(datatypes.KindMembership, m.ID, m))
			require.NoError(t, sess.Link(k(datatypes.KindMembership, m.ID), datatypes.RelParent, k(datatypes.KindNetwork, m.ParentID), ""))
		}
		return nil
	})

	n, err := f.sw.Invitations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, f.exists(t, datatypes.KindMembership, "p-older"))
	assert.True(t, f.exists(t, datatypes.KindMembership, "p-old"))
	assert.False(t, f.exists(t, datatypes.KindMembership, "pub-old"))
	assert.True(t, f.exists(t, datatypes.KindMembership, "pub-accepted"))
	assert.True(t, f.exists(t, datatypes.KindMembership, "pub-new"))
	assert.True(t, f.exists(t, datatypes.KindNetwork, "private"))
}

func TestSweeper_OutboxResubmitsStrandedTasks(t *testing.T) {
	f := newFixture(t)
	f.update(t, func(sess *store.Session) error {
		_, err := jobs.Stage(sess, jobs.GenerateNetwork, jobs.IDsPayload{IDs: []string{"n1"}}, time.Now().Add(-time.Hour))
		return err
	})

	n, err := f.sw.Outbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{jobs.GenerateNetwork}, f.queue.names)
}

func TestSweeper_CycleRunsEverySweep(t *testing.T) {
	f := newFixture(t)
	f.update(t, func(sess *store.Session) error {
		putArtifact(t, sess, datatypes.Artifact{ID: "old", Kind: datatypes.KindNetwork, Public: true, DeleteAfter: testNow.Add(-time.Hour)})
		return nil
	})

	res := f.sw.Cycle(context.Background())
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Expired)
	assert.True(t, res.Changed())
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.sw, time.Hour, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerRunning)
	s.Stop()
	s.Stop()

	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	res := s.RunNow(context.Background())
	assert.Empty(t, res.Errors)
}
