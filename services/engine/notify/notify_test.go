// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/jobs"
	badgerdb "github.com/AleutianAI/netcontrol/services/engine/storage/badger"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	recipient, itemID, itemName string
	status                      datatypes.Status
	detailURL                   string
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (n *recordingNotifier) SendCompletionEmail(_ context.Context, recipient, itemID, itemName string, status datatypes.Status, detailURL, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, sent{recipient, itemID, itemName, status, detailURL})
	return n.err
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db, nil)
}

// seedNetwork stores network n1 with three memberships: two resolved to
// the same user and one pending.
func seedNetwork(t *testing.T, st *store.Store) {
	t.Helper()
	net := datatypes.Key{Kind: datatypes.KindNetwork, ID: "n1"}
	require.NoError(t, st.Update(context.Background(), func(sess *store.Session) error {
		require.NoError(t, sess.Put(net.Kind, net.ID, datatypes.Artifact{ID: "n1", Kind: net.Kind, Name: "p53 network", Status: datatypes.StatusCompleted}))
		require.NoError(t, sess.Put(datatypes.KindUser, "u1", datatypes.User{ID: "u1", Email: "alice@example.org"}))
		members := []datatypes.Membership{
			{ID: "m1", Email: "alice@example.org", UserID: "u1"},
			{ID: "m2", Email: "alice@example.org", UserID: "u1"},
			{ID: "m3", Email: "bob@example.org"},
		}
		for _, m := range members {
			m.ParentKind, m.ParentID = net.Kind, net.ID
			require.NoError(t, sess.Put(datatypes.KindMembership, m.ID, m))
			require.NoError(t, sess.Link(datatypes.Key{Kind: datatypes.KindMembership, ID: m.ID}, datatypes.RelParent, net, ""))
		}
		return nil
	}))
}

func completionJob(t *testing.T, kind datatypes.Kind, id string, status datatypes.Status) jobs.Job {
	t.Helper()
	raw, err := json.Marshal(jobs.CompletionPayload{Kind: kind, ID: id, Status: status})
	require.NoError(t, err)
	return jobs.Job{TaskID: "t1", Name: jobs.NotifyCompletion, Payload: raw}
}

type countingObserver struct{ ok, failed int }

func (o *countingObserver) ObserveNotification(err error) {
	if err != nil {
		o.failed++
		return
	}
	o.ok++
}

func TestCompletionHandler_SendsOncePerUser(t *testing.T) {
	st := newStore(t)
	seedNetwork(t, st)
	n := &recordingNotifier{}
	obs := &countingObserver{}
	h := NewCompletionHandler(st, n, Config{HomeURL: "https://net.example.org/"}, nil, obs)

	require.NoError(t, h.Handle(context.Background(), completionJob(t, datatypes.KindNetwork, "n1", datatypes.StatusCompleted)))

	require.Len(t, n.msgs, 1)
	assert.Equal(t, sent{
		recipient: "alice@example.org",
		itemID:    "n1",
		itemName:  "p53 network",
		status:    datatypes.StatusCompleted,
		detailURL: "https://net.example.org/network/n1",
	}, n.msgs[0])
	assert.Equal(t, 1, obs.ok)
}

func TestCompletionHandler_DeletedItemIsNotAnError(t *testing.T) {
	st := newStore(t)
	n := &recordingNotifier{}
	h := NewCompletionHandler(st, n, DefaultConfig(), nil, nil)

	require.NoError(t, h.Handle(context.Background(), completionJob(t, datatypes.KindAnalysis, "gone", datatypes.StatusError)))
	assert.Empty(t, n.msgs)
}

func TestCompletionHandler_DeliveryFailureIsReturned(t *testing.T) {
	st := newStore(t)
	seedNetwork(t, st)
	n := &recordingNotifier{err: errors.New("relay down")}
	obs := &countingObserver{}
	h := NewCompletionHandler(st, n, DefaultConfig(), nil, obs)

	err := h.Handle(context.Background(), completionJob(t, datatypes.KindNetwork, "n1", datatypes.StatusCompleted))
	assert.ErrorContains(t, err, "relay down")
	assert.Equal(t, 1, obs.failed)
}

func TestCompletionHandler_RejectsNonArtifacts(t *testing.T) {
	h := NewCompletionHandler(newStore(t), &recordingNotifier{}, DefaultConfig(), nil, nil)
	assert.Error(t, h.Handle(context.Background(), completionJob(t, datatypes.KindSource, "s1", datatypes.StatusCompleted)))
}

func TestCompletionHandler_RegistersWithDispatcher(t *testing.T) {
	st := newStore(t)
	seedNetwork(t, st)
	n := &recordingNotifier{}
	h := NewCompletionHandler(st, n, DefaultConfig(), nil, nil)

	d := jobs.NewDispatcher(nil, nil, nil)
	h.Register(d)

	payload, err := json.Marshal(jobs.CompletionPayload{Kind: datatypes.KindNetwork, ID: "n1", Status: datatypes.StatusCompleted})
	require.NoError(t, err)
	env, err := jobs.EncodeEnvelope("", jobs.NotifyCompletion, payload)
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), env))
	assert.Len(t, n.msgs, 1)
}

func TestWebhookNotifier(t *testing.T) {
	var got CompletionMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Recipient == "reject@example.org" {
			http.Error(w, "mailbox unavailable", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 0)
	require.NoError(t, n.SendCompletionEmail(context.Background(), "alice@example.org", "a1", "greedy run", datatypes.StatusError, "https://x/analysis/a1", "https://x"))
	assert.Equal(t, CompletionMessage{
		Recipient: "alice@example.org",
		ItemID:    "a1",
		ItemName:  "greedy run",
		Status:    datatypes.StatusError,
		DetailURL: "https://x/analysis/a1",
		HomeURL:   "https://x",
	}, got)

	err := n.SendCompletionEmail(context.Background(), "reject@example.org", "a1", "greedy run", datatypes.StatusError, "", "")
	assert.ErrorContains(t, err, "502")
}

func TestNew_SelectsNotifier(t *testing.T) {
	assert.IsType(t, &LogNotifier{}, New(Config{}, nil))
	assert.IsType(t, &WebhookNotifier{}, New(Config{WebhookURL: "http://relay"}, nil))
	assert.NoError(t, NewLogNotifier(nil).SendCompletionEmail(context.Background(), "a@b.c", "n1", "n", datatypes.StatusCompleted, "", ""))
}
