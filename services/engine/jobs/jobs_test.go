// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	badgerdb "github.com/AleutianAI/netcontrol/services/engine/storage/badger"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu   sync.Mutex
	msgs []Envelope
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, name string, payload []byte) error {
	if q.err != nil {
		return q.err
	}
	env, err := DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	if env.Name != name {
		return errors.New("name mismatch")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, env)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db, nil)
}

func stage(t *testing.T, st *store.Store, name string, payload any, at time.Time) datatypes.BackgroundTask {
	t.Helper()
	var task datatypes.BackgroundTask
	require.NoError(t, st.Update(context.Background(), func(sess *store.Session) error {
		var err error
		task, err = Stage(sess, name, payload, at)
		return err
	}))
	return task
}

func loadTask(t *testing.T, st *store.Store, id string) (datatypes.BackgroundTask, bool) {
	t.Helper()
	var task datatypes.BackgroundTask
	var found bool
	require.NoError(t, st.View(context.Background(), func(sess *store.Session) error {
		var err error
		task, err = store.Load[datatypes.BackgroundTask](sess, datatypes.KindTask, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		found = err == nil
		return err
	}))
	return task, found
}

func TestEnvelope_RoundTrip(t *testing.T) {
	data, err := EncodeEnvelope("t1", NotifyCompletion, []byte(`{"id":"n1"}`))
	require.NoError(t, err)
	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "t1", env.TaskID)
	assert.JSONEq(t, `{"id":"n1"}`, string(env.Payload))

	_, err = DecodeEnvelope([]byte(`{"task_id":"x"}`))
	assert.Error(t, err)
}

func TestOutbox_SubmitMarksSubmitted(t *testing.T) {
	st := newTestStore(t)
	q := &recordingQueue{}
	ob := NewOutbox(st, q, nil, nil)

	task := stage(t, st, GenerateNetwork, IDsPayload{IDs: []string{"n1"}}, time.Now())
	require.NoError(t, ob.Submit(context.Background(), task))

	require.Len(t, q.msgs, 1)
	assert.Equal(t, task.ID, q.msgs[0].TaskID)
	assert.Equal(t, GenerateNetwork, q.msgs[0].Name)

	got, ok := loadTask(t, st, task.ID)
	require.True(t, ok)
	assert.True(t, got.Submitted())
}

func TestOutbox_ReconcileResubmitsStranded(t *testing.T) {
	st := newTestStore(t)
	q := &recordingQueue{err: errors.New("broker down")}
	ob := NewOutbox(st, q, nil, nil)
	now := time.Now()
	ob.now = func() time.Time { return now }

	old := stage(t, st, NotifyCompletion, map[string]string{"id": "a"}, now.Add(-time.Hour))
	fresh := stage(t, st, NotifyCompletion, map[string]string{"id": "b"}, now)

	require.Error(t, ob.Submit(context.Background(), old))
	got, _ := loadTask(t, st, old.ID)
	assert.False(t, got.Submitted(), "failed enqueue leaves the row unsubmitted")

	q.err = nil
	n, err := ob.Reconcile(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, q.msgs, 1)
	assert.Equal(t, old.ID, q.msgs[0].TaskID)

	// Submitted rows are not picked again.
	n, err = ob.Reconcile(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok := loadTask(t, st, fresh.ID)
	assert.True(t, ok)
}

func stageRecurring(t *testing.T, st *store.Store, id string, every time.Duration, at time.Time) datatypes.BackgroundTask {
	t.Helper()
	var task datatypes.BackgroundTask
	require.NoError(t, st.Update(context.Background(), func(sess *store.Session) error {
		var err error
		task, err = StageRecurring(sess, id, VerifyAudit, struct{}{}, every, at)
		return err
	}))
	return task
}

func TestOutbox_RecurringTask(t *testing.T) {
	st := newTestStore(t)
	q := &recordingQueue{}
	ob := NewOutbox(st, q, nil, nil)
	now := time.Now()
	ob.now = func() time.Time { return now }

	task := stageRecurring(t, st, "verify", time.Hour, now)
	require.NoError(t, ob.Submit(context.Background(), task))
	require.NoError(t, ob.Complete(context.Background(), task.ID))

	got, ok := loadTask(t, st, task.ID)
	require.True(t, ok, "recurring rows survive completion")
	assert.False(t, got.Submitted())
	require.NotNil(t, got.LastRunAt)

	n, err := ob.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	now = now.Add(time.Hour)
	n, err = ob.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStageRecurring_KeepsRunHistory(t *testing.T) {
	st := newTestStore(t)
	ob := NewOutbox(st, &recordingQueue{}, nil, nil)
	now := time.Now()

	task := stageRecurring(t, st, "verify", time.Hour, now)
	require.NoError(t, ob.Complete(context.Background(), task.ID))

	again := stageRecurring(t, st, "verify", 2*time.Hour, now.Add(time.Minute))
	assert.Equal(t, task.ID, again.ID)
	assert.Equal(t, 2*time.Hour, again.RepeatEvery)
	require.NotNil(t, again.LastRunAt)
	assert.True(t, again.CreatedAt.Equal(task.CreatedAt))
}

// completingQueue runs the job inline, like a worker that finishes before
// Enqueue returns.
type completingQueue struct {
	ob *Outbox
}

func (q *completingQueue) Enqueue(ctx context.Context, _ string, payload []byte) error {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	return q.ob.Complete(ctx, env.TaskID)
}

func TestOutbox_FastCompletionIsNotOverwritten(t *testing.T) {
	st := newTestStore(t)
	q := &completingQueue{}
	ob := NewOutbox(st, q, nil, nil)
	q.ob = ob
	now := time.Now()
	ob.now = func() time.Time { return now }

	task := stageRecurring(t, st, "verify", time.Hour, now)
	require.NoError(t, ob.Submit(context.Background(), task))

	got, ok := loadTask(t, st, task.ID)
	require.True(t, ok)
	assert.False(t, got.Submitted(), "completion clears the mark set before enqueue")
	require.NotNil(t, got.LastRunAt)

	now = now.Add(time.Hour)
	n, err := ob.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the row is due again after its interval")
}

// droppingQueue accepts jobs and never runs them.
type droppingQueue struct {
	mu       sync.Mutex
	accepted int
}

func (q *droppingQueue) Enqueue(context.Context, string, []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.accepted++
	return nil
}

func TestOutbox_ReconcileRedeliversLostTasks(t *testing.T) {
	st := newTestStore(t)
	q := &droppingQueue{}
	ob := NewOutbox(st, q, nil, nil).WithRedelivery(10 * time.Minute)
	now := time.Now()
	ob.now = func() time.Time { return now }

	task := stage(t, st, NotifyCompletion, map[string]string{"id": "a"}, now)
	require.NoError(t, ob.Submit(context.Background(), task))

	n, err := ob.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n, "recently submitted rows are in flight")

	now = now.Add(10 * time.Minute)
	n, err = ob.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.accepted)

	got, ok := loadTask(t, st, task.ID)
	require.True(t, ok)
	require.NotNil(t, got.SubmittedAt)
	assert.True(t, got.SubmittedAt.Equal(now), "redelivery restarts the timeout")
}

func TestOutbox_WithoutRedeliverySubmittedRowsWait(t *testing.T) {
	st := newTestStore(t)
	ob := NewOutbox(st, &droppingQueue{}, nil, nil)
	now := time.Now()
	ob.now = func() time.Time { return now }

	task := stage(t, st, NotifyCompletion, map[string]string{"id": "a"}, now)
	require.NoError(t, ob.Submit(context.Background(), task))

	now = now.Add(24 * time.Hour)
	n, err := ob.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutbox_ReleaseSubmittedMakesRowsDue(t *testing.T) {
	st := newTestStore(t)
	q := &droppingQueue{}
	ob := NewOutbox(st, q, nil, nil)

	submitted := stage(t, st, NotifyCompletion, map[string]string{"id": "a"}, time.Now())
	require.NoError(t, ob.Submit(context.Background(), submitted))
	stage(t, st, NotifyCompletion, map[string]string{"id": "b"}, time.Now())

	n, err := ob.ReleaseSubmitted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := loadTask(t, st, submitted.ID)
	require.True(t, ok)
	assert.False(t, got.Submitted())

	n, err = ob.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDispatcher_RunsAndCompletes(t *testing.T) {
	st := newTestStore(t)
	ob := NewOutbox(st, &recordingQueue{}, nil, nil)
	d := NewDispatcher(ob, nil, nil)

	var got IDsPayload
	runs := 0
	d.Register(GenerateNetwork, func(_ context.Context, job Job) error {
		runs++
		return job.Decode(&got)
	})

	task := stage(t, st, GenerateNetwork, IDsPayload{IDs: []string{"n1", "n2"}}, time.Now())
	msg, err := EncodeEnvelope(task.ID, task.Name, task.Payload)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), msg))
	assert.Equal(t, []string{"n1", "n2"}, got.IDs)
	_, ok := loadTask(t, st, task.ID)
	assert.False(t, ok, "one-shot row removed after success")

	// A redelivery of a completed task is acknowledged without running.
	require.NoError(t, d.Dispatch(context.Background(), msg))
	assert.Equal(t, 1, runs)
}

func TestDispatcher_FailureKeepsRow(t *testing.T) {
	st := newTestStore(t)
	ob := NewOutbox(st, &recordingQueue{}, nil, nil)
	d := NewDispatcher(ob, nil, nil)
	boom := errors.New("boom")
	d.Register(NotifyCompletion, func(context.Context, Job) error { return boom })

	task := stage(t, st, NotifyCompletion, map[string]string{}, time.Now())
	msg, err := EncodeEnvelope(task.ID, task.Name, task.Payload)
	require.NoError(t, err)

	assert.ErrorIs(t, d.Dispatch(context.Background(), msg), boom)
	_, ok := loadTask(t, st, task.ID)
	assert.True(t, ok)
}

func TestDispatcher_UnknownJob(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	msg, err := EncodeEnvelope("", "nope", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Dispatch(context.Background(), msg), ErrUnknownJob)
}

func TestPoolQueue_EndToEnd(t *testing.T) {
	st := newTestStore(t)
	pool := NewPoolQueue(2, 8, nil)
	ob := NewOutbox(st, pool, nil, nil)
	d := NewDispatcher(ob, nil, nil)

	done := make(chan string, 4)
	d.Register(NotifyCompletion, func(_ context.Context, job Job) error {
		done <- job.TaskID
		return nil
	})

	assert.ErrorIs(t, pool.Enqueue(context.Background(), NotifyCompletion, nil), ErrQueueNotStarted)
	require.NoError(t, pool.Start(context.Background(), d))

	task := stage(t, st, NotifyCompletion, map[string]string{"id": "x"}, time.Now())
	require.NoError(t, ob.Submit(context.Background(), task))

	select {
	case id := <-done:
		assert.Equal(t, task.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not dispatched")
	}

	require.NoError(t, pool.Stop(5*time.Second))
	assert.ErrorIs(t, pool.Enqueue(context.Background(), NotifyCompletion, nil), ErrQueueStopped)
	assert.EqualValues(t, 1, pool.Stats().Submitted)
}

func TestPoolQueue_Full(t *testing.T) {
	pool := NewPoolQueue(1, 1, nil)
	d := NewDispatcher(nil, nil, nil)
	block := make(chan struct{})
	d.Register("slow", func(context.Context, Job) error { <-block; return nil })
	require.NoError(t, pool.Start(context.Background(), d))
	defer func() {
		close(block)
		_ = pool.Stop(5 * time.Second)
	}()

	msg, err := EncodeEnvelope("", "slow", nil)
	require.NoError(t, err)

	// One in the worker, one buffered, then the buffer is exhausted.
	var full bool
	for i := 0; i < 10 && !full; i++ {
		full = errors.Is(pool.Enqueue(context.Background(), "slow", msg), ErrQueueFull)
	}
	assert.True(t, full)
	assert.Positive(t, pool.Stats().Dropped)
}

func TestJetStreamConfig_Defaults(t *testing.T) {
	cfg := JetStreamConfig{SubjectPrefix: "jobs."}.withDefaults()
	assert.Equal(t, "NETCONTROL_JOBS", cfg.Stream)
	assert.Equal(t, 3, cfg.MaxDeliver)
	assert.Equal(t, "jobs.generate_network", cfg.Subject(GenerateNetwork))
	assert.Equal(t, "jobs.>", cfg.Subject(">"))
}
