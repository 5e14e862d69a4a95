// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/batch"
	"github.com/AleutianAI/netcontrol/services/engine/cascade"
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/generation"
	badgerdb "github.com/AleutianAI/netcontrol/services/engine/storage/badger"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type definedStatus struct{}

func (definedStatus) InitialStatus(*store.Session, datatypes.Kind, []string) (datatypes.Status, error) {
	return datatypes.StatusDefined, nil
}

type fakeGenerator struct {
	scheduled []string
	err       error
}

func (g *fakeGenerator) Schedule(_ context.Context, _ datatypes.Kind, ids []string) error {
	if g.err != nil {
		return g.err
	}
	g.scheduled = append(g.scheduled, ids...)
	return nil
}

func (g *fakeGenerator) RequestStop(_ context.Context, _ datatypes.Kind, id string) error {
	return g.err
}

func newStack(t *testing.T) (*store.Store, *batch.Processor) {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, nil)
	return st, batch.NewProcessor(st, cascade.NewResolver(nil, nil), definedStatus{}, nil, batch.Config{}, nil, nil)
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	r := gin.New()
	r.GET("/health", HealthCheck)
	w := do(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMutate_CreatesAndReportsValidationErrors(t *testing.T) {
	_, p := newStack(t)
	r := gin.New()
	r.POST("/sources", Mutate(p.CreateSources))

	w := do(t, r, http.MethodPost, "/sources", MutationRequest[datatypes.SourceInput]{Items: []datatypes.SourceInput{
		{ID: "s1", Name: "STRING", Type: "curated"},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res batch.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, []string{"s1"}, res.Written)

	w = do(t, r, http.MethodPost, "/sources", MutationRequest[datatypes.SourceInput]{Items: []datatypes.SourceInput{
		{ID: "s2", Name: "a", Type: "curated"},
		{ID: "s2", Name: "b", Type: "curated"},
	}})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "s2", body.ItemID)
	assert.Equal(t, "source", body.Kind)
	assert.NotEmpty(t, body.Item)

	w = do(t, r, http.MethodPost, "/sources", map[string]string{"items": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEdit_MissingItemIsNotFound(t *testing.T) {
	_, p := newStack(t)
	r := gin.New()
	r.PUT("/sources", Mutate(p.EditSources))

	w := do(t, r, http.MethodPut, "/sources", MutationRequest[datatypes.SourceInput]{Items: []datatypes.SourceInput{
		{ID: "ghost", Name: "x", Type: "curated"},
	}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteItems(t *testing.T) {
	st, p := newStack(t)
	_, err := p.CreateSources(context.Background(), []datatypes.SourceInput{{ID: "s1", Name: "x", Type: "curated"}})
	require.NoError(t, err)
	r := gin.New()
	r.DELETE("/sources", DeleteItems(p, datatypes.KindSource))

	w := do(t, r, http.MethodDelete, "/sources", IDsRequest{IDs: []string{"s1", "unknown"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, st.View(context.Background(), func(sess *store.Session) error {
		ok, err := sess.Exists(datatypes.KindSource, "s1")
		assert.False(t, ok)
		return err
	}))
}

func TestWriteError_StatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &datatypes.ValidationError{Err: datatypes.ErrInvalidInput, Kind: datatypes.KindNode, ItemID: "n1"}, http.StatusUnprocessableEntity},
		{"missing item", &datatypes.ValidationError{Err: datatypes.ErrItemNotFound, Kind: datatypes.KindNode, ItemID: "n1"}, http.StatusNotFound},
		{"transition", fmt.Errorf("%w: network/n1 is generating", generation.ErrInvalidTransition), http.StatusConflict},
		{"cascade too large", fmt.Errorf("%w: 50 roots", cascade.ErrTooLarge), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			writeError(c, tt.err)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetItem_TouchesArtifacts(t *testing.T) {
	st, _ := newStack(t)
	before := time.Now().Add(-time.Hour)
	net := datatypes.Key{Kind: datatypes.KindNetwork, ID: "n1"}
	require.NoError(t, st.Update(context.Background(), func(sess *store.Session) error {
		require.NoError(t, sess.Put(datatypes.KindSource, "s1", datatypes.Source{ID: "s1"}))
		require.NoError(t, sess.Put(net.Kind, net.ID, datatypes.Artifact{ID: "n1", Kind: net.Kind}))
		require.NoError(t, sess.Touch(net, before))
		return sess.Link(net, datatypes.RelInteractionSource, datatypes.Key{Kind: datatypes.KindSource, ID: "s1"}, "")
	}))
	r := gin.New()
	r.GET("/networks/:id", GetItem(st, datatypes.KindNetwork))

	w := do(t, r, http.MethodGet, "/networks/n1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view ItemView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Links, 1)
	assert.Equal(t, datatypes.RelInteractionSource, view.Links[0].Relation)

	require.NotNil(t, view.AccessedAt)
	assert.True(t, view.AccessedAt.After(before))
	require.NoError(t, st.View(context.Background(), func(sess *store.Session) error {
		at, ok, err := sess.AccessedAt(net)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, at.After(before))
		return nil
	}))

	w = do(t, r, http.MethodGet, "/networks/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGeneration_Routes(t *testing.T) {
	g := &fakeGenerator{}
	r := gin.New()
	r.POST("/networks/generate", ScheduleGeneration(g, datatypes.KindNetwork))
	r.POST("/networks/:id/stop", StopGeneration(g, datatypes.KindNetwork))

	w := do(t, r, http.MethodPost, "/networks/generate", IDsRequest{IDs: []string{"n1"}})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"n1"}, g.scheduled)

	w = do(t, r, http.MethodPost, "/networks/n1/stop", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	g.err = generation.ErrInvalidTransition
	w = do(t, r, http.MethodPost, "/networks/n1/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	g.err = datatypes.ErrItemNotFound
	w = do(t, r, http.MethodPost, "/networks/n1/stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDemoSettings(t *testing.T) {
	st, _ := newStack(t)
	require.NoError(t, st.Update(context.Background(), func(sess *store.Session) error {
		return sess.Put(datatypes.KindNetwork, "n1", datatypes.Artifact{ID: "n1", Kind: datatypes.KindNetwork})
	}))
	demo := NewDemoSettings(st)
	r := gin.New()
	r.GET("/demo", demo.GetDemo)
	r.PUT("/demo", demo.PutDemo)

	w := do(t, r, http.MethodGet, "/demo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"network_ids":null,"analysis_ids":null}`, w.Body.String())

	w = do(t, r, http.MethodPut, "/demo", datatypes.DemoSettings{NetworkIDs: []string{"n1"}})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := demo.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Contains(datatypes.KindNetwork, "n1"))

	w = do(t, r, http.MethodPut, "/demo", datatypes.DemoSettings{AnalysisIDs: []string{"ghost"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
