// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flagStop struct{ set atomic.Bool }

func (f *flagStop) StopRequested(context.Context) bool { return f.set.Load() }

func TestHTTPComputation_Success(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/network/expansion", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewHTTPComputation(srv.URL + "/")
	err := c.Run(context.Background(), Request{Kind: datatypes.KindNetwork, ID: "n1", Algorithm: datatypes.AlgorithmExpansion, Attempt: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "n1", got.ID)
	assert.Equal(t, 2, got.Attempt)
}

func TestHTTPComputation_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "exploded", wantErr: "status 500"},
		{name: "reported error", status: http.StatusOK, body: `{"error":"no seeds"}`, wantErr: "no seeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewHTTPComputation(srv.URL).Run(context.Background(), Request{Kind: datatypes.KindAnalysis, Algorithm: datatypes.AlgorithmMDN}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHTTPComputation_StopCancelsCall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	stop := &flagStop{}
	c := NewHTTPComputation(srv.URL).WithPollInterval(10 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), Request{Kind: datatypes.KindNetwork, Algorithm: datatypes.AlgorithmSteiner}, stop)
	}()
	time.Sleep(30 * time.Millisecond)
	stop.set.Store(true)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not cancel the call")
	}
}

func TestStaticComputation_HonorsStop(t *testing.T) {
	stop := &flagStop{}
	require.NoError(t, StaticComputation{Steps: 3}.Run(context.Background(), Request{}, stop))
	stop.set.Store(true)
	assert.ErrorIs(t, StaticComputation{Steps: 3}.Run(context.Background(), Request{}, stop), ErrStopped)
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(datatypes.KindNetwork, datatypes.AlgorithmExpansion)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm, "valid tag without a computation")

	r.RegisterAll(StaticComputation{})
	_, err = r.Lookup(datatypes.KindNetwork, datatypes.AlgorithmExpansion)
	assert.NoError(t, err)
	_, err = r.Lookup(datatypes.KindNetwork, datatypes.AlgorithmGreedy)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
	_, err = r.Lookup(datatypes.KindAnalysis, "quantum")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}
