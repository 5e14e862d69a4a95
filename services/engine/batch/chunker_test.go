// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_SplitsInOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	var got [][]int
	n, cancelled, err := Chunk(context.Background(), items, 3, func(_ context.Context, _ int, c []int) error {
		got = append(got, append([]int(nil), c...))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, 3, n)
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, got)
}

func TestChunk_Empty(t *testing.T) {
	n, cancelled, err := Chunk(context.Background(), []string(nil), 10, func(context.Context, int, []string) error {
		t.Fatal("fn must not be called")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Zero(t, n)
}

func TestChunk_CancelAtBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []int
	n, cancelled, err := Chunk(ctx, []int{1, 2, 3, 4, 5}, 2, func(_ context.Context, i int, c []int) error {
		seen = append(seen, c...)
		if i == 0 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err, "cancellation is not an error")
	assert.True(t, cancelled)
	assert.Equal(t, 1, n)
	// The chunk in flight when cancel fired still completed.
	assert.Equal(t, []int{1, 2}, seen)
}

func TestChunk_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	n, _, err := Chunk(context.Background(), []int{1, 2, 3}, 1, func(context.Context, int, []int) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)
}

func TestChunk_DefaultSize(t *testing.T) {
	items := make([]int, DefaultChunkSize+1)
	n, _, err := Chunk(context.Background(), items, 0, func(context.Context, int, []int) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
