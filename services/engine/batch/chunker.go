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
	"slices"
)

// DefaultChunkSize bounds the number of items materialized in one session.
const DefaultChunkSize = 500

// ChunkFunc processes one chunk. index is the zero-based chunk number.
type ChunkFunc[T any] func(ctx context.Context, index int, chunk []T) error

// Chunk splits items into consecutive chunks of at most size items and
// calls fn for each in order.
//
// # Description
//
// The context is checked before every chunk, never during one. When it is
// done the remaining chunks are skipped and Chunk reports cancelled=true with
// a nil error: cancellation truncates the loop, it is not a failure.
//
// # Outputs
//
//   - processed: Number of chunks fn completed without error.
//   - cancelled: True when the loop stopped at a chunk boundary.
//   - err: The first error returned by fn, unmodified.
func Chunk[T any](ctx context.Context, items []T, size int, fn ChunkFunc[T]) (processed int, cancelled bool, err error) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	index := 0
	for chunk := range slices.Chunk(items, size) {
		if ctx.Err() != nil {
			return processed, true, nil
		}
		if err := fn(ctx, index, chunk); err != nil {
			return processed, false, err
		}
		processed++
		index++
	}
	return processed, false, nil
}
