// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the engine operations over HTTP with gin.
//
// Request bodies are the mutation input records of package datatypes.
// Validation failures map to 422 and carry the offending item identity,
// and the item itself when the request held more than one. A delete whose
// cascade does not fit in one transaction maps to 413.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/netcontrol/services/engine/batch"
	"github.com/AleutianAI/netcontrol/services/engine/cascade"
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/generation"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/gin-gonic/gin"
)

// MutationRequest is the body of create and edit requests.
type MutationRequest[T any] struct {
	Items []T `json:"items" binding:"required"`
}

// IDsRequest is the body of delete and generate requests.
type IDsRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	ItemID string `json:"item_id,omitempty"`
	Reason string `json:"reason,omitempty"`
	Item   string `json:"item,omitempty"`
}

// Deleter removes entities with their dependents.
type Deleter interface {
	Delete(ctx context.Context, kind datatypes.Kind, ids []string) (*batch.Result, error)
}

// Generator triggers and stops artifact generation.
type Generator interface {
	Schedule(ctx context.Context, kind datatypes.Kind, ids []string) error
	RequestStop(ctx context.Context, kind datatypes.Kind, id string) error
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Mutate binds a batch of input records and passes them to fn.
func Mutate[T any](fn func(context.Context, []T) (*batch.Result, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MutationRequest[T]
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		res, err := fn(c.Request.Context(), req.Items)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// DeleteItems removes the listed entities of kind.
func DeleteItems(d Deleter, kind datatypes.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IDsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		res, err := d.Delete(c.Request.Context(), kind, req.IDs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// ScheduleGeneration queues Defined artifacts for generation.
func ScheduleGeneration(g Generator, kind datatypes.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IDsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		if err := g.Schedule(c.Request.Context(), kind, req.IDs); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "ids": req.IDs})
	}
}

// StopGeneration asks a running generation to stop.
func StopGeneration(g Generator, kind datatypes.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := g.RequestStop(c.Request.Context(), kind, id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": string(datatypes.StatusStopping), "id": id})
	}
}

func writeError(c *gin.Context, err error) {
	var ve *datatypes.ValidationError
	switch {
	case errors.As(err, &ve):
		status := http.StatusUnprocessableEntity
		if errors.Is(err, datatypes.ErrItemNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{
			Error:  ve.Error(),
			Kind:   string(ve.Kind),
			ItemID: ve.ItemID,
			Reason: ve.Reason,
			Item:   ve.Item,
		})
	case errors.Is(err, datatypes.ErrItemNotFound), errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, generation.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, cascade.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled):
		c.JSON(499, ErrorResponse{Error: "request cancelled"})
	default:
		slog.Error("handlers: request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
