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
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/gin-gonic/gin"
)

// LinkView is one outgoing link of an item.
type LinkView struct {
	Relation datatypes.Relation `json:"relation"`
	Target   datatypes.Key      `json:"target"`
	Value    string             `json:"value,omitempty"`
}

// ItemView is the body returned by GetItem. AccessedAt is set for networks
// and analyses.
type ItemView struct {
	Record     json.RawMessage `json:"record"`
	Links      []LinkView      `json:"links"`
	AccessedAt *time.Time      `json:"accessed_at,omitempty"`
}

// GetItem returns one stored item with its links. Reading a network or an
// analysis records the access, which the retention policy uses to extend
// its deletion date.
func GetItem(st *store.Store, kind datatypes.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := datatypes.Key{Kind: kind, ID: c.Param("id")}
		view, err := readItem(c.Request.Context(), st, key)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func readItem(ctx context.Context, st *store.Store, key datatypes.Key) (*ItemView, error) {
	read := func(sess *store.Session) (*ItemView, error) {
		var raw json.RawMessage
		if err := sess.Get(key.Kind, key.ID, &raw); err != nil {
			return nil, err
		}
		links, err := sess.Links(key, "")
		if err != nil {
			return nil, err
		}
		view := &ItemView{Record: raw, Links: make([]LinkView, 0, len(links))}
		for _, l := range links {
			view.Links = append(view.Links, LinkView{Relation: l.Relation, Target: l.Target, Value: l.Value})
		}
		return view, nil
	}

	var view *ItemView
	if !key.Kind.IsArtifact() {
		err := st.View(ctx, func(sess *store.Session) error {
			var err error
			view, err = read(sess)
			return err
		})
		return view, err
	}

	err := st.UpdateWithRetry(ctx, 3, func(sess *store.Session) error {
		var err error
		if view, err = read(sess); err != nil {
			return err
		}
		now := time.Now()
		view.AccessedAt = &now
		return sess.Touch(key, now)
	})
	return view, err
}
