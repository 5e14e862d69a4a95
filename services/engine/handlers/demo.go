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
	"net/http"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/AleutianAI/netcontrol/services/engine/ttl"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"
)

// DemoSettings reads and writes the persisted demo settings row.
//
// Settings are read from storage on every request. Concurrent reads share
// one storage round trip.
type DemoSettings struct {
	store *store.Store
	group singleflight.Group
}

// NewDemoSettings creates a DemoSettings backed by st.
func NewDemoSettings(st *store.Store) *DemoSettings {
	return &DemoSettings{store: st}
}

// Load returns the current settings.
func (d *DemoSettings) Load(ctx context.Context) (datatypes.DemoSettings, error) {
	v, err, _ := d.group.Do(datatypes.DemoSettingID, func() (any, error) {
		var demo datatypes.DemoSettings
		err := d.store.View(context.WithoutCancel(ctx), func(sess *store.Session) error {
			var err error
			demo, err = ttl.Demo(sess)
			return err
		})
		return demo, err
	})
	if err != nil {
		return datatypes.DemoSettings{}, err
	}
	return v.(datatypes.DemoSettings), nil
}

// Save replaces the settings. Every listed item must exist.
func (d *DemoSettings) Save(ctx context.Context, demo datatypes.DemoSettings) error {
	return d.store.Update(ctx, func(sess *store.Session) error {
		for kind, ids := range map[datatypes.Kind][]string{
			datatypes.KindNetwork:  demo.NetworkIDs,
			datatypes.KindAnalysis: demo.AnalysisIDs,
		} {
			for _, id := range ids {
				ok, err := sess.Exists(kind, id)
				if err != nil {
					return err
				}
				if !ok {
					return datatypes.MissingReference(datatypes.KindSetting, datatypes.DemoSettingID, datatypes.Key{Kind: kind, ID: id})
				}
			}
		}
		return sess.Put(datatypes.KindSetting, datatypes.DemoSettingID, demo)
	})
}

// GetDemo returns the demo settings.
func (d *DemoSettings) GetDemo(c *gin.Context) {
	demo, err := d.Load(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, demo)
}

// PutDemo replaces the demo settings.
func (d *DemoSettings) PutDemo(c *gin.Context) {
	var demo datatypes.DemoSettings
	if err := c.ShouldBindJSON(&demo); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := d.Save(c.Request.Context(), demo); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, demo)
}
