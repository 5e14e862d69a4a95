// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/netcontrol/services/engine/batch"
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/handlers"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the HTTP surface dispatches to.
type Deps struct {
	Store     *store.Store
	Processor *batch.Processor
	Generator handlers.Generator
	Demo      *handlers.DemoSettings
	Gatherer  prometheus.Gatherer
}

func SetupRoutes(router *gin.Engine, d Deps) {
	router.GET("/health", handlers.HealthCheck)
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	p := d.Processor
	v1 := router.Group("/v1")
	{
		entity(v1, "/sources", datatypes.KindSource, d, handlers.Mutate(p.CreateSources), handlers.Mutate(p.EditSources))
		entity(v1, "/fields", datatypes.KindField, d, handlers.Mutate(p.CreateFields), handlers.Mutate(p.EditFields))
		entity(v1, "/nodes", datatypes.KindNode, d, handlers.Mutate(p.CreateNodes), handlers.Mutate(p.EditNodes))
		entity(v1, "/edges", datatypes.KindEdge, d, handlers.Mutate(p.CreateEdges), handlers.Mutate(p.EditEdges))
		entity(v1, "/collections", datatypes.KindCollection, d, handlers.Mutate(p.CreateCollections), handlers.Mutate(p.EditCollections))

		networks := entity(v1, "/networks", datatypes.KindNetwork, d, handlers.Mutate(p.CreateNetworks), handlers.Mutate(p.EditNetworks))
		networks.POST("/generate", handlers.ScheduleGeneration(d.Generator, datatypes.KindNetwork))
		networks.POST("/:id/stop", handlers.StopGeneration(d.Generator, datatypes.KindNetwork))

		analyses := entity(v1, "/analyses", datatypes.KindAnalysis, d, handlers.Mutate(p.CreateAnalyses), handlers.Mutate(p.EditAnalyses))
		analyses.POST("/generate", handlers.ScheduleGeneration(d.Generator, datatypes.KindAnalysis))
		analyses.POST("/:id/stop", handlers.StopGeneration(d.Generator, datatypes.KindAnalysis))

		v1.POST("/users", handlers.Mutate(p.RegisterUsers))
		v1.GET("/users/:id", handlers.GetItem(d.Store, datatypes.KindUser))

		settings := v1.Group("/settings")
		{
			settings.GET("/demo", d.Demo.GetDemo)
			settings.PUT("/demo", d.Demo.PutDemo)
		}
	}
}

// entity registers create, edit, delete and read routes for one kind.
func entity(v1 *gin.RouterGroup, path string, kind datatypes.Kind, d Deps, create, edit gin.HandlerFunc) *gin.RouterGroup {
	g := v1.Group(path)
	g.POST("", create)
	g.PUT("", edit)
	g.DELETE("", handlers.DeleteItems(d.Processor, kind))
	g.GET("/:id", handlers.GetItem(d.Store, kind))
	return g
}
