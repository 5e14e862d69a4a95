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
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/store"
)

// buildRequest assembles the computation context from the artifact's links.
// Public artifacts are shared, so data backed only by generic sources is
// left out of their context.
func buildRequest(sess *store.Session, art datatypes.Artifact) (Request, error) {
	key := datatypes.Key{Kind: art.Kind, ID: art.ID}
	req := Request{
		Kind:          art.Kind,
		ID:            art.ID,
		Name:          art.Name,
		Algorithm:     art.Algorithm,
		Payload:       art.Payload,
		MaxIterations: art.MaxIterations,
	}

	links, err := sess.Links(key, "")
	if err != nil {
		return Request{}, err
	}
	for _, l := range links {
		switch l.Relation {
		case datatypes.RelInteractionSource:
			req.InteractionSource = l.Target.ID
		case datatypes.RelSources:
			req.Sources = append(req.Sources, l.Target.ID)
		case datatypes.RelCollections:
			req.Collections = append(req.Collections, l.Target.ID)
		case datatypes.RelElements:
			req.Elements = append(req.Elements, l.Target)
		case datatypes.RelNetworks:
			req.Networks = append(req.Networks, l.Target.ID)
		case datatypes.RelRoleSource:
			req.SourceElements = append(req.SourceElements, l.Target.ID)
		case datatypes.RelRoleTarget:
			req.TargetElements = append(req.TargetElements, l.Target.ID)
		}
	}

	if !art.Public {
		return req, nil
	}
	f := &shareFilter{sess: sess, generic: make(map[string]bool)}
	if req.Sources, err = f.sources(req.Sources); err != nil {
		return Request{}, err
	}
	if req.Elements, err = f.elements(req.Elements); err != nil {
		return Request{}, err
	}
	return req, nil
}

type shareFilter struct {
	sess    *store.Session
	generic map[string]bool
}

func (f *shareFilter) load(ids []string) error {
	var missing []string
	for _, id := range ids {
		if _, ok := f.generic[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	srcs, err := store.LoadMany[datatypes.Source](f.sess, datatypes.KindSource, missing)
	if err != nil {
		return err
	}
	for _, id := range missing {
		f.generic[id] = srcs[id].Generic()
	}
	return nil
}

func (f *shareFilter) sources(ids []string) ([]string, error) {
	if err := f.load(ids); err != nil {
		return nil, err
	}
	out := ids[:0:0]
	for _, id := range ids {
		if !f.generic[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// elements drops elements whose sources are all generic. Elements without
// any source are kept.
func (f *shareFilter) elements(keys []datatypes.Key) ([]datatypes.Key, error) {
	out := keys[:0:0]
	for _, k := range keys {
		srcs, err := f.sess.LinkedIDs(k, datatypes.RelSources)
		if err != nil {
			return nil, err
		}
		if err := f.load(srcs); err != nil {
			return nil, err
		}
		onlyGeneric := len(srcs) > 0
		for _, id := range srcs {
			if !f.generic[id] {
				onlyGeneric = false
				break
			}
		}
		if !onlyGeneric {
			out = append(out, k)
		}
	}
	return out, nil
}
