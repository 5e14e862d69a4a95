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
	"encoding/json"
	"fmt"
	"slices"

	"github.com/AleutianAI/netcontrol/pkg/validation"
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/store"
)

// CreateSources creates sources. Items whose ID already exists are skipped.
func (p *Processor) CreateSources(ctx context.Context, items []datatypes.SourceInput) (*Result, error) {
	return run(ctx, p, sourceFamily(), OpCreate, items)
}

// EditSources overwrites existing sources and invalidates artifacts built
// from them.
func (p *Processor) EditSources(ctx context.Context, items []datatypes.SourceInput) (*Result, error) {
	return run(ctx, p, sourceFamily(), OpEdit, items)
}

// CreateFields creates fields.
func (p *Processor) CreateFields(ctx context.Context, items []datatypes.FieldInput) (*Result, error) {
	return run(ctx, p, fieldFamily(), OpCreate, items)
}

// EditFields overwrites existing fields.
func (p *Processor) EditFields(ctx context.Context, items []datatypes.FieldInput) (*Result, error) {
	return run(ctx, p, fieldFamily(), OpEdit, items)
}

// CreateNodes creates nodes.
func (p *Processor) CreateNodes(ctx context.Context, items []datatypes.NodeInput) (*Result, error) {
	return run(ctx, p, nodeFamily(), OpCreate, items)
}

// EditNodes overwrites existing nodes.
func (p *Processor) EditNodes(ctx context.Context, items []datatypes.NodeInput) (*Result, error) {
	return run(ctx, p, nodeFamily(), OpEdit, items)
}

// CreateEdges creates edges.
func (p *Processor) CreateEdges(ctx context.Context, items []datatypes.EdgeInput) (*Result, error) {
	return run(ctx, p, edgeFamily(), OpCreate, items)
}

// EditEdges overwrites existing edges.
func (p *Processor) EditEdges(ctx context.Context, items []datatypes.EdgeInput) (*Result, error) {
	return run(ctx, p, edgeFamily(), OpEdit, items)
}

// CreateCollections creates collections.
func (p *Processor) CreateCollections(ctx context.Context, items []datatypes.CollectionInput) (*Result, error) {
	return run(ctx, p, collectionFamily(), OpCreate, items)
}

// EditCollections overwrites existing collections.
func (p *Processor) EditCollections(ctx context.Context, items []datatypes.CollectionInput) (*Result, error) {
	return run(ctx, p, collectionFamily(), OpEdit, items)
}

// CreateNetworks defines networks and queues them for generation.
func (p *Processor) CreateNetworks(ctx context.Context, items []datatypes.NetworkInput) (*Result, error) {
	return run(ctx, p, networkFamily(), OpCreate, items)
}

// EditNetworks redefines networks. The network is reset to its initial
// status and analyses over it are removed.
func (p *Processor) EditNetworks(ctx context.Context, items []datatypes.NetworkInput) (*Result, error) {
	return run(ctx, p, networkFamily(), OpEdit, items)
}

// CreateAnalyses defines analyses. Analyses whose networks are not all
// completed start Scheduled.
func (p *Processor) CreateAnalyses(ctx context.Context, items []datatypes.AnalysisInput) (*Result, error) {
	return run(ctx, p, analysisFamily(), OpCreate, items)
}

// EditAnalyses redefines analyses.
func (p *Processor) EditAnalyses(ctx context.Context, items []datatypes.AnalysisInput) (*Result, error) {
	return run(ctx, p, analysisFamily(), OpEdit, items)
}

func newPlan(kind datatypes.Kind, id string) *plan {
	return &plan{key: datatypes.Key{Kind: kind, ID: id}}
}

func (pl *plan) linkAll(rel datatypes.Relation, kind datatypes.Kind, ids []string) {
	for _, id := range ids {
		pl.link(rel, datatypes.Key{Kind: kind, ID: id}, "")
	}
}

func sourceFamily() family[datatypes.SourceInput] {
	return family[datatypes.SourceInput]{
		kind:     datatypes.KindSource,
		id:       func(in *datatypes.SourceInput) string { return in.ID },
		validate: func(in *datatypes.SourceInput) error { return in.Validate() },
		want:     func(*Resolver, *datatypes.SourceInput) {},
		build: func(cs *chunkState, in *datatypes.SourceInput, id string) (*plan, error) {
			pl := newPlan(datatypes.KindSource, id)
			pl.record = datatypes.Source{ID: id, Name: in.Name, Type: in.Type, CreatedAt: cs.createdAt(id)}
			return pl, nil
		},
	}
}

func fieldFamily() family[datatypes.FieldInput] {
	return family[datatypes.FieldInput]{
		kind:     datatypes.KindField,
		id:       func(in *datatypes.FieldInput) string { return in.ID },
		validate: func(in *datatypes.FieldInput) error { return in.Validate() },
		want: func(r *Resolver, in *datatypes.FieldInput) {
			r.Want(datatypes.KindSource, in.Source.ID)
		},
		prepare: func(cs *chunkState, _ []datatypes.FieldInput) error {
			fields, err := store.LoadAll[datatypes.Field](cs.sess, datatypes.KindField)
			if err != nil {
				return err
			}
			cs.names = make(map[string]string, len(fields))
			for _, f := range fields {
				cs.names[fieldNameKey(f.Kind, f.Name)] = f.ID
			}
			return nil
		},
		build: func(cs *chunkState, in *datatypes.FieldInput, id string) (*plan, error) {
			src := datatypes.Key{Kind: datatypes.KindSource, ID: in.Source.ID}
			if !cs.res.Has(src.Kind, src.ID) {
				return nil, datatypes.MissingReference(datatypes.KindField, id, src)
			}
			name := fieldNameKey(in.Kind, in.Name)
			if owner, taken := cs.names[name]; taken && owner != id {
				return nil, &datatypes.ValidationError{
					Err:    datatypes.ErrDuplicateName,
					Reason: fmt.Sprintf("%s field %q", in.Kind, in.Name),
				}
			}
			cs.names[name] = id

			pl := newPlan(datatypes.KindField, id)
			pl.record = datatypes.Field{
				ID:         id,
				Name:       in.Name,
				Kind:       in.Kind,
				Searchable: in.Searchable,
				CreatedAt:  cs.createdAt(id),
			}
			pl.link(datatypes.RelSource, src, "")
			return pl, nil
		},
	}
}

func fieldNameKey(kind datatypes.FieldKind, name string) string {
	return string(kind) + "/" + name
}

// fieldValues resolves field value links for an element. Values of fields
// that do not exist are dropped; fields of the wrong kind are rejected.
func fieldValues(cs *chunkState, pl *plan, values []datatypes.FieldValueInput) error {
	seen := make(map[string]bool, len(values))
	for _, fv := range values {
		if seen[fv.Field.ID] {
			continue
		}
		field, ok, err := Lookup[datatypes.Field](cs.res, datatypes.KindField, fv.Field.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !field.Kind.AppliesTo(pl.key.Kind) {
			ref := datatypes.Key{Kind: datatypes.KindField, ID: field.ID}
			return &datatypes.ValidationError{
				Ref:    &ref,
				Err:    datatypes.ErrFieldKindMismatch,
				Reason: fmt.Sprintf("%s field on %s", field.Kind, pl.key.Kind),
			}
		}
		seen[fv.Field.ID] = true
		pl.link(datatypes.RelFields, datatypes.Key{Kind: datatypes.KindField, ID: field.ID}, fv.Value)
	}
	return nil
}

func wantFieldValues(r *Resolver, values []datatypes.FieldValueInput) {
	for _, fv := range values {
		r.Want(datatypes.KindField, fv.Field.ID)
	}
}

func nodeFamily() family[datatypes.NodeInput] {
	return family[datatypes.NodeInput]{
		kind:     datatypes.KindNode,
		id:       func(in *datatypes.NodeInput) string { return in.ID },
		validate: func(in *datatypes.NodeInput) error { return in.Validate() },
		want: func(r *Resolver, in *datatypes.NodeInput) {
			r.WantRefs(datatypes.KindSource, in.Sources)
			wantFieldValues(r, in.Fields)
		},
		build: func(cs *chunkState, in *datatypes.NodeInput, id string) (*plan, error) {
			pl := newPlan(datatypes.KindNode, id)
			pl.record = datatypes.Element{ID: id, Name: in.Name, CreatedAt: cs.createdAt(id)}
			pl.linkAll(datatypes.RelSources, datatypes.KindSource, cs.res.Keep(datatypes.KindSource, in.Sources))
			if err := fieldValues(cs, pl, in.Fields); err != nil {
				return nil, err
			}
			return pl, nil
		},
	}
}

func edgeFamily() family[datatypes.EdgeInput] {
	return family[datatypes.EdgeInput]{
		kind:     datatypes.KindEdge,
		id:       func(in *datatypes.EdgeInput) string { return in.ID },
		validate: func(in *datatypes.EdgeInput) error { return in.Validate() },
		want: func(r *Resolver, in *datatypes.EdgeInput) {
			r.WantRefs(datatypes.KindSource, in.Sources)
			wantFieldValues(r, in.Fields)
			for _, ep := range in.Endpoints {
				r.Want(datatypes.KindNode, ep.Node.ID)
			}
		},
		build: func(cs *chunkState, in *datatypes.EdgeInput, id string) (*plan, error) {
			var sources, targets []datatypes.Element
			for _, ep := range in.Endpoints {
				node, ok, err := Lookup[datatypes.Element](cs.res, datatypes.KindNode, ep.Node.ID)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				if ep.Role == datatypes.EndpointSource {
					sources = append(sources, node)
				} else {
					targets = append(targets, node)
				}
			}
			switch {
			case len(sources)+len(targets) == 0:
				return nil, &datatypes.ValidationError{Err: datatypes.ErrEmptyRequiredSet, Reason: "endpoints"}
			case len(sources) != 1 || len(targets) != 1:
				return nil, &datatypes.ValidationError{
					Err:    datatypes.ErrInvalidEndpoints,
					Reason: fmt.Sprintf("%d source and %d target endpoints resolved", len(sources), len(targets)),
				}
			}

			name := in.Name
			if name == "" {
				name = sources[0].Name + " - " + targets[0].Name
			}
			pl := newPlan(datatypes.KindEdge, id)
			pl.record = datatypes.Element{ID: id, Name: name, CreatedAt: cs.createdAt(id)}
			pl.link(datatypes.RelEndpointSource, datatypes.Key{Kind: datatypes.KindNode, ID: sources[0].ID}, "")
			pl.link(datatypes.RelEndpointTarget, datatypes.Key{Kind: datatypes.KindNode, ID: targets[0].ID}, "")
			pl.linkAll(datatypes.RelSources, datatypes.KindSource, cs.res.Keep(datatypes.KindSource, in.Sources))
			if err := fieldValues(cs, pl, in.Fields); err != nil {
				return nil, err
			}
			return pl, nil
		},
	}
}

func collectionFamily() family[datatypes.CollectionInput] {
	return family[datatypes.CollectionInput]{
		kind:     datatypes.KindCollection,
		id:       func(in *datatypes.CollectionInput) string { return in.ID },
		validate: func(in *datatypes.CollectionInput) error { return in.Validate() },
		want: func(r *Resolver, in *datatypes.CollectionInput) {
			r.WantRefs(datatypes.KindSource, in.Sources)
			r.WantElements(in.Elements)
		},
		build: func(cs *chunkState, in *datatypes.CollectionInput, id string) (*plan, error) {
			roles := slices.Clone(in.Roles)
			slices.Sort(roles)
			roles = slices.Compact(roles)

			pl := newPlan(datatypes.KindCollection, id)
			pl.record = datatypes.Collection{ID: id, Name: in.Name, Roles: roles, CreatedAt: cs.createdAt(id)}
			pl.linkAll(datatypes.RelSources, datatypes.KindSource, cs.res.Keep(datatypes.KindSource, in.Sources))
			for _, el := range cs.res.KeepElements(in.Elements) {
				pl.link(datatypes.RelElements, el, "")
			}
			return pl, nil
		},
	}
}

// artifactBase builds the shared part of a network or analysis plan. Edits
// of an artifact that is running are refused.
func artifactBase(cs *chunkState, kind datatypes.Kind, id, name string, alg datatypes.Algorithm, public bool, members []string) (*plan, *datatypes.Artifact, error) {
	createdAt := cs.createdAt(id)
	if cs.op == OpEdit {
		prev, ok, err := storedArtifact(cs, id)
		if err != nil {
			return nil, nil, err
		}
		if ok && (prev.Status == datatypes.StatusGenerating || prev.Status == datatypes.StatusStopping) {
			return nil, nil, &datatypes.ValidationError{
				Err:    datatypes.ErrInvalidInput,
				Reason: fmt.Sprintf("cannot edit while %s", prev.Status),
			}
		}
	}
	if !public && len(members) == 0 {
		return nil, nil, &datatypes.ValidationError{Err: datatypes.ErrMissingMembers}
	}
	emails := make([]string, 0, len(members))
	for _, raw := range members {
		email, err := validation.SanitizeEmail(raw)
		if err != nil {
			return nil, nil, &datatypes.ValidationError{Err: datatypes.ErrInvalidInput, Reason: err.Error()}
		}
		emails = append(emails, email)
	}
	pl := newPlan(kind, id)
	pl.artifact = true
	pl.members = emails
	art := &datatypes.Artifact{
		ID:          id,
		Kind:        kind,
		Name:        name,
		Algorithm:   alg,
		Public:      public,
		DeleteAfter: cs.now.Add(cs.cfg.Retention),
		CreatedAt:   createdAt,
		Log:         []datatypes.LogEntry{},
	}
	return pl, art, nil
}

func storedArtifact(cs *chunkState, id string) (datatypes.Artifact, bool, error) {
	var art datatypes.Artifact
	raw, ok := cs.records[id]
	if !ok {
		return art, false, nil
	}
	if err := decodeRecord(raw, &art); err != nil {
		return art, false, err
	}
	return art, true, nil
}

func networkFamily() family[datatypes.NetworkInput] {
	return family[datatypes.NetworkInput]{
		kind:     datatypes.KindNetwork,
		id:       func(in *datatypes.NetworkInput) string { return in.ID },
		validate: func(in *datatypes.NetworkInput) error { return in.Validate() },
		want: func(r *Resolver, in *datatypes.NetworkInput) {
			r.Want(datatypes.KindSource, in.InteractionSource.ID)
			r.WantRefs(datatypes.KindSource, in.Sources)
			r.WantRefs(datatypes.KindCollection, in.Collections)
			r.WantElements(in.Elements)
		},
		build: func(cs *chunkState, in *datatypes.NetworkInput, id string) (*plan, error) {
			isrc := datatypes.Key{Kind: datatypes.KindSource, ID: in.InteractionSource.ID}
			if !cs.res.Has(isrc.Kind, isrc.ID) {
				return nil, datatypes.MissingReference(datatypes.KindNetwork, id, isrc)
			}
			pl, art, err := artifactBase(cs, datatypes.KindNetwork, id, in.Name, in.Algorithm, in.Public, in.Members)
			if err != nil {
				return nil, err
			}
			status, err := cs.status.InitialStatus(cs.sess, datatypes.KindNetwork, nil)
			if err != nil {
				return nil, err
			}
			art.Status = status
			art.Payload = in.Payload
			pl.record = art
			pl.generate = status == datatypes.StatusDefined

			pl.link(datatypes.RelInteractionSource, isrc, "")
			pl.linkAll(datatypes.RelSources, datatypes.KindSource, cs.res.Keep(datatypes.KindSource, in.Sources))
			pl.linkAll(datatypes.RelCollections, datatypes.KindCollection, cs.res.Keep(datatypes.KindCollection, in.Collections))
			for _, el := range cs.res.KeepElements(in.Elements) {
				pl.link(datatypes.RelElements, el, "")
			}
			return pl, nil
		},
	}
}

func analysisFamily() family[datatypes.AnalysisInput] {
	return family[datatypes.AnalysisInput]{
		kind:     datatypes.KindAnalysis,
		id:       func(in *datatypes.AnalysisInput) string { return in.ID },
		validate: func(in *datatypes.AnalysisInput) error { return in.Validate() },
		want: func(r *Resolver, in *datatypes.AnalysisInput) {
			r.WantRefs(datatypes.KindNetwork, in.Networks)
			r.WantRefs(datatypes.KindSource, in.Sources)
			r.WantRefs(datatypes.KindCollection, in.Collections)
			r.WantRefs(datatypes.KindNode, in.SourceElements)
			r.WantRefs(datatypes.KindNode, in.TargetElements)
		},
		build: func(cs *chunkState, in *datatypes.AnalysisInput, id string) (*plan, error) {
			networks := cs.res.Keep(datatypes.KindNetwork, in.Networks)
			if len(networks) == 0 {
				return nil, &datatypes.ValidationError{Err: datatypes.ErrEmptyRequiredSet, Reason: "networks"}
			}
			pl, art, err := artifactBase(cs, datatypes.KindAnalysis, id, in.Name, in.Algorithm, in.Public, in.Members)
			if err != nil {
				return nil, err
			}
			status, err := cs.status.InitialStatus(cs.sess, datatypes.KindAnalysis, networks)
			if err != nil {
				return nil, err
			}
			art.Status = status
			art.Payload = in.Payload
			art.MaxIterations = in.MaxIterations
			pl.record = art
			pl.generate = status == datatypes.StatusDefined

			pl.linkAll(datatypes.RelNetworks, datatypes.KindNetwork, networks)
			pl.linkAll(datatypes.RelSources, datatypes.KindSource, cs.res.Keep(datatypes.KindSource, in.Sources))
			pl.linkAll(datatypes.RelCollections, datatypes.KindCollection, cs.res.Keep(datatypes.KindCollection, in.Collections))
			pl.linkAll(datatypes.RelRoleSource, datatypes.KindNode, cs.res.Keep(datatypes.KindNode, in.SourceElements))
			pl.linkAll(datatypes.RelRoleTarget, datatypes.KindNode, cs.res.Keep(datatypes.KindNode, in.TargetElements))
			return pl, nil
		},
	}
}

func decodeRecord(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode stored record: %w", err)
	}
	return nil
}
