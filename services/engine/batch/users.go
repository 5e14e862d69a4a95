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
	"time"

	"github.com/AleutianAI/netcontrol/pkg/validation"
	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
	"github.com/AleutianAI/netcontrol/services/engine/store"
	"github.com/google/uuid"
)

// UserEmailIndex maps a sanitized email address to a user ID.
const UserEmailIndex = "user.email"

// RegisterUsers creates users and resolves every pending membership
// addressed to their email.
func (p *Processor) RegisterUsers(ctx context.Context, items []datatypes.RegisterUserInput) (*Result, error) {
	return run(ctx, p, userFamily(), OpCreate, items)
}

func userFamily() family[datatypes.RegisterUserInput] {
	return family[datatypes.RegisterUserInput]{
		kind: datatypes.KindUser,
		id:   func(in *datatypes.RegisterUserInput) string { return in.ID },
		validate: func(in *datatypes.RegisterUserInput) error {
			if err := in.Validate(); err != nil {
				return err
			}
			email, err := validation.SanitizeEmail(in.Email)
			if err != nil {
				return err
			}
			in.Email = email
			return nil
		},
		want: func(*Resolver, *datatypes.RegisterUserInput) {},
		prepare: func(cs *chunkState, _ []datatypes.RegisterUserInput) error {
			cs.emailIDs = make(map[string]string)
			return nil
		},
		build: func(cs *chunkState, in *datatypes.RegisterUserInput, id string) (*plan, error) {
			owner, taken := cs.emailIDs[in.Email]
			if !taken {
				var err error
				owner, taken, err = cs.sess.LookupIndex(UserEmailIndex, in.Email)
				if err != nil {
					return nil, err
				}
			}
			if taken && owner != id {
				return nil, &datatypes.ValidationError{Err: datatypes.ErrDuplicateName, Reason: "email already registered"}
			}
			cs.emailIDs[in.Email] = id

			pl := newPlan(datatypes.KindUser, id)
			pl.record = datatypes.User{ID: id, Email: in.Email, CreatedAt: cs.now}
			pl.indexes = append(pl.indexes, [2]string{UserEmailIndex, in.Email})
			return pl, nil
		},
		after: func(cs *chunkState, plans []*plan) error {
			if len(plans) == 0 {
				return nil
			}
			byEmail := make(map[string]string, len(plans))
			for _, pl := range plans {
				byEmail[pl.record.(datatypes.User).Email] = pl.key.ID
			}
			pending, err := store.LoadAll[datatypes.Membership](cs.sess, datatypes.KindMembership)
			if err != nil {
				return err
			}
			for _, m := range pending {
				userID, ok := byEmail[m.Email]
				if !ok || m.Resolved() {
					continue
				}
				m.UserID = userID
				if err := cs.sess.Put(datatypes.KindMembership, m.ID, m); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// syncMembers reconciles the memberships of an artifact with the requested
// email list, already sanitized by artifactBase. Existing memberships for
// listed addresses are kept with their resolution, unlisted ones are
// removed, and new ones resolve against registered users immediately.
func syncMembers(sess *store.Session, parent datatypes.Key, emails []string, now time.Time) error {
	refs, err := sess.Referrers(parent, datatypes.KindMembership)
	if err != nil {
		return err
	}
	existing := make(map[string]datatypes.Membership, len(refs))
	for _, ref := range refs {
		if ref.Relation != datatypes.RelParent {
			continue
		}
		m, err := store.Load[datatypes.Membership](sess, datatypes.KindMembership, ref.Owner.ID)
		if err != nil {
			return err
		}
		existing[m.Email] = m
	}

	wanted := make(map[string]bool, len(emails))
	for _, email := range emails {
		if wanted[email] {
			continue
		}
		wanted[email] = true
		if _, ok := existing[email]; ok {
			continue
		}
		m := datatypes.Membership{
			ID:         uuid.NewString(),
			ParentKind: parent.Kind,
			ParentID:   parent.ID,
			Email:      email,
			CreatedAt:  now,
		}
		userID, ok, err := sess.LookupIndex(UserEmailIndex, email)
		if err != nil {
			return err
		}
		if ok {
			m.UserID = userID
		}
		if err := sess.Put(datatypes.KindMembership, m.ID, m); err != nil {
			return err
		}
		if err := sess.Link(datatypes.Key{Kind: datatypes.KindMembership, ID: m.ID}, datatypes.RelParent, parent, ""); err != nil {
			return err
		}
	}

	for email, m := range existing {
		if wanted[email] {
			continue
		}
		if err := sess.DeleteEntity(datatypes.Key{Kind: datatypes.KindMembership, ID: m.ID}); err != nil {
			return err
		}
	}
	return nil
}
