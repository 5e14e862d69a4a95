// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"strings"

	"github.com/AleutianAI/netcontrol/services/engine/datatypes"
)

// Key layout. Identifiers never contain '/', enforced by input validation.
//
//	ent/<kind>/<id>                                   -> JSON record
//	lnk/<ownerKind>/<ownerID>/<rel>/<targetKind>/<targetID> -> link value
//	ref/<targetKind>/<targetID>/<ownerKind>/<ownerID>/<rel> -> empty (reverse index)
//	idx/<index>/<value>                               -> entity id
//	acc/<kind>/<id>                                   -> last access time
const (
	entityPrefix  = "ent/"
	linkPrefix    = "lnk/"
	reversePrefix = "ref/"
	indexPrefix   = "idx/"
	accessPrefix  = "acc/"
	sep           = "/"
)

func accessKey(key datatypes.Key) []byte {
	return []byte(accessPrefix + string(key.Kind) + sep + key.ID)
}

func indexKey(index, value string) []byte {
	return []byte(indexPrefix + index + sep + value)
}

func entityKey(kind datatypes.Kind, id string) []byte {
	return []byte(entityPrefix + string(kind) + sep + id)
}

func entityKindPrefix(kind datatypes.Kind) []byte {
	return []byte(entityPrefix + string(kind) + sep)
}

func linkKey(owner datatypes.Key, rel datatypes.Relation, target datatypes.Key) []byte {
	return []byte(linkPrefix + string(owner.Kind) + sep + owner.ID + sep + string(rel) + sep + string(target.Kind) + sep + target.ID)
}

func linkOwnerPrefix(owner datatypes.Key) []byte {
	return []byte(linkPrefix + string(owner.Kind) + sep + owner.ID + sep)
}

func linkRelPrefix(owner datatypes.Key, rel datatypes.Relation) []byte {
	return []byte(linkPrefix + string(owner.Kind) + sep + owner.ID + sep + string(rel) + sep)
}

func reverseKey(target datatypes.Key, owner datatypes.Key, rel datatypes.Relation) []byte {
	return []byte(reversePrefix + string(target.Kind) + sep + target.ID + sep + string(owner.Kind) + sep + owner.ID + sep + string(rel))
}

func reverseTargetPrefix(target datatypes.Key) []byte {
	return []byte(reversePrefix + string(target.Kind) + sep + target.ID + sep)
}

func reverseOwnerKindPrefix(target datatypes.Key, ownerKind datatypes.Kind) []byte {
	return []byte(reversePrefix + string(target.Kind) + sep + target.ID + sep + string(ownerKind) + sep)
}

// parseLinkKey splits a forward link key into its parts.
func parseLinkKey(key []byte) (Link, bool) {
	parts := strings.Split(strings.TrimPrefix(string(key), linkPrefix), sep)
	if len(parts) != 5 {
		return Link{}, false
	}
	return Link{
		Owner:    datatypes.Key{Kind: datatypes.Kind(parts[0]), ID: parts[1]},
		Relation: datatypes.Relation(parts[2]),
		Target:   datatypes.Key{Kind: datatypes.Kind(parts[3]), ID: parts[4]},
	}, true
}

// parseReverseKey splits a reverse index key into a Link.
func parseReverseKey(key []byte) (Link, bool) {
	parts := strings.Split(strings.TrimPrefix(string(key), reversePrefix), sep)
	if len(parts) != 5 {
		return Link{}, false
	}
	return Link{
		Target:   datatypes.Key{Kind: datatypes.Kind(parts[0]), ID: parts[1]},
		Owner:    datatypes.Key{Kind: datatypes.Kind(parts[2]), ID: parts[3]},
		Relation: datatypes.Relation(parts[4]),
	}, true
}
