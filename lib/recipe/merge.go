// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recipe

// Merge returns a new recipe containing the nodes of r and other.
// Nodes of other are renumbered to follow the highest node id of r;
// start and error lists are concatenated. Neither input is
// modified.
func (r *Recipe) Merge(other *Recipe) *Recipe {
	if r == nil || len(r.Nodes) == 0 {
		return other.Copy()
	}
	merged := r.Copy()
	if other == nil || len(other.Nodes) == 0 {
		return merged
	}
	offset := 0
	for id := range merged.Nodes {
		if id > offset {
			offset = id
		}
	}
	add := other.Copy()
	for id, n := range add.Nodes {
		n.Output = n.Output.renumber(offset)
		n.Error = n.Error.renumber(offset)
		merged.Nodes[id+offset] = n
	}
	for _, se := range add.Start {
		merged.Start = append(merged.Start, StartEntry{Node: se.Node + offset, Payload: se.Payload})
	}
	for _, id := range add.Error {
		merged.Error = append(merged.Error, id+offset)
	}
	return merged
}
