// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package recipe implements processing recipes: directed graphs of
// service steps connected by message queues, and the wrapper that
// carries a recipe between steps.
package recipe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Recipe is a processing graph. Nodes are numbered from 1.
type Recipe struct {
	Nodes map[int]*Node
	// Messages to send when the recipe is started.
	Start []StartEntry
	// Nodes notified when the recipe fails.
	Error []int
}

// StartEntry is one initial message of a recipe.
type StartEntry struct {
	Node    int
	Payload interface{}
}

// Node is one step of a recipe.
type Node struct {
	Service    string
	Queue      string
	Topic      string
	Parameters map[string]interface{}
	Output     *Output
	Error      *Output
	// Other keys, passed through unchanged.
	Extra map[string]interface{}
}

// Output lists the nodes that receive messages sent from a node.
// A node either has a single list of destinations, or destinations
// keyed by channel name.
type Output struct {
	Default  []int
	Channels map[string][]int
}

// Targets returns the destinations for the given channel, or the
// default destinations if channel is "".
func (o *Output) Targets(channel string) []int {
	if o == nil {
		return nil
	}
	if channel == "" {
		return o.Default
	}
	return o.Channels[channel]
}

func (o *Output) all() []int {
	if o == nil {
		return nil
	}
	ids := append([]int(nil), o.Default...)
	for _, ch := range o.channelNames() {
		ids = append(ids, o.Channels[ch]...)
	}
	return ids
}

func (o *Output) channelNames() []string {
	names := make([]string, 0, len(o.Channels))
	for name := range o.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Output) renumber(offset int) *Output {
	if o == nil {
		return nil
	}
	shift := func(ids []int) []int {
		if ids == nil {
			return nil
		}
		out := make([]int, len(ids))
		for i, id := range ids {
			out[i] = id + offset
		}
		return out
	}
	n := &Output{Default: shift(o.Default)}
	if o.Channels != nil {
		n.Channels = map[string][]int{}
		for ch, ids := range o.Channels {
			n.Channels[ch] = shift(ids)
		}
	}
	return n
}

func (o *Output) UnmarshalJSON(data []byte) error {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch v := v.(type) {
	case map[string]interface{}:
		o.Channels = map[string][]int{}
		for ch, dst := range v {
			ids, err := nodeList(dst)
			if err != nil {
				return fmt.Errorf("output channel %q: %w", ch, err)
			}
			o.Channels[ch] = ids
		}
		return nil
	default:
		ids, err := nodeList(v)
		if err != nil {
			return err
		}
		o.Default = ids
		return nil
	}
}

func nodeList(v interface{}) ([]int, error) {
	switch v := v.(type) {
	case json.Number:
		n, err := strconv.Atoi(v.String())
		if err != nil {
			return nil, fmt.Errorf("invalid node reference %s", v)
		}
		return []int{n}, nil
	case []interface{}:
		var ids []int
		for _, item := range v {
			more, err := nodeList(item)
			if err != nil {
				return nil, err
			}
			if _, isList := item.([]interface{}); isList {
				return nil, fmt.Errorf("nested node list")
			}
			ids = append(ids, more...)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("invalid node reference %v", v)
	}
}

func (o Output) MarshalJSON() ([]byte, error) {
	if o.Channels != nil {
		m := map[string]interface{}{}
		for ch, ids := range o.Channels {
			m[ch] = compactList(ids)
		}
		return json.Marshal(m)
	}
	return json.Marshal(compactList(o.Default))
}

func compactList(ids []int) interface{} {
	if len(ids) == 1 {
		return ids[0]
	}
	if ids == nil {
		return []int{}
	}
	return ids
}

var nodeKeys = []string{"service", "queue", "topic", "parameters", "output", "error"}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, dst := range map[string]interface{}{
		"service":    &n.Service,
		"queue":      &n.Queue,
		"topic":      &n.Topic,
		"parameters": &n.Parameters,
	} {
		if buf, ok := raw[key]; ok {
			if err := json.Unmarshal(buf, dst); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	for key, dst := range map[string]**Output{"output": &n.Output, "error": &n.Error} {
		if buf, ok := raw[key]; ok {
			*dst = &Output{}
			if err := json.Unmarshal(buf, *dst); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	for _, key := range nodeKeys {
		delete(raw, key)
	}
	if len(raw) > 0 {
		n.Extra = map[string]interface{}{}
		for key, buf := range raw {
			var v interface{}
			if err := json.Unmarshal(buf, &v); err != nil {
				return err
			}
			n.Extra[key] = v
		}
	}
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	for k, v := range n.Extra {
		m[k] = v
	}
	if n.Service != "" {
		m["service"] = n.Service
	}
	if n.Queue != "" {
		m["queue"] = n.Queue
	}
	if n.Topic != "" {
		m["topic"] = n.Topic
	}
	if n.Parameters != nil {
		m["parameters"] = n.Parameters
	}
	if n.Output != nil {
		m["output"] = n.Output
	}
	if n.Error != nil {
		m["error"] = n.Error
	}
	return json.Marshal(m)
}

// Parse decodes a recipe. The document is checked against the recipe
// schema before decoding.
func Parse(data []byte) (*Recipe, error) {
	if err := checkSchema(data); err != nil {
		return nil, err
	}
	r := &Recipe{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recipe) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Nodes = map[int]*Node{}
	r.Start = nil
	r.Error = nil
	for key, buf := range raw {
		switch key {
		case "start":
			var entries [][]json.RawMessage
			if err := json.Unmarshal(buf, &entries); err != nil {
				return fmt.Errorf("start: %w", err)
			}
			for _, entry := range entries {
				if len(entry) != 2 {
					return fmt.Errorf("start: entry must be [node, payload]")
				}
				var se StartEntry
				if err := json.Unmarshal(entry[0], &se.Node); err != nil {
					return fmt.Errorf("start: %w", err)
				}
				if err := json.Unmarshal(entry[1], &se.Payload); err != nil {
					return fmt.Errorf("start: %w", err)
				}
				r.Start = append(r.Start, se)
			}
		case "error":
			var o Output
			if err := json.Unmarshal(buf, &o); err != nil {
				return fmt.Errorf("error: %w", err)
			}
			r.Error = o.Default
		default:
			id, err := strconv.Atoi(key)
			if err != nil {
				return fmt.Errorf("invalid node id %q", key)
			}
			var n Node
			if err := json.Unmarshal(buf, &n); err != nil {
				return fmt.Errorf("node %d: %w", id, err)
			}
			r.Nodes[id] = &n
		}
	}
	return nil
}

func (r Recipe) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	for id, n := range r.Nodes {
		m[strconv.Itoa(id)] = n
	}
	start := make([][]interface{}, 0, len(r.Start))
	for _, se := range r.Start {
		start = append(start, []interface{}{se.Node, se.Payload})
	}
	m["start"] = start
	if len(r.Error) > 0 {
		m["error"] = compactList(r.Error)
	}
	return json.Marshal(m)
}

// Pretty returns the recipe as indented JSON with sorted keys.
func (r *Recipe) Pretty() string {
	buf, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Sprintf("(unprintable recipe: %s)", err)
	}
	return string(buf)
}

// IDs returns the node ids in ascending order.
func (r *Recipe) IDs() []int {
	ids := make([]int, 0, len(r.Nodes))
	for id := range r.Nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Copy returns a deep copy of r.
func (r *Recipe) Copy() *Recipe {
	buf, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	cp := &Recipe{}
	if err := json.Unmarshal(buf, cp); err != nil {
		panic(err)
	}
	return cp
}
