// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recipe

import (
	"encoding/json"
	"regexp"
	"strconv"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_.$-]+)\}`)

// ApplyParameters replaces "{key}" placeholders in every string of
// the recipe (node parameters, extra node fields, start payloads, and
// map keys) with the corresponding parameter value. Placeholders
// naming unknown keys are left unchanged. A string consisting of
// exactly one placeholder is replaced by the raw parameter value, so
// numbers and lists keep their type.
func (r *Recipe) ApplyParameters(params map[string]interface{}) {
	if len(params) == 0 {
		return
	}
	for _, n := range r.Nodes {
		n.Service = substitute(n.Service, params)
		n.Queue = substitute(n.Queue, params)
		n.Topic = substitute(n.Topic, params)
		if n.Parameters != nil {
			n.Parameters = apply(n.Parameters, params).(map[string]interface{})
		}
		if n.Extra != nil {
			n.Extra = apply(n.Extra, params).(map[string]interface{})
		}
	}
	for i := range r.Start {
		r.Start[i].Payload = apply(r.Start[i].Payload, params)
	}
}

func apply(item interface{}, params map[string]interface{}) interface{} {
	switch item := item.(type) {
	case string:
		if m := placeholder.FindStringSubmatch(item); m != nil && m[0] == item {
			if v, ok := params[m[1]]; ok {
				return v
			}
			return item
		}
		return substitute(item, params)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(item))
		for k, v := range item {
			out[substitute(k, params)] = apply(v, params)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(item))
		for i, v := range item {
			out[i] = apply(v, params)
		}
		return out
	default:
		return item
	}
}

func substitute(s string, params map[string]interface{}) string {
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		v, ok := params[match[1:len(match)-1]]
		if !ok {
			return match
		}
		return formatValue(v)
	})
}

func formatValue(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "True"
		}
		return "False"
	case nil:
		return "None"
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(buf)
	}
}
