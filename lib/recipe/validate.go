// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recipe

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zocalo-go/zocalo/lib/zerr"
)

//go:embed recipe.schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("recipe.schema.json", bytes.NewBufferString(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("recipe.schema.json")
	})
	return schema, schemaErr
}

func checkSchema(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return zerr.Validationf("recipe is not valid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return zerr.Validationf("invalid recipe: %w", err)
	}
	return nil
}

// Validate checks the structure of the recipe graph: it must have
// at least one node and one start entry, node ids must be positive,
// every referenced node must exist, and every node must be
// reachable from a start entry or the error list.
func (r *Recipe) Validate() error {
	if r == nil || len(r.Nodes) == 0 {
		return zerr.Validationf("invalid recipe: no nodes")
	}
	if len(r.Start) == 0 {
		return zerr.Validationf("invalid recipe: no start nodes")
	}
	for id := range r.Nodes {
		if id < 1 {
			return zerr.Validationf("invalid recipe: node id %d is not positive", id)
		}
	}
	exists := func(where string, id int) error {
		if _, ok := r.Nodes[id]; !ok {
			return zerr.Validationf("invalid recipe: %s refers to undefined node %d", where, id)
		}
		return nil
	}
	var roots []int
	for _, se := range r.Start {
		if err := exists("start", se.Node); err != nil {
			return err
		}
		roots = append(roots, se.Node)
	}
	for _, id := range r.Error {
		if err := exists("error", id); err != nil {
			return err
		}
		roots = append(roots, id)
	}
	for _, id := range r.IDs() {
		n := r.Nodes[id]
		for _, dst := range append(n.Output.all(), n.Error.all()...) {
			if err := exists(fmt.Sprintf("node %d", id), dst); err != nil {
				return err
			}
		}
	}

	reached := map[int]bool{}
	for len(roots) > 0 {
		id := roots[0]
		roots = roots[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		n := r.Nodes[id]
		roots = append(roots, n.Output.all()...)
		roots = append(roots, n.Error.all()...)
	}
	for _, id := range r.IDs() {
		if !reached[id] {
			return zerr.Validationf("invalid recipe: node %d is not referenced", id)
		}
	}
	return nil
}
