// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mimas

import (
	"fmt"

	"github.com/zocalo-go/zocalo/lib/zerr"
)

// A HandlerFunc computes the invocations for a scenario that has
// already satisfied the rule's guard.
type HandlerFunc func(Scenario) ([]Invocation, error)

// A Rule pairs a guard with the handler that runs when the guard is
// satisfied.
type Rule struct {
	Name    string
	Spec    Specification
	Handler HandlerFunc
}

// Registry holds rules in evaluation order.
type Registry struct {
	rules []Rule
	names map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{names: map[string]bool{}}
}

// Register appends rules to the registry.
func (reg *Registry) Register(rules ...Rule) error {
	for _, r := range rules {
		switch {
		case r.Name == "":
			return fmt.Errorf("rule has no name")
		case r.Spec == nil:
			return fmt.Errorf("rule %q has no guard", r.Name)
		case r.Handler == nil:
			return fmt.Errorf("rule %q has no handler", r.Name)
		case reg.names[r.Name]:
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		reg.names[r.Name] = true
		reg.rules = append(reg.rules, r)
	}
	return nil
}

// MustRegister is like Register but panics on error.
func (reg *Registry) MustRegister(rules ...Rule) *Registry {
	if err := reg.Register(rules...); err != nil {
		panic(err)
	}
	return reg
}

// Rules returns the registered rule names in evaluation order.
func (reg *Registry) Rules() []string {
	names := make([]string, len(reg.rules))
	for i, r := range reg.rules {
		names[i] = r.Name
	}
	return names
}

// Handle validates the scenario, then evaluates every rule in
// order and returns the concatenation of the invocations of all
// rules whose guard is satisfied. Each invocation is validated.
// Duplicate invocations are not removed.
func (reg *Registry) Handle(s Scenario) ([]Invocation, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	var all []Invocation
	for _, r := range reg.rules {
		if !r.Spec.IsSatisfiedBy(s) {
			continue
		}
		invs, err := r.Handler(s)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		for _, inv := range invs {
			if err := Validate(inv); err != nil {
				return nil, zerr.Validationf("rule %s returned invalid invocation: %w", r.Name, err)
			}
		}
		all = append(all, invs...)
	}
	return all, nil
}

// CommandLines returns the command line of each invocation.
func CommandLines(invs []Invocation) ([]string, error) {
	lines := make([]string, 0, len(invs))
	for _, inv := range invs {
		line, err := CommandLine(inv)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}
