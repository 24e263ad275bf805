// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mimas

import "strings"

// A Specification is a predicate over scenarios.
type Specification interface {
	IsSatisfiedBy(Scenario) bool
}

// SpecFunc adapts an ordinary function to a Specification.
type SpecFunc func(Scenario) bool

func (f SpecFunc) IsSatisfiedBy(s Scenario) bool { return f(s) }

type and []Specification

func (specs and) IsSatisfiedBy(s Scenario) bool {
	for _, spec := range specs {
		if !spec.IsSatisfiedBy(s) {
			return false
		}
	}
	return true
}

type or []Specification

func (specs or) IsSatisfiedBy(s Scenario) bool {
	for _, spec := range specs {
		if spec.IsSatisfiedBy(s) {
			return true
		}
	}
	return false
}

type not struct{ Specification }

func (n not) IsSatisfiedBy(s Scenario) bool { return !n.Specification.IsSatisfiedBy(s) }

// And is satisfied when every spec is satisfied. Specs are evaluated
// left to right and evaluation stops at the first failure.
func And(specs ...Specification) Specification { return and(specs) }

// Or is satisfied when any spec is satisfied.
func Or(specs ...Specification) Specification { return or(specs) }

func Not(spec Specification) Specification { return not{spec} }

// Beamline is satisfied when the scenario's beamline is one of
// names.
func Beamline(names ...string) Specification {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return SpecFunc(func(s Scenario) bool {
		return s.Beamline != "" && set[s.Beamline]
	})
}

func EventIs(e Event) Specification {
	return SpecFunc(func(s Scenario) bool { return s.Event == e })
}

func DCClassIs(c DCClass) Specification {
	return SpecFunc(func(s Scenario) bool { return s.DCClass == c })
}

// DetectorIs is never satisfied by a scenario with an unknown
// detector class.
func DetectorIs(d DetectorClass) Specification {
	return SpecFunc(func(s Scenario) bool { return s.DetectorClass != "" && s.DetectorClass == d })
}

func TargetIs(t Target) Specification {
	return SpecFunc(func(s Scenario) bool { return s.Target != "" && s.Target == t })
}

// VisitPrefix is satisfied when the visit starts with any of the
// prefixes. It is never satisfied by a scenario without a visit.
func VisitPrefix(prefixes ...string) Specification {
	return SpecFunc(func(s Scenario) bool {
		if s.Visit == "" {
			return false
		}
		for _, p := range prefixes {
			if strings.HasPrefix(s.Visit, p) {
				return true
			}
		}
		return false
	})
}

var (
	HasAnomalousScatterer Specification = SpecFunc(func(s Scenario) bool { return s.AnomalousScatterer != nil })
	HasSpaceGroup         Specification = SpecFunc(func(s Scenario) bool { return s.SpaceGroup != nil })
	Always                Specification = SpecFunc(func(Scenario) bool { return true })
)
