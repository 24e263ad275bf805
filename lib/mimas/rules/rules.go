// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package rules holds the decision rules for each beamline family.
package rules

import (
	"sort"

	"github.com/zocalo-go/zocalo/lib/mimas"
)

// MXBeamlines are the macromolecular crystallography beamlines.
var MXBeamlines = []string{"i02-1", "i02-2", "i03", "i04", "i04-1", "i23", "i24"}

var (
	isMX       = mimas.Beamline(MXBeamlines...)
	isVMXi     = mimas.Beamline("i02-2")
	isNotVMXi  = mimas.Not(isVMXi)
	isI19      = mimas.Or(mimas.Beamline("i19-1"), mimas.Beamline("i19-2"))
	isI15      = mimas.Beamline("i15")
	isPilatus  = mimas.DetectorIs(mimas.DetectorPilatus)
	isEiger    = mimas.DetectorIs(mimas.DetectorEiger)
	isStart    = mimas.EventIs(mimas.EventStart)
	isEnd      = mimas.EventIs(mimas.EventEnd)
	isEndGroup = mimas.EventIs(mimas.EventEndGroup)
	isGridscan = mimas.DCClassIs(mimas.DCClassGridscan)
	isRotation = mimas.DCClassIs(mimas.DCClassRotation)
	isScreen   = mimas.DCClassIs(mimas.DCClassScreening)
	isSerial   = mimas.Or(mimas.DCClassIs(mimas.DCClassSerialFixed), mimas.DCClassIs(mimas.DCClassSerialJet))

	isAnomalous        = mimas.HasAnomalousScatterer
	isCharacterization = isScreen
	isIndustrialVisit  = mimas.VisitPrefix("lb", "in", "sw")
	isPhasing          = isAnomalous
)

// Default returns a registry holding every rule, ordered by name.
func Default() *mimas.Registry {
	var all []mimas.Rule
	for _, set := range [][]mimas.Rule{coreRules, vmxiRules, i19Rules, i15Rules, ssxRules, processingRules} {
		all = append(all, set...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return mimas.NewRegistry().MustRegister(all...)
}

// recipes returns a handler that runs the named recipes.
func recipes(names ...string) mimas.HandlerFunc {
	return func(s mimas.Scenario) ([]mimas.Invocation, error) {
		return recipeInvocations(s.DCID, names...), nil
	}
}

func recipeInvocations(dcid int, names ...string) []mimas.Invocation {
	invs := make([]mimas.Invocation, len(names))
	for i, name := range names {
		invs[i] = mimas.RecipeInvocation{DCID: dcid, Recipe: name}
	}
	return invs
}

// params concatenates parameter lists.
func params(lists ...[]mimas.Parameter) []mimas.Parameter {
	var all []mimas.Parameter
	for _, l := range lists {
		all = append(all, l...)
	}
	return all
}

func param(key, value string) []mimas.Parameter {
	return []mimas.Parameter{{Key: key, Value: value}}
}

var ccHalfParams = param("resolution.cc_half_significance_level", "0.1")

// absorptionParams sets the xia2-dials absorption correction level:
// high when an anomalous signal is expected.
func absorptionParams(s mimas.Scenario) []mimas.Parameter {
	if s.AnomalousScatterer != nil {
		return param("absorption_level", "high")
	}
	return param("absorption_level", "medium")
}

func sweeps(s mimas.Scenario) []mimas.Sweep {
	return append([]mimas.Sweep(nil), s.Sweeps...)
}
