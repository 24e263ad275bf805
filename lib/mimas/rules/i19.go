// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rules

import (
	"github.com/zocalo-go/zocalo/lib/mimas"
	"github.com/zocalo-go/zocalo/lib/zerr"
)

// High-pressure processing flags for diamond anvil cell collections.
var diamondAnvilCellParams = []mimas.Parameter{
	{Key: "dynamic_shadowing", Value: "true"},
	{Key: "ice_rings.filter", Value: "true"},
	{Key: "ice_rings.unit_cell", Value: "3.1652,3.1652,3.1652,90,90,90"},
	{Key: "ice_rings.space_group", Value: "Im-3m"},
	{Key: "ice_rings.width", Value: "0.01"},
	{Key: "scan_varying", Value: "true"},
	{Key: "resolution_range", Value: "999,15"},
	{Key: "keep_all_reflections", Value: "false"},
	{Key: "cc_half", Value: "none"},
	{Key: "isigma", Value: "2"},
}

var i19Rules = []mimas.Rule{
	{
		Name:    "i19_pilatus_start",
		Spec:    mimas.And(isI19, isStart, isPilatus),
		Handler: recipes("per-image-analysis-rotation-i19"),
	},
	{
		Name:    "i19_eiger_start",
		Spec:    mimas.And(isI19, isStart, isEiger),
		Handler: recipes("per-image-analysis-rotation-swmr-i19"),
	},
	{
		Name:    "i19_pilatus_end",
		Spec:    mimas.And(isI19, isEnd, isPilatus),
		Handler: recipes("archive-cbfs", "processing-rlv", "strategy-screen19"),
	},
	{
		Name:    "i19_eiger_serial_end",
		Spec:    mimas.And(isI19, isEnd, isEiger, isSerial),
		Handler: i19EigerSerialEnd,
	},
	{
		Name:    "i19_eiger_serial_end_group",
		Spec:    mimas.And(isI19, isEndGroup, isEiger, isSerial),
		Handler: recipes("autoprocessing-i19serial-groupend"),
	},
	{
		Name: "i19_eiger_end",
		Spec: mimas.And(isI19, isEnd, isEiger, mimas.Not(isSerial)),
		Handler: recipes(
			"archive-nexus",
			"processing-rlv-eiger",
			"generate-diffraction-preview",
			"per-image-analysis-rotation-swmr-i19",
			"strategy-screen19-eiger",
		),
	},
	{
		Name:    "i19_end",
		Spec:    mimas.And(isI19, isEnd, mimas.Not(isSerial)),
		Handler: i19End,
	},
}

// i19EigerSerialEnd processes the scenario's own sweep, which must
// appear exactly once in the sweep list.
func i19EigerSerialEnd(s mimas.Scenario) ([]mimas.Invocation, error) {
	var own []mimas.Sweep
	for _, sw := range s.Sweeps {
		if sw.DCID == s.DCID {
			own = append(own, sw)
		}
	}
	if len(own) != 1 {
		return nil, zerr.Validationf("expected exactly one sweep for DCID %d, found %d", s.DCID, len(own))
	}
	var invs []mimas.Invocation
	for _, extra := range s.ParameterSets() {
		invs = append(invs, mimas.JobInvocation{
			DCID:        s.DCID,
			Autostart:   true,
			Recipe:      "autoprocessing-multi-xia2-smallmolecule-nexus",
			Source:      "automatic",
			Sweeps:      own,
			DisplayName: "xia2 dials",
			Parameters:  params(extra, absorptionParams(s)),
		})
	}
	return invs, nil
}

func i19End(s mimas.Scenario) ([]mimas.Invocation, error) {
	invs := recipeInvocations(s.DCID, "generate-crystal-thumbnails")
	var dac []mimas.Parameter
	if s.DCClass == mimas.DCClassDiamondAnvilCell {
		dac = diamondAnvilCellParams
	}
	dials, aimless := "autoprocessing-multi-xia2-smallmolecule-nexus", "autoprocessing-multi-xia2-smallmolecule-d-a-nexus"
	if s.DetectorClass == mimas.DetectorPilatus {
		dials, aimless = "autoprocessing-multi-xia2-smallmolecule", "autoprocessing-multi-xia2-smallmolecule-dials-aiml"
	}
	for _, extra := range s.ParameterSets() {
		invs = append(invs,
			mimas.JobInvocation{
				DCID:        s.DCID,
				Autostart:   true,
				Recipe:      dials,
				Source:      "automatic",
				Sweeps:      sweeps(s),
				DisplayName: "xia2 dials",
				Parameters:  params(extra, absorptionParams(s), dac),
			},
			mimas.JobInvocation{
				DCID:        s.DCID,
				Autostart:   true,
				Recipe:      aimless,
				Source:      "automatic",
				Sweeps:      sweeps(s),
				DisplayName: "xia2 dials-aimless",
				Parameters:  params(extra, dac),
			},
		)
	}
	return invs, nil
}
