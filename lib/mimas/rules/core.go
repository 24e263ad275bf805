// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rules

import (
	"github.com/zocalo-go/zocalo/lib/mimas"
)

// Copper ring exclusions for the VMXm sample environment.
var copperRingParams = []mimas.Parameter{
	{Key: "ice_rings.unit_cell", Value: "3.615,3.615,3.615,90,90,90"},
	{Key: "ice_rings.space_group", Value: "fm-3m"},
	{Key: "ice_rings.width", Value: "0.01"},
	{Key: "ice_rings.filter", Value: "true"},
}

var coreRules = []mimas.Rule{
	{
		Name:    "pilatus_gridscan_start",
		Spec:    mimas.And(isPilatus, isGridscan, isStart, isMX, isNotVMXi),
		Handler: recipes("archive-cbfs", "per-image-analysis-gridscan"),
	},
	{
		Name:    "pilatus_not_gridscan_start",
		Spec:    mimas.And(isPilatus, mimas.Not(isGridscan), isStart, isMX, isNotVMXi),
		Handler: recipes("archive-cbfs", "per-image-analysis-rotation"),
	},
	{
		Name:    "eiger_start",
		Spec:    mimas.And(isEiger, isStart, isMX, isNotVMXi),
		Handler: eigerStart,
	},
	{
		Name:    "eiger_end",
		Spec:    mimas.And(isEiger, isEnd, isMX, isNotVMXi),
		Handler: eigerEnd,
	},
	{
		Name:    "pilatus_end",
		Spec:    mimas.And(isPilatus, isEnd, isMX, isNotVMXi),
		Handler: recipes("generate-crystal-thumbnails"),
	},
	{
		Name:    "eiger_screening",
		Spec:    mimas.And(isEiger, isScreen, isEnd, isMX, isNotVMXi),
		Handler: recipes("strategy-align-crystal", "strategy-mosflm", "strategy-edna-eiger"),
	},
	{
		Name:    "pilatus_screening",
		Spec:    mimas.And(isPilatus, isScreen, isEnd, isMX, isNotVMXi),
		Handler: recipes("strategy-mosflm", "strategy-edna"),
	},
	{
		Name:    "rotation_end",
		Spec:    mimas.And(isRotation, isEnd, isMX, isNotVMXi),
		Handler: rotationEnd,
	},
}

func eigerStart(s mimas.Scenario) ([]mimas.Invocation, error) {
	suffix := ""
	if s.Beamline == "i02-1" {
		suffix = "-vmxm"
	}
	recipe := "per-image-analysis-rotation-swmr" + suffix
	if s.DCClass == mimas.DCClassGridscan {
		recipe = "per-image-analysis-gridscan-swmr" + suffix
	}
	return recipeInvocations(s.DCID, recipe), nil
}

func eigerEnd(s mimas.Scenario) ([]mimas.Invocation, error) {
	names := []string{"generate-crystal-thumbnails", "archive-nexus"}
	if s.RunStatus != "DataCollection Stopped" {
		names = append(names, "generate-diffraction-preview")
	}
	return recipeInvocations(s.DCID, names...), nil
}

func rotationEnd(s mimas.Scenario) ([]mimas.Invocation, error) {
	suffix := ""
	if s.DetectorClass == mimas.DetectorEiger {
		suffix = "-eiger"
	}
	invs := recipeInvocations(s.DCID, "processing-rlv"+suffix)

	fastDP := mimas.JobInvocation{
		DCID:      s.DCID,
		Autostart: true,
		Recipe:    "autoprocessing-fast-dp" + suffix,
		Source:    "automatic",
	}
	if s.SpaceGroup != nil {
		fastDP.Parameters = param("spacegroup", s.SpaceGroup.String())
	}
	invs = append(invs, fastDP)

	var beamlineParams []mimas.Parameter
	if s.Beamline == "i02-1" {
		beamlineParams = params(copperRingParams, param("remove_blanks", "true"), param("failover", "true"))
	}

	if s.DetectorClass == mimas.DetectorEiger {
		suffix = "-eiger-cluster"
	}
	for _, extra := range s.ParameterSets() {
		invs = append(invs,
			mimas.JobInvocation{
				DCID:       s.DCID,
				Autostart:  s.PreferredProcessing == "xia2/DIALS",
				Recipe:     "autoprocessing-xia2-dials" + suffix,
				Source:     "automatic",
				Parameters: params(ccHalfParams, extra, beamlineParams, absorptionParams(s)),
			},
			mimas.JobInvocation{
				DCID:       s.DCID,
				Autostart:  s.PreferredProcessing == "xia2/XDS",
				Recipe:     "autoprocessing-xia2-3dii" + suffix,
				Source:     "automatic",
				Parameters: params(ccHalfParams, extra),
			},
			mimas.JobInvocation{
				DCID:       s.DCID,
				Autostart:  s.PreferredProcessing == "autoPROC",
				Recipe:     "autoprocessing-autoPROC" + suffix,
				Source:     "automatic",
				Parameters: params(extra),
			},
		)
		if s.HasRelatedDataCollections() {
			invs = append(invs,
				mimas.JobInvocation{
					DCID:       s.DCID,
					Recipe:     "autoprocessing-multi-xia2-dials" + suffix,
					Source:     "automatic",
					Parameters: params(ccHalfParams, extra, absorptionParams(s)),
					Sweeps:     sweeps(s),
				},
				mimas.JobInvocation{
					DCID:       s.DCID,
					Recipe:     "autoprocessing-multi-xia2-3dii" + suffix,
					Source:     "automatic",
					Parameters: params(ccHalfParams, extra),
					Sweeps:     sweeps(s),
				},
			)
		}
	}
	return invs, nil
}
