// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rules

import (
	"github.com/zocalo-go/zocalo/lib/mimas"
)

var vmxiRules = []mimas.Rule{
	{
		Name: "vmxi_start",
		Spec: mimas.And(isVMXi, isStart),
		Handler: func(mimas.Scenario) ([]mimas.Invocation, error) {
			return nil, nil
		},
	},
	{
		Name:    "vmxi_end",
		Spec:    mimas.And(isVMXi, isEnd),
		Handler: recipes("generate-crystal-thumbnails", "generate-diffraction-preview", "archive-nexus"),
	},
	{
		Name:    "vmxi_gridscan",
		Spec:    mimas.And(isVMXi, isEnd, isGridscan),
		Handler: recipes("vmxi-spot-counts-per-image"),
	},
	{
		Name:    "vmxi_rotation",
		Spec:    mimas.And(isVMXi, isEnd, isRotation),
		Handler: vmxiRotation,
	},
}

func vmxiRotation(s mimas.Scenario) ([]mimas.Invocation, error) {
	return []mimas.Invocation{
		mimas.RecipeInvocation{DCID: s.DCID, Recipe: "vmxi-per-image-analysis"},
		mimas.JobInvocation{
			DCID:        s.DCID,
			Autostart:   true,
			Recipe:      "autoprocessing-fast-dp-eiger",
			Source:      "automatic",
			DisplayName: "fast_dp",
		},
		mimas.JobInvocation{
			DCID:        s.DCID,
			Autostart:   s.PreferredProcessing == "xia2/DIALS",
			Recipe:      "autoprocessing-xia2-dials-eiger",
			Source:      "automatic",
			DisplayName: "xia2 dials",
			Parameters: params(
				ccHalfParams,
				param("remove_blanks", "true"),
				param("failover", "true"),
				absorptionParams(s),
			),
		},
		mimas.JobInvocation{
			DCID:        s.DCID,
			Autostart:   s.PreferredProcessing == "xia2/XDS",
			Recipe:      "autoprocessing-xia2-3dii-eiger",
			Source:      "automatic",
			DisplayName: "xia2 3dii",
			Parameters:  params(ccHalfParams),
		},
		mimas.JobInvocation{
			DCID:        s.DCID,
			Autostart:   s.PreferredProcessing == "autoPROC",
			Recipe:      "autoprocessing-autoPROC-eiger",
			Source:      "automatic",
			DisplayName: "autoPROC",
		},
	}, nil
}
