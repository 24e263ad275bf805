// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rules

import (
	"github.com/zocalo-go/zocalo/lib/mimas"
)

var i15Rules = []mimas.Rule{
	{
		Name:    "i15_end",
		Spec:    mimas.And(isI15, isEnd),
		Handler: i15End,
	},
}

func i15End(s mimas.Scenario) ([]mimas.Invocation, error) {
	invs := recipeInvocations(s.DCID,
		"generate-crystal-thumbnails",
		"processing-rlv",
		"strategy-screen19",
		"per-image-analysis-rotation",
	)
	for _, extra := range s.ParameterSets() {
		invs = append(invs,
			mimas.RecipeInvocation{DCID: s.DCID, Recipe: "generate-crystal-thumbnails"},
			mimas.JobInvocation{
				DCID:       s.DCID,
				Autostart:  true,
				Recipe:     "autoprocessing-multi-xia2-smallmolecule",
				Source:     "automatic",
				Sweeps:     sweeps(s),
				Parameters: params(extra, absorptionParams(s)),
			},
			mimas.JobInvocation{
				DCID:       s.DCID,
				Autostart:  true,
				Recipe:     "autoprocessing-multi-xia2-smallmolecule-dials-aiml",
				Source:     "automatic",
				Sweeps:     sweeps(s),
				Parameters: params(extra),
			},
		)
	}
	return invs, nil
}
