// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rules

import (
	"github.com/zocalo-go/zocalo/lib/mimas"
)

// Serial crystallography rules apply on every beamline.
var ssxRules = []mimas.Rule{
	{
		Name:    "ssx_pilatus_start",
		Spec:    mimas.And(isPilatus, isStart, isSerial),
		Handler: recipes("pia-index-ssx-pilatus"),
	},
	{
		Name:    "ssx_eiger_start",
		Spec:    mimas.And(isEiger, isStart, isSerial),
		Handler: recipes("pia-index-ssx-swmr"),
	},
	{
		Name:    "ssx_pilatus_end",
		Spec:    mimas.And(isPilatus, isEnd, isSerial),
		Handler: ssxEnd("autoprocessing-xia2-ssx-pilatus"),
	},
	{
		Name:    "ssx_eiger_end",
		Spec:    mimas.And(isEiger, isEnd, isSerial),
		Handler: ssxEnd("autoprocessing-xia2-ssx-eiger"),
	},
}

func ssxEnd(recipe string) mimas.HandlerFunc {
	return func(s mimas.Scenario) ([]mimas.Invocation, error) {
		return []mimas.Invocation{
			mimas.JobInvocation{
				DCID:       s.DCID,
				Autostart:  true,
				Recipe:     recipe,
				Source:     "automatic",
				Sweeps:     sweeps(s),
				Parameters: s.SymmetryParameters(),
			},
		}, nil
	}
}
