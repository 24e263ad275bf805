// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rules

import (
	"strconv"
	"strings"

	"github.com/zocalo-go/zocalo/lib/mimas"
)

var isProcessing = mimas.EventIs(mimas.EventProcessing)

var processingRules = []mimas.Rule{
	{
		Name:    "processing_dimple",
		Spec:    mimas.And(isRotation, mimas.Not(isCharacterization), isProcessing, mimas.TargetIs(mimas.TargetDimple), isMX),
		Handler: dimple,
	},
	{
		Name:    "processing_shelxt",
		Spec:    mimas.And(isProcessing, mimas.TargetIs(mimas.TargetShelxt), isI19),
		Handler: shelxt,
	},
	{
		Name:    "processing_mrbump",
		Spec:    mimas.And(isRotation, mimas.Not(isCharacterization), isProcessing, mimas.TargetIs(mimas.TargetMrBUMP), isMX),
		Handler: mrbump,
	},
	{
		Name:    "processing_fast_ep",
		Spec:    mimas.And(isRotation, mimas.Not(isCharacterization), isProcessing, mimas.TargetIs(mimas.TargetFastEP), isMX, isAnomalous),
		Handler: fastEP,
	},
	{
		Name:    "processing_big_ep",
		Spec:    mimas.And(isProcessing, mimas.TargetIs(mimas.TargetBigEP), isMX, mimas.Not(isIndustrialVisit), isPhasing),
		Handler: bigEP,
	},
}

// Result directory of each upstream pipeline, relative to the
// processing root, as used by big_ep.
var bigEPPathExt = map[string]string{
	"autoPROC":           "autoPROC/ap-run",
	"autoPROC+STARANISO": "autoPROC-STARANISO/ap-run",
	"xia2 3dii":          "xia2/3dii-run",
	"xia2 dials":         "xia2/dials-run",
	"xia2 3dii (multi)":  "multi-xia2/3dii",
	"xia2 dials (multi)": "multi-xia2/dials",
	"xia2.multiplex":     "xia2.multiplex",
}

func scalingTrigger(s mimas.Scenario) []mimas.TriggerVariable {
	return []mimas.TriggerVariable{{Key: "ispyb_autoprocscalingid", Value: strconv.Itoa(s.AutoProcScalingID)}}
}

// cloudburst returns the recipe to use and any extra trigger
// variables. If an active cloudburst policy applies to the scenario
// and names (part of) the recipe, the cloud variant is used.
func cloudburst(s mimas.Scenario, recipe string) (string, []mimas.TriggerVariable) {
	for _, policy := range s.Cloudbursting {
		if policy.Spec == nil || !policy.Spec.IsSatisfiedBy(s) {
			continue
		}
		for _, r := range policy.Recipes {
			if strings.Contains(recipe, r) {
				return recipe + "-cloud", []mimas.TriggerVariable{{Key: "statistic-cluster", Value: "iris"}}
			}
		}
	}
	return recipe, nil
}

func dimple(s mimas.Scenario) ([]mimas.Invocation, error) {
	symlink := s.Tag
	if symlink == "" {
		symlink = "dimple"
	}
	ps := []mimas.Parameter{
		{Key: "data", Value: s.Mtz},
		{Key: "scaling_id", Value: strconv.Itoa(s.AutoProcScalingID)},
		{Key: "create_symlink", Value: symlink},
	}
	for _, pdb := range s.PDBFiles {
		ps = append(ps, mimas.Parameter{Key: "pdb", Value: pdb.String()})
	}
	return []mimas.Invocation{
		mimas.JobInvocation{
			DCID:             s.DCID,
			Autostart:        true,
			Recipe:           "postprocessing-dimple",
			Source:           "automatic",
			Comment:          s.Comment,
			DisplayName:      "DIMPLE",
			Parameters:       ps,
			TriggerVariables: scalingTrigger(s),
		},
	}, nil
}

func shelxt(s mimas.Scenario) ([]mimas.Invocation, error) {
	return []mimas.Invocation{
		mimas.JobInvocation{
			DCID:             s.DCID,
			Recipe:           "postprocessing-shelxt",
			Source:           "automatic",
			Comment:          s.Comment,
			DisplayName:      "shelxt",
			Parameters:       param("scaling_id", strconv.Itoa(s.AutoProcScalingID)),
			TriggerVariables: scalingTrigger(s),
		},
	}, nil
}

// mrbump runs one search without models, plus one using every model
// file found on disk.
func mrbump(s mimas.Scenario) ([]mimas.Invocation, error) {
	if len(s.PDBFiles) == 0 {
		return nil, nil
	}
	var files []string
	for _, pdb := range s.PDBFiles {
		if pdb.Path != "" && pdb.OnDisk {
			files = append(files, pdb.Path)
		}
	}
	recipe, cloudVars := cloudburst(s, "postprocessing-mrbump")
	triggers := append(scalingTrigger(s), cloudVars...)

	sets := [][]string{nil}
	if len(files) > 0 {
		sets = append(sets, files)
	}
	var invs []mimas.Invocation
	for _, set := range sets {
		ps := []mimas.Parameter{
			{Key: "hklin", Value: s.Mtz},
			{Key: "scaling_id", Value: strconv.Itoa(s.AutoProcScalingID)},
		}
		if len(set) > 0 {
			ps = append(ps, mimas.Parameter{Key: "dophmmer", Value: "False"}, mimas.Parameter{Key: "mdlunmod", Value: "True"})
		}
		for _, f := range set {
			ps = append(ps, mimas.Parameter{Key: "localfile", Value: f})
		}
		invs = append(invs, mimas.JobInvocation{
			DCID:             s.DCID,
			Recipe:           recipe,
			Source:           "automatic",
			Comment:          s.Comment,
			DisplayName:      "MrBUMP",
			Parameters:       ps,
			TriggerVariables: triggers,
		})
	}
	return invs, nil
}

func fastEP(s mimas.Scenario) ([]mimas.Invocation, error) {
	recipe, cloudVars := cloudburst(s, "postprocessing-fast-ep")
	return []mimas.Invocation{
		mimas.JobInvocation{
			DCID:        s.DCID,
			Recipe:      recipe,
			Source:      "automatic",
			Comment:     s.Comment,
			DisplayName: "fast_ep",
			Parameters: []mimas.Parameter{
				{Key: "data", Value: s.Mtz},
				{Key: "scaling_id", Value: strconv.Itoa(s.AutoProcScalingID)},
			},
			TriggerVariables: append(scalingTrigger(s), cloudVars...),
		},
	}, nil
}

func bigEP(s mimas.Scenario) ([]mimas.Invocation, error) {
	if s.Mtz == "" || s.ScaledUnmergedMtz == "" {
		return nil, nil
	}
	pathExt, ok := bigEPPathExt[s.Tag]
	if !ok {
		pathExt = "None"
	} else if s.SpaceGroup != nil {
		pathExt += "-" + s.SpaceGroup.Symbol
	}
	recipe, cloudVars := cloudburst(s, "postprocessing-big-ep")
	triggers := append(scalingTrigger(s), mimas.TriggerVariable{Key: "path_ext", Value: pathExt})
	return []mimas.Invocation{
		mimas.JobInvocation{
			DCID:        s.DCID,
			Recipe:      recipe,
			Source:      "automatic",
			Comment:     s.Comment,
			DisplayName: "big_ep",
			Parameters: []mimas.Parameter{
				{Key: "data", Value: s.Mtz},
				{Key: "scaled_unmerged_mtz", Value: s.ScaledUnmergedMtz},
				{Key: "program_id", Value: strconv.Itoa(s.AutoProcProgramID)},
				{Key: "scaling_id", Value: strconv.Itoa(s.AutoProcScalingID)},
				{Key: "upstream_source", Value: s.UpstreamSource},
			},
			TriggerVariables: append(triggers, cloudVars...),
		},
	}, nil
}
