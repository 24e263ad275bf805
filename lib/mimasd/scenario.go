// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mimasd

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/mimas"
	"github.com/zocalo-go/zocalo/lib/zerr"
)

// scenarioFromParameters builds a scenario from the parameters of a
// decision step. Missing or unusable crystal information is dropped
// with a warning rather than rejecting the event.
func scenarioFromParameters(logger logrus.FieldLogger, params map[string]interface{}) (mimas.Scenario, error) {
	dcid, ok := integer(params["dcid"])
	if !ok || dcid <= 0 {
		return mimas.Scenario{}, zerr.Validationf("DCID = %v", params["dcid"])
	}
	logger = logger.WithField("DCID", dcid)

	eventName, ok := params["event"].(string)
	if !ok {
		eventName = fmt.Sprintf("%v", params["event"])
	}
	event, ok := mimas.ParseEvent(eventName)
	if !ok {
		return mimas.Scenario{}, zerr.Validationf("Event = %s", eventName)
	}

	sc := mimas.Scenario{
		DCID:                dcid,
		DCClass:             dcClass(logger, params["dc_class"]),
		Event:               event,
		Beamline:            str(params["beamline"]),
		Visit:               str(params["visit"]),
		RunStatus:           str(params["run_status"]),
		PreferredProcessing: str(params["preferred_processing"]),

		Mtz:               str(params["mtz"]),
		ScaledUnmergedMtz: str(params["scaled_unmerged_mtz"]),
		UpstreamSource:    str(params["upstream_source"]),
		Tag:               str(params["tag"]),
		Comment:           str(params["comment"]),
	}
	sc.AutoProcScalingID, _ = integer(params["autoprocscaling_id"])
	sc.AutoProcProgramID, _ = integer(params["autoprocprogram_id"])

	sweeps, err := sweepList(params["sweep_list"])
	if err != nil {
		return mimas.Scenario{}, err
	}
	sc.Sweeps = sweeps

	if cell, ok := params["unit_cell"].([]interface{}); ok && len(cell) > 0 {
		uc, err := unitCell(cell)
		if err == nil {
			err = mimas.Validate(uc)
		}
		if err != nil {
			logger.WithError(err).WithField("UnitCell", cell).Warn("invalid unit cell")
		} else {
			sc.UnitCell = &uc
		}
	}

	if symbol := str(params["space_group"]); symbol != "" {
		sg := mimas.SpaceGroup{Symbol: symbol}
		if err := mimas.Validate(sg); err != nil {
			logger.WithError(err).WithField("SpaceGroup", symbol).Warn("invalid spacegroup")
		} else {
			sc.SpaceGroup = &sg
		}
	}

	if plan, ok := params["diffraction_plan_info"].(map[string]interface{}); ok {
		if symbol := str(plan["anomalousScatterer"]); symbol != "" {
			as := mimas.AnomalousScatterer{Symbol: symbol}
			if err := mimas.Validate(as); err != nil {
				logger.WithError(err).WithField("AnomalousScatterer", symbol).Warn("invalid anomalous scatterer")
			} else {
				sc.AnomalousScatterer = &as
			}
		}
	}

	if det, ok := mimas.ParseDetectorClass(str(params["detectorclass"])); ok {
		sc.DetectorClass = det
	}

	if name := str(params["target"]); name != "" {
		target, ok := mimas.ParseTarget(name)
		if !ok {
			return mimas.Scenario{}, zerr.Validationf("Target = %s", name)
		}
		sc.Target = target
	}

	sc.PDBFiles = pdbFiles(params["pdb_files_or_codes"])
	return sc, nil
}

// dcClass accepts a class name, or a legacy object of boolean flags
// checked in priority order.
func dcClass(logger logrus.FieldLogger, v interface{}) mimas.DCClass {
	if flags, ok := v.(map[string]interface{}); ok {
		for _, f := range []struct {
			key   string
			class mimas.DCClass
		}{
			{"serial_fixed", mimas.DCClassSerialFixed},
			{"serial_jet", mimas.DCClassSerialJet},
			{"grid", mimas.DCClassGridscan},
			{"screen", mimas.DCClassScreening},
			{"diamond_anvil_cell", mimas.DCClassDiamondAnvilCell},
			{"rotation", mimas.DCClassRotation},
		} {
			if set, _ := flags[f.key].(bool); set {
				return f.class
			}
		}
		return mimas.DCClassUndefined
	}
	name, _ := v.(string)
	class, ok := mimas.ParseDCClass(name)
	if !ok {
		logger.WithField("DCClass", v).Warn("invalid data collection class")
		return mimas.DCClassUndefined
	}
	return class
}

// sweepList accepts a list of [dcid, start, end] triples.
func sweepList(v interface{}) ([]mimas.Sweep, error) {
	items, _ := v.([]interface{})
	var sweeps []mimas.Sweep
	for _, item := range items {
		triple, ok := item.([]interface{})
		if !ok || len(triple) != 3 {
			return nil, zerr.Validationf("sweep %v is not a [dcid, start, end] triple", item)
		}
		var vals [3]int
		for i, x := range triple {
			if vals[i], ok = integer(x); !ok {
				return nil, zerr.Validationf("sweep %v has non-integer value %v", item, x)
			}
		}
		sweeps = append(sweeps, mimas.Sweep{DCID: vals[0], Start: vals[1], End: vals[2]})
	}
	return sweeps, nil
}

func unitCell(vals []interface{}) (mimas.UnitCell, error) {
	if len(vals) != 6 {
		return mimas.UnitCell{}, fmt.Errorf("expected 6 values, got %d", len(vals))
	}
	var f [6]float64
	for i, v := range vals {
		switch v := v.(type) {
		case float64:
			f[i] = v
		case string:
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return mimas.UnitCell{}, err
			}
			f[i] = x
		default:
			return mimas.UnitCell{}, fmt.Errorf("invalid value %v", v)
		}
	}
	return mimas.UnitCell{A: f[0], B: f[1], C: f[2], Alpha: f[3], Beta: f[4], Gamma: f[5]}, nil
}

// pdbFiles accepts a list of paths or codes, or objects with
// filepath, code and source keys. Each path is checked on disk here
// so the rules see a fixed picture.
func pdbFiles(v interface{}) []mimas.PDBFile {
	items, _ := v.([]interface{})
	var files []mimas.PDBFile
	for _, item := range items {
		var pdb mimas.PDBFile
		switch item := item.(type) {
		case string:
			if strings.ContainsRune(item, os.PathSeparator) {
				pdb.Path = item
			} else {
				pdb.Code = item
			}
		case map[string]interface{}:
			pdb.Path = str(item["filepath"])
			pdb.Code = str(item["code"])
			pdb.Source = str(item["source"])
		default:
			continue
		}
		if pdb.Path == "" && pdb.Code == "" {
			continue
		}
		if pdb.Path != "" {
			fi, err := os.Stat(pdb.Path)
			pdb.OnDisk = err == nil && fi.Mode().IsRegular()
		}
		files = append(files, pdb)
	}
	return files
}

// integer accepts a JSON number with no fractional part, or a
// string of decimal digits.
func integer(v interface{}) (int, bool) {
	switch v := v.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		if v == "" || strings.TrimLeft(v, "0123456789") != "" {
			return 0, false
		}
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
