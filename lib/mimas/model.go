// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package mimas decides which processing to run for a data
// collection event. Rules match a Scenario against a Specification
// and return Invocations: recipes to run immediately, or processing
// jobs to register with the experiment-tracking service.
package mimas

import (
	"math"
	"strconv"
	"strings"
)

// DCClass is the kind of data collection.
type DCClass string

const (
	DCClassGridscan         DCClass = "GRIDSCAN"
	DCClassRotation         DCClass = "ROTATION"
	DCClassScreening        DCClass = "SCREENING"
	DCClassDiamondAnvilCell DCClass = "DIAMOND_ANVIL_CELL"
	DCClassSerialFixed      DCClass = "SERIAL_FIXED"
	DCClassSerialJet        DCClass = "SERIAL_JET"
	DCClassUndefined        DCClass = "UNDEFINED"
)

var dcClasses = map[DCClass]bool{
	DCClassGridscan:         true,
	DCClassRotation:         true,
	DCClassScreening:        true,
	DCClassDiamondAnvilCell: true,
	DCClassSerialFixed:      true,
	DCClassSerialJet:        true,
	DCClassUndefined:        true,
}

// Event is the point in a data collection's lifecycle that
// triggered a decision.
type Event string

const (
	EventStart      Event = "START"
	EventEnd        Event = "END"
	EventEndGroup   Event = "END_GROUP"
	EventProcessing Event = "PROCESSING"
)

var events = map[Event]bool{
	EventStart:      true,
	EventEnd:        true,
	EventEndGroup:   true,
	EventProcessing: true,
}

// DetectorClass is the detector family. The zero value means the
// detector is not known.
type DetectorClass string

const (
	DetectorPilatus DetectorClass = "PILATUS"
	DetectorEiger   DetectorClass = "EIGER"
)

// Target names the downstream program requested by a PROCESSING
// event. The zero value means no target.
type Target string

const (
	TargetAlphaFold     Target = "ALPHAFOLD"
	TargetBigEP         Target = "BIG_EP"
	TargetBigEPLauncher Target = "BIG_EP_LAUNCHER"
	TargetDimple        Target = "DIMPLE"
	TargetFastEP        Target = "FAST_EP"
	TargetMrBUMP        Target = "MRBUMP"
	TargetMultiplex     Target = "MULTIPLEX"
	TargetShelxt        Target = "SHELXT"
)

var targets = map[Target]bool{
	TargetAlphaFold:     true,
	TargetBigEP:         true,
	TargetBigEPLauncher: true,
	TargetDimple:        true,
	TargetFastEP:        true,
	TargetMrBUMP:        true,
	TargetMultiplex:     true,
	TargetShelxt:        true,
}

// ParseDCClass returns the DCClass with the given name, ignoring
// case.
func ParseDCClass(s string) (DCClass, bool) {
	c := DCClass(strings.ToUpper(s))
	return c, dcClasses[c]
}

// ParseEvent returns the Event with the given name, ignoring case.
func ParseEvent(s string) (Event, bool) {
	e := Event(strings.ToUpper(s))
	return e, events[e]
}

// ParseDetectorClass returns the DetectorClass with the given name,
// ignoring case.
func ParseDetectorClass(s string) (DetectorClass, bool) {
	d := DetectorClass(strings.ToUpper(s))
	return d, d == DetectorPilatus || d == DetectorEiger
}

// ParseTarget returns the Target with the given name, ignoring case.
func ParseTarget(s string) (Target, bool) {
	t := Target(strings.ToUpper(s))
	return t, targets[t]
}

// UnitCell holds cell lengths (Å) and angles (degrees).
type UnitCell struct {
	A, B, C            float64
	Alpha, Beta, Gamma float64
}

// String returns the comma-separated cell, e.g.
// "10.89,8.69,7.77,90.0,103.0,90.0".
func (uc UnitCell) String() string {
	vals := []float64{uc.A, uc.B, uc.C, uc.Alpha, uc.Beta, uc.Gamma}
	s := make([]string, len(vals))
	for i, v := range vals {
		s[i] = formatFloat(v)
	}
	return strings.Join(s, ",")
}

// formatFloat renders v the way downstream processing programs
// expect: shortest round-trip digits, always with a decimal point
// or exponent.
func formatFloat(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	if abs := math.Abs(v); abs != 0 && (abs >= 1e16 || abs < 1e-4) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// SpaceGroup is a space group given by any recognised symbol.
type SpaceGroup struct {
	Symbol string
}

// String returns the full Hermann-Mauguin symbol without spaces,
// e.g. "P1211" for "P21". If the symbol is not recognised, it is
// returned unchanged.
func (sg SpaceGroup) String() string {
	if info, ok := LookupSpaceGroup(sg.Symbol); ok {
		return strings.ReplaceAll(info.HM, " ", "")
	}
	return sg.Symbol
}

// AnomalousScatterer is the chemical element expected to give an
// anomalous signal.
type AnomalousScatterer struct {
	Symbol string
}

// String returns the canonical element symbol, e.g. "Se" for "SE".
func (as AnomalousScatterer) String() string {
	if el, ok := LookupElement(as.Symbol); ok {
		return el.Symbol
	}
	return as.Symbol
}

// Sweep is a contiguous image range of a data collection.
type Sweep struct {
	DCID  int `json:"DCID"`
	Start int `json:"start"`
	End   int `json:"end"`
}

type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type TriggerVariable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PDBFile is a model or model code known for a data collection.
type PDBFile struct {
	// Path to a coordinate file, or "" for a bare code.
	Path string
	Code string
	// Origin of the model, e.g. "AlphaFold" or "User".
	Source string
	// Path refers to an existing regular file. Set when the
	// scenario is built, so rules never touch the filesystem.
	OnDisk bool
}

// String returns the path if there is one, else the code.
func (p PDBFile) String() string {
	if p.Path != "" {
		return p.Path
	}
	return p.Code
}

// CloudburstPolicy marks recipes that should run on the cloud
// cluster when the scenario satisfies Spec.
type CloudburstPolicy struct {
	Spec    Specification
	Recipes []string
}

// Scenario describes one data collection event. Scenarios are
// passed by value and not modified by rules.
type Scenario struct {
	DCID      int
	DCClass   DCClass
	Event     Event
	Beamline  string
	Visit     string
	RunStatus string

	SpaceGroup          *SpaceGroup
	UnitCell            *UnitCell
	Sweeps              []Sweep
	PreferredProcessing string
	DetectorClass       DetectorClass
	AnomalousScatterer  *AnomalousScatterer

	// Fields used by PROCESSING events.
	Target            Target
	Mtz               string
	ScaledUnmergedMtz string
	AutoProcScalingID int
	AutoProcProgramID int
	UpstreamSource    string
	Tag               string
	Comment           string
	PDBFiles          []PDBFile

	// Active cloudburst policies, in priority order. Empty when
	// cloudbursting is off.
	Cloudbursting []CloudburstPolicy
}

// SymmetryParameters returns the spacegroup and unit_cell
// parameters for the scenario, or nil if no space group is known.
func (s Scenario) SymmetryParameters() []Parameter {
	if s.SpaceGroup == nil {
		return nil
	}
	params := []Parameter{{Key: "spacegroup", Value: s.SpaceGroup.String()}}
	if s.UnitCell != nil {
		params = append(params, Parameter{Key: "unit_cell", Value: s.UnitCell.String()})
	}
	return params
}

// ParameterSets returns the parameter sets that multi-variant
// processing runs with: one with no extra parameters, plus one with
// the symmetry parameters if a space group is known.
func (s Scenario) ParameterSets() [][]Parameter {
	sets := [][]Parameter{nil}
	if sym := s.SymmetryParameters(); sym != nil {
		sets = append(sets, sym)
	}
	return sets
}

// HasRelatedDataCollections reports whether a rotation scenario
// shares its data collection group with other data collections.
func (s Scenario) HasRelatedDataCollections() bool {
	if s.DCClass != DCClassRotation {
		return false
	}
	for _, sw := range s.Sweeps {
		if sw.DCID != s.DCID {
			return true
		}
	}
	return false
}
