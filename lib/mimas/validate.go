// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mimas

import (
	"github.com/zocalo-go/zocalo/lib/zerr"
)

func errUnknown(x interface{}) error {
	return zerr.Validationf("%#v is not a known mimas object", x)
}

// Validate checks x, which may be any of the value types in this
// package, for consistency. It returns a zerr.Validation error
// describing the first problem found.
func Validate(x interface{}) error {
	switch x := x.(type) {
	case Scenario:
		return validateScenario(x)
	case *Scenario:
		if x == nil {
			return errUnknown(x)
		}
		return validateScenario(*x)
	case DCClass:
		if !dcClasses[x] {
			return zerr.Validationf("%q is not a data collection class", string(x))
		}
	case Event:
		if !events[x] {
			return zerr.Validationf("%q is not an event", string(x))
		}
	case DetectorClass:
		if x != DetectorPilatus && x != DetectorEiger {
			return zerr.Validationf("%q is not a detector class", string(x))
		}
	case Target:
		if !targets[x] {
			return zerr.Validationf("%q is not a processing target", string(x))
		}
	case RecipeInvocation:
		if x.DCID <= 0 {
			return zerr.Validationf("%+v has an invalid DCID", x)
		}
		if x.Recipe == "" {
			return zerr.Validationf("%+v has empty recipe string", x)
		}
	case JobInvocation:
		return validateJob(x)
	case Parameter:
		if x.Key == "" {
			return zerr.Validationf("%+v has an empty key", x)
		}
	case TriggerVariable:
		if x.Key == "" {
			return zerr.Validationf("%+v has an empty key", x)
		}
	case Sweep:
		switch {
		case x.DCID <= 0:
			return zerr.Validationf("%+v has an invalid DCID", x)
		case x.Start <= 0:
			return zerr.Validationf("%+v has an invalid start image", x)
		case x.End < x.Start:
			return zerr.Validationf("%+v has an invalid end image", x)
		}
	case UnitCell:
		return validateUnitCell(x)
	case SpaceGroup:
		if _, ok := LookupSpaceGroup(x.Symbol); !ok {
			return zerr.Validationf("unknown space group %q", x.Symbol)
		}
	case AnomalousScatterer:
		if _, ok := LookupElement(x.Symbol); !ok {
			return zerr.Validationf("anomalous scatterer %q is not a valid element", x.Symbol)
		}
	default:
		return errUnknown(x)
	}
	return nil
}

func validateScenario(s Scenario) error {
	if s.DCID <= 0 {
		return zerr.Validationf("scenario has an invalid DCID %d", s.DCID)
	}
	if err := Validate(s.DCClass); err != nil {
		return err
	}
	if err := Validate(s.Event); err != nil {
		return err
	}
	for _, sw := range s.Sweeps {
		if err := Validate(sw); err != nil {
			return err
		}
	}
	if s.UnitCell != nil {
		if err := Validate(*s.UnitCell); err != nil {
			return err
		}
	}
	if s.SpaceGroup != nil {
		if err := Validate(*s.SpaceGroup); err != nil {
			return err
		}
	}
	if s.DetectorClass != "" {
		if err := Validate(s.DetectorClass); err != nil {
			return err
		}
	}
	if s.AnomalousScatterer != nil {
		if err := Validate(*s.AnomalousScatterer); err != nil {
			return err
		}
	}
	if s.Target != "" {
		if err := Validate(s.Target); err != nil {
			return err
		}
	}
	return nil
}

func validateJob(j JobInvocation) error {
	if j.DCID <= 0 {
		return zerr.Validationf("job for recipe %q has an invalid DCID %d", j.Recipe, j.DCID)
	}
	if j.Recipe == "" {
		return zerr.Validationf("job for DCID %d has empty recipe string", j.DCID)
	}
	for _, p := range j.Parameters {
		if err := Validate(p); err != nil {
			return err
		}
	}
	for _, sw := range j.Sweeps {
		if err := Validate(sw); err != nil {
			return err
		}
	}
	for _, tv := range j.TriggerVariables {
		if err := Validate(tv); err != nil {
			return err
		}
	}
	return nil
}

func validateUnitCell(uc UnitCell) error {
	for _, l := range []struct {
		name string
		v    float64
	}{{"a", uc.A}, {"b", uc.B}, {"c", uc.C}} {
		if !(l.v > 0) {
			return zerr.Validationf("%+v has invalid length %s", uc, l.name)
		}
	}
	for _, a := range []struct {
		name string
		v    float64
	}{{"alpha", uc.Alpha}, {"beta", uc.Beta}, {"gamma", uc.Gamma}} {
		if !(a.v > 0 && a.v < 180) {
			return zerr.Validationf("%+v has invalid angle %s", uc, a.name)
		}
	}
	return nil
}
