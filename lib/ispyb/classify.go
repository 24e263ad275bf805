// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ispyb

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// DCClass is the legacy data collection classification: several
// flags may be set at once.
type DCClass struct {
	Grid             bool `json:"grid"`
	Screen           bool `json:"screen"`
	Rotation         bool `json:"rotation"`
	SerialFixed      bool `json:"serial_fixed"`
	SerialJet        bool `json:"serial_jet"`
	DiamondAnvilCell bool `json:"diamond_anvil_cell"`
}

// Name returns the single class name used for recipe selection and
// by the decision engine. When several flags are set, serial
// collections win over grid scans, then screening, then diamond
// anvil cell, then rotation.
func (c DCClass) Name() string {
	switch {
	case c.SerialFixed:
		return "serial_fixed"
	case c.SerialJet:
		return "serial_jet"
	case c.Grid:
		return "gridscan"
	case c.Screen:
		return "screening"
	case c.DiamondAnvilCell:
		return "diamond_anvil_cell"
	case c.Rotation:
		return "rotation"
	default:
		return "undefined"
	}
}

const (
	experimentSerialFixed = "Serial Fixed"
	experimentSerialJet   = "Serial Jet"
	experimentDAC         = "Diamond Anvil High Pressure"
)

// Classify derives the class flags of a data collection from its
// geometry, grid info, and group experiment type.
func Classify(dc *DataCollection, hasGridInfo bool, experimentType string) DCClass {
	serial := experimentType == experimentSerialFixed || experimentType == experimentSerialJet
	return DCClass{
		Grid:             hasGridInfo,
		Screen:           isScreening(dc) && !serial,
		Rotation:         isRotation(dc),
		SerialFixed:      experimentType == experimentSerialFixed,
		SerialJet:        experimentType == experimentSerialJet,
		DiamondAnvilCell: experimentType == experimentDAC,
	}
}

func isScreening(dc *DataCollection) bool {
	if dc.NumberOfImages == nil {
		return false
	}
	if *dc.NumberOfImages == 1 {
		return true
	}
	return *dc.NumberOfImages > 1 && dc.Overlap != nil && *dc.Overlap != 0
}

func isRotation(dc *DataCollection) bool {
	if dc.Overlap == nil || dc.AxisRange == nil {
		return false
	}
	return *dc.Overlap == 0 && *dc.AxisRange > 0
}

// ImageRange returns the first and last image numbers, if known.
func (dc *DataCollection) ImageRange() (start, end int64, ok bool) {
	if dc.StartImageNumber == nil || dc.NumberOfImages == nil {
		return 0, 0, false
	}
	return *dc.StartImageNumber, *dc.StartImageNumber + *dc.NumberOfImages - 1, true
}

var hashRun = regexp.MustCompile(`#+`)

// FilenamePattern returns the file template with its run of '#'
// replaced by a zero-padded printf verb, e.g. "x_####.cbf" becomes
// "x_%04d.cbf". Literal '%' characters are escaped.
func FilenamePattern(template string) string {
	if !strings.Contains(template, "#") {
		return template
	}
	template = strings.ReplaceAll(template, "%", "%%")
	width := strings.Count(template, "#")
	prefix := template[:strings.Index(template, "#")]
	suffix := template[strings.LastIndex(template, "#")+1:]
	return fmt.Sprintf("%s%%0%dd%s", prefix, width, suffix)
}

// Filename returns the path of the given image, or of the first
// image if image is 0. Templates without a numbering placeholder
// name a single container file.
func (dc *DataCollection) Filename(image int64) string {
	pattern := FilenamePattern(dc.FileTemplate)
	if !strings.Contains(pattern, "%") {
		return path.Join(dc.ImageDirectory, pattern)
	}
	if image == 0 {
		if dc.StartImageNumber == nil || *dc.StartImageNumber == 0 {
			return ""
		}
		image = *dc.StartImageNumber
	}
	return path.Join(dc.ImageDirectory, fmt.Sprintf(pattern, image))
}

// sweepImage returns the "file:start:end" form of an image range
// used in ispyb_images.
func sweepImage(directory, template string, start, end int64) string {
	file := path.Join(directory, template)
	if loc := hashRun.FindStringIndex(file); loc != nil {
		file = file[:loc[0]] + fmt.Sprintf("%0*d", loc[1]-loc[0], start) + file[loc[1]:]
	}
	return fmt.Sprintf("%s:%d:%d", file, start, end)
}

var visitBase = regexp.MustCompile(`^(.*/([a-z][a-z][0-9]+-[0-9]+))/`)

// VisitDirectory returns the visit directory containing an image
// directory: /dls/i03/data/2024/cm1234-5/x/ gives
// /dls/i03/data/2024/cm1234-5.
func VisitDirectory(directory string) string {
	if m := visitBase.FindStringSubmatch(directory); m != nil {
		return m[1]
	}
	return ""
}

// Visit returns the visit name of an image directory, e.g.
// cm1234-5.
func Visit(directory string) string {
	if m := visitBase.FindStringSubmatch(directory); m != nil {
		return m[2]
	}
	return ""
}

// collectionDirectory returns <visit>/<top>/<rest of image dir>/<prefix>_<number>/<uuid>.
func (dc *DataCollection) collectionDirectory(top, uuid string) string {
	if dc.ImageDirectory == "" {
		return ""
	}
	visit := VisitDirectory(dc.ImageDirectory)
	rest := ""
	if visit != "" && len(dc.ImageDirectory) > len(visit)+1 {
		rest = dc.ImageDirectory[len(visit)+1:]
	}
	number := ""
	if dc.DataCollectionNumber != nil && *dc.DataCollectionNumber != 0 {
		number = fmt.Sprint(*dc.DataCollectionNumber)
	}
	collection := ""
	if dc.ImagePrefix != "" || number != "" {
		collection = dc.ImagePrefix + "_" + number
	}
	return path.Join(visit, top, rest, collection, uuid)
}

// WorkingDirectory is where processing jobs for this collection
// keep temporary files.
func (dc *DataCollection) WorkingDirectory(uuid string) string {
	return dc.collectionDirectory("tmp/zocalo", uuid)
}

// ResultsDirectory is where processing jobs for this collection
// write their results.
func (dc *DataCollection) ResultsDirectory(uuid string) string {
	return dc.collectionDirectory("processed", uuid)
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]+`)

// CrystalName returns the crystal label used by the processing
// pipelines: "x" followed by the alphanumeric characters of the
// image prefix and collection number.
func (dc *DataCollection) CrystalName() string {
	if dc.ImagePrefix == "" || dc.DataCollectionNumber == nil || *dc.DataCollectionNumber == 0 {
		return "DEFAULT"
	}
	return "x" + nonAlnum.ReplaceAllString(fmt.Sprintf("%s%d", dc.ImagePrefix, *dc.DataCollectionNumber), "")
}

// ProjectName returns the project label for a visit.
func ProjectName(visit string) string {
	if visit == "" {
		visit = "AUTOMATIC"
	}
	return strings.ReplaceAll(visit, "-", "v")
}

// DetectorClass returns "eiger" or "pilatus" from the detector
// model, falling back to the file template, or "" if unknown.
func DetectorClass(model, template string) string {
	switch m := strings.ToLower(model); {
	case strings.HasPrefix(m, "eiger"):
		return "eiger"
	case strings.HasPrefix(m, "pilatus"):
		return "pilatus"
	}
	switch {
	case strings.HasSuffix(template, "master.h5"):
		return "eiger"
	case strings.HasSuffix(template, ".cbf"):
		return "pilatus"
	}
	return ""
}
