// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ispyb looks up data collection metadata in the
// experiment-tracking database and merges it into processing
// request parameters.
package ispyb

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// Enricher is the dispatcher's view of the experiment-tracking
// database.
type Enricher interface {
	// ReadyForProcessing reports whether the database has
	// caught up with the data collection named in params.
	ReadyForProcessing(ctx context.Context, message, params map[string]interface{}) (bool, error)
	// Filter returns the message and parameters with database
	// fields merged in.
	Filter(ctx context.Context, message, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, error)
	GetProcessingJob(ctx context.Context, id int64) (*ProcessingJob, error)
}

// Source answers the individual database queries used by the
// enricher. Lookups of rows that do not exist return a nil record
// (or zero value) and a nil error.
type Source interface {
	// RunStatus returns the run status of a data collection.
	// ok is false if the status has not been recorded yet.
	RunStatus(ctx context.Context, dcid int64) (status string, ok bool, err error)
	DataCollection(ctx context.Context, dcid int64) (*DataCollection, error)
	// GroupCollections returns every data collection in a
	// data collection group, ordered by id.
	GroupCollections(ctx context.Context, dcgid int64) ([]DataCollection, error)
	Beamline(ctx context.Context, sessionID int64) (string, error)
	DetectorModel(ctx context.Context, detectorID int64) (string, error)
	HasGridInfo(ctx context.Context, dcid, dcgid int64) (bool, error)
	ExperimentType(ctx context.Context, dcgid int64) (string, error)
	Crystal(ctx context.Context, dcid int64) (*Crystal, error)
	DiffractionPlan(ctx context.Context, dcid int64) (*DiffractionPlan, error)
	// PriorityProcessing returns the processing pipeline
	// requested for a sample's container, or "".
	PriorityProcessing(ctx context.Context, sampleID int64) (string, error)
	ProcessingJob(ctx context.Context, id int64) (*ProcessingJob, error)
}

// DataCollection is one row of the DataCollection table. Nullable
// numeric columns are pointers.
type DataCollection struct {
	ID                   int64    `db:"datacollectionid" json:"dataCollectionId"`
	GroupID              *int64   `db:"datacollectiongroupid" json:"dataCollectionGroupId"`
	SessionID            *int64   `db:"sessionid" json:"SESSIONID"`
	SampleID             *int64   `db:"blsampleid" json:"BLSAMPLEID"`
	DetectorID           *int64   `db:"detectorid" json:"detectorId"`
	ImageDirectory       string   `db:"imagedirectory" json:"imageDirectory"`
	ImagePrefix          string   `db:"imageprefix" json:"imagePrefix"`
	FileTemplate         string   `db:"filetemplate" json:"fileTemplate"`
	DataCollectionNumber *int64   `db:"datacollectionnumber" json:"dataCollectionNumber"`
	StartImageNumber     *int64   `db:"startimagenumber" json:"startImageNumber"`
	NumberOfImages       *int64   `db:"numberofimages" json:"numberOfImages"`
	Overlap              *float64 `db:"overlap" json:"overlap"`
	AxisRange            *float64 `db:"axisrange" json:"axisRange"`
	RunStatus            string   `db:"runstatus" json:"runStatus"`
}

// Crystal holds the symmetry recorded for a sample. Cell entries
// are nil when not recorded.
type Crystal struct {
	SpaceGroup string   `db:"spacegroup"`
	CellA      *float64 `db:"cell_a"`
	CellB      *float64 `db:"cell_b"`
	CellC      *float64 `db:"cell_c"`
	CellAlpha  *float64 `db:"cell_alpha"`
	CellBeta   *float64 `db:"cell_beta"`
	CellGamma  *float64 `db:"cell_gamma"`
}

// UnitCell returns the six cell parameters, or nil unless all of
// them are recorded and non-zero.
func (c *Crystal) UnitCell() []float64 {
	var cell []float64
	for _, p := range []*float64{c.CellA, c.CellB, c.CellC, c.CellAlpha, c.CellBeta, c.CellGamma} {
		if p == nil || *p == 0 {
			return nil
		}
		cell = append(cell, *p)
	}
	return cell
}

type DiffractionPlan struct {
	ID                 int64    `db:"diffractionplanid" json:"diffractionPlanId"`
	ExperimentKind     string   `db:"experimentkind" json:"experimentKind"`
	AnomalousScatterer string   `db:"anomalousscatterer" json:"anomalousScatterer"`
	RequiredResolution *float64 `db:"requiredresolution" json:"requiredResolution"`
}

// ProcessingJob is a processing request recorded by a user or by
// the decision engine, with its parameters and image sweeps.
type ProcessingJob struct {
	ID               int64                    `db:"processingjobid" json:"processingJobId"`
	DataCollectionID int64                    `db:"datacollectionid" json:"dataCollectionId"`
	DisplayName      string                   `db:"displayname" json:"displayName"`
	Comments         string                   `db:"comments" json:"comments"`
	Recipe           string                   `db:"recipe" json:"recipe"`
	Automatic        bool                     `db:"automatic" json:"automatic"`
	Parameters       []ProcessingJobParameter `json:"ProcessingJobParameters"`
	Sweeps           []ProcessingJobSweep     `json:"ProcessingJobImageSweeps"`
}

type ProcessingJobParameter struct {
	Key   string `db:"parameterkey" json:"parameterKey"`
	Value string `db:"parametervalue" json:"parameterValue"`
}

type ProcessingJobSweep struct {
	DataCollectionID int64  `db:"datacollectionid" json:"dataCollectionId"`
	StartImage       int64  `db:"startimage" json:"startImage"`
	EndImage         int64  `db:"endimage" json:"endImage"`
	ImageDirectory   string `db:"imagedirectory" json:"-"`
	FileTemplate     string `db:"filetemplate" json:"-"`
}

// IntParam returns the integer value of a request parameter given
// as a number or a numeric string.
func IntParam(params map[string]interface{}, key string) (int64, bool) {
	switch v := params[key].(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// BoolParam reports whether a request parameter is set to a true
// value ("true", "yes", "1", a non-zero number, or true).
func BoolParam(params map[string]interface{}, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		switch strings.ToLower(v) {
		case "", "0", "false", "no", "none":
			return false
		}
		return true
	default:
		return v != nil
	}
}
