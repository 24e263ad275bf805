// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ispyb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

// NewEnricher returns an Enricher that answers its queries from src.
func NewEnricher(src Source, cfg zocalo.ISPyBConfig) Enricher {
	return &enricher{src: src, config: cfg}
}

type enricher struct {
	src    Source
	config zocalo.ISPyBConfig
}

func (e *enricher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := e.config.QueryTimeout.Duration(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// ReadyForProcessing is only ever false for requests that set
// ispyb_wait_for_runstatus, while the collection has no run status.
func (e *enricher) ReadyForProcessing(ctx context.Context, message, params map[string]interface{}) (bool, error) {
	if !BoolParam(params, "ispyb_wait_for_runstatus") {
		return true, nil
	}
	dcid, ok := IntParam(params, "ispyb_dcid")
	if !ok || dcid == 0 {
		return true, nil
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	_, ok, err := e.src.RunStatus(ctx, dcid)
	if err != nil {
		return false, zerr.TransientUpstreamf("checking run status of dcid %d: %w", dcid, err)
	}
	return ok, nil
}

func (e *enricher) GetProcessingJob(ctx context.Context, id int64) (*ProcessingJob, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.src.ProcessingJob(ctx, id)
}

// Filter merges the database view of the request's data collection
// into params. Requests without ispyb_dcid (after resolving any
// reprocessing job) are returned unchanged.
func (e *enricher) Filter(ctx context.Context, message, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	logger := ctxlog.FromContext(ctx)
	if message == nil {
		message = map[string]interface{}{}
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	if err := e.reprocessing(ctx, params); err != nil {
		return nil, nil, err
	}
	dcid, ok := IntParam(params, "ispyb_dcid")
	if !ok {
		return message, params, nil
	}

	dc, err := e.src.DataCollection(ctx, dcid)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up dcid %d: %w", dcid, err)
	} else if dc == nil {
		return nil, nil, zerr.Validationf("no database entry found for dcid=%d", dcid)
	}
	guid, _ := params["guid"].(string)
	if guid == "" {
		guid = uuid.NewString()
	}

	found := map[string]interface{}{}
	dcInfo, err := toMap(dc)
	if err != nil {
		return nil, nil, err
	}
	dcInfo["uuid"] = guid
	found["ispyb_dc_info"] = dcInfo

	if dc.SessionID != nil {
		bl, err := e.src.Beamline(ctx, *dc.SessionID)
		if err != nil {
			return nil, nil, err
		}
		found["ispyb_beamline"] = bl
	}
	model := ""
	if dc.DetectorID != nil {
		if model, err = e.src.DetectorModel(ctx, *dc.DetectorID); err != nil {
			return nil, nil, err
		}
	}
	found["ispyb_detectorclass"] = DetectorClass(model, dc.FileTemplate)

	var dcgid int64
	if dc.GroupID != nil {
		dcgid = *dc.GroupID
	}
	grid, err := e.src.HasGridInfo(ctx, dcid, dcgid)
	if err != nil {
		return nil, nil, err
	}
	expType := ""
	if dcgid != 0 {
		if expType, err = e.src.ExperimentType(ctx, dcgid); err != nil {
			return nil, nil, err
		}
	}
	class := Classify(dc, grid, expType)
	found["ispyb_dcg_experiment_type"] = expType
	found["ispyb_dc_class"] = class

	plan, err := e.src.DiffractionPlan(ctx, dcid)
	if err != nil {
		return nil, nil, err
	}
	if plan != nil {
		found["ispyb_diffraction_plan"] = plan
	}

	preferred := ""
	if dc.SampleID != nil {
		if preferred, err = e.src.PriorityProcessing(ctx, *dc.SampleID); err != nil {
			return nil, nil, err
		}
	}
	if preferred == "" {
		preferred = e.config.DefaultPipeline
	}
	found["ispyb_preferred_processing"] = preferred

	start, end, haveRange := dc.ImageRange()
	if haveRange {
		found["ispyb_image_first"] = start
		found["ispyb_image_last"] = end
	}
	found["ispyb_image_template"] = dc.FileTemplate
	found["ispyb_image_directory"] = dc.ImageDirectory
	found["ispyb_image_pattern"] = FilenamePattern(dc.FileTemplate)
	visit := Visit(dc.ImageDirectory)
	found["ispyb_visit"] = visit
	found["ispyb_visit_directory"] = VisitDirectory(dc.ImageDirectory)
	found["ispyb_working_directory"] = dc.WorkingDirectory(guid)
	found["ispyb_results_directory"] = dc.ResultsDirectory(guid)
	found["ispyb_project"] = ProjectName(visit)
	found["ispyb_crystal"] = dc.CrystalName()

	found["ispyb_space_group"] = ""
	if xtal, err := e.src.Crystal(ctx, dcid); err != nil {
		return nil, nil, err
	} else if xtal != nil && xtal.SpaceGroup != "" {
		found["ispyb_space_group"] = xtal.SpaceGroup
		if cell := xtal.UnitCell(); cell != nil {
			found["ispyb_unit_cell"] = cell
		}
	}

	sweeps := []interface{}{}
	related := []string{}
	var dcgDCIDs []int64
	if dcgid != 0 && (class.Rotation || class.SerialFixed || class.SerialJet) && !class.Grid && !class.Screen {
		group, err := e.src.GroupCollections(ctx, dcgid)
		if err != nil {
			return nil, nil, err
		}
		for _, other := range group {
			other := other
			s, en, ok := other.ImageRange()
			if !ok {
				continue
			}
			sweeps = append(sweeps, []int64{other.ID, s, en})
			if other.ID != dcid && isRotation(&other) && !strings.HasPrefix(dc.ImageDirectory, "/dls/mx") {
				related = append(related, sweepImage(other.ImageDirectory, other.FileTemplate, s, en))
			}
			if other.ID != dcid {
				dcgDCIDs = append(dcgDCIDs, other.ID)
			}
		}
	}
	found["ispyb_related_sweeps"] = sweeps
	found["ispyb_dcg_dcids"] = dcgDCIDs

	for k, v := range found {
		params[k] = v
	}
	if _, ok := params["ispyb_image"]; !ok && haveRange {
		params["ispyb_image"] = fmt.Sprintf("%s:%d:%d", dc.Filename(0), start, end)
	}
	if class.Screen {
		params["ispyb_images"] = ""
	} else if s, _ := params["ispyb_images"].(string); s == "" && len(related) > 0 {
		params["ispyb_images"] = strings.Join(related, ",")
	}

	if job, ok := params["ispyb_processing_job"].(*ProcessingJob); ok && job.Recipe != "" && message["recipes"] == nil && message["custom_recipe"] == nil {
		message["recipes"] = []interface{}{"ispyb-" + job.Recipe}
	} else if recipes := e.config.DefaultRecipes[class.Name()]; len(recipes) > 0 {
		names := make([]interface{}, len(recipes))
		for i, r := range recipes {
			names[i] = r
		}
		message["default_recipe"] = names
	}
	logger.WithField("DCID", dcid).WithField("DCClass", class.Name()).Debug("merged database fields")
	return message, params, nil
}

// reprocessing resolves ispyb_reprocessing_id (or ispyb_process) to
// the recorded processing job, its parameters and sweeps.
func (e *enricher) reprocessing(ctx context.Context, params map[string]interface{}) error {
	id, ok := IntParam(params, "ispyb_reprocessing_id")
	if !ok {
		id, ok = IntParam(params, "ispyb_process")
	}
	if !ok || id == 0 {
		return nil
	}
	params["ispyb_process"] = id
	job, err := e.src.ProcessingJob(ctx, id)
	if err != nil {
		return fmt.Errorf("looking up processing job %d: %w", id, err)
	}
	if job == nil {
		ctxlog.FromContext(ctx).WithField("ProcessingJobID", id).Warn("reprocessing job not found")
		return zerr.Validationf("processing job %d not found", id)
	}
	var images []string
	for _, sw := range job.Sweeps {
		images = append(images, sweepImage(sw.ImageDirectory, sw.FileTemplate, sw.StartImage, sw.EndImage))
	}
	params["ispyb_images"] = strings.Join(images, ",")
	single := map[string]interface{}{}
	multi := map[string]interface{}{}
	for _, p := range job.Parameters {
		single[p.Key] = p.Value
		list, _ := multi[p.Key].([]interface{})
		multi[p.Key] = append(list, p.Value)
	}
	params["ispyb_reprocessing_parameters"] = single
	params["ispyb_processing_parameters"] = multi
	params["ispyb_processing_job"] = job
	if _, ok := params["ispyb_dcid"]; !ok {
		params["ispyb_dcid"] = job.DataCollectionID
	}
	return nil
}

// toMap returns the JSON object form of v.
func toMap(v interface{}) (map[string]interface{}, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	err = json.Unmarshal(buf, &m)
	return m, err
}
