// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ispyb

import (
	"context"
	"sort"
	"sync"
)

// Static is an in-memory Source, used by tests and by sites
// without a database.
type Static struct {
	mtx                sync.Mutex
	Collections        map[int64]DataCollection
	Beamlines          map[int64]string // by session id
	Detectors          map[int64]string // by detector id
	GridInfo           map[int64]bool   // by dcid or dcgid
	ExperimentTypes    map[int64]string // by dcgid
	Crystals           map[int64]Crystal
	DiffractionPlans   map[int64]DiffractionPlan
	PriorityPipelines  map[int64]string // by sample id
	ProcessingJobs     map[int64]ProcessingJob
	RunStatusOverrides map[int64]string
}

// Add stores a data collection.
func (s *Static) Add(dc DataCollection) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.Collections == nil {
		s.Collections = map[int64]DataCollection{}
	}
	s.Collections[dc.ID] = dc
}

func (s *Static) RunStatus(ctx context.Context, dcid int64) (string, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if st, ok := s.RunStatusOverrides[dcid]; ok {
		return st, true, nil
	}
	dc, ok := s.Collections[dcid]
	if !ok || dc.RunStatus == "" {
		return "", false, nil
	}
	return dc.RunStatus, true, nil
}

func (s *Static) DataCollection(ctx context.Context, dcid int64) (*DataCollection, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	dc, ok := s.Collections[dcid]
	if !ok {
		return nil, nil
	}
	return &dc, nil
}

func (s *Static) GroupCollections(ctx context.Context, dcgid int64) ([]DataCollection, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var dcs []DataCollection
	for _, dc := range s.Collections {
		if dc.GroupID != nil && *dc.GroupID == dcgid {
			dcs = append(dcs, dc)
		}
	}
	sort.Slice(dcs, func(i, j int) bool { return dcs[i].ID < dcs[j].ID })
	return dcs, nil
}

func (s *Static) Beamline(ctx context.Context, sessionID int64) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.Beamlines[sessionID], nil
}

func (s *Static) DetectorModel(ctx context.Context, detectorID int64) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.Detectors[detectorID], nil
}

func (s *Static) HasGridInfo(ctx context.Context, dcid, dcgid int64) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.GridInfo[dcid] || (dcgid != 0 && s.GridInfo[dcgid]), nil
}

func (s *Static) ExperimentType(ctx context.Context, dcgid int64) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.ExperimentTypes[dcgid], nil
}

func (s *Static) Crystal(ctx context.Context, dcid int64) (*Crystal, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	c, ok := s.Crystals[dcid]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Static) DiffractionPlan(ctx context.Context, dcid int64) (*DiffractionPlan, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	p, ok := s.DiffractionPlans[dcid]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Static) PriorityProcessing(ctx context.Context, sampleID int64) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.PriorityPipelines[sampleID], nil
}

func (s *Static) ProcessingJob(ctx context.Context, id int64) (*ProcessingJob, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	job, ok := s.ProcessingJobs[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}
