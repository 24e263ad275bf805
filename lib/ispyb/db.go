// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ispyb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

// DB is a Source backed by the experiment-tracking database.
type DB struct {
	db *sqlx.DB
}

// OpenDB connects to the database named in cfg.
func OpenDB(cfg zocalo.ISPyBConfig) (*DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("no database connection string configured")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return &DB{db: db}, nil
}

// NewDB returns a Source using an existing connection.
func NewDB(db *sqlx.DB) *DB {
	return &DB{db: db}
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

const (
	sqlRunStatus = `SELECT runstatus FROM datacollection WHERE datacollectionid=$1`

	sqlDataCollectionColumns = `datacollectionid, datacollectiongroupid, sessionid, blsampleid, detectorid,
		COALESCE(imagedirectory, '') AS imagedirectory,
		COALESCE(imageprefix, '') AS imageprefix,
		COALESCE(filetemplate, '') AS filetemplate,
		datacollectionnumber, startimagenumber, numberofimages, overlap, axisrange,
		COALESCE(runstatus, '') AS runstatus`

	sqlDataCollection = `SELECT ` + sqlDataCollectionColumns + ` FROM datacollection WHERE datacollectionid=$1`

	sqlGroupCollections = `SELECT ` + sqlDataCollectionColumns + ` FROM datacollection WHERE datacollectiongroupid=$1 ORDER BY datacollectionid`

	sqlBeamline = `SELECT COALESCE(beamlinename, '') FROM blsession WHERE sessionid=$1`

	sqlDetectorModel = `SELECT COALESCE(detectormodel, '') FROM detector WHERE detectorid=$1`

	sqlGridInfo = `SELECT COUNT(*) FROM gridinfo WHERE datacollectionid=$1 OR (datacollectiongroupid IS NOT NULL AND datacollectiongroupid=$2)`

	sqlExperimentType = `SELECT COALESCE(experimenttype, '') FROM datacollectiongroup WHERE datacollectiongroupid=$1`

	sqlCrystal = `SELECT COALESCE(c.spacegroup, '') AS spacegroup, c.cell_a, c.cell_b, c.cell_c, c.cell_alpha, c.cell_beta, c.cell_gamma
		FROM crystal c
		JOIN blsample s ON s.crystalid=c.crystalid
		JOIN datacollectiongroup g ON g.blsampleid=s.blsampleid
		JOIN datacollection d ON d.datacollectiongroupid=g.datacollectiongroupid
		WHERE d.datacollectionid=$1
		LIMIT 1`

	sqlDiffractionPlan = `SELECT p.diffractionplanid, COALESCE(p.experimentkind, '') AS experimentkind,
		COALESCE(p.anomalousscatterer, '') AS anomalousscatterer, p.requiredresolution
		FROM diffractionplan p
		JOIN blsample s ON s.diffractionplanid=p.diffractionplanid
		JOIN datacollectiongroup g ON g.blsampleid=s.blsampleid
		JOIN datacollection d ON d.datacollectiongroupid=g.datacollectiongroupid
		WHERE d.datacollectionid=$1
		LIMIT 1`

	sqlPriorityProcessing = `SELECT COALESCE(pp.name, '')
		FROM processingpipeline pp
		JOIN container c ON c.prioritypipelineid=pp.processingpipelineid
		JOIN blsample s ON s.containerid=c.containerid
		WHERE s.blsampleid=$1
		LIMIT 1`

	sqlProcessingJob = `SELECT processingjobid, datacollectionid,
		COALESCE(displayname, '') AS displayname, COALESCE(comments, '') AS comments,
		COALESCE(recipe, '') AS recipe, COALESCE(automatic, false) AS automatic
		FROM processingjob WHERE processingjobid=$1`

	sqlProcessingJobParameters = `SELECT parameterkey, COALESCE(parametervalue, '') AS parametervalue
		FROM processingjobparameter WHERE processingjobid=$1 ORDER BY processingjobparameterid`

	sqlProcessingJobSweeps = `SELECT s.datacollectionid, s.startimage, s.endimage,
		COALESCE(d.imagedirectory, '') AS imagedirectory, COALESCE(d.filetemplate, '') AS filetemplate
		FROM processingjobimagesweep s
		JOIN datacollection d ON d.datacollectionid=s.datacollectionid
		WHERE s.processingjobid=$1 ORDER BY s.processingjobimagesweepid`
)

// getOrNil runs a single-row query, treating "no rows" as a nil
// result.
func (d *DB) getOrNil(ctx context.Context, dst interface{}, query string, args ...interface{}) (bool, error) {
	err := d.db.GetContext(ctx, dst, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (d *DB) RunStatus(ctx context.Context, dcid int64) (string, bool, error) {
	var status sql.NullString
	found, err := d.getOrNil(ctx, &status, sqlRunStatus, dcid)
	if err != nil || !found {
		return "", false, err
	}
	return status.String, status.Valid, nil
}

func (d *DB) DataCollection(ctx context.Context, dcid int64) (*DataCollection, error) {
	var dc DataCollection
	if found, err := d.getOrNil(ctx, &dc, sqlDataCollection, dcid); err != nil || !found {
		return nil, err
	}
	return &dc, nil
}

func (d *DB) GroupCollections(ctx context.Context, dcgid int64) ([]DataCollection, error) {
	var dcs []DataCollection
	err := d.db.SelectContext(ctx, &dcs, sqlGroupCollections, dcgid)
	return dcs, err
}

func (d *DB) Beamline(ctx context.Context, sessionID int64) (string, error) {
	var bl string
	_, err := d.getOrNil(ctx, &bl, sqlBeamline, sessionID)
	return bl, err
}

func (d *DB) DetectorModel(ctx context.Context, detectorID int64) (string, error) {
	var model string
	_, err := d.getOrNil(ctx, &model, sqlDetectorModel, detectorID)
	return model, err
}

func (d *DB) HasGridInfo(ctx context.Context, dcid, dcgid int64) (bool, error) {
	var n int
	err := d.db.GetContext(ctx, &n, sqlGridInfo, dcid, dcgid)
	return n > 0, err
}

func (d *DB) ExperimentType(ctx context.Context, dcgid int64) (string, error) {
	var t string
	_, err := d.getOrNil(ctx, &t, sqlExperimentType, dcgid)
	return t, err
}

func (d *DB) Crystal(ctx context.Context, dcid int64) (*Crystal, error) {
	var c Crystal
	if found, err := d.getOrNil(ctx, &c, sqlCrystal, dcid); err != nil || !found {
		return nil, err
	}
	return &c, nil
}

func (d *DB) DiffractionPlan(ctx context.Context, dcid int64) (*DiffractionPlan, error) {
	var p DiffractionPlan
	if found, err := d.getOrNil(ctx, &p, sqlDiffractionPlan, dcid); err != nil || !found {
		return nil, err
	}
	return &p, nil
}

func (d *DB) PriorityProcessing(ctx context.Context, sampleID int64) (string, error) {
	var name string
	_, err := d.getOrNil(ctx, &name, sqlPriorityProcessing, sampleID)
	return name, err
}

func (d *DB) ProcessingJob(ctx context.Context, id int64) (*ProcessingJob, error) {
	var job ProcessingJob
	if found, err := d.getOrNil(ctx, &job, sqlProcessingJob, id); err != nil || !found {
		return nil, err
	}
	if err := d.db.SelectContext(ctx, &job.Parameters, sqlProcessingJobParameters, id); err != nil {
		return nil, fmt.Errorf("loading parameters of processing job %d: %w", id, err)
	}
	if err := d.db.SelectContext(ctx, &job.Sweeps, sqlProcessingJobSweeps, id); err != nil {
		return nil, fmt.Errorf("loading sweeps of processing job %d: %w", id, err)
	}
	return &job, nil
}
