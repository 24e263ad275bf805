// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mimasd

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

// Assumed queue length on both compute clusters until the first
// statistics arrive.
const initialJobsWaiting = 60

type clusterStat struct {
	jobsWaiting int
	total       float64
	updated     time.Time
}

// clusterStats tracks the most recent queue and storage figures for
// the clusters that take part in cloudbursting.
type clusterStats struct {
	maxLive int
	maxIris int
	timeout time.Duration
	quota   float64

	mtx   sync.Mutex
	stats map[string]*clusterStat
}

func newClusterStats(cfg zocalo.MimasConfig, now time.Time) *clusterStats {
	maxLive, ok := cfg.MaxJobsWaiting["live"]
	if !ok {
		maxLive = 60
	}
	maxIris, ok := cfg.MaxJobsWaiting["iris"]
	if !ok {
		maxIris = 3000
	}
	timeout := cfg.StatisticsTimeout.Duration()
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &clusterStats{
		maxLive: maxLive,
		maxIris: maxIris,
		timeout: timeout,
		quota:   cfg.S3EchoQuota,
		stats: map[string]*clusterStat{
			"live":   {jobsWaiting: initialJobsWaiting, updated: now},
			"iris":   {jobsWaiting: initialJobsWaiting, updated: now},
			"s3echo": {updated: now},
		},
	}
}

// update records one statistics message. Messages about other
// clusters, and messages without a statistic-cluster field, are
// ignored.
func (cs *clusterStats) update(logger logrus.FieldLogger, msg map[string]interface{}, now time.Time) {
	name, _ := msg["statistic-cluster"].(string)
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	st, ok := cs.stats[name]
	if !ok {
		return
	}
	st.updated = now
	switch msg["statistic"] {
	case "waiting-jobs-per-queue":
		st.jobsWaiting = int(number(msg["high.q"]) + number(msg["medium.q"]))
		entry := logger.WithField("Cluster", name).WithField("JobsWaiting", st.jobsWaiting)
		if st.jobsWaiting > 0 {
			entry.Info("jobs waiting")
		} else {
			entry.Debug("jobs waiting")
		}
	case "job-status":
		st.jobsWaiting = int(number(msg["waiting"]))
	case "job-states":
		st.jobsWaiting = int(number(msg["PENDING"]))
	case "used-storage":
		st.total = number(msg["total"])
	}
}

// cloudbursting reports whether jobs should be moved to the cloud
// cluster: the live cluster is congested (or has gone quiet), while
// the cloud cluster has capacity and the object store has space, and
// both have reported recently.
func (cs *clusterStats) cloudbursting(now time.Time) bool {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	stale := now.Add(-cs.timeout)
	live, iris, s3 := cs.stats["live"], cs.stats["iris"], cs.stats["s3echo"]
	return (live.jobsWaiting > cs.maxLive || live.updated.Before(stale)) &&
		iris.jobsWaiting < cs.maxIris &&
		iris.updated.After(stale) &&
		s3.total < 0.95*cs.quota &&
		s3.updated.After(stale)
}

func number(v interface{}) float64 {
	switch v := v.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
