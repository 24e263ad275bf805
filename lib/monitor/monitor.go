// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package monitor periodically gathers scheduler, object store and
// broker statistics, and publishes them as messages and metrics.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/cluster"
	"github.com/zocalo-go/zocalo/lib/cmd"
	"github.com/zocalo-go/zocalo/lib/service"
	"github.com/zocalo-go/zocalo/lib/transport"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

var Command cmd.Handler = service.Command(zocalo.ServiceNameClusterMonitor, newHandler)

func newHandler(ctx context.Context, cfg *zocalo.Config, tr transport.Transport, reg *prometheus.Registry) service.Handler {
	svc := &Service{
		Context:   ctx,
		Config:    cfg,
		Transport: tr,
		Registry:  reg,
	}
	if err := svc.Start(); err != nil {
		return service.ErrorHandler(ctx, cfg, err)
	}
	return svc
}

// A Statistic is one report, in the form it is published.
type Statistic map[string]interface{}

func newStatistic(group, name, cluster string, now time.Time) Statistic {
	st := Statistic{
		"statistic-group":     group,
		"statistic":           name,
		"statistic-timestamp": float64(now.UnixNano()) / 1e9,
	}
	if cluster != "" {
		st["statistic-cluster"] = cluster
	}
	return st
}

type collector struct {
	name string
	// Status reports are broadcast on the status topic only.
	status  bool
	collect func(ctx context.Context, now time.Time) ([]Statistic, error)
}

// Service runs the statistics collectors every Config.Monitor.Interval.
type Service struct {
	Context   context.Context
	Config    *zocalo.Config
	Transport transport.Transport
	Registry  *prometheus.Registry

	now        func() time.Time
	logger     logrus.FieldLogger
	collectors []*collector

	mJobsWaiting    *prometheus.GaugeVec
	mSlots          *prometheus.GaugeVec
	mQueueInstances *prometheus.GaugeVec
	mJobs           *prometheus.GaugeVec
	mStorage        *prometheus.GaugeVec
	mBrokerQueue    *prometheus.GaugeVec
	mBrokerUsage    *prometheus.GaugeVec
	mErrors         *prometheus.CounterVec
	mDuration       *prometheus.GaugeVec

	initOnce  sync.Once
	initErr   error
	closeOnce sync.Once
	stopped   chan struct{}
}

// Start sets up the collectors and starts the collection loop. Start
// can be called multiple times with no ill effect.
func (svc *Service) Start() error {
	svc.initOnce.Do(func() {
		svc.initErr = svc.init()
	})
	return svc.initErr
}

func (svc *Service) init() error {
	svc.logger = ctxlog.FromContext(svc.Context)
	svc.stopped = make(chan struct{})
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.Registry == nil {
		svc.Registry = prometheus.NewRegistry()
	}
	svc.initMetrics()
	if svc.collectors == nil {
		cols, err := svc.configCollectors()
		if err != nil {
			return err
		}
		svc.collectors = cols
	}
	if len(svc.collectors) == 0 {
		svc.logger.Warn("no statistics sources configured")
	}
	for _, col := range svc.collectors {
		svc.logger.WithField("Collector", col.name).Info("collecting statistics")
	}
	go svc.run()
	return nil
}

func (svc *Service) initMetrics() {
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zocalo",
			Subsystem: "monitor",
			Name:      name,
			Help:      help,
		}, labels)
		svc.Registry.MustRegister(g)
		return g
	}
	svc.mJobsWaiting = gauge("jobs_waiting", "Pending jobs per cluster queue.", "cluster", "queue")
	svc.mSlots = gauge("slots", "Cluster slots by node group and state.", "cluster", "group", "state")
	svc.mQueueInstances = gauge("queue_instances", "Cluster queue instances by status.", "cluster", "status")
	svc.mJobs = gauge("jobs", "Jobs owned by the monitored user, by scheduler state.", "cluster", "state")
	svc.mStorage = gauge("storage_used_bytes", "Object store usage per bucket.", "cluster", "bucket")
	svc.mBrokerQueue = gauge("broker_queue", "Broker queue statistics.", "queue", "counter")
	svc.mBrokerUsage = gauge("broker_usage", "Broker resource usage (percent) and connection count.", "resource")
	svc.mDuration = gauge("collection_duration_seconds", "Time taken by the most recent collection.", "collector")
	svc.mErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zocalo",
		Subsystem: "monitor",
		Name:      "collection_errors_total",
		Help:      "Failed statistics collections.",
	}, []string{"collector"})
	svc.Registry.MustRegister(svc.mErrors)
}

// configCollectors returns the collectors for the configured
// clusters and services.
func (svc *Service) configCollectors() ([]*collector, error) {
	var cols []*collector
	var names []string
	for name := range svc.Config.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cc := svc.Config.Clusters[name]
		if !cc.Monitor {
			continue
		}
		statName := cc.StatisticName
		if statName == "" {
			statName = name
		}
		switch cc.Scheduler {
		case "grid_engine":
			ge := cluster.NewGridEngine(name, cc, svc.logger)
			cols = append(cols, svc.gridEngineCollector(statName, cc.MonitorUser, ge.Qstat))
		case "slurm":
			sl := cluster.NewSlurm(name, cc, svc.logger)
			cols = append(cols, svc.slurmCollector(statName, cc.MonitorUser, sl.Jobs))
		}
	}
	mc := svc.Config.Monitor
	if mc.HTCondor.Cluster != "" {
		cc := svc.Config.Clusters[mc.HTCondor.Cluster]
		hc := cluster.NewHTCondor(mc.HTCondor.Cluster, cc, svc.logger)
		cols = append(cols, svc.htcondorCollector(mc.HTCondor.Cluster, mc.HTCondor.Owner, hc.CondorQ))
	}
	if mc.S3.Endpoint != "" {
		store, err := newObjectStore(svc.Context, mc.S3.Endpoint, mc.S3.Region, mc.S3.AccessKey, mc.S3.SecretKey, mc.S3.Buckets, svc.logger)
		if err != nil {
			return nil, err
		}
		cols = append(cols, svc.storageCollector(mc.S3.Cluster, store.Usage))
	}
	if mc.Jolokia.URL != "" {
		jmx := newJolokia(mc.Jolokia.URL, mc.Jolokia.Username, mc.Jolokia.Password)
		cols = append(cols, svc.brokerCollector(jmx.Status))
	}
	return cols, nil
}

func (svc *Service) run() {
	interval := svc.Config.Monitor.Interval.Duration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-svc.Context.Done():
			svc.Close()
			return
		case <-svc.stopped:
			return
		case <-ticker.C:
			svc.collectAll(svc.Context)
		}
	}
}

// collectAll runs every collector concurrently and publishes the
// results. It returns when all collectors have finished or the
// configured timeout has passed.
func (svc *Service) collectAll(ctx context.Context) {
	timeout := svc.Config.Monitor.Timeout.Duration()
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if warnAfter := svc.Config.Monitor.WarnAfter.Duration(); warnAfter > 0 {
		t0 := time.Now()
		warn := time.AfterFunc(warnAfter, func() {
			svc.logger.WithField("Elapsed", time.Since(t0).String()).Warn("statistics collection is slow")
		})
		defer warn.Stop()
	}
	now := svc.now()
	var wg sync.WaitGroup
	for _, col := range svc.collectors {
		wg.Add(1)
		go func(col *collector) {
			defer wg.Done()
			svc.runCollector(ctx, col, now)
		}(col)
	}
	wg.Wait()
}

func (svc *Service) runCollector(ctx context.Context, col *collector, now time.Time) {
	logger := svc.logger.WithField("Collector", col.name)
	t0 := time.Now()
	stats, err := col.collect(ctx, now)
	svc.mDuration.WithLabelValues(col.name).Set(time.Since(t0).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.WithError(err).Error("statistics collection timed out")
		} else {
			logger.WithError(err).Error("statistics collection failed")
		}
		svc.mErrors.WithLabelValues(col.name).Inc()
		return
	}
	for _, st := range stats {
		if err := svc.publish(col, st); err != nil {
			logger.WithError(err).Warn("publishing statistic failed")
		}
	}
	logger.WithField("Statistics", len(stats)).Debug("statistics published")
}

// publish broadcasts a statistic on the statistics topic and sends
// it to the statistics queue without persistence. Status reports go
// to the status topic instead.
func (svc *Service) publish(col *collector, st Statistic) error {
	if col.status {
		return svc.Transport.Broadcast(zocalo.TopicStatus, st, transport.SendOptions{})
	}
	if err := svc.Transport.Broadcast(zocalo.TopicStatisticsCluster, st, transport.SendOptions{}); err != nil {
		return err
	}
	return svc.Transport.Send(zocalo.QueueStatisticsCluster, st, transport.SendOptions{NonPersistent: true})
}

// CheckHealth implements service.Handler.
func (svc *Service) CheckHealth() error {
	if err := svc.Start(); err != nil {
		return err
	}
	select {
	case <-svc.stopped:
		return errors.New("stopped")
	default:
		return nil
	}
}

// Done implements service.Handler.
func (svc *Service) Done() <-chan struct{} {
	return svc.stopped
}

// Close stops the collection loop.
func (svc *Service) Close() {
	svc.closeOnce.Do(func() {
		close(svc.stopped)
	})
}
