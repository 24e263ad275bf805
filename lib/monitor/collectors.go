// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zocalo-go/zocalo/lib/cluster"
)

// gridEngineCollector reports queue backlog, queue instance status
// and slot utilization from qstat. Nothing is published if the slot
// totals do not add up.
func (svc *Service) gridEngineCollector(name, user string, qstat func(context.Context, string) ([]byte, error)) *collector {
	return &collector{
		name: "qstat:" + name,
		collect: func(ctx context.Context, now time.Time) ([]Statistic, error) {
			buf, err := qstat(ctx, user)
			if err != nil {
				return nil, fmt.Errorf("qstat: %w", err)
			}
			qi, err := parseQstat(buf)
			if err != nil {
				return nil, err
			}
			util := qi.Utilization()
			if err := util.Check(); err != nil {
				return nil, err
			}
			waiting := qi.Waiting()
			nodes := qi.Nodes()

			clusterLabel := prometheus.Labels{"cluster": name}
			svc.mJobsWaiting.DeletePartialMatch(clusterLabel)
			svc.mQueueInstances.DeletePartialMatch(clusterLabel)

			wst := newStatistic("cluster", "waiting-jobs-per-queue", name, now)
			for queue, n := range waiting {
				wst[queue] = n
				svc.mJobsWaiting.WithLabelValues(name, queue).Set(float64(n))
			}

			nst := newStatistic("cluster", "node-status", name, now)
			instances := map[string]int{"running": 0, "suspended": 0, "broken": 0}
			for _, queues := range nodes {
				for _, qs := range queues {
					instances[qs.Status]++
				}
			}
			for status, n := range instances {
				svc.mQueueInstances.WithLabelValues(name, status).Set(float64(n))
			}
			nst["nodes"] = nodes

			ust := newStatistic("cluster", "utilization", name, now)
			for k, v := range util.All.fields() {
				ust[k] = v
			}
			svc.setSlots(name, "all", util.All)
			for grp, sc := range util.Groups {
				ust[grp] = sc.fields()
				svc.setSlots(name, grp, sc)
			}
			total := 0
			for level, n := range util.Waiting {
				ust["waiting-"+level] = n
				total += n
			}
			ust["waiting-total"] = total
			return []Statistic{wst, nst, ust}, nil
		},
	}
}

func (svc *Service) setSlots(name, grp string, sc slotCount) {
	for state, n := range map[string]int{
		"broken":      sc.Broken,
		"free":        sc.Free,
		"used-low":    sc.UsedLow,
		"used-medium": sc.UsedMedium,
		"used-high":   sc.UsedHigh,
	} {
		svc.mSlots.WithLabelValues(name, grp, state).Set(float64(n))
	}
}

// slurmCollector reports how many of the user's jobs are in each job
// state.
func (svc *Service) slurmCollector(name, user string, jobs func(context.Context, string) ([]cluster.SlurmJob, error)) *collector {
	return &collector{
		name: "slurm:" + name,
		collect: func(ctx context.Context, now time.Time) ([]Statistic, error) {
			list, err := jobs(ctx, user)
			if err != nil {
				return nil, err
			}
			counts := map[string]int{}
			for _, job := range list {
				if user != "" && job.UserName != "" && job.UserName != user {
					continue
				}
				for _, state := range job.States {
					counts[state]++
				}
			}
			st := newStatistic("cluster", "job-states", name, now)
			svc.mJobs.DeletePartialMatch(prometheus.Labels{"cluster": name})
			for state, n := range counts {
				st[state] = n
				svc.mJobs.WithLabelValues(name, state).Set(float64(n))
			}
			return []Statistic{st}, nil
		},
	}
}

// htcondorCollector reports the number of waiting, running and held
// jobs of the owner.
func (svc *Service) htcondorCollector(name, owner string, condorQ func(context.Context, string) ([]cluster.CondorJob, error)) *collector {
	return &collector{
		name: "htcondor:" + name,
		collect: func(ctx context.Context, now time.Time) ([]Statistic, error) {
			jobs, err := condorQ(ctx, owner)
			if err != nil {
				return nil, fmt.Errorf("condor_q: %w", err)
			}
			counts := map[string]int{"waiting": 0, "running": 0, "hold": 0}
			for _, job := range jobs {
				switch job.JobStatus {
				case 1:
					counts["waiting"]++
				case 2:
					counts["running"]++
				case 5:
					counts["hold"]++
				}
			}
			st := newStatistic("cluster", "job-status", name, now)
			for state, n := range counts {
				st[state] = n
				svc.mJobs.WithLabelValues(name, state).Set(float64(n))
			}
			return []Statistic{st}, nil
		},
	}
}

// storageCollector reports object store usage in TiB, in total and
// per bucket.
func (svc *Service) storageCollector(name string, usage func(context.Context) (*storageUsage, error)) *collector {
	return &collector{
		name: "s3:" + name,
		collect: func(ctx context.Context, now time.Time) ([]Statistic, error) {
			u, err := usage(ctx)
			if err != nil {
				return nil, err
			}
			st := newStatistic("storage", "used-storage", name, now)
			svc.mStorage.DeletePartialMatch(prometheus.Labels{"cluster": name})
			for bucket, size := range u.Buckets {
				st[bucket] = float64(size) / tebibyte
				svc.mStorage.WithLabelValues(name, bucket).Set(float64(size))
			}
			st["total"] = float64(u.Total) / tebibyte
			svc.logger.WithField("Cluster", name).Debugf("object store uses %s", humanize.IBytes(uint64(u.Total)))
			return []Statistic{st}, nil
		},
	}
}

// brokerCollector reports broker resource usage and per-queue
// counts on the status topic.
func (svc *Service) brokerCollector(status func(context.Context) (*brokerStatus, error)) *collector {
	return &collector{
		name:   "broker",
		status: true,
		collect: func(ctx context.Context, now time.Time) ([]Statistic, error) {
			bs, err := status(ctx)
			if err != nil {
				return nil, err
			}
			st := newStatistic("broker", "queue-status", "", now)
			st["store-percent-usage"] = bs.StorePercentUsage
			st["temp-percent-usage"] = bs.TempPercentUsage
			st["memory-percent-usage"] = bs.MemoryPercentUsage
			st["connections"] = bs.Connections
			st["queues"] = bs.Queues
			svc.mBrokerUsage.WithLabelValues("store").Set(bs.StorePercentUsage)
			svc.mBrokerUsage.WithLabelValues("temp").Set(bs.TempPercentUsage)
			svc.mBrokerUsage.WithLabelValues("memory").Set(bs.MemoryPercentUsage)
			svc.mBrokerUsage.WithLabelValues("connections").Set(bs.Connections)
			svc.mBrokerQueue.Reset()
			for queue, qc := range bs.Queues {
				svc.mBrokerQueue.WithLabelValues(queue, "size").Set(qc.Size)
				svc.mBrokerQueue.WithLabelValues(queue, "consumers").Set(qc.Consumers)
				svc.mBrokerQueue.WithLabelValues(queue, "enqueued").Set(qc.Enqueued)
				svc.mBrokerQueue.WithLabelValues(queue, "dequeued").Set(qc.Dequeued)
			}
			return []Statistic{st}, nil
		},
	}
}
