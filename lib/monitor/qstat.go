// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

type qstatJob struct {
	Number int64  `xml:"JB_job_number"`
	Name   string `xml:"JB_name"`
	Owner  string `xml:"JB_owner"`
	State  string `xml:"state"`
	Slots  int    `xml:"slots"`
	// Requested queues, pending jobs only
	Queues []string `xml:"hard_req_queue"`
}

// qstatQueue is one queue instance, i.e., a cluster queue on one
// host.
type qstatQueue struct {
	Name       string     `xml:"name"`
	SlotsUsed  int        `xml:"slots_used"`
	SlotsResv  int        `xml:"slots_resv"`
	SlotsTotal int        `xml:"slots_total"`
	State      string     `xml:"state"`
	Jobs       []qstatJob `xml:"job_list"`
}

// Queue returns the cluster queue name, e.g., "high.q".
func (q qstatQueue) Queue() string {
	name, _, _ := strings.Cut(q.Name, "@")
	return name
}

// Host returns the host name of the queue instance.
func (q qstatQueue) Host() string {
	_, host, _ := strings.Cut(q.Name, "@")
	return host
}

// Status returns "broken" if the instance is in error, disabled or
// in an unknown state, "suspended" if it is suspended, otherwise
// "running".
func (q qstatQueue) Status() string {
	switch {
	case strings.ContainsAny(q.State, "EdDu"):
		return "broken"
	case strings.ContainsAny(q.State, "sSC"):
		return "suspended"
	default:
		return "running"
	}
}

type qstatInfo struct {
	XMLName xml.Name     `xml:"job_info"`
	Queues  []qstatQueue `xml:"queue_info>Queue-List"`
	Pending []qstatJob   `xml:"job_info>job_list"`
}

func parseQstat(buf []byte) (*qstatInfo, error) {
	var qi qstatInfo
	if err := xml.Unmarshal(buf, &qi); err != nil {
		return nil, fmt.Errorf("parsing qstat output: %w", err)
	}
	return &qi, nil
}

// Waiting returns the number of pending jobs (not held, not in
// error) per requested queue. Every known queue is listed, with
// zero if nothing is waiting.
func (qi *qstatInfo) Waiting() map[string]int {
	waiting := map[string]int{}
	for _, q := range qi.Queues {
		waiting[q.Queue()] += 0
	}
	for _, job := range qi.Pending {
		if strings.ContainsAny(job.State, "hE") {
			continue
		}
		queue := "unknown"
		if len(job.Queues) > 0 {
			queue = job.Queues[0]
		}
		waiting[queue]++
	}
	return waiting
}

type queueStatus struct {
	Status        string `json:"status"`
	SlotsTotal    int    `json:"slots-total"`
	SlotsUsed     int    `json:"slots-used"`
	SlotsReserved int    `json:"slots-reserved"`
}

// Nodes returns the status of each queue instance, by host and
// queue name.
func (qi *qstatInfo) Nodes() map[string]map[string]queueStatus {
	nodes := map[string]map[string]queueStatus{}
	for _, q := range qi.Queues {
		host := q.Host()
		if nodes[host] == nil {
			nodes[host] = map[string]queueStatus{}
		}
		nodes[host][q.Queue()] = queueStatus{
			Status:        q.Status(),
			SlotsTotal:    q.SlotsTotal,
			SlotsUsed:     q.SlotsUsed,
			SlotsReserved: q.SlotsResv,
		}
	}
	return nodes
}

// slotCount is a slot utilization summary. Total always equals
// Broken + Free + UsedLow + UsedMedium + UsedHigh for a consistent
// summary.
type slotCount struct {
	Total      int
	Broken     int
	Free       int
	UsedLow    int
	UsedMedium int
	UsedHigh   int
}

func (sc slotCount) Used() int {
	return sc.UsedLow + sc.UsedMedium + sc.UsedHigh
}

func (sc slotCount) Consistent() bool {
	return sc.Total >= 0 && sc.Free >= 0 && sc.Total == sc.Broken+sc.Free+sc.Used()
}

func (sc *slotCount) add(o slotCount) {
	sc.Total += o.Total
	sc.Broken += o.Broken
	sc.Free += o.Free
	sc.UsedLow += o.UsedLow
	sc.UsedMedium += o.UsedMedium
	sc.UsedHigh += o.UsedHigh
}

func (sc slotCount) fields() map[string]interface{} {
	return map[string]interface{}{
		"total":       sc.Total,
		"broken":      sc.Broken,
		"free":        sc.Free,
		"used":        sc.Used(),
		"used-low":    sc.UsedLow,
		"used-medium": sc.UsedMedium,
		"used-high":   sc.UsedHigh,
	}
}

// priority returns the demand level of a cluster queue: "high",
// "medium" or "low".
func priority(queue string) string {
	queue = strings.TrimPrefix(queue, "test-")
	switch {
	case strings.HasPrefix(queue, "high"):
		return "high"
	case strings.HasPrefix(queue, "medium"):
		return "medium"
	default:
		return "low"
	}
}

// group returns the node group of a set of cluster queues: "admin",
// "gpu" or "cpu".
func group(queues []string) string {
	grp := "cpu"
	for _, q := range queues {
		if strings.Contains(q, "admin") {
			return "admin"
		}
		if strings.Contains(q, "gpu") {
			grp = "gpu"
		}
	}
	return grp
}

type utilization struct {
	All    slotCount
	Groups map[string]slotCount
	// Pending jobs per priority level
	Waiting map[string]int
}

// Utilization summarizes slot usage per node. A node's capacity is
// the largest slot count of its queue instances. A node with no
// usable instance is broken; otherwise the slots used in each usable
// instance are attributed to that queue's priority level.
func (qi *qstatInfo) Utilization() utilization {
	util := utilization{
		Groups:  map[string]slotCount{"cpu": {}, "gpu": {}, "admin": {}},
		Waiting: map[string]int{"low": 0, "medium": 0, "high": 0},
	}
	byHost := map[string][]qstatQueue{}
	var hosts []string
	for _, q := range qi.Queues {
		host := q.Host()
		if _, ok := byHost[host]; !ok {
			hosts = append(hosts, host)
		}
		byHost[host] = append(byHost[host], q)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		var node slotCount
		var queues []string
		usable := false
		for _, q := range byHost[host] {
			queues = append(queues, q.Queue())
			if q.SlotsTotal > node.Total {
				node.Total = q.SlotsTotal
			}
			if q.Status() != "running" {
				continue
			}
			usable = true
			used := q.SlotsUsed + q.SlotsResv
			switch priority(q.Queue()) {
			case "high":
				node.UsedHigh += used
			case "medium":
				node.UsedMedium += used
			default:
				node.UsedLow += used
			}
		}
		if usable {
			node.Free = node.Total - node.Used()
		} else {
			node = slotCount{Total: node.Total, Broken: node.Total}
		}
		util.All.add(node)
		grp := util.Groups[group(queues)]
		grp.add(node)
		util.Groups[group(queues)] = grp
	}
	for queue, n := range qi.Waiting() {
		util.Waiting[priority(queue)] += n
	}
	return util
}

// Check returns an error if any summary is inconsistent.
func (u utilization) Check() error {
	if !u.All.Consistent() {
		return fmt.Errorf("inconsistent slot totals: %+v", u.All)
	}
	for name, sc := range u.Groups {
		if !sc.Consistent() {
			return fmt.Errorf("inconsistent slot totals for %s nodes: %+v", name, sc)
		}
	}
	return nil
}
