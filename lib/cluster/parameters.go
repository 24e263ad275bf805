// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/zocalo-go/zocalo/lib/zerr"
)

// Parameters describes a job to submit. It is read from the
// "cluster" parameter of a submission step.
type Parameters struct {
	Scheduler   string            `json:"scheduler"`
	Partition   string            `json:"partition"`
	Cluster     string            `json:"cluster"`
	Queue       string            `json:"queue"`
	JobName     string            `json:"job_name"`
	Environment map[string]string `json:"environment"`
	CPUsPerTask int               `json:"cpus_per_task"`
	// Slurm only
	Tasks         int `json:"tasks"`
	Nodes         int `json:"nodes"`
	MemoryPerNode int `json:"memory_per_node"`
	GPUsPerNode   int `json:"gpus_per_node"`
	// Minimum real memory per cpu (MB)
	MinMemoryPerCPU int       `json:"min_memory_per_cpu"`
	TimeLimit       TimeLimit `json:"time_limit"`
	GPUs            int       `json:"gpus"`
	Exclusive       bool      `json:"exclusive"`
	Account         string    `json:"account"`
	QoS             string    `json:"qos"`
	Commands        Commands  `json:"commands"`
	// HTCondor only
	TransferInputFiles  []string `json:"transfer_input_files"`
	TransferOutputFiles []string `json:"transfer_output_files"`
	// Disk per cpu (MB)
	Disk int `json:"disk"`
	// Extra qsub arguments from older recipes, passed through
	// unchanged.
	QsubSubmissionParameters string `json:"qsub_submission_parameters"`
}

// ParseParameters decodes the "cluster" parameter of a submission
// step.
func ParseParameters(v interface{}) (*Parameters, error) {
	if v == nil {
		return nil, zerr.Validationf("no cluster parameters given")
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, zerr.Validationf("invalid cluster parameters: %w", err)
	}
	var p Parameters
	if err := json.Unmarshal(buf, &p); err != nil {
		return nil, zerr.Validationf("invalid cluster parameters: %w", err)
	}
	return &p, nil
}

// Validate checks the parameters for consistency. It does not check
// scheduler-specific policies.
func (p *Parameters) Validate() error {
	if len(p.Commands) == 0 || strings.TrimSpace(p.Commands.Script()) == "" {
		return zerr.Validationf("no commands given")
	}
	for _, f := range []struct {
		name string
		n    int
	}{
		{"cpus_per_task", p.CPUsPerTask},
		{"tasks", p.Tasks},
		{"nodes", p.Nodes},
		{"memory_per_node", p.MemoryPerNode},
		{"gpus_per_node", p.GPUsPerNode},
		{"min_memory_per_cpu", p.MinMemoryPerCPU},
		{"gpus", p.GPUs},
		{"disk", p.Disk},
	} {
		if f.n < 0 {
			return zerr.Validationf("%s must not be negative (got %d)", f.name, f.n)
		}
	}
	if p.TimeLimit < 0 {
		return zerr.Validationf("time_limit must not be negative")
	}
	for k := range p.Environment {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			return zerr.Validationf("invalid environment variable name %q", k)
		}
	}
	return nil
}

// cpus returns the number of cpus requested, at least 1.
func (p *Parameters) cpus() int {
	if p.CPUsPerTask > 0 {
		return p.CPUsPerTask
	}
	return 1
}

// Commands is a job script given as a string or as a list of lines.
type Commands []string

func (c *Commands) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Commands{s}
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("commands must be a string or a list of strings")
	}
	*c = lines
	return nil
}

// Script returns the commands joined by newlines.
func (c Commands) Script() string {
	return strings.Join(c, "\n")
}

// TimeLimit is a job run time limit. In JSON it can be given as a
// number of seconds, as "[D-]HH:MM:SS", "[D ]HH:MM:SS" or "HH:MM",
// or as a Go duration string such as "90m".
type TimeLimit time.Duration

func (tl *TimeLimit) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*tl = 0
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*tl = TimeLimit(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time_limit must be a number or a string")
	}
	d, err := parseTimeLimit(s)
	if err != nil {
		return err
	}
	*tl = TimeLimit(d)
	return nil
}

func (tl TimeLimit) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(tl).Seconds())
}

func (tl TimeLimit) Duration() time.Duration {
	return time.Duration(tl)
}

// Minutes returns the limit in whole minutes, rounded up.
func (tl TimeLimit) Minutes() int {
	return int(math.Ceil(time.Duration(tl).Minutes()))
}

// HMS returns the limit as HH:MM:SS, rounded up to a whole second.
func (tl TimeLimit) HMS() string {
	secs := int(math.Ceil(time.Duration(tl).Seconds()))
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

func parseTimeLimit(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ":") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid time_limit %q", s)
		}
		return d, nil
	}
	var days int
	if i := strings.IndexAny(s, "- "); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid time_limit %q", s)
		}
		days, s = n, strings.TrimSpace(s[i+1:])
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time_limit %q", s)
	}
	var vals [3]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid time_limit %q", s)
		}
		vals[i] = v
	}
	secs := float64(days)*86400 + vals[0]*3600 + vals[1]*60 + vals[2]
	return time.Duration(secs * float64(time.Second)), nil
}
