// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

// HTCondor submits jobs with condor_submit. The job script is
// written to the working directory and the submit description is
// passed on stdin.
type HTCondor struct {
	Name   string
	Config zocalo.ClusterConfig
	cli
}

func NewHTCondor(name string, cc zocalo.ClusterConfig, logger logrus.FieldLogger) *HTCondor {
	return &HTCondor{Name: name, Config: cc, cli: cli{logger: logger}}
}

// Check implements Submitter.
func (hc *HTCondor) Check(p *Parameters) error {
	for _, f := range append(append([]string(nil), p.TransferInputFiles...), p.TransferOutputFiles...) {
		if strings.ContainsAny(f, ",\n") {
			return zerr.Validationf("invalid transfer file name %q", f)
		}
	}
	return nil
}

// description returns the submit description for a job whose script
// is in the file named script.
func (hc *HTCondor) description(p *Parameters, name, script string) []byte {
	var buf bytes.Buffer
	kv := func(k, v string) { fmt.Fprintf(&buf, "%s = %s\n", k, v) }
	kv("universe", "vanilla")
	kv("executable", script)
	kv("output", name+".out")
	kv("error", name+".err")
	kv("log", name+".log")
	if p.JobName != "" {
		kv("batch_name", p.JobName)
	}
	cpus := p.cpus()
	kv("request_cpus", strconv.Itoa(cpus))
	if p.MinMemoryPerCPU > 0 {
		kv("request_memory", fmt.Sprintf("%dMB", p.MinMemoryPerCPU*cpus))
	}
	if p.Disk > 0 {
		kv("request_disk", fmt.Sprintf("%dMB", p.Disk*cpus))
	}
	if p.GPUs > 0 {
		kv("request_gpus", strconv.Itoa(p.GPUs))
	}
	if p.Account != "" {
		kv("accounting_group", p.Account)
	}
	if len(p.TransferInputFiles) > 0 || len(p.TransferOutputFiles) > 0 {
		kv("should_transfer_files", "YES")
		kv("when_to_transfer_output", "ON_EXIT")
		kv("transfer_input_files", strings.Join(p.TransferInputFiles, ","))
		kv("transfer_output_files", strings.Join(p.TransferOutputFiles, ","))
	}
	if len(p.Environment) > 0 {
		var env []string
		for k, v := range p.Environment {
			env = append(env, k+"='"+strings.ReplaceAll(strings.ReplaceAll(v, `"`, `""`), "'", "''")+"'")
		}
		sort.Strings(env)
		kv("environment", `"`+strings.Join(env, " ")+`"`)
	}
	buf.WriteString("queue\n")
	return buf.Bytes()
}

// Submit implements Submitter.
func (hc *HTCondor) Submit(ctx context.Context, job *Job) (int64, error) {
	p := job.Parameters
	name := p.JobName
	if name == "" {
		name = "condor_job"
	}
	script := filepath.Join(job.WorkingDir, name+".sh")
	if err := os.WriteFile(script, []byte("#!/bin/bash\n"+p.Commands.Script()+"\n"), 0755); err != nil {
		return 0, zerr.Filesystemf("writing job script: %w", err)
	}
	desc := hc.description(p, name, script)
	hc.logger.WithField("Cluster", hc.Name).Debugf("submit description:\n%s", desc)
	cmd := hc.command(ctx, "condor_submit", "-terse")
	cmd.Dir = job.WorkingDir
	cmd.Stdin = bytes.NewReader(desc)
	out, err := cmd.Output()
	if err != nil {
		return 0, zerr.Submissionf("condor_submit failed: %w", errWithStderr(err))
	}
	return parseCondorSubmitOutput(string(out))
}

// parseCondorSubmitOutput extracts the cluster id from terse output
// such as "1234.0 - 1234.0".
func parseCondorSubmitOutput(out string) (int64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, zerr.Submissionf("no output from condor_submit")
	}
	id := fields[0]
	if i := strings.IndexByte(id, '.'); i >= 0 {
		id = id[:i]
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, zerr.Submissionf("unexpected condor_submit output: %q", out)
	}
	return n, nil
}

// CondorJob is one entry of the condor_q job listing.
type CondorJob struct {
	ClusterID int64  `json:"ClusterId"`
	ProcID    int64  `json:"ProcId"`
	Owner     string `json:"Owner"`
	// 1 idle, 2 running, 3 removed, 4 completed, 5 held,
	// 6 transferring output, 7 suspended
	JobStatus int `json:"JobStatus"`
}

// CondorQ returns the queued jobs owned by owner.
func (hc *HTCondor) CondorQ(ctx context.Context, owner string) ([]CondorJob, error) {
	args := []string{"-json", "-attributes", "ClusterId,ProcId,Owner,JobStatus"}
	if owner != "" {
		args = append(args, owner)
	}
	out, err := hc.command(ctx, "condor_q", args...).Output()
	if err != nil {
		return nil, errWithStderr(err)
	}
	if len(bytes.TrimSpace(out)) == 0 {
		// condor_q prints nothing when there are no jobs.
		return nil, nil
	}
	var jobs []CondorJob
	if err := json.Unmarshal(out, &jobs); err != nil {
		return nil, fmt.Errorf("decoding condor_q output: %w", err)
	}
	return jobs, nil
}
