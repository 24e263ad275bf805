// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

// GridEngine submits jobs to a grid engine cluster with qsub, after
// loading the cluster's environment module.
type GridEngine struct {
	Name   string
	Config zocalo.ClusterConfig
	cli
}

func NewGridEngine(name string, cc zocalo.ClusterConfig, logger logrus.FieldLogger) *GridEngine {
	return &GridEngine{Name: name, Config: cc, cli: cli{logger: logger}}
}

// Check enforces the cluster's account policy.
func (ge *GridEngine) Check(p *Parameters) error {
	_, err := ge.account(p)
	return err
}

// account returns the project to charge: the requested account, or
// the cluster default. Clusters with forbidden accounts insist on
// an explicit, permitted account.
func (ge *GridEngine) account(p *Parameters) (string, error) {
	acct := p.Account
	if acct == "" {
		acct = ge.Config.DefaultAccount
	}
	for _, bad := range ge.Config.ForbiddenAccounts {
		if acct == bad {
			return "", zerr.Validationf("account %q may not submit to cluster %s", acct, ge.Name)
		}
	}
	if acct == "" && len(ge.Config.ForbiddenAccounts) > 0 {
		return "", zerr.Validationf("submission to cluster %s requires an account", ge.Name)
	}
	return acct, nil
}

// queue returns the native queue name for a priority label.
func (ge *GridEngine) queue(label string) string {
	if q, ok := ge.Config.QueueMap[label]; ok {
		return q
	}
	return label
}

// qsubArgs returns the qsub options for a job.
func (ge *GridEngine) qsubArgs(p *Parameters, wd string) ([]string, error) {
	acct, err := ge.account(p)
	if err != nil {
		return nil, err
	}
	args := []string{"-wd", wd}
	if p.JobName != "" {
		args = append(args, "-N", p.JobName)
	}
	if p.Queue != "" {
		args = append(args, "-q", ge.queue(p.Queue))
	}
	if acct != "" {
		args = append(args, "-P", acct)
	}
	if p.CPUsPerTask > 1 {
		args = append(args, "-pe", "smp", strconv.Itoa(p.CPUsPerTask))
	}
	if p.MinMemoryPerCPU > 0 {
		args = append(args, "-l", fmt.Sprintf("mfree=%dM", p.MinMemoryPerCPU))
	}
	if p.TimeLimit > 0 {
		args = append(args, "-l", "h_rt="+p.TimeLimit.HMS())
	}
	if p.GPUs > 0 {
		args = append(args, "-l", fmt.Sprintf("gpu=%d", p.GPUs))
	}
	if p.Exclusive {
		args = append(args, "-l", "exclusive")
	}
	return args, nil
}

// script returns the bash script that loads the cluster module and
// submits the job script inline.
func (ge *GridEngine) script(p *Parameters, wd string) ([]byte, error) {
	args, err := ge.qsubArgs(p, wd)
	if err != nil {
		return nil, err
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	qsub := "qsub " + strings.Join(quoted, " ")
	if p.QsubSubmissionParameters != "" {
		qsub += " " + p.QsubSubmissionParameters
	}
	var buf bytes.Buffer
	buf.WriteString(". /etc/profile.d/modules.sh\n")
	if ge.Config.Module != "" {
		fmt.Fprintf(&buf, "module load %s\n", ge.Config.Module)
	}
	fmt.Fprintf(&buf, "%s << 'EOF'\n#!/bin/bash\n", qsub)
	keys := make([]string, 0, len(p.Environment))
	for k := range p.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "export %s=%s\n", k, shellQuote(p.Environment[k]))
	}
	fmt.Fprintf(&buf, "cd %s\n%s\nEOF\n", shellQuote(wd), p.Commands.Script())
	return buf.Bytes(), nil
}

// Submit runs qsub and returns the job id.
func (ge *GridEngine) Submit(ctx context.Context, job *Job) (int64, error) {
	script, err := ge.script(job.Parameters, job.WorkingDir)
	if err != nil {
		return 0, err
	}
	ge.logger.WithField("Cluster", ge.Name).Debugf("submitting job script:\n%s", script)
	out, err := ge.bash(ctx, job.WorkingDir, script)
	if err != nil {
		return 0, zerr.Submissionf("qsub failed: %w", err)
	}
	return parseQsubOutput(string(out))
}

// parseQsubOutput extracts the job id from qsub output such as
// `Your job 1234 ("name") has been submitted` or, for array jobs,
// `Your job-array 1234.1-10:1 ("name") has been submitted`.
func parseQsubOutput(out string) (int64, error) {
	if !strings.Contains(out, "has been submitted") {
		return 0, zerr.Submissionf("could not submit job: %q", out)
	}
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return 0, zerr.Submissionf("unexpected qsub output: %q", out)
	}
	id := fields[2]
	if i := strings.IndexByte(id, '.'); i >= 0 {
		id = id[:i]
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, zerr.Submissionf("unexpected job id %q in qsub output", fields[2])
	}
	return n, nil
}

// Qstat returns the XML job and queue listing for the given user.
func (ge *GridEngine) Qstat(ctx context.Context, user string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(". /etc/profile.d/modules.sh\n")
	if ge.Config.Module != "" {
		fmt.Fprintf(&buf, "module load %s\n", ge.Config.Module)
	}
	fmt.Fprintf(&buf, "qstat -f -r -u %s -xml\n", shellQuote(user))
	return ge.bash(ctx, "", buf.Bytes())
}

// shellQuote returns s quoted for bash, if necessary.
func shellQuote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-.,:/=+@%") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
