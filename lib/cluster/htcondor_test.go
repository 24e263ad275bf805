// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&htcondorSuite{})

type htcondorSuite struct{}

func (s *htcondorSuite) newHTCondor(c *check.C) *HTCondor {
	return NewHTCondor("htcondor", zocalo.ClusterConfig{Scheduler: "htcondor"}, ctxlog.TestLogger(c))
}

func (s *htcondorSuite) TestDescription(c *check.C) {
	hc := s.newHTCondor(c)
	desc := hc.description(&Parameters{
		JobName:             "fastep",
		CPUsPerTask:         2,
		MinMemoryPerCPU:     1000,
		Disk:                500,
		GPUs:                1,
		Account:             "mx1",
		TransferInputFiles:  []string{"a.mtz", "b.hkl"},
		TransferOutputFiles: []string{"out"},
		Environment:         map[string]string{"X": `say "hi"`, "A": "it's"},
	}, "fastep", "/wd/fastep.sh")
	c.Check(string(desc), check.Equals, `universe = vanilla
executable = /wd/fastep.sh
output = fastep.out
error = fastep.err
log = fastep.log
batch_name = fastep
request_cpus = 2
request_memory = 2000MB
request_disk = 1000MB
request_gpus = 1
accounting_group = mx1
should_transfer_files = YES
when_to_transfer_output = ON_EXIT
transfer_input_files = a.mtz,b.hkl
transfer_output_files = out
environment = "A='it''s' X='say ""hi""'"
queue
`)

	desc = hc.description(&Parameters{}, "condor_job", "/wd/condor_job.sh")
	c.Check(string(desc), check.Equals, `universe = vanilla
executable = /wd/condor_job.sh
output = condor_job.out
error = condor_job.err
log = condor_job.log
request_cpus = 1
queue
`)
}

func (s *htcondorSuite) TestCheck(c *check.C) {
	hc := s.newHTCondor(c)
	c.Check(hc.Check(&Parameters{TransferInputFiles: []string{"a,b"}}), check.NotNil)
	c.Check(zerr.KindOf(hc.Check(&Parameters{TransferOutputFiles: []string{"a\nb"}})), check.Equals, zerr.Validation)
	c.Check(hc.Check(&Parameters{TransferInputFiles: []string{"a.mtz"}}), check.IsNil)
}

func (s *htcondorSuite) TestSubmit(c *check.C) {
	hc := s.newHTCondor(c)
	var ran [][]string
	hc.stubCommand = func(prog string, args ...string) *exec.Cmd {
		ran = append(ran, append([]string{prog}, args...))
		return exec.Command("bash", "-c", "cat >/dev/null; echo '77.0 - 77.0'")
	}
	wd := c.MkDir()
	n, err := hc.Submit(context.Background(), &Job{
		Parameters: &Parameters{Commands: Commands{"echo one", "echo two"}},
		WorkingDir: wd,
	})
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, int64(77))
	c.Check(ran, check.DeepEquals, [][]string{{"condor_submit", "-terse"}})

	buf, err := os.ReadFile(filepath.Join(wd, "condor_job.sh"))
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "#!/bin/bash\necho one\necho two\n")
	fi, err := os.Stat(filepath.Join(wd, "condor_job.sh"))
	c.Assert(err, check.IsNil)
	c.Check(fi.Mode().Perm()&0100, check.Equals, os.FileMode(0100))

	hc.stubCommand = func(string, ...string) *exec.Cmd {
		return exec.Command("bash", "-c", "cat >/dev/null; echo >&2 'ERROR: Failed to parse'; exit 1")
	}
	_, err = hc.Submit(context.Background(), &Job{
		Parameters: &Parameters{Commands: Commands{"true"}},
		WorkingDir: wd,
	})
	c.Check(zerr.KindOf(err), check.Equals, zerr.Submission)
}

func (s *htcondorSuite) TestParseSubmitOutput(c *check.C) {
	n, err := parseCondorSubmitOutput("1234.0 - 1234.3\n")
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, int64(1234))
	for _, out := range []string{"", "\n", "x.0 - x.0"} {
		_, err := parseCondorSubmitOutput(out)
		c.Check(zerr.KindOf(err), check.Equals, zerr.Submission)
	}
}

func (s *htcondorSuite) TestCondorQ(c *check.C) {
	hc := s.newHTCondor(c)
	var ran [][]string
	hc.stubCommand = func(prog string, args ...string) *exec.Cmd {
		ran = append(ran, append([]string{prog}, args...))
		return exec.Command("echo", `[{"ClusterId": 5, "ProcId": 0, "Owner": "gda2", "JobStatus": 1}, {"ClusterId": 6, "ProcId": 1, "Owner": "gda2", "JobStatus": 5}]`)
	}
	jobs, err := hc.CondorQ(context.Background(), "gda2")
	c.Assert(err, check.IsNil)
	c.Check(jobs, check.DeepEquals, []CondorJob{
		{ClusterID: 5, ProcID: 0, Owner: "gda2", JobStatus: 1},
		{ClusterID: 6, ProcID: 1, Owner: "gda2", JobStatus: 5},
	})
	c.Check(ran, check.DeepEquals, [][]string{{"condor_q", "-json", "-attributes", "ClusterId,ProcId,Owner,JobStatus", "gda2"}})

	hc.stubCommand = func(string, ...string) *exec.Cmd { return exec.Command("true") }
	jobs, err = hc.CondorQ(context.Background(), "gda2")
	c.Check(err, check.IsNil)
	c.Check(jobs, check.HasLen, 0)
}
