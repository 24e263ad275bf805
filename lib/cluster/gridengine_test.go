// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"context"
	"os/exec"
	"time"

	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&gridEngineSuite{})

type gridEngineSuite struct{}

func (s *gridEngineSuite) newGridEngine(c *check.C) *GridEngine {
	return NewGridEngine("hamilton", zocalo.ClusterConfig{
		Scheduler:         "grid_engine",
		Module:            "global/hamilton",
		QueueMap:          map[string]string{"high": "high.q"},
		ForbiddenAccounts: []string{"dls"},
	}, ctxlog.TestLogger(c))
}

func (s *gridEngineSuite) TestScript(c *check.C) {
	ge := s.newGridEngine(c)
	script, err := ge.script(&Parameters{
		JobName:         "xia2",
		Queue:           "high",
		Account:         "mx1234",
		CPUsPerTask:     4,
		MinMemoryPerCPU: 2000,
		TimeLimit:       TimeLimit(90 * time.Minute),
		Environment:     map[string]string{"FOO": "bar baz", "A": "1"},
		Commands:        Commands{"xia2 image=x.cbf"},
	}, "/tmp/wd")
	c.Assert(err, check.IsNil)
	c.Check(string(script), check.Equals, `. /etc/profile.d/modules.sh
module load global/hamilton
qsub -wd /tmp/wd -N xia2 -q high.q -P mx1234 -pe smp 4 -l mfree=2000M -l h_rt=01:30:00 << 'EOF'
#!/bin/bash
export A=1
export FOO='bar baz'
cd /tmp/wd
xia2 image=x.cbf
EOF
`)
}

func (s *gridEngineSuite) TestLegacyArguments(c *check.C) {
	ge := NewGridEngine("cluster", zocalo.ClusterConfig{Scheduler: "grid_engine"}, ctxlog.TestLogger(c))
	script, err := ge.script(&Parameters{
		Queue:                    "medium.q",
		GPUs:                     1,
		Exclusive:                true,
		QsubSubmissionParameters: "-l redhat_release=rhel7",
		Commands:                 Commands{"true"},
	}, "/dls/tmp/x y")
	c.Assert(err, check.IsNil)
	c.Check(string(script), check.Equals, `. /etc/profile.d/modules.sh
qsub -wd '/dls/tmp/x y' -q medium.q -l gpu=1 -l exclusive -l redhat_release=rhel7 << 'EOF'
#!/bin/bash
cd '/dls/tmp/x y'
true
EOF
`)
}

func (s *gridEngineSuite) TestAccountPolicy(c *check.C) {
	ge := s.newGridEngine(c)
	err := ge.Check(&Parameters{Account: "dls"})
	c.Check(zerr.KindOf(err), check.Equals, zerr.Validation)
	err = ge.Check(&Parameters{})
	c.Check(zerr.KindOf(err), check.Equals, zerr.Validation)
	c.Check(ge.Check(&Parameters{Account: "mx1234"}), check.IsNil)

	ge.Config.DefaultAccount = "dls"
	c.Check(zerr.KindOf(ge.Check(&Parameters{})), check.Equals, zerr.Validation)
	ge.Config.DefaultAccount = "mx0000"
	acct, err := ge.account(&Parameters{})
	c.Check(err, check.IsNil)
	c.Check(acct, check.Equals, "mx0000")

	open := NewGridEngine("cluster", zocalo.ClusterConfig{}, ctxlog.TestLogger(c))
	acct, err = open.account(&Parameters{})
	c.Check(err, check.IsNil)
	c.Check(acct, check.Equals, "")
}

func (s *gridEngineSuite) TestParseQsubOutput(c *check.C) {
	n, err := parseQsubOutput(`Your job 1234 ("xia2") has been submitted`)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, int64(1234))
	n, err = parseQsubOutput("Your job-array 5678.1-10:1 (\"xia2\") has been submitted\n")
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, int64(5678))
	for _, out := range []string{
		"",
		"Unable to run job: denied",
		`Your job abc ("xia2") has been submitted`,
		`Your job 12x ("xia2") has been submitted`,
		"has been submitted",
	} {
		_, err := parseQsubOutput(out)
		c.Check(zerr.KindOf(err), check.Equals, zerr.Submission, check.Commentf("%q", out))
	}
}

func (s *gridEngineSuite) TestSubmit(c *check.C) {
	ge := s.newGridEngine(c)
	var ran []string
	ge.stubCommand = func(prog string, args ...string) *exec.Cmd {
		ran = append(ran, prog)
		return exec.Command("echo", `Your job 4321 ("xia2") has been submitted`)
	}
	wd := c.MkDir()
	n, err := ge.Submit(context.Background(), &Job{
		Parameters: &Parameters{Account: "mx1234", Commands: Commands{"true"}},
		WorkingDir: wd,
	})
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, int64(4321))
	c.Check(ran, check.DeepEquals, []string{"/bin/bash"})

	ge.stubCommand = func(string, ...string) *exec.Cmd {
		return exec.Command("bash", "-c", "echo >&2 'Unable to run job'; exit 1")
	}
	_, err = ge.Submit(context.Background(), &Job{
		Parameters: &Parameters{Account: "mx1234", Commands: Commands{"true"}},
		WorkingDir: wd,
	})
	c.Check(zerr.KindOf(err), check.Equals, zerr.Submission)
	c.Check(err, check.ErrorMatches, `.*Unable to run job.*`)
}
