// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"encoding/json"
	"time"

	"github.com/zocalo-go/zocalo/lib/zerr"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&parametersSuite{})

type parametersSuite struct{}

func (s *parametersSuite) TestParse(c *check.C) {
	p, err := ParseParameters(map[string]interface{}{
		"scheduler":          "slurm",
		"partition":          "cs05r",
		"job_name":           "xia2",
		"cpus_per_task":      float64(4),
		"min_memory_per_cpu": float64(2000),
		"time_limit":         "01:30:00",
		"environment":        map[string]interface{}{"FOO": "bar"},
		"commands":           []interface{}{"module load xia2", "xia2 image=x.cbf"},
	})
	c.Assert(err, check.IsNil)
	c.Check(p.Scheduler, check.Equals, "slurm")
	c.Check(p.Partition, check.Equals, "cs05r")
	c.Check(p.CPUsPerTask, check.Equals, 4)
	c.Check(p.cpus(), check.Equals, 4)
	c.Check(p.MinMemoryPerCPU, check.Equals, 2000)
	c.Check(p.TimeLimit.Duration(), check.Equals, 90*time.Minute)
	c.Check(p.Environment, check.DeepEquals, map[string]string{"FOO": "bar"})
	c.Check(p.Commands.Script(), check.Equals, "module load xia2\nxia2 image=x.cbf")
	c.Check(p.Validate(), check.IsNil)

	p, err = ParseParameters(map[string]interface{}{"commands": "echo hello"})
	c.Assert(err, check.IsNil)
	c.Check(p.Commands, check.DeepEquals, Commands{"echo hello"})
	c.Check(p.cpus(), check.Equals, 1)
}

func (s *parametersSuite) TestParseErrors(c *check.C) {
	for _, v := range []interface{}{
		nil,
		"not a map",
		map[string]interface{}{"commands": float64(3)},
		map[string]interface{}{"commands": "x", "cpus_per_task": "four"},
		map[string]interface{}{"commands": "x", "time_limit": "bogus"},
		map[string]interface{}{"commands": "x", "time_limit": "10:xx"},
		map[string]interface{}{"commands": "x", "time_limit": true},
	} {
		_, err := ParseParameters(v)
		c.Check(err, check.NotNil, check.Commentf("%#v", v))
		c.Check(zerr.KindOf(err), check.Equals, zerr.Validation, check.Commentf("%#v", v))
	}
}

func (s *parametersSuite) TestValidate(c *check.C) {
	for _, p := range []Parameters{
		{},
		{Commands: Commands{"  "}},
		{Commands: Commands{"x"}, CPUsPerTask: -1},
		{Commands: Commands{"x"}, Disk: -10},
		{Commands: Commands{"x"}, TimeLimit: TimeLimit(-time.Minute)},
		{Commands: Commands{"x"}, Environment: map[string]string{"A B": "c"}},
		{Commands: Commands{"x"}, Environment: map[string]string{"": "c"}},
	} {
		err := p.Validate()
		c.Check(err, check.NotNil, check.Commentf("%#v", p))
		c.Check(zerr.KindOf(err), check.Equals, zerr.Validation)
	}
}

func (s *parametersSuite) TestTimeLimit(c *check.C) {
	for _, trial := range []struct {
		in      string
		expect  time.Duration
		minutes int
		hms     string
	}{
		{`3600`, time.Hour, 60, "01:00:00"},
		{`90.5`, 90500 * time.Millisecond, 2, "00:01:31"},
		{`"01:30:00"`, 90 * time.Minute, 90, "01:30:00"},
		{`"01:30"`, 90 * time.Minute, 90, "01:30:00"},
		{`"1-02:00:00"`, 26 * time.Hour, 1560, "26:00:00"},
		{`"2 03:00"`, 51 * time.Hour, 3060, "51:00:00"},
		{`"90m"`, 90 * time.Minute, 90, "01:30:00"},
		{`"45s"`, 45 * time.Second, 1, "00:00:45"},
		{`null`, 0, 0, "00:00:00"},
	} {
		var tl TimeLimit
		c.Assert(json.Unmarshal([]byte(trial.in), &tl), check.IsNil, check.Commentf("%s", trial.in))
		c.Check(tl.Duration(), check.Equals, trial.expect, check.Commentf("%s", trial.in))
		c.Check(tl.Minutes(), check.Equals, trial.minutes, check.Commentf("%s", trial.in))
		c.Check(tl.HMS(), check.Equals, trial.hms, check.Commentf("%s", trial.in))
	}

	buf, err := json.Marshal(TimeLimit(90 * time.Second))
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `90`)
}
