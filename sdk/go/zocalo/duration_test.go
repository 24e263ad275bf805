// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package zocalo

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestMarshalJSON(c *check.C) {
	var d struct {
		D Duration
	}
	err := json.Unmarshal([]byte(`{"D":"1.234s"}`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.D, check.Equals, Duration(time.Second+234*time.Millisecond))
	buf, err := json.Marshal(d)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"D":"1.234s"}`)

	err = json.Unmarshal([]byte(`{"D":120}`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.D.Duration(), check.Equals, 2*time.Minute)
}

func (s *DurationSuite) TestClock(c *check.C) {
	for _, trial := range []struct {
		in  string
		out time.Duration
	}{
		{"03:00:00", 3 * time.Hour},
		{"00:01:30", 90 * time.Second},
		{"45:00", 45 * time.Minute},
		{"1-02:00:00", 26 * time.Hour},
	} {
		d, err := ParseClock(trial.in)
		c.Check(err, check.IsNil)
		c.Check(d, check.Equals, trial.out, check.Commentf("%s", trial.in))
	}
	for _, bad := range []string{"", "3", "a:b", "1:2:3:4", "-1:00"} {
		_, err := ParseClock(bad)
		c.Check(err, check.NotNil, check.Commentf("%q", bad))
	}
}

func (s *DurationSuite) TestSet(c *check.C) {
	var d Duration
	c.Check(d.Set("2h"), check.IsNil)
	c.Check(d.Duration(), check.Equals, 2*time.Hour)
	c.Check(d.Set("01:00:00"), check.IsNil)
	c.Check(d.Duration(), check.Equals, time.Hour)
}
