// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&qstatSuite{})

type qstatSuite struct{}

const qstatFixture = `<?xml version='1.0'?>
<job_info  xmlns:xsd="http://arc.liv.ac.uk/repos/darcs/sge/source/dist/util/resources/schemas/qstat/qstat.xsd">
  <queue_info>
    <Queue-List>
      <name>high.q@com01.diamond.ac.uk</name>
      <qtype>BIP</qtype>
      <slots_used>4</slots_used>
      <slots_resv>0</slots_resv>
      <slots_total>20</slots_total>
      <arch>lx-amd64</arch>
      <job_list state="running">
        <JB_job_number>101</JB_job_number>
        <JAT_prio>0.50500</JAT_prio>
        <JB_name>xia2</JB_name>
        <JB_owner>gda2</JB_owner>
        <state>r</state>
        <JAT_start_time>2023-11-14T11:58:01</JAT_start_time>
        <slots>4</slots>
      </job_list>
    </Queue-List>
    <Queue-List>
      <name>medium.q@com01.diamond.ac.uk</name>
      <qtype>BIP</qtype>
      <slots_used>6</slots_used>
      <slots_resv>2</slots_resv>
      <slots_total>20</slots_total>
    </Queue-List>
    <Queue-List>
      <name>low.q@com02.diamond.ac.uk</name>
      <qtype>BIP</qtype>
      <slots_used>0</slots_used>
      <slots_resv>0</slots_resv>
      <slots_total>16</slots_total>
      <state>E</state>
    </Queue-List>
    <Queue-List>
      <name>high.q@com02.diamond.ac.uk</name>
      <qtype>BIP</qtype>
      <slots_used>0</slots_used>
      <slots_resv>0</slots_resv>
      <slots_total>16</slots_total>
      <state>d</state>
    </Queue-List>
    <Queue-List>
      <name>gpu.q@gpu01.diamond.ac.uk</name>
      <qtype>BIP</qtype>
      <slots_used>2</slots_used>
      <slots_resv>0</slots_resv>
      <slots_total>8</slots_total>
    </Queue-List>
    <Queue-List>
      <name>admin.q@adm01.diamond.ac.uk</name>
      <qtype>BIP</qtype>
      <slots_used>1</slots_used>
      <slots_resv>0</slots_resv>
      <slots_total>4</slots_total>
      <state>s</state>
    </Queue-List>
  </queue_info>
  <job_info>
    <job_list state="pending">
      <JB_job_number>201</JB_job_number>
      <JB_name>a</JB_name>
      <JB_owner>gda2</JB_owner>
      <state>qw</state>
      <slots>1</slots>
      <hard_req_queue>high.q</hard_req_queue>
    </job_list>
    <job_list state="pending">
      <JB_job_number>202</JB_job_number>
      <JB_name>b</JB_name>
      <JB_owner>gda2</JB_owner>
      <state>qw</state>
      <slots>1</slots>
      <hard_req_queue>medium.q</hard_req_queue>
    </job_list>
    <job_list state="pending">
      <JB_job_number>203</JB_job_number>
      <JB_name>c</JB_name>
      <JB_owner>gda2</JB_owner>
      <state>qw</state>
      <slots>4</slots>
      <hard_req_queue>medium.q</hard_req_queue>
    </job_list>
    <job_list state="pending">
      <JB_job_number>204</JB_job_number>
      <JB_name>held</JB_name>
      <JB_owner>gda2</JB_owner>
      <state>hqw</state>
      <slots>1</slots>
      <hard_req_queue>high.q</hard_req_queue>
    </job_list>
    <job_list state="pending">
      <JB_job_number>205</JB_job_number>
      <JB_name>failed</JB_name>
      <JB_owner>gda2</JB_owner>
      <state>Eqw</state>
      <slots>1</slots>
      <hard_req_queue>low.q</hard_req_queue>
    </job_list>
    <job_list state="pending">
      <JB_job_number>206</JB_job_number>
      <JB_name>anywhere</JB_name>
      <JB_owner>gda2</JB_owner>
      <state>qw</state>
      <slots>1</slots>
    </job_list>
  </job_info>
</job_info>
`

func (s *qstatSuite) TestParse(c *check.C) {
	qi, err := parseQstat([]byte(qstatFixture))
	c.Assert(err, check.IsNil)
	c.Check(qi.Queues, check.HasLen, 6)
	c.Check(qi.Pending, check.HasLen, 6)
	c.Check(qi.Queues[0].Queue(), check.Equals, "high.q")
	c.Check(qi.Queues[0].Host(), check.Equals, "com01.diamond.ac.uk")
	c.Check(qi.Queues[0].Jobs, check.HasLen, 1)
	c.Check(qi.Queues[0].Jobs[0].Number, check.Equals, int64(101))
	c.Check(qi.Pending[0].Queues, check.DeepEquals, []string{"high.q"})

	_, err = parseQstat([]byte("error: commlib error"))
	c.Check(err, check.NotNil)
}

func (s *qstatSuite) TestWaiting(c *check.C) {
	qi, err := parseQstat([]byte(qstatFixture))
	c.Assert(err, check.IsNil)
	c.Check(qi.Waiting(), check.DeepEquals, map[string]int{
		"high.q":   1,
		"medium.q": 2,
		"low.q":    0,
		"gpu.q":    0,
		"admin.q":  0,
		"unknown":  1,
	})
}

func (s *qstatSuite) TestNodes(c *check.C) {
	qi, err := parseQstat([]byte(qstatFixture))
	c.Assert(err, check.IsNil)
	c.Check(qi.Nodes(), check.DeepEquals, map[string]map[string]queueStatus{
		"com01.diamond.ac.uk": {
			"high.q":   {Status: "running", SlotsTotal: 20, SlotsUsed: 4},
			"medium.q": {Status: "running", SlotsTotal: 20, SlotsUsed: 6, SlotsReserved: 2},
		},
		"com02.diamond.ac.uk": {
			"low.q":  {Status: "broken", SlotsTotal: 16},
			"high.q": {Status: "broken", SlotsTotal: 16},
		},
		"gpu01.diamond.ac.uk": {
			"gpu.q": {Status: "running", SlotsTotal: 8, SlotsUsed: 2},
		},
		"adm01.diamond.ac.uk": {
			"admin.q": {Status: "suspended", SlotsTotal: 4, SlotsUsed: 1},
		},
	})
}

func (s *qstatSuite) TestUtilization(c *check.C) {
	qi, err := parseQstat([]byte(qstatFixture))
	c.Assert(err, check.IsNil)
	util := qi.Utilization()
	c.Check(util.Check(), check.IsNil)
	c.Check(util.All, check.Equals, slotCount{Total: 48, Broken: 20, Free: 14, UsedLow: 2, UsedMedium: 8, UsedHigh: 4})
	c.Check(util.Groups, check.DeepEquals, map[string]slotCount{
		"cpu":   {Total: 36, Broken: 16, Free: 8, UsedMedium: 8, UsedHigh: 4},
		"gpu":   {Total: 8, Free: 6, UsedLow: 2},
		"admin": {Total: 4, Broken: 4},
	})
	c.Check(util.Waiting, check.DeepEquals, map[string]int{"high": 1, "medium": 2, "low": 1})
	c.Check(util.All.Used(), check.Equals, 14)
}

func (s *qstatSuite) TestInconsistent(c *check.C) {
	qi, err := parseQstat([]byte(`<job_info><queue_info><Queue-List>
<name>high.q@com01</name><slots_used>30</slots_used><slots_resv>0</slots_resv><slots_total>20</slots_total>
</Queue-List></queue_info><job_info></job_info></job_info>`))
	c.Assert(err, check.IsNil)
	c.Check(qi.Utilization().Check(), check.ErrorMatches, `inconsistent slot totals.*`)
}

func (s *qstatSuite) TestPriority(c *check.C) {
	for queue, level := range map[string]string{
		"high.q":        "high",
		"test-high.q":   "high",
		"medium.q":      "medium",
		"test-medium.q": "medium",
		"low.q":         "low",
		"bottom.q":      "low",
		"admin.q":       "low",
	} {
		c.Check(priority(queue), check.Equals, level, check.Commentf("%s", queue))
	}
	c.Check(group([]string{"low.q", "gpu.q"}), check.Equals, "gpu")
	c.Check(group([]string{"gpu.q", "admin.q"}), check.Equals, "admin")
	c.Check(group([]string{"low.q"}), check.Equals, "cpu")
}
