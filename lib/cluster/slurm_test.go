// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&slurmSuite{})

type slurmRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   map[string]interface{}
}

type slurmSuite struct {
	srv      *httptest.Server
	mtx      sync.Mutex
	reqs     []slurmRequest
	status   int
	response string
}

func (s *slurmSuite) SetUpTest(c *check.C) {
	s.reqs = nil
	s.status = http.StatusOK
	s.response = `{"job_id": 99, "errors": []}`
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		req := slurmRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header}
		if buf, _ := io.ReadAll(r.Body); len(buf) > 0 {
			json.Unmarshal(buf, &req.Body)
		}
		s.reqs = append(s.reqs, req)
		w.WriteHeader(s.status)
		io.WriteString(w, s.response)
	}))
}

func (s *slurmSuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *slurmSuite) newSlurm(c *check.C) *Slurm {
	return NewSlurm("slurm", zocalo.ClusterConfig{
		Scheduler:  "slurm",
		URL:        s.srv.URL,
		APIVersion: "v0.0.40",
		User:       "gda2",
		Token:      "secret",
		Partition:  "cs04r",
		Timeout:    zocalo.Duration(10 * time.Second),
	}, ctxlog.TestLogger(c))
}

func (s *slurmSuite) TestSubmit(c *check.C) {
	sl := s.newSlurm(c)
	n, err := sl.Submit(context.Background(), &Job{
		Parameters: &Parameters{
			JobName:         "xia2",
			CPUsPerTask:     8,
			MinMemoryPerCPU: 1500,
			TimeLimit:       TimeLimit(90*time.Minute + time.Second),
			GPUs:            1,
			Exclusive:       true,
			Environment:     map[string]string{"B": "2", "A": "1"},
			Commands:        Commands{"xia2 image=x.cbf"},
		},
		WorkingDir: "/dls/tmp/wd",
	})
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, int64(99))

	c.Assert(s.reqs, check.HasLen, 1)
	req := s.reqs[0]
	c.Check(req.Method, check.Equals, "POST")
	c.Check(req.Path, check.Equals, "/slurm/v0.0.40/job/submit")
	c.Check(req.Header.Get("X-SLURM-USER-NAME"), check.Equals, "gda2")
	c.Check(req.Header.Get("X-SLURM-USER-TOKEN"), check.Equals, "secret")
	c.Check(req.Header.Get("Content-Type"), check.Equals, "application/json")
	c.Check(req.Body["script"], check.Equals, "#!/bin/bash\n. /etc/profile.d/modules.sh\nxia2 image=x.cbf")
	job, _ := req.Body["job"].(map[string]interface{})
	c.Assert(job, check.NotNil)
	c.Check(job["name"], check.Equals, "xia2")
	c.Check(job["partition"], check.Equals, "cs04r")
	c.Check(job["cpus_per_task"], check.Equals, float64(8))
	c.Check(job["current_working_directory"], check.Equals, "/dls/tmp/wd")
	c.Check(job["environment"], check.DeepEquals, []interface{}{"A=1", "B=2"})
	c.Check(job["memory_per_cpu"], check.DeepEquals, map[string]interface{}{"number": float64(1500), "set": true})
	c.Check(job["time_limit"], check.DeepEquals, map[string]interface{}{"number": float64(91), "set": true})
	c.Check(job["tres_per_job"], check.Equals, "gres/gpu:1")
	c.Check(job["shared"], check.DeepEquals, []interface{}{"none"})
	c.Check(job["account"], check.IsNil)
	c.Check(job["memory_per_node"], check.IsNil)
}

func (s *slurmSuite) TestDefaultEnvironment(c *check.C) {
	defer os.Setenv("USER", os.Getenv("USER"))
	os.Setenv("USER", "tester")
	sl := s.newSlurm(c)
	req, err := sl.request(&Job{Parameters: &Parameters{Commands: Commands{"true"}}})
	c.Assert(err, check.IsNil)
	c.Check(req.Job.Environment, check.DeepEquals, []string{"USER=tester"})

	os.Setenv("USER", "")
	req, err = sl.request(&Job{Parameters: &Parameters{Commands: Commands{"true"}}})
	c.Assert(err, check.IsNil)
	c.Check(req.Job.Environment, check.DeepEquals, []string{"USER=gda2"})
}

func (s *slurmSuite) TestEmbedWrapper(c *check.C) {
	sl := s.newSlurm(c)
	sl.Config.EmbedWrapper = true
	fnm := filepath.Join(c.MkDir(), "abc.recipewrap")
	c.Assert(os.WriteFile(fnm, []byte(`{"recipe": {}}`), 0644), check.IsNil)
	req, err := sl.request(&Job{
		Parameters:    &Parameters{Commands: Commands{"dlstbx.wrap --wrap=xia2 --recipewrapper=abc.recipewrap"}},
		RecipeWrapper: fnm,
	})
	c.Assert(err, check.IsNil)
	c.Check(req.Script, check.Equals, "#!/bin/bash\ncat > abc.recipewrap << 'EOF'\n{\"recipe\": {}}\nEOF\ndlstbx.wrap --wrap=xia2 --recipewrapper=abc.recipewrap")

	_, err = sl.request(&Job{
		Parameters:    &Parameters{Commands: Commands{"true"}},
		RecipeWrapper: fnm + ".missing",
	})
	c.Check(zerr.KindOf(err), check.Equals, zerr.Filesystem)
}

func (s *slurmSuite) TestSubmitErrors(c *check.C) {
	sl := s.newSlurm(c)
	job := &Job{Parameters: &Parameters{Commands: Commands{"true"}}, WorkingDir: "/tmp"}

	s.response = `{"job_id": 0, "errors": [{"error": "Invalid account", "error_number": 2045, "description": "account mx0"}]}`
	_, err := sl.Submit(context.Background(), job)
	c.Check(zerr.KindOf(err), check.Equals, zerr.Submission)
	c.Check(err, check.ErrorMatches, `.*2045: Invalid account \(account mx0\).*`)

	s.response = `{"job_id": 0}`
	_, err = sl.Submit(context.Background(), job)
	c.Check(zerr.KindOf(err), check.Equals, zerr.Submission)

	s.status = http.StatusInternalServerError
	s.response = `oops`
	s.reqs = nil
	_, err = sl.Submit(context.Background(), job)
	c.Check(zerr.KindOf(err), check.Equals, zerr.Submission)
	c.Check(err, check.ErrorMatches, `.*500 Internal Server Error: oops.*`)
	// An answered submission is not repeated.
	c.Check(s.reqs, check.HasLen, 1)
}

func (s *slurmSuite) TestCheck(c *check.C) {
	sl := s.newSlurm(c)
	sl.Config.ForbiddenAccounts = []string{"dls"}
	c.Check(zerr.KindOf(sl.Check(&Parameters{Account: "dls"})), check.Equals, zerr.Validation)
	c.Check(zerr.KindOf(sl.Check(&Parameters{TransferInputFiles: []string{"x"}})), check.Equals, zerr.Validation)
	c.Check(sl.Check(&Parameters{Account: "mx1234"}), check.IsNil)
}

func (s *slurmSuite) TestJobs(c *check.C) {
	s.response = `{"jobs": [
  {"job_id": 1, "name": "xia2", "partition": "cs04r", "user_name": "gda2", "job_state": ["PENDING"]},
  {"job_id": 2, "name": "dials", "partition": "cs05r", "user_name": "gda2", "job_state": "RUNNING"},
  {"job_id": 3, "name": "none"}
]}`
	jobs, err := s.newSlurm(c).Jobs(context.Background(), "gda2")
	c.Assert(err, check.IsNil)
	c.Check(jobs, check.DeepEquals, []SlurmJob{
		{JobID: 1, Name: "xia2", Partition: "cs04r", UserName: "gda2", States: []string{"PENDING"}},
		{JobID: 2, Name: "dials", Partition: "cs05r", UserName: "gda2", States: []string{"RUNNING"}},
		{JobID: 3, Name: "none"},
	})
	c.Assert(s.reqs, check.HasLen, 1)
	c.Check(s.reqs[0].Method, check.Equals, "GET")
	c.Check(s.reqs[0].Path, check.Equals, "/slurm/v0.0.40/jobs")
	c.Check(s.reqs[0].Query, check.Equals, "users=gda2")
}
