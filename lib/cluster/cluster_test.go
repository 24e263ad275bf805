// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zocalo-go/zocalo/lib/recipe"
	"github.com/zocalo-go/zocalo/lib/transport"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
	"github.com/zocalo-go/zocalo/sdk/go/zocalotest"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&serviceSuite{})

type fakeSubmitter struct {
	jobs      []Job
	checkErr  error
	submitErr error
}

func (fs *fakeSubmitter) Check(*Parameters) error {
	return fs.checkErr
}

func (fs *fakeSubmitter) Submit(_ context.Context, job *Job) (int64, error) {
	if fs.submitErr != nil {
		return 0, fs.submitErr
	}
	fs.jobs = append(fs.jobs, *job)
	return 42, nil
}

type serviceSuite struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *zocalo.Config
	tr     *transport.Loopback
	reg    *prometheus.Registry
	fake   *fakeSubmitter
	tmp    string
	svc    *Service
}

func (s *serviceSuite) SetUpTest(c *check.C) {
	s.cfg = zocalotest.Config(c, `
Clusters:
  cluster: {}
  hamilton:
    ForbiddenAccounts: [dls]
  slurm:
    Scheduler: slurm
    URL: http://localhost:6820
`)
	s.cfg.ClusterSubmission.ForbiddenRequestFiles = nil
	s.ctx, s.cancel = context.WithCancel(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)))
	s.tr = transport.NewLoopback()
	s.reg = prometheus.NewRegistry()
	s.fake = &fakeSubmitter{}
	s.tmp = c.MkDir()
	s.svc = nil
}

func (s *serviceSuite) TearDownTest(c *check.C) {
	s.cancel()
	if s.svc != nil {
		s.svc.Close()
	}
}

func (s *serviceSuite) start(c *check.C) {
	if s.svc != nil {
		return
	}
	s.svc = &Service{
		Context:    s.ctx,
		Config:     s.cfg,
		Transport:  s.tr,
		Registry:   s.reg,
		Submitters: map[string]Submitter{"slurm": s.fake},
		username:   "tester",
	}
	c.Assert(s.svc.Start(), check.IsNil)
}

// deliver sends a recipe message to the submission queue whose
// current step has the given parameters.
func (s *serviceSuite) deliver(c *check.C, params map[string]interface{}) {
	s.start(c)
	buf, err := json.Marshal(params)
	c.Assert(err, check.IsNil)
	r, err := recipe.Parse([]byte(`{
  "1": {"service": "Cluster submission", "queue": "cluster.submission", "parameters": ` + string(buf) + `,
        "output": {"job_submitted": 2}},
  "2": {"service": "Job tracker", "queue": "jobsub"},
  "start": [[1, []]]
}`))
	c.Assert(err, check.IsNil)
	msg := recipe.Message{
		Recipe:      r,
		Pointer:     1,
		Path:        []int{},
		Environment: map[string]interface{}{"ID": "abc-123"},
	}
	n, err := s.tr.Deliver(s.cfg.ClusterSubmission.Queue, transport.Header{transport.HeaderRecipe: "True"}, msg)
	c.Assert(err, check.IsNil)
	c.Assert(n, check.Equals, 1)
	c.Check(s.tr.OpenTransactions(), check.Equals, 0)
}

func (s *serviceSuite) TestSubmit(c *check.C) {
	wd := filepath.Join(s.tmp, "processing", "xia2")
	s.deliver(c, map[string]interface{}{
		"workingdir":        wd,
		"recipefile":        filepath.Join(wd, "xia2.recipe"),
		"recipeenvironment": filepath.Join(wd, "xia2.recipeenv"),
		"recipewrapper":     filepath.Join(wd, "xia2.recipewrap"),
		"cluster": map[string]interface{}{
			"job_name": "xia2",
			"commands": []string{"cat $RECIPEFILE $RECIPEENV", "dlstbx.wrap --recipewrapper=$RECIPEWRAP"},
		},
	})
	c.Assert(s.fake.jobs, check.HasLen, 1)
	job := s.fake.jobs[0]
	c.Check(job.WorkingDir, check.Equals, wd)
	c.Check(job.RecipeWrapper, check.Equals, filepath.Join(wd, "xia2.recipewrap"))
	c.Check(job.Parameters.Scheduler, check.Equals, "slurm")
	c.Check(job.Parameters.JobName, check.Equals, "xia2")
	c.Check(job.Parameters.Commands.Script(), check.Equals,
		"cat "+filepath.Join(wd, "xia2.recipe")+" "+filepath.Join(wd, "xia2.recipeenv")+"\n"+
			"dlstbx.wrap --recipewrapper="+filepath.Join(wd, "xia2.recipewrap"))

	fi, err := os.Stat(wd)
	c.Assert(err, check.IsNil)
	c.Check(fi.IsDir(), check.Equals, true)

	buf, err := os.ReadFile(filepath.Join(wd, "xia2.recipewrap"))
	c.Assert(err, check.IsNil)
	var wrapped recipe.Message
	c.Assert(json.Unmarshal(buf, &wrapped), check.IsNil)
	c.Check(wrapped.Pointer, check.Equals, 1)
	c.Check(wrapped.Environment["ID"], check.Equals, "abc-123")
	c.Check(wrapped.Recipe.Nodes[2].Queue, check.Equals, "jobsub")

	buf, err = os.ReadFile(filepath.Join(wd, "xia2.recipeenv"))
	c.Assert(err, check.IsNil)
	var env map[string]interface{}
	c.Assert(json.Unmarshal(buf, &env), check.IsNil)
	c.Check(env, check.DeepEquals, map[string]interface{}{"ID": "abc-123"})

	buf, err = os.ReadFile(filepath.Join(wd, "xia2.recipe"))
	c.Assert(err, check.IsNil)
	r, err := recipe.Parse(buf)
	c.Assert(err, check.IsNil)
	c.Check(r.Nodes[1].Queue, check.Equals, "cluster.submission")

	sent := s.tr.SentTo("jobsub")
	c.Assert(sent, check.HasLen, 1)
	var m struct{ Payload map[string]interface{} }
	c.Assert(json.Unmarshal(sent[0].Body, &m), check.IsNil)
	c.Check(m.Payload, check.DeepEquals, map[string]interface{}{"jobid": float64(42)})
	c.Check(s.tr.Acked(), check.HasLen, 1)
	c.Check(s.tr.Nacked(), check.HasLen, 0)
	c.Check(zocalotest.GetMetricValue(c, s.reg, "zocalo_cluster_submissions_total", "outcome", "submitted", "scheduler", "slurm"), check.Equals, float64(1))
}

func (s *serviceSuite) TestUserTmp(c *check.C) {
	s.cfg.ClusterSubmission.SharedTmpPrefix = filepath.Join(s.tmp, "shared", "zocalo")
	s.deliver(c, map[string]interface{}{
		"workingdir":    filepath.Join(s.tmp, "shared", "zocalo", "run1"),
		"recipewrapper": filepath.Join(s.tmp, "shared", "zocalo", "run1", "x.recipewrap"),
		"cluster":       map[string]interface{}{"commands": "run $RECIPEWRAP"},
	})
	c.Assert(s.fake.jobs, check.HasLen, 1)
	moved := filepath.Join(s.tmp, "shared", "tester", "zocalo", "run1")
	c.Check(s.fake.jobs[0].WorkingDir, check.Equals, moved)
	c.Check(s.fake.jobs[0].RecipeWrapper, check.Equals, filepath.Join(moved, "x.recipewrap"))
	c.Check(s.fake.jobs[0].Parameters.Commands.Script(), check.Equals, "run "+filepath.Join(moved, "x.recipewrap"))
	_, err := os.Stat(moved)
	c.Check(err, check.IsNil)

	s.svc.Config.Live = true
	c.Check(s.svc.userTmp(s.svc.logger, filepath.Join(s.tmp, "shared", "zocalo", "run2")), check.Equals, filepath.Join(s.tmp, "shared", "zocalo", "run2"))
	s.svc.Config.Live = false
	c.Check(s.svc.userTmp(s.svc.logger, filepath.Join(s.tmp, "shared", "zocalo2")), check.Equals, filepath.Join(s.tmp, "shared", "zocalo2"))
	c.Check(s.svc.userTmp(s.svc.logger, filepath.Join(s.tmp, "shared", "zocalo")), check.Equals, filepath.Join(s.tmp, "shared", "tester", "zocalo"))
}

func (s *serviceSuite) checkRejected(c *check.C, params map[string]interface{}) {
	s.deliver(c, params)
	c.Check(s.fake.jobs, check.HasLen, 0)
	c.Check(s.tr.Acked(), check.HasLen, 0)
	c.Check(s.tr.Nacked(), check.HasLen, 1)
	c.Check(s.tr.SentTo("jobsub"), check.HasLen, 0)
	s.tr.Reset()
}

func (s *serviceSuite) TestRejectInvalid(c *check.C) {
	wd := filepath.Join(s.tmp, "wd")
	for _, params := range []map[string]interface{}{
		{"workingdir": wd, "cluster_submission_parameters": "-pe smp 4", "cluster": map[string]interface{}{"commands": "true"}},
		{"workingdir": wd},
		{"workingdir": wd, "cluster": map[string]interface{}{}},
		{"workingdir": wd, "cluster": map[string]interface{}{"commands": "true", "cpus_per_task": -2}},
		{"workingdir": wd, "cluster": map[string]interface{}{"commands": "true", "scheduler": "pbs"}},
		{"workingdir": "relative/wd", "cluster": map[string]interface{}{"commands": "true"}},
		{"cluster": map[string]interface{}{"commands": "true"}},
	} {
		c.Logf("%v", params)
		s.checkRejected(c, params)
	}
	c.Check(zocalotest.GetMetricValue(c, s.reg, "zocalo_cluster_submissions_total", "outcome", "rejected", "scheduler", "slurm") >= 2, check.Equals, true)
}

func (s *serviceSuite) TestRelativeWorkingDirWritesNothing(c *check.C) {
	artifacts := []string{
		filepath.Join(s.tmp, "out", "x.recipe"),
		filepath.Join(s.tmp, "out", "x.recipeenv"),
		filepath.Join(s.tmp, "out", "x.recipewrap"),
	}
	s.checkRejected(c, map[string]interface{}{
		"workingdir":        "out",
		"recipefile":        artifacts[0],
		"recipeenvironment": artifacts[1],
		"recipewrapper":     artifacts[2],
		"cluster":           map[string]interface{}{"commands": "true"},
	})
	for _, fnm := range artifacts {
		_, err := os.Stat(fnm)
		c.Check(os.IsNotExist(err), check.Equals, true, check.Commentf("%s: %v", fnm, err))
	}
}

// checkRolledBack checks that a submission whose transaction failed
// left nothing acknowledged or sent, and released the inbound
// message for redelivery.
func (s *serviceSuite) checkRolledBack(c *check.C) {
	c.Check(s.tr.Acked(), check.HasLen, 0)
	c.Check(s.tr.Sent(), check.HasLen, 0)
	c.Check(s.tr.OpenTransactions(), check.Equals, 0)
	c.Assert(s.tr.Nacked(), check.HasLen, 1)
	c.Check(s.tr.Nacked()[0][transport.HeaderRecipe], check.Equals, "True")
	c.Check(zocalotest.GetMetricValue(c, s.reg, "zocalo_cluster_submissions_total", "outcome", "submitted", "scheduler", "slurm"), check.Equals, float64(0))
}

func (s *serviceSuite) TestSendJobIDFailure(c *check.C) {
	s.tr.SendError = func(dest string) error { return errors.New("broker refused " + dest) }
	s.deliver(c, map[string]interface{}{
		"workingdir": filepath.Join(s.tmp, "wd"),
		"cluster":    map[string]interface{}{"commands": "true"},
	})
	c.Check(s.fake.jobs, check.HasLen, 1)
	s.checkRolledBack(c)
}

func (s *serviceSuite) TestCommitFailure(c *check.C) {
	s.tr.CommitError = func(string) error { return errors.New("connection lost") }
	s.deliver(c, map[string]interface{}{
		"workingdir": filepath.Join(s.tmp, "wd"),
		"cluster":    map[string]interface{}{"commands": "true"},
	})
	c.Check(s.fake.jobs, check.HasLen, 1)
	s.checkRolledBack(c)
}

func (s *serviceSuite) TestPolicyRejected(c *check.C) {
	s.fake.checkErr = zerr.Validationf("account not allowed")
	s.checkRejected(c, map[string]interface{}{
		"workingdir": filepath.Join(s.tmp, "wd"),
		"cluster":    map[string]interface{}{"commands": "true"},
	})
}

func (s *serviceSuite) TestSubmitFailed(c *check.C) {
	s.fake.submitErr = errors.New("scheduler unavailable")
	s.checkRejected(c, map[string]interface{}{
		"workingdir": filepath.Join(s.tmp, "wd"),
		"cluster":    map[string]interface{}{"commands": "true"},
	})
	c.Check(zocalotest.GetMetricValue(c, s.reg, "zocalo_cluster_submissions_total", "outcome", "failed", "scheduler", "slurm"), check.Equals, float64(1))
}

func (s *serviceSuite) TestSchedulerParameter(c *check.C) {
	other := &fakeSubmitter{}
	s.start(c)
	s.svc.Submitters["htcondor"] = other
	s.deliver(c, map[string]interface{}{
		"workingdir": filepath.Join(s.tmp, "wd"),
		"cluster":    map[string]interface{}{"commands": "true", "scheduler": "htcondor"},
	})
	c.Check(s.fake.jobs, check.HasLen, 0)
	c.Check(other.jobs, check.HasLen, 1)
}

func (s *serviceSuite) TestForbiddenRequestFile(c *check.C) {
	fnm := filepath.Join(s.tmp, ".sge_request")
	s.cfg.ClusterSubmission.ForbiddenRequestFiles = []string{fnm, filepath.Join(s.tmp, "missing")}
	c.Assert(os.WriteFile(fnm, []byte("-l h_rt=1:00:00\n"), 0644), check.IsNil)
	svc := &Service{Context: s.ctx, Config: s.cfg, Transport: s.tr, Submitters: map[string]Submitter{}}
	c.Check(svc.Start(), check.ErrorMatches, `.*is not empty.*`)
	c.Check(svc.CheckHealth(), check.NotNil)

	c.Assert(os.WriteFile(fnm, []byte("\n"), 0644), check.IsNil)
	s.start(c)
	c.Check(s.svc.CheckHealth(), check.IsNil)
}

func (s *serviceSuite) TestHealth(c *check.C) {
	s.start(c)
	c.Check(s.svc.CheckHealth(), check.IsNil)
	s.cancel()
	<-s.svc.Done()
	c.Check(s.svc.CheckHealth(), check.ErrorMatches, "stopped")
}

func (s *serviceSuite) TestSubmitters(c *check.C) {
	subs := Submitters(s.cfg.Clusters, ctxlog.TestLogger(c))
	c.Check(subs["cluster"], check.FitsTypeOf, &GridEngine{})
	c.Check(subs["hamilton"], check.FitsTypeOf, &GridEngine{})
	c.Check(subs["slurm"], check.FitsTypeOf, &Slurm{})
	c.Check(subs["htcondor"], check.FitsTypeOf, &HTCondor{})
	router, ok := subs["grid_engine"].(gridEngineRouter)
	c.Assert(ok, check.Equals, true)

	ge, err := router.pick(&Parameters{})
	c.Assert(err, check.IsNil)
	c.Check(ge.Name, check.Equals, "cluster")
	c.Check(ge.Config.Module, check.Equals, "global/cluster")
	ge, err = router.pick(&Parameters{Cluster: "hamilton"})
	c.Assert(err, check.IsNil)
	c.Check(ge.Name, check.Equals, "hamilton")
	_, err = router.pick(&Parameters{Cluster: "nonexistent"})
	c.Check(zerr.KindOf(err), check.Equals, zerr.Validation)

	c.Check(zerr.KindOf(router.Check(&Parameters{Cluster: "hamilton", Account: "dls"})), check.Equals, zerr.Validation)
	c.Check(router.Check(&Parameters{Account: "dls"}), check.IsNil)
}
