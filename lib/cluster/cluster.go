// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cluster submits recipe steps as batch jobs to grid engine,
// Slurm and HTCondor clusters.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/cmd"
	"github.com/zocalo-go/zocalo/lib/recipe"
	"github.com/zocalo-go/zocalo/lib/service"
	"github.com/zocalo-go/zocalo/lib/transport"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

var Command cmd.Handler = service.Command(zocalo.ServiceNameClusterSubmission, newHandler)

func newHandler(ctx context.Context, cfg *zocalo.Config, tr transport.Transport, reg *prometheus.Registry) service.Handler {
	svc := &Service{
		Context:   ctx,
		Config:    cfg,
		Transport: tr,
		Registry:  reg,
	}
	if err := svc.Start(); err != nil {
		return service.ErrorHandler(ctx, cfg, err)
	}
	return svc
}

// A Submitter starts jobs on one kind of cluster.
type Submitter interface {
	// Check returns a Validation error if the cluster's policy
	// does not allow the job.
	Check(*Parameters) error
	// Submit starts the job and returns its id.
	Submit(context.Context, *Job) (int64, error)
}

// Job is a validated submission with its artifacts in place.
type Job struct {
	Parameters *Parameters
	// Absolute path of an existing directory.
	WorkingDir string
	// Path of the serialized recipe wrapper, if one was written.
	RecipeWrapper string
}

// Submitters returns a Submitter for each configured cluster, by
// cluster name. "grid_engine" selects a grid engine cluster by the
// job's cluster parameter, and "htcondor" is available even when no
// HTCondor cluster is configured.
func Submitters(clusters map[string]zocalo.ClusterConfig, logger logrus.FieldLogger) map[string]Submitter {
	subs := map[string]Submitter{}
	ge := gridEngineRouter{}
	for name, cc := range clusters {
		switch cc.Scheduler {
		case "grid_engine":
			s := NewGridEngine(name, cc, logger)
			subs[name] = s
			ge[name] = s
		case "slurm":
			subs[name] = NewSlurm(name, cc, logger)
		case "htcondor":
			subs[name] = NewHTCondor(name, cc, logger)
			if _, ok := subs["htcondor"]; !ok {
				subs["htcondor"] = subs[name]
			}
		}
	}
	if _, ok := subs["grid_engine"]; !ok && len(ge) > 0 {
		subs["grid_engine"] = ge
	}
	if _, ok := subs["htcondor"]; !ok {
		subs["htcondor"] = NewHTCondor("htcondor", zocalo.ClusterConfig{Scheduler: "htcondor"}, logger)
	}
	return subs
}

// gridEngineRouter passes each job to the grid engine cluster named
// by its cluster parameter.
type gridEngineRouter map[string]*GridEngine

func (r gridEngineRouter) pick(p *Parameters) (*GridEngine, error) {
	name := p.Cluster
	if name == "" {
		name = "cluster"
	}
	ge, ok := r[name]
	if !ok {
		return nil, zerr.Validationf("unknown grid engine cluster %q", name)
	}
	return ge, nil
}

func (r gridEngineRouter) Check(p *Parameters) error {
	ge, err := r.pick(p)
	if err != nil {
		return err
	}
	return ge.Check(p)
}

func (r gridEngineRouter) Submit(ctx context.Context, job *Job) (int64, error) {
	ge, err := r.pick(job.Parameters)
	if err != nil {
		return 0, err
	}
	return ge.Submit(ctx, job)
}

// Service submits the jobs requested on the cluster submission
// queue.
type Service struct {
	Context   context.Context
	Config    *zocalo.Config
	Transport transport.Transport
	Registry  *prometheus.Registry
	// Default is Submitters(Config.Clusters).
	Submitters map[string]Submitter

	// Name used in place of the shared temporary directory owner
	// on non-live deployments. Default is the current user.
	username string

	logger       logrus.FieldLogger
	subscription string
	mSubmissions *prometheus.CounterVec

	initOnce  sync.Once
	initErr   error
	closeOnce sync.Once
	stopped   chan struct{}
}

// Start checks the submission environment and subscribes to the
// submission queue. Start can be called multiple times with no ill
// effect.
func (svc *Service) Start() error {
	svc.initOnce.Do(func() {
		svc.initErr = svc.init()
	})
	return svc.initErr
}

func (svc *Service) init() error {
	svc.logger = ctxlog.FromContext(svc.Context)
	svc.stopped = make(chan struct{})
	if err := svc.checkEnvironment(); err != nil {
		return err
	}
	if svc.Submitters == nil {
		svc.Submitters = Submitters(svc.Config.Clusters, svc.logger)
	}
	if svc.username == "" {
		if u, err := user.Current(); err == nil {
			svc.username = u.Username
		}
	}
	if svc.Registry == nil {
		svc.Registry = prometheus.NewRegistry()
	}
	svc.mSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zocalo",
		Subsystem: "cluster",
		Name:      "submissions_total",
		Help:      "Job submissions, by scheduler and outcome.",
	}, []string{"scheduler", "outcome"})
	svc.Registry.MustRegister(svc.mSubmissions)

	var names []string
	for name := range svc.Submitters {
		names = append(names, name)
	}
	sort.Strings(names)
	svc.logger.WithField("Schedulers", names).Debug("supported schedulers")

	sub, err := recipe.WrapSubscribe(svc.Transport, svc.logger, svc.Config.ClusterSubmission.Queue, svc.process, false)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", svc.Config.ClusterSubmission.Queue, err)
	}
	svc.subscription = sub
	go func() {
		<-svc.Context.Done()
		svc.Close()
	}()
	svc.logger.WithField("Queue", svc.Config.ClusterSubmission.Queue).Info("cluster submission service started")
	return nil
}

// checkEnvironment refuses to start if a scheduler request file
// would silently change every submission.
func (svc *Service) checkEnvironment() error {
	home, _ := os.UserHomeDir()
	for _, fnm := range svc.Config.ClusterSubmission.ForbiddenRequestFiles {
		if strings.HasPrefix(fnm, "~/") {
			if home == "" {
				continue
			}
			fnm = filepath.Join(home, fnm[2:])
		}
		buf, err := os.ReadFile(fnm)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("checking %s: %w", fnm, err)
		}
		if len(bytes.TrimSpace(buf)) > 0 {
			return fmt.Errorf("file %s is not empty, which may interfere with job submission", fnm)
		}
		svc.logger.WithField("Path", fnm).Info("empty scheduler request file found")
	}
	return nil
}

// CheckHealth implements service.Handler.
func (svc *Service) CheckHealth() error {
	if err := svc.Start(); err != nil {
		return err
	}
	select {
	case <-svc.stopped:
		return errors.New("stopped")
	default:
		return nil
	}
}

// Done implements service.Handler.
func (svc *Service) Done() <-chan struct{} {
	return svc.stopped
}

// Close stops receiving submissions.
func (svc *Service) Close() {
	svc.closeOnce.Do(func() {
		if err := svc.Transport.Unsubscribe(svc.subscription); err != nil {
			svc.logger.WithError(err).Warn("unsubscribe failed")
		}
		close(svc.stopped)
	})
}

func (svc *Service) count(scheduler, outcome string) {
	svc.mSubmissions.WithLabelValues(scheduler, outcome).Inc()
}

// process submits the job described by the current recipe step.
func (svc *Service) process(rw *recipe.Wrapper, hdr transport.Header, _ interface{}) (err error) {
	defer func() {
		err = transport.WithFields(err, logrus.Fields{"RecipeID": rw.ID()})
	}()
	logger := svc.logger.WithField("RecipeID", rw.ID())
	var params map[string]interface{}
	if step := rw.Step(); step != nil {
		params = step.Parameters
	}
	if v, ok := params["cluster_submission_parameters"]; ok && v != nil && v != "" {
		svc.count("", "rejected")
		return zerr.Validationf("deprecated cluster_submission_parameters in recipe %s", rw.ID())
	}
	p, err := ParseParameters(params["cluster"])
	if err != nil {
		svc.count("", "rejected")
		return err
	}
	if p.Scheduler == "" {
		p.Scheduler = svc.Config.ClusterSubmission.DefaultScheduler
	}
	if err := p.Validate(); err != nil {
		svc.count(p.Scheduler, "rejected")
		return err
	}
	submitter, ok := svc.Submitters[p.Scheduler]
	if !ok {
		svc.count(p.Scheduler, "rejected")
		return zerr.Validationf("unsupported cluster scheduler %q in recipe %s", p.Scheduler, rw.ID())
	}
	if err := submitter.Check(p); err != nil {
		svc.count(p.Scheduler, "rejected")
		return err
	}

	job, err := svc.prepare(logger, rw, params, p)
	if err != nil {
		svc.count(p.Scheduler, "rejected")
		return err
	}
	jobid, err := submitter.Submit(ctxlog.Context(svc.Context, logger), job)
	if err != nil {
		svc.count(p.Scheduler, "failed")
		if zerr.KindOf(err) == zerr.Unknown {
			err = zerr.Submissionf("%w", err)
		}
		return err
	}

	txn, err := svc.Transport.Begin()
	if err != nil {
		return zerr.Transportf("begin transaction: %w", err)
	}
	if err := svc.Transport.Ack(hdr, txn); err != nil {
		svc.Transport.Abort(txn)
		return zerr.Transportf("ack: %w", err)
	}
	rw.SetDefaultChannel(zocalo.QueueJobSubmitted)
	if err := rw.Send(map[string]interface{}{"jobid": jobid}, txn); err != nil {
		svc.Transport.Abort(txn)
		return zerr.Transportf("sending job id: %w", err)
	}
	if err := svc.Transport.Commit(txn); err != nil {
		return zerr.Transportf("commit: %w", err)
	}
	svc.count(p.Scheduler, "submitted")
	logger.WithFields(logrus.Fields{
		"JobID":     jobid,
		"Scheduler": p.Scheduler,
		"Partition": p.Partition,
	}).Info("submitted job")
	return nil
}

// prepare checks the working directory, writes the recipe artifacts
// named in the step parameters, substitutes their paths into the job
// commands, and creates the working directory.
func (svc *Service) prepare(logger logrus.FieldLogger, rw *recipe.Wrapper, params map[string]interface{}, p *Parameters) (*Job, error) {
	wd, _ := params["workingdir"].(string)
	if !filepath.IsAbs(wd) {
		return nil, zerr.Validationf("no absolute working directory specified, will not run cluster job")
	}
	script := p.Commands.Script()
	job := &Job{Parameters: p}

	if fnm, _ := params["recipefile"].(string); fnm != "" {
		logger.WithField("Path", fnm).Debug("writing recipe")
		if err := writeArtifact(fnm, []byte(rw.Recipe.Pretty())); err != nil {
			return nil, err
		}
		script = strings.ReplaceAll(script, "$RECIPEFILE", fnm)
	}
	if fnm, _ := params["recipeenvironment"].(string); fnm != "" {
		buf, err := json.MarshalIndent(rw.Environment, "", "  ")
		if err != nil {
			return nil, err
		}
		logger.WithField("Path", fnm).Debug("writing recipe environment")
		if err := writeArtifact(fnm, buf); err != nil {
			return nil, err
		}
		script = strings.ReplaceAll(script, "$RECIPEENV", fnm)
	}
	if fnm, _ := params["recipewrapper"].(string); fnm != "" {
		fnm = svc.userTmp(logger, fnm)
		buf, err := json.MarshalIndent(rw.Message(), "", "  ")
		if err != nil {
			return nil, err
		}
		logger.WithField("Path", fnm).Debug("storing serialized recipe wrapper")
		if err := writeArtifact(fnm, buf); err != nil {
			return nil, err
		}
		script = strings.ReplaceAll(script, "$RECIPEWRAP", fnm)
		job.RecipeWrapper = fnm
	}

	wd = svc.userTmp(logger, wd)
	if err := os.MkdirAll(wd, 0775); err != nil {
		return nil, zerr.Filesystemf("could not create working directory: %w", err)
	}
	job.WorkingDir = wd
	p.Commands = Commands{script}
	return job, nil
}

// userTmp moves paths under the shared temporary directory to a
// per-user location on non-live deployments, e.g. /dls/tmp/zocalo/x
// becomes /dls/tmp/<user>/zocalo/x.
func (svc *Service) userTmp(logger logrus.FieldLogger, path string) string {
	prefix := filepath.Clean(svc.Config.ClusterSubmission.SharedTmpPrefix)
	if svc.Config.Live || svc.Config.ClusterSubmission.SharedTmpPrefix == "" || svc.username == "" {
		return path
	}
	if path != prefix && !strings.HasPrefix(path, prefix+"/") {
		return path
	}
	moved := filepath.Join(filepath.Dir(prefix), svc.username, filepath.Base(prefix), strings.TrimPrefix(path, prefix))
	logger.WithField("Path", moved).Debug("using per-user temporary directory")
	return moved
}

// writeArtifact creates the parent directory and writes buf to fnm.
// A missing ancestor that cannot be created is a Filesystem error.
func writeArtifact(fnm string, buf []byte) error {
	if err := os.MkdirAll(filepath.Dir(fnm), 0775); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return zerr.Filesystemf("error in underlying filesystem: %w", err)
		}
		return err
	}
	return os.WriteFile(fnm, buf, 0664)
}
