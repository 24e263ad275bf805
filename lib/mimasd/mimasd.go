// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package mimasd runs the decision engine as a service: it receives
// data collection events as recipe steps, asks the rule registry what
// to do, and forwards the resulting recipe requests and processing
// jobs along the recipe.
package mimasd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/cmd"
	"github.com/zocalo-go/zocalo/lib/mimas"
	"github.com/zocalo-go/zocalo/lib/mimas/rules"
	"github.com/zocalo-go/zocalo/lib/recipe"
	"github.com/zocalo-go/zocalo/lib/service"
	"github.com/zocalo-go/zocalo/lib/transport"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

var Command cmd.Handler = service.Command(zocalo.ServiceNameMimas, newHandler)

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

// Service subscribes to the decision queue and the cluster
// statistics topic.
type Service struct {
	Context   context.Context
	Config    *zocalo.Config
	Transport transport.Transport
	Registry  *prometheus.Registry
	// Rules to evaluate. Default is rules.Default().
	Rules *mimas.Registry

	// Current time, can be replaced by tests.
	now func() time.Time

	logger        logrus.FieldLogger
	stats         *clusterStats
	subscriptions []string
	mEvents       *prometheus.CounterVec
	mInvocations  *prometheus.CounterVec
	mCloudburst   prometheus.Gauge

	initOnce  sync.Once
	initErr   error
	closeOnce sync.Once
	stopped   chan struct{}
}

// Start subscribes to the configured queue and topic. Start can be
// called multiple times with no ill effect.
func (svc *Service) Start() error {
	svc.initOnce.Do(func() {
		svc.initErr = svc.init()
	})
	return svc.initErr
}

func (svc *Service) init() error {
	svc.logger = ctxlog.FromContext(svc.Context)
	svc.stopped = make(chan struct{})
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.Rules == nil {
		svc.Rules = rules.Default()
	}
	if svc.Registry == nil {
		svc.Registry = prometheus.NewRegistry()
	}
	svc.mEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zocalo",
		Subsystem: "mimas",
		Name:      "events_total",
		Help:      "Data collection events evaluated, by outcome.",
	}, []string{"outcome"})
	svc.Registry.MustRegister(svc.mEvents)
	svc.mInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zocalo",
		Subsystem: "mimas",
		Name:      "invocations_total",
		Help:      "Actions sent, by kind (recipe or job).",
	}, []string{"kind"})
	svc.Registry.MustRegister(svc.mInvocations)
	svc.mCloudburst = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zocalo",
		Subsystem: "mimas",
		Name:      "cloudbursting",
		Help:      "1 if the most recent decision had cloudbursting active, otherwise 0.",
	})
	svc.Registry.MustRegister(svc.mCloudburst)

	svc.stats = newClusterStats(svc.Config.Mimas, svc.now())

	sub, err := recipe.WrapSubscribe(svc.Transport, svc.logger, svc.Config.Mimas.Queue, svc.process, false)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", svc.Config.Mimas.Queue, err)
	}
	svc.subscriptions = append(svc.subscriptions, sub)
	sub, err = recipe.WrapSubscribeBroadcast(svc.Transport, svc.logger, zocalo.TopicStatisticsCluster, svc.onStatistics, true)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", zocalo.TopicStatisticsCluster, err)
	}
	svc.subscriptions = append(svc.subscriptions, sub)
	go func() {
		<-svc.Context.Done()
		svc.Close()
	}()
	svc.logger.WithField("Queue", svc.Config.Mimas.Queue).Info("mimas started")
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

// Close stops receiving events and statistics.
func (svc *Service) Close() {
	svc.closeOnce.Do(func() {
		for _, sub := range svc.subscriptions {
			if err := svc.Transport.Unsubscribe(sub); err != nil {
				svc.logger.WithError(err).Warn("unsubscribe failed")
			}
		}
		close(svc.stopped)
	})
}

func (svc *Service) onStatistics(_ *recipe.Wrapper, _ transport.Header, message interface{}) error {
	msg, ok := message.(map[string]interface{})
	if !ok {
		return nil
	}
	svc.stats.update(svc.logger, msg, svc.now())
	return nil
}

// process evaluates one data collection event.
func (svc *Service) process(rw *recipe.Wrapper, hdr transport.Header, _ interface{}) (err error) {
	defer func() {
		err = transport.WithFields(err, logrus.Fields{"RecipeID": rw.ID()})
	}()
	step := rw.Step()
	var params map[string]interface{}
	if step != nil {
		params = step.Parameters
	}
	logger := svc.logger.WithField("RecipeID", rw.ID())

	sc, err := scenarioFromParameters(logger, params)
	if err != nil {
		svc.mEvents.WithLabelValues("rejected").Inc()
		return fmt.Errorf("invalid Mimas request rejected: %w", err)
	}
	if svc.stats.cloudbursting(svc.now()) {
		sc.Cloudbursting = svc.cloudburstPolicies()
		svc.mCloudburst.Set(1)
	} else {
		svc.mCloudburst.Set(0)
	}
	logger.WithField("Scenario", fmt.Sprintf("%+v", sc)).Debug("evaluating")

	invs, err := svc.Rules.Handle(sc)
	if err != nil {
		svc.mEvents.WithLabelValues("rejected").Inc()
		if zerr.KindOf(err) == zerr.Unknown {
			err = zerr.Validationf("%w", err)
		}
		return fmt.Errorf("invalid Mimas response: %w", err)
	}

	var msgs []interface{}
	for _, inv := range invs {
		m, err := mimas.Message(inv)
		if err != nil {
			svc.mEvents.WithLabelValues("rejected").Inc()
			return zerr.Validationf("error converting %+v to message: %w", inv, err)
		}
		msgs = append(msgs, m)
	}

	txn, err := svc.Transport.Begin()
	if err != nil {
		return zerr.Transportf("begin transaction: %w", err)
	}
	rw.SetDefaultChannel("dispatcher")
	for i, inv := range invs {
		logger.WithField("Invocation", fmt.Sprintf("%+v", inv)).Info("running")
		var kind string
		switch inv.(type) {
		case mimas.RecipeInvocation:
			kind = "recipe"
			err = rw.Send(msgs[i], txn)
		default:
			kind = "job"
			err = rw.SendTo(zocalo.QueueISPyB, msgs[i], txn)
		}
		if err != nil {
			svc.Transport.Abort(txn)
			if zerr.KindOf(err) == zerr.Unknown {
				err = zerr.Transportf("%w", err)
			}
			return err
		}
		svc.mInvocations.WithLabelValues(kind).Inc()
	}
	if err := svc.Transport.Ack(hdr, txn); err != nil {
		svc.Transport.Abort(txn)
		return zerr.Transportf("ack: %w", err)
	}
	if err := svc.Transport.Commit(txn); err != nil {
		return zerr.Transportf("commit: %w", err)
	}
	svc.mEvents.WithLabelValues("handled").Inc()
	return nil
}

// cloudburstPolicies returns the configured policies as
// specifications: a rule applies to scenarios on any listed beamline
// (all, if none are listed) whose visit starts with any listed prefix
// (all, if none are listed).
func (svc *Service) cloudburstPolicies() []mimas.CloudburstPolicy {
	var policies []mimas.CloudburstPolicy
	for _, rule := range svc.Config.Mimas.Cloudburst {
		var specs []mimas.Specification
		if len(rule.Beamlines) > 0 {
			specs = append(specs, mimas.Beamline(rule.Beamlines...))
		}
		if len(rule.VisitPrefixes) > 0 {
			specs = append(specs, mimas.VisitPrefix(rule.VisitPrefixes...))
		}
		policies = append(policies, mimas.CloudburstPolicy{
			Spec:    mimas.And(specs...),
			Recipes: rule.Recipes,
		})
	}
	return policies
}
