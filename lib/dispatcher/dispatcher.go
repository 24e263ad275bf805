// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatcher turns processing requests into running
// recipes: it waits for the experiment database to catch up, merges
// database fields into the request parameters, loads and combines the
// requested recipes, and starts them on the message bus.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/cmd"
	"github.com/zocalo-go/zocalo/lib/ispyb"
	"github.com/zocalo-go/zocalo/lib/recipe"
	"github.com/zocalo-go/zocalo/lib/service"
	"github.com/zocalo-go/zocalo/lib/transport"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

var Command cmd.Handler = service.Command(zocalo.ServiceNameDispatcher, newHandler)

func newHandler(ctx context.Context, cfg *zocalo.Config, tr transport.Transport, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	store, err := recipe.NewStore(cfg.Recipes)
	if err != nil {
		return service.ErrorHandler(ctx, cfg, fmt.Errorf("error initializing recipe store: %w", err))
	}
	var src ispyb.Source
	if cfg.ISPyB.DSN != "" {
		db, err := ispyb.OpenDB(cfg.ISPyB)
		if err != nil {
			return service.ErrorHandler(ctx, cfg, err)
		}
		src = db
	} else {
		logger.Warn("no ISPyB.DSN configured, database lookups disabled")
		src = &ispyb.Static{}
	}
	disp := &dispatcher{
		Context:   ctx,
		Config:    cfg,
		Transport: tr,
		Store:     store,
		Enricher:  ispyb.NewEnricher(src, cfg.ISPyB),
		Registry:  reg,
	}
	if err := disp.Start(); err != nil {
		return service.ErrorHandler(ctx, cfg, err)
	}
	return disp
}

type dispatcher struct {
	Context   context.Context
	Config    *zocalo.Config
	Transport transport.Transport
	Store     *recipe.Store
	Enricher  ispyb.Enricher
	Registry  *prometheus.Registry

	// Current time, can be replaced by tests.
	now func() time.Time

	logger       logrus.FieldLogger
	logbook      *logbook
	started      *lru.Cache
	subscription string
	mMessages    *prometheus.CounterVec
	mDuration    prometheus.Summary

	initOnce  sync.Once
	initErr   error
	closeOnce sync.Once
	stopped   chan struct{}
}

// Start subscribes to the processing request queue. Start can be
// called multiple times with no ill effect.
func (disp *dispatcher) Start() error {
	disp.initOnce.Do(func() {
		disp.initErr = disp.init()
	})
	return disp.initErr
}

func (disp *dispatcher) init() error {
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.stopped = make(chan struct{})
	if disp.now == nil {
		disp.now = time.Now
	}
	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}
	disp.mMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zocalo",
		Subsystem: "dispatcher",
		Name:      "messages_total",
		Help:      "Processing requests handled, by outcome.",
	}, []string{"outcome"})
	disp.Registry.MustRegister(disp.mMessages)
	disp.mDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "zocalo",
		Subsystem:  "dispatcher",
		Name:       "processing_seconds",
		Help:       "Time taken to turn a processing request into a running recipe.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	disp.Registry.MustRegister(disp.mDuration)

	if n := disp.Config.Dispatcher.DedupCacheSize; n > 0 {
		cache, err := lru.New(n)
		if err != nil {
			return err
		}
		disp.started = cache
	}
	if dir := disp.Config.Dispatcher.Logbook; dir != "" {
		lb, err := newLogbook(dir)
		if err != nil {
			disp.logger.WithError(err).Error("logbook disabled")
		} else {
			disp.logbook = lb
			disp.logbook.now = disp.now
		}
	}
	if disp.Config.Recipes.Watch {
		go disp.Store.Watch(disp.Context, disp.logger)
	}

	sub, err := recipe.WrapSubscribe(disp.Transport, disp.logger, disp.Config.Dispatcher.Queue, disp.process, true)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", disp.Config.Dispatcher.Queue, err)
	}
	disp.subscription = sub
	go func() {
		<-disp.Context.Done()
		disp.Close()
	}()
	disp.logger.WithField("Queue", disp.Config.Dispatcher.Queue).Info("dispatcher started")
	return nil
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	if err := disp.Start(); err != nil {
		return err
	}
	select {
	case <-disp.stopped:
		return errors.New("stopped")
	default:
		return nil
	}
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops receiving processing requests.
func (disp *dispatcher) Close() {
	disp.closeOnce.Do(func() {
		if err := disp.Transport.Unsubscribe(disp.subscription); err != nil {
			disp.logger.WithError(err).Warn("unsubscribe failed")
		}
		close(disp.stopped)
	})
}

func (disp *dispatcher) count(outcome string) {
	disp.mMessages.WithLabelValues(outcome).Inc()
}

// process handles one processing request, which is either the
// payload of a recipe step or a plain message.
func (disp *dispatcher) process(rw *recipe.Wrapper, hdr transport.Header, message interface{}) (err error) {
	t0 := disp.now()
	msg, ok := message.(map[string]interface{})
	if !ok {
		disp.count("rejected")
		return zerr.Validationf("rejected malformed message: not a JSON object")
	}
	var params map[string]interface{}
	switch p := msg["parameters"].(type) {
	case nil:
		params = map[string]interface{}{}
	case map[string]interface{}:
		params = p
	default:
		disp.count("rejected")
		return zerr.Validationf("rejected malformed message: parameters not given as dictionary")
	}
	msg["parameters"] = params

	guid, _ := params["guid"].(string)
	if guid == "" {
		guid = uuid.NewString()
	}
	params["guid"] = guid
	defer func() {
		err = transport.WithFields(err, logrus.Fields{"RecipeID": guid})
	}()
	logger := disp.logger.WithField("RecipeID", guid)
	if rw != nil {
		logger.WithField("ParentRecipeID", rw.ID()).Info("processing request with new recipe ID")
	}
	ctx := ctxlog.Context(disp.Context, logger)

	if disp.started != nil && disp.started.Contains(guid) {
		logger.Info("recipe already started for this ID, dropping duplicate request")
		disp.count("duplicate")
		if err := disp.Transport.Ack(hdr, ""); err != nil {
			return zerr.Transportf("ack: %w", err)
		}
		return nil
	}

	var original interface{}
	if disp.logbook != nil {
		original = deepCopy(msg)
	}
	logger.WithField("Parameters", params).Debug("received processing request")

	ready, err := disp.Enricher.ReadyForProcessing(ctx, msg, params)
	if err != nil {
		disp.count("rejected")
		return err
	}
	if !ready {
		return disp.notReady(logger, hdr, msg, params)
	}

	msg, params, err = disp.Enricher.Filter(ctx, msg, params)
	if err != nil {
		disp.count("rejected")
		return fmt.Errorf("rejected message due to ISPyB filter error: %w", err)
	}
	msg["parameters"] = params
	logger.WithField("Parameters", params).Debug("mangled processing request")

	full, err := disp.buildRecipe(logger, msg, params)
	if err != nil {
		disp.count("rejected")
		return err
	}

	err = disp.inTransaction(hdr, func(txn string) error {
		w := recipe.NewWrapper(full, disp.Transport, map[string]interface{}{"ID": guid})
		if err := w.Start(txn); err != nil {
			if zerr.KindOf(err) == zerr.Unknown {
				err = zerr.Transportf("starting recipe: %w", err)
			}
			return err
		}
		if disp.logbook != nil {
			fnm, err := disp.logbook.Record(guid, hdr, original, msg, full)
			if err != nil {
				logger.WithError(err).Warn("could not write message to logbook")
			} else {
				logger.WithField("Path", fnm).Debug("message saved in logbook")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if disp.started != nil {
		disp.started.Add(guid, nil)
	}
	disp.count("dispatched")
	elapsed := disp.now().Sub(t0)
	disp.mDuration.Observe(elapsed.Seconds())
	logger.WithField("Elapsed", elapsed.Seconds()).Info("processed incoming message")
	return nil
}

// notReady re-publishes a request that the database is not ready
// for, after a short delay, until its deadline passes. Expired
// requests go to the error queue named in the request, if any, and
// are rejected otherwise.
func (disp *dispatcher) notReady(logger logrus.FieldLogger, hdr transport.Header, msg, params map[string]interface{}) error {
	now := disp.now()
	if _, ok := params["dispatcher_expiration"]; !ok {
		timeout := disp.Config.Dispatcher.DefaultTimeout.Duration()
		if secs, ok := ispyb.IntParam(params, "dispatcher_timeout"); ok {
			timeout = time.Duration(secs) * time.Second
		}
		params["dispatcher_expiration"] = unixSeconds(now.Add(timeout))
	}
	expiration, ok := floatParam(params["dispatcher_expiration"])
	if !ok {
		disp.count("rejected")
		return zerr.Validationf("rejected malformed message: invalid dispatcher_expiration %v", params["dispatcher_expiration"])
	}
	if expiration > unixSeconds(now) {
		err := disp.inTransaction(hdr, func(txn string) error {
			return disp.send(disp.Config.Dispatcher.Queue, msg, transport.SendOptions{
				Transaction: txn,
				Delay:       disp.Config.Dispatcher.RetryDelay.Duration(),
			})
		})
		if err == nil {
			disp.count("delayed")
			logger.Info("message not yet ready for processing")
		}
		return err
	}
	disp.count("expired")
	if queue, _ := params["dispatcher_error_queue"].(string); queue != "" {
		err := disp.inTransaction(hdr, func(txn string) error {
			return disp.send(queue, msg, transport.SendOptions{Transaction: txn})
		})
		if err == nil {
			logger.WithField("Queue", queue).Info("message rejected to specified error queue as still not ready for processing")
		}
		return err
	}
	return zerr.TransientUpstreamf("message rejected as still not ready for processing")
}

// buildRecipe loads, checks, and parameterizes every recipe the
// request asks for, and merges them into one.
func (disp *dispatcher) buildRecipe(logger logrus.FieldLogger, msg, params map[string]interface{}) (*recipe.Recipe, error) {
	var recipes []*recipe.Recipe
	if custom := msg["custom_recipe"]; custom != nil {
		buf, err := json.Marshal(custom)
		if err != nil {
			return nil, zerr.Validationf("custom recipe: %w", err)
		}
		r, err := recipe.Parse(buf)
		if err != nil {
			return nil, zerr.Validationf("rejected message containing a custom recipe that caused parsing errors: %w", err)
		}
		logger.Info("received message containing a custom recipe")
		recipes = append(recipes, r)
	}
	names, err := stringList(msg["recipes"])
	if err != nil {
		return nil, zerr.Validationf("recipes: %w", err)
	}
	if len(recipes) == 0 && len(names) == 0 {
		if names, err = stringList(msg["default_recipe"]); err != nil {
			return nil, zerr.Validationf("default_recipe: %w", err)
		}
	}
	for _, name := range names {
		r, err := disp.Store.Load(name)
		if err != nil {
			return nil, err
		}
		recipes = append(recipes, r)
	}
	if len(recipes) == 0 {
		return nil, zerr.Validationf("message contains no valid recipes or pointers to recipes")
	}
	var full *recipe.Recipe
	for _, r := range recipes {
		if err := r.Validate(); err != nil {
			return nil, zerr.Validationf("recipe failed validation: %w", err)
		}
		r.ApplyParameters(params)
		full = full.Merge(r)
	}
	return full, nil
}

// inTransaction acknowledges the inbound message and runs fn in one
// transaction. If fn fails, the transaction is aborted and the
// inbound message is left unacknowledged.
func (disp *dispatcher) inTransaction(hdr transport.Header, fn func(txn string) error) error {
	txn, err := disp.Transport.Begin()
	if err != nil {
		return zerr.Transportf("begin transaction: %w", err)
	}
	if err := disp.Transport.Ack(hdr, txn); err != nil {
		disp.Transport.Abort(txn)
		return zerr.Transportf("ack: %w", err)
	}
	if err := fn(txn); err != nil {
		if err := disp.Transport.Abort(txn); err != nil {
			disp.logger.WithError(err).Warn("abort failed")
		}
		return err
	}
	if err := disp.Transport.Commit(txn); err != nil {
		return zerr.Transportf("commit: %w", err)
	}
	return nil
}

func (disp *dispatcher) send(queue string, msg interface{}, opts transport.SendOptions) error {
	if err := disp.Transport.Send(queue, msg, opts); err != nil {
		return zerr.Transportf("send to %s: %w", queue, err)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func floatParam(v interface{}) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// stringList accepts a JSON list of strings, or nil.
func stringList(v interface{}) ([]string, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected list of strings, found %T item", item)
			}
			names = append(names, s)
		}
		return names, nil
	default:
		return nil, fmt.Errorf("expected list of strings, found %T", v)
	}
}

func deepCopy(v interface{}) interface{} {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var cp interface{}
	if err := json.Unmarshal(buf, &cp); err != nil {
		return v
	}
	return cp
}
