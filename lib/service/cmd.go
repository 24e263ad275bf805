// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a message
// processing service.
package service

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/cmd"
	"github.com/zocalo-go/zocalo/lib/config"
	"github.com/zocalo-go/zocalo/lib/transport"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/health"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

type Handler interface {
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// NewHandlerFunc starts a service. The transport is owned by the
// caller and closed after the handler is done.
type NewHandlerFunc func(_ context.Context, _ *zocalo.Config, _ transport.Transport, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    zocalo.ServiceName
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, connects to
// the message broker, calls newHandler, and serves the management
// API (health checks and metrics) until the handler is done or the
// process receives SIGTERM.
func Command(svcName zocalo.ServiceName, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": c.svcName,
	})
	ctx, cancel := signal.NotifyContext(c.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	tr, err := transport.New(cfg.Transport, logger)
	if err != nil {
		return 1
	}
	defer tr.Close()

	reg := prometheus.NewRegistry()
	// zocalo_version_running{version="1.2.3"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "zocalo",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, tr, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	var srv *http.Server
	if listen := cfg.Services[c.svcName].Listen; listen != "" {
		var ln net.Listener
		ln, err = net.Listen("tcp", listen)
		if err != nil {
			return 1
		}
		srv = &http.Server{
			Handler:     managementHandler(cfg.ManagementToken, handler, reg),
			BaseContext: func(net.Listener) context.Context { return ctx },
		}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("management server failed")
			}
		}()
		logger.WithField("Listen", ln.Addr().String()).Info("listening")
	}
	logger.WithField("Version", cmd.Version.String()).Info("service started")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-handler.Done():
		logger.Info("handler finished")
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	if err = handler.CheckHealth(); err != nil {
		return 1
	}
	return 0
}

// managementHandler serves /_health/* and /metrics, both requiring
// the management token. If the service handler is also an
// http.Handler it serves all other paths.
func managementHandler(token string, handler Handler, reg *prometheus.Registry) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  token,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": handler.CheckHealth},
	})
	mux.Handler("GET", "/metrics", requireToken(token, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	if h, ok := handler.(http.Handler); ok {
		mux.NotFound = requireToken(token, h)
	}
	return mux
}

func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			http.Error(w, "disabled", http.StatusNotFound)
		} else if ah := r.Header.Get("Authorization"); ah == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
		} else if ah != "Bearer "+token {
			http.Error(w, "authorization error", http.StatusForbidden)
		} else {
			next.ServeHTTP(w, r)
		}
	})
}
