// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health-check endpoints for
// processing services.
package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of URI path to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// A request for {Prefix}all runs every check and reports each
// result under "checks".
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	mux       *http.ServeMux

	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Map of URI paths to health-check Func. If "ping" is not
	// listed here, it is added automatically and always returns
	// a healthy response.
	Routes Routes

	// If non-nil, Log is called after handling each request.
	Log func(*http.Request, error)
}

// Response is the JSON body of a health-check response.
type Response struct {
	Health string              `json:"health"`
	Error  string              `json:"error,omitempty"`
	Checks map[string]Response `json:"checks,omitempty"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = http.NewServeMux()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	for name, fn := range h.Routes {
		fn := fn
		h.mux.Handle(prefix+name, h.authenticated(func() Response { return run(fn) }))
	}
	if _, ok := h.Routes["ping"]; !ok {
		h.mux.Handle(prefix+"ping", h.authenticated(func() Response { return Response{Health: "OK"} }))
	}
	if _, ok := h.Routes["all"]; !ok {
		h.mux.Handle(prefix+"all", h.authenticated(h.runAll))
	}
}

func run(fn Func) Response {
	if err := fn(); err != nil {
		return Response{Health: "ERROR", Error: err.Error()}
	}
	return Response{Health: "OK"}
}

func (h *Handler) runAll() Response {
	names := make([]string, 0, len(h.Routes))
	for name := range h.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	resp := Response{Health: "OK", Checks: map[string]Response{}}
	var failed []string
	for _, name := range names {
		result := run(h.Routes[name])
		resp.Checks[name] = result
		if result.Health != "OK" {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		resp.Health = "ERROR"
		resp.Error = "failed: " + strings.Join(failed, ", ")
	}
	return resp
}

var (
	errNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

func (h *Handler) authenticated(check func() Response) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			if h.Log != nil {
				h.Log(r, err)
			}
		}()
		if h.Token == "" {
			http.Error(w, "disabled", http.StatusNotFound)
			err = errNotFound
		} else if ah := r.Header.Get("Authorization"); ah == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			err = errUnauthorized
		} else if ah != "Bearer "+h.Token {
			http.Error(w, "authorization error", http.StatusForbidden)
			err = errForbidden
		} else {
			w.Header().Set("Content-Type", "application/json")
			err = json.NewEncoder(w).Encode(check())
		}
	})
}
