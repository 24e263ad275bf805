// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
var _ = check.Suite(&Suite{})

func Test(t *testing.T) {
	check.TestingT(t)
}

type Suite struct{}

const (
	goodToken = "supersecret"
	badToken  = "pwn"
)

func (s *Suite) handler() *Handler {
	return &Handler{
		Token:  goodToken,
		Prefix: "/_health/",
		Routes: Routes{
			"transport": func() error { return nil },
			"ispyb":     func() error { return errors.New("connection refused") },
		},
	}
}

func (s *Suite) TestPassFailRefuse(c *check.C) {
	h := s.handler()

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/ping", goodToken))
	s.checkHealth(c, resp, "OK")

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/transport", goodToken))
	s.checkHealth(c, resp, "OK")

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/ispyb", goodToken))
	got := s.checkHealth(c, resp, "ERROR")
	c.Check(got.Error, check.Equals, "connection refused")

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/ispyb", badToken))
	c.Check(resp.Code, check.Equals, http.StatusForbidden)

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/ispyb", ""))
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)
}

func (s *Suite) TestAll(c *check.C) {
	resp := httptest.NewRecorder()
	s.handler().ServeHTTP(resp, s.request("/_health/all", goodToken))
	got := s.checkHealth(c, resp, "ERROR")
	c.Check(got.Error, check.Equals, "failed: ispyb")
	c.Check(got.Checks["transport"].Health, check.Equals, "OK")
	c.Check(got.Checks["ispyb"].Error, check.Equals, "connection refused")
}

func (s *Suite) TestPingOverride(c *check.C) {
	var ok bool
	h := &Handler{
		Token:  goodToken,
		Prefix: "/_health/",
		Routes: Routes{
			"ping": func() error {
				ok = true
				return errors.New("good error")
			},
		},
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/ping", goodToken))
	s.checkHealth(c, resp, "ERROR")
	c.Check(ok, check.Equals, true)
}

func (s *Suite) TestZeroValueIsDisabled(c *check.C) {
	resp := httptest.NewRecorder()
	(&Handler{}).ServeHTTP(resp, s.request("/_health/ping", goodToken))
	c.Check(resp.Code, check.Equals, http.StatusNotFound)

	resp = httptest.NewRecorder()
	(&Handler{}).ServeHTTP(resp, s.request("/_health/ping", ""))
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *Suite) request(path, token string) *http.Request {
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (s *Suite) checkHealth(c *check.C, resp *httptest.ResponseRecorder, want string) Response {
	var got Response
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Header().Get("Content-Type"), check.Equals, "application/json")
	c.Check(json.NewDecoder(resp.Body).Decode(&got), check.IsNil)
	c.Check(got.Health, check.Equals, want)
	return got
}
