// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package zocalotest provides helpers for testing services against
// a loopback transport.
package zocalotest

import (
	"os"
	"path/filepath"

	"github.com/zocalo-go/zocalo/lib/config"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
	"gopkg.in/check.v1"
)

// Config returns the built-in default config with the loopback
// transport, overlaid with the given YAML document (which must not
// have its own Transport section).
func Config(c *check.C, confdata string) *zocalo.Config {
	ldr := config.NewLoader(nil, ctxlog.TestLogger(c))
	cfg, err := ldr.LoadBytes([]byte("Transport: {Driver: loopback}\n" + confdata))
	c.Assert(err, check.IsNil)
	return cfg
}

// WriteRecipes writes each named recipe to dir/<name>.json.
func WriteRecipes(c *check.C, dir string, recipes map[string]string) {
	for name, body := range recipes {
		fnm := filepath.Join(dir, name+".json")
		c.Assert(os.MkdirAll(filepath.Dir(fnm), 0755), check.IsNil)
		c.Assert(os.WriteFile(fnm, []byte(body), 0644), check.IsNil)
	}
}
