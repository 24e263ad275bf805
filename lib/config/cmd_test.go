// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := bytes.NewBufferString("Dispatcher: {Logbook: /srv/logbook}\n")
	code := DumpCommand.RunCommand("config-dump", []string{"-config", "-"}, in, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")

	var dumped map[string]interface{}
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &dumped), check.IsNil)
	c.Check(dumped["Dispatcher"].(map[string]interface{})["Logbook"], check.Equals, "/srv/logbook")
}

func (s *CommandSuite) TestCheckUnknownKey(c *check.C) {
	fnm := filepath.Join(c.MkDir(), "config.yml")
	c.Assert(os.WriteFile(fnm, []byte("Dispatcher:\n  Logbok: /tmp\n"), 0644), check.IsNil)
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("config-check", []string{"-config", fnm}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*unrecognized config key: Dispatcher.Logbok\n.*`)
}

func (s *CommandSuite) TestCheckOK(c *check.C) {
	fnm := filepath.Join(c.MkDir(), "config.yml")
	c.Assert(os.WriteFile(fnm, []byte("Clusters:\n  \"*\": {Module: x}\n  live: {}\n"), 0644), check.IsNil)
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("config-check", []string{"-config", fnm}, nil, &stdout, &stderr)
	c.Check(stderr.String(), check.Equals, "")
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "config OK: 1 scheduler clusters, transport stomp\n")
}

func (s *CommandSuite) TestUsageError(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("config-check", []string{"-badflag"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
}
