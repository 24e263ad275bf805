// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package zocalo

import (
	"os"
	"path/filepath"
	"testing"

	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ConfigSuite{})

type ConfigSuite struct{}

func (s *ConfigSuite) TestTokenValue(c *check.C) {
	fnm := filepath.Join(c.MkDir(), "token")
	c.Assert(os.WriteFile(fnm, []byte("s3cret\n"), 0600), check.IsNil)

	tok, err := ClusterConfig{TokenFile: fnm}.TokenValue()
	c.Check(err, check.IsNil)
	c.Check(tok, check.Equals, "s3cret")

	tok, err = ClusterConfig{Token: "inline", TokenFile: fnm}.TokenValue()
	c.Check(err, check.IsNil)
	c.Check(tok, check.Equals, "inline")

	_, err = ClusterConfig{TokenFile: fnm + "-missing"}.TokenValue()
	c.Check(err, check.NotNil)
}

func (s *ConfigSuite) TestRecipePath(c *check.C) {
	rc := RecipesConfig{BasePath: "/srv/recipes"}
	c.Check(rc.RecipePath("archive-nexus"), check.Equals, "/srv/recipes/archive-nexus.json")
}
