// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recipe

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&StoreSuite{})

type StoreSuite struct {
	dir   string
	store *Store
}

func (s *StoreSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	var err error
	s.store, err = NewStore(zocalo.RecipesConfig{BasePath: s.dir, CacheSize: 4})
	c.Assert(err, check.IsNil)
	s.write(c, "archive-nexus.json", `{"1": {"queue": "archive"}, "start": [[1, {}]]}`)
}

func (s *StoreSuite) write(c *check.C, name, content string) {
	fnm := filepath.Join(s.dir, name)
	c.Assert(os.MkdirAll(filepath.Dir(fnm), 0755), check.IsNil)
	c.Assert(os.WriteFile(fnm, []byte(content), 0644), check.IsNil)
}

func (s *StoreSuite) TestLoad(c *check.C) {
	r, err := s.store.Load("archive-nexus")
	c.Assert(err, check.IsNil)
	c.Check(r.Nodes[1].Queue, check.Equals, "archive")

	// callers get independent copies
	r.Nodes[1].Queue = "modified"
	r, err = s.store.Load("archive-nexus")
	c.Assert(err, check.IsNil)
	c.Check(r.Nodes[1].Queue, check.Equals, "archive")
}

func (s *StoreSuite) TestMiss(c *check.C) {
	_, err := s.store.Load("no-such-recipe")
	c.Check(zerr.KindOf(err), check.Equals, zerr.RecipeStoreMiss)
	_, err = s.store.Load("../etc/passwd")
	c.Check(zerr.KindOf(err), check.Equals, zerr.Validation)
	_, err = s.store.Load("")
	c.Check(zerr.KindOf(err), check.Equals, zerr.Validation)
	_, err = s.store.Load("sub/.hidden")
	c.Check(zerr.KindOf(err), check.Equals, zerr.Validation)
}

func (s *StoreSuite) TestInvalid(c *check.C) {
	s.write(c, "broken.json", `{"1": {"queue": "x"}}`)
	_, err := s.store.Load("broken")
	c.Check(zerr.KindOf(err), check.Equals, zerr.Validation)
}

func (s *StoreSuite) TestCacheAndForget(c *check.C) {
	_, err := s.store.Load("archive-nexus")
	c.Assert(err, check.IsNil)
	s.write(c, "archive-nexus.json", `{"1": {"queue": "archive2"}, "start": [[1, {}]]}`)
	r, err := s.store.Load("archive-nexus")
	c.Assert(err, check.IsNil)
	c.Check(r.Nodes[1].Queue, check.Equals, "archive")

	s.store.Forget("archive-nexus")
	r, err = s.store.Load("archive-nexus")
	c.Assert(err, check.IsNil)
	c.Check(r.Nodes[1].Queue, check.Equals, "archive2")
}

func (s *StoreSuite) TestList(c *check.C) {
	s.write(c, "per-image-analysis-rotation.json", `{}`)
	s.write(c, "sub/strategy-mosflm.json", `{"1": {"queue": "mosflm.strategy"}, "start": [[1, {}]]}`)
	s.write(c, "README.txt", `hello`)
	names, err := s.store.List()
	c.Assert(err, check.IsNil)
	c.Check(names, check.DeepEquals, []string{"archive-nexus", "per-image-analysis-rotation", "sub/strategy-mosflm"})
	_, err = s.store.Load("sub/strategy-mosflm")
	c.Check(err, check.IsNil)
}

func (s *StoreSuite) TestWatch(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.store.Watch(ctx, ctxlog.TestLogger(c))
	}()

	_, err := s.store.Load("archive-nexus")
	c.Assert(err, check.IsNil)
	// fsnotify offers no "ready" signal, so retry the write
	// until the change is noticed.
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.write(c, "archive-nexus.json", `{"1": {"queue": "archive2"}, "start": [[1, {}]]}`)
		r, err := s.store.Load("archive-nexus")
		c.Assert(err, check.IsNil)
		if r.Nodes[1].Queue == "archive2" {
			break
		}
		if time.Now().After(deadline) {
			c.Fatal("timed out waiting for cache invalidation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
