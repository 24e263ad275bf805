// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recipe

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

// Store loads named recipes from a directory. Parsed recipes are
// cached; callers receive copies they may modify.
type Store struct {
	config zocalo.RecipesConfig
	cache  *lru.TwoQueueCache
}

func NewStore(cfg zocalo.RecipesConfig) (*Store, error) {
	size := cfg.CacheSize
	if size < 1 {
		size = 1
	}
	cache, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}
	return &Store{config: cfg, cache: cache}, nil
}

// Load returns the named recipe. Names may refer to subdirectories
// ("sub/name") but not outside the store. A name with no
// corresponding file is a RecipeStoreMiss error.
func (s *Store) Load(name string) (*Recipe, error) {
	if !fs.ValidPath(name) || name == "." || strings.Contains(name, `\`) || strings.HasPrefix(path.Base(name), ".") {
		return nil, zerr.Validationf("invalid recipe name %q", name)
	}
	if r, ok := s.cache.Get(name); ok {
		return r.(*Recipe).Copy(), nil
	}
	fnm := s.config.RecipePath(name)
	buf, err := os.ReadFile(fnm)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, zerr.RecipeStoreMissf("recipe %q not found: %w", name, err)
	} else if err != nil {
		return nil, zerr.Filesystemf("reading recipe %q: %w", name, err)
	}
	r, err := Parse(buf)
	if err != nil {
		return nil, zerr.Validationf("recipe %q: %w", name, err)
	}
	s.cache.Add(name, r)
	return r.Copy(), nil
}

// List returns the names of all recipes in the store, including
// those in subdirectories, in sorted order.
func (s *Store) List() ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(s.config.BasePath), "**/*.json")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(m, ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Forget removes the named recipe from the cache, or the whole
// cache if name is "".
func (s *Store) Forget(name string) {
	if name == "" {
		s.cache.Purge()
	} else {
		s.cache.Remove(name)
	}
}

// Watch invalidates cached recipes when their files change. It
// returns when ctx is done or the watcher fails.
func (s *Store) Watch(ctx context.Context, logger logrus.FieldLogger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Error("fsnotify setup failed")
		return
	}
	defer watcher.Close()

	err = watcher.Add(s.config.BasePath)
	if err != nil {
		logger.WithError(err).Error("fsnotify watcher failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("fsnotify watcher reported error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := strings.TrimSuffix(filepath.Base(ev.Name), ".json")
			if name == filepath.Base(ev.Name) {
				continue
			}
			logger.WithFields(logrus.Fields{
				"Recipe": name,
				"Op":     ev.Op.String(),
			}).Debug("recipe file changed")
			s.Forget(name)
		}
	}
}
