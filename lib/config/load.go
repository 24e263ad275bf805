// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

//go:embed config.default.yml
var DefaultYAML []byte

// DefaultConfigFile is used when neither -config nor $ZOCALO_CONFIG
// is given.
const DefaultConfigFile = "/etc/zocalo/config.yml"

const clusterDefaultsKey = "*"

var schedulerNames = map[string]bool{
	"grid_engine": true,
	"slurm":       true,
	"htcondor":    true,
}

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger
	// Path to the site config file, or "-" for stdin.
	Path string
	// Skip consistency checks (used by config-dump).
	SkipChecks bool
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/zocalo/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	path := DefaultConfigFile
	if p := os.Getenv("ZOCALO_CONFIG"); p != "" {
		path = p
	}
	flagset.StringVar(&ldr.Path, "config", path, "Site configuration `file` (default may be overridden by setting a ZOCALO_CONFIG environment variable)")
}

// Load reads the site config file (if it exists) on top of the
// built-in defaults.
func (ldr *Loader) Load() (*zocalo.Config, error) {
	var buf []byte
	var err error
	switch {
	case ldr.Path == "-":
		buf, err = io.ReadAll(ldr.Stdin)
	case ldr.Path != "":
		buf, err = os.ReadFile(ldr.Path)
		if errors.Is(err, os.ErrNotExist) && ldr.Path == DefaultConfigFile {
			ldr.warnf("config file %s does not exist, using built-in defaults", ldr.Path)
			buf, err = nil, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return ldr.LoadBytes(buf)
}

// LoadBytes loads a site config document on top of the built-in
// defaults.
func (ldr *Loader) LoadBytes(buf []byte) (*zocalo.Config, error) {
	var builtin zocalo.Config
	if err := yaml.Unmarshal(DefaultYAML, &builtin); err != nil {
		return nil, fmt.Errorf("loading built-in defaults: %w", err)
	}
	var cfg zocalo.Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading built-in defaults: %w", err)
	}
	if len(buf) > 0 {
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, fmt.Errorf("loading %s: %w", ldr.Path, err)
		}
	}
	if err := applyClusterDefaults(&cfg, builtin.Clusters[clusterDefaultsKey]); err != nil {
		return nil, err
	}
	if !ldr.SkipChecks {
		if err := checkConfig(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// applyClusterDefaults fills unset fields of each scheduler cluster
// from the "*" entry, and then from the built-in "*" entry.
func applyClusterDefaults(cfg *zocalo.Config, builtin zocalo.ClusterConfig) error {
	site := cfg.Clusters[clusterDefaultsKey]
	if err := mergo.Merge(&site, builtin); err != nil {
		return fmt.Errorf("merging cluster defaults: %w", err)
	}
	for name, cc := range cfg.Clusters {
		if name == clusterDefaultsKey {
			continue
		}
		if err := mergo.Merge(&cc, site); err != nil {
			return fmt.Errorf("merging defaults into cluster %q: %w", name, err)
		}
		cfg.Clusters[name] = cc
	}
	delete(cfg.Clusters, clusterDefaultsKey)
	return nil
}

func checkConfig(cfg *zocalo.Config) error {
	var problems []string
	switch cfg.Transport.Driver {
	case "stomp", "loopback":
	default:
		problems = append(problems, fmt.Sprintf("Transport.Driver: unsupported driver %q", cfg.Transport.Driver))
	}
	for name, cc := range cfg.Clusters {
		if !schedulerNames[cc.Scheduler] {
			problems = append(problems, fmt.Sprintf("Clusters.%s.Scheduler: unsupported scheduler %q", name, cc.Scheduler))
		}
		if cc.Scheduler == "slurm" && cc.URL == "" {
			problems = append(problems, fmt.Sprintf("Clusters.%s.URL: required for slurm clusters", name))
		}
	}
	if cfg.Dispatcher.DefaultTimeout < 0 {
		problems = append(problems, "Dispatcher.DefaultTimeout: must not be negative")
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

func (ldr *Loader) warnf(format string, args ...interface{}) {
	if ldr.Logger != nil {
		ldr.Logger.Warnf(format, args...)
	}
}
