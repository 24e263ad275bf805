// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"os"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
)

// unknownKeys returns the dotted paths of keys in the site config
// file that do not correspond to any field of the loaded config.
func unknownKeys(ldr *Loader) ([]string, error) {
	if ldr.Path == "-" {
		return nil, nil
	}
	buf, err := os.ReadFile(ldr.Path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var site map[string]interface{}
	if err := yaml.Unmarshal(buf, &site); err != nil {
		return nil, err
	}
	cfg, err := ldr.LoadBytes(buf)
	if err != nil {
		return nil, err
	}
	effbuf, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var effective map[string]interface{}
	if err := yaml.Unmarshal(effbuf, &effective); err != nil {
		return nil, err
	}
	var unknown []string
	compareKeys("", site, effective, &unknown)
	sort.Strings(unknown)
	return unknown, nil
}

func compareKeys(prefix string, site, effective map[string]interface{}, unknown *[]string) {
	for k, sv := range site {
		if prefix == "Clusters." && k == clusterDefaultsKey {
			// Merged into every other cluster entry and
			// removed from the effective config.
			continue
		}
		ev, ok := lookupFold(effective, k)
		if !ok {
			*unknown = append(*unknown, prefix+k)
			continue
		}
		if sm, ok := sv.(map[string]interface{}); ok {
			if em, ok := ev.(map[string]interface{}); ok {
				compareKeys(prefix+k+".", sm, em, unknown)
			}
		}
	}
}

func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
