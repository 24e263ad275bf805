// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the client subcommands that submit work to
// the processing services and inspect their configuration.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/config"
	"github.com/zocalo-go/zocalo/lib/transport"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

// newTransport can be replaced by tests.
var newTransport = transport.New

// stringsFlag is a flag.Value that collects repeated values.
type stringsFlag []string

func (sf *stringsFlag) String() string { return strings.Join(*sf, ",") }

func (sf *stringsFlag) Set(s string) error {
	*sf = append(*sf, s)
	return nil
}

// loadConfig loads the site config and returns it along with a
// logger configured according to it.
func loadConfig(loader *config.Loader, stderr io.Writer) (*zocalo.Config, logrus.FieldLogger, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, ctxlog.New(stderr, "text", cfg.SystemLogs.LogLevel), nil
}

// send delivers one message to a queue and closes the transport.
func send(cfg *zocalo.Config, logger logrus.FieldLogger, queue string, msg interface{}) error {
	tr, err := newTransport(cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("connecting to message broker: %w", err)
	}
	defer tr.Close()
	if err := tr.Send(queue, msg, transport.SendOptions{}); err != nil {
		return fmt.Errorf("sending to %s: %w", queue, err)
	}
	return nil
}

// writeFormatted writes obj to stdout as indented JSON or YAML.
func writeFormatted(stdout io.Writer, format string, obj interface{}) error {
	switch format {
	case "yaml":
		buf, err := yaml.Marshal(obj)
		if err != nil {
			return fmt.Errorf("encoding: %w", err)
		}
		_, err = stdout.Write(buf)
		return err
	case "json", "":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(obj); err != nil {
			return fmt.Errorf("encoding: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
