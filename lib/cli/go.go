// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zocalo-go/zocalo/lib/cmd"
	"github.com/zocalo-go/zocalo/lib/config"
	"github.com/zocalo-go/zocalo/lib/recipe"
	"github.com/zocalo-go/zocalo/sdk/go/ctxlog"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

// Go submits a processing request to the dispatcher:
//
//	zocalo go -r recipe [-r recipe2] [-s key=value] [dcid]
var Go cmd.Handler = goCommand{}

type goCommand struct{}

func (goCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	loader := config.NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	var recipes, settings stringsFlag
	flags.Var(&recipes, "r", "Run the named `recipe` (may be repeated)")
	flags.Var(&settings, "s", "Set recipe parameter, `key=value` (may be repeated)")
	recipeFile := flags.String("f", "", "Run the custom recipe in `file`")
	dryRun := flags.Bool("dry-run", false, "Print the request instead of sending it")
	if ok, code := cmd.ParseFlags(flags, prog, args, "[dcid]", stderr); !ok {
		return code
	}

	params := map[string]interface{}{}
	for _, kv := range settings {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			err = fmt.Errorf("invalid parameter %q, expected key=value", kv)
			return 2
		}
		params[k] = v
	}
	if flags.NArg() == 1 {
		var dcid int64
		dcid, err = strconv.ParseInt(flags.Arg(0), 10, 64)
		if err != nil || dcid <= 0 {
			err = fmt.Errorf("invalid data collection ID %q", flags.Arg(0))
			return 2
		}
		params["ispyb_dcid"] = dcid
	}
	params["guid"] = uuid.NewString()

	msg := map[string]interface{}{"parameters": params}
	if len(recipes) > 0 {
		msg["recipes"] = []string(recipes)
	}
	if *recipeFile != "" {
		var custom *recipe.Recipe
		custom, err = readRecipe(*recipeFile)
		if err != nil {
			return 1
		}
		msg["custom_recipe"] = custom
	}
	if msg["recipes"] == nil && msg["custom_recipe"] == nil {
		err = fmt.Errorf("nothing to do: specify at least one recipe with -r or -f")
		return 2
	}

	if *dryRun {
		err = writeFormatted(stdout, "json", msg)
		if err != nil {
			return 1
		}
		return 0
	}
	cfg, logger, err := loadConfig(loader, stderr)
	if err != nil {
		return 1
	}
	err = send(cfg, logger, zocalo.QueueProcessingRecipe, msg)
	if err != nil {
		return 1
	}
	fmt.Fprintf(stdout, "submitted processing request %s\n", params["guid"])
	return 0
}

// readRecipe reads and validates a recipe file.
func readRecipe(fnm string) (*recipe.Recipe, error) {
	buf, err := os.ReadFile(fnm)
	if err != nil {
		return nil, err
	}
	r, err := recipe.Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return r, nil
}
