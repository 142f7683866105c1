// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sessionops/governor/internal/agent"
	"github.com/sessionops/governor/internal/config"
	"github.com/sessionops/governor/internal/logs"
	"github.com/sessionops/governor/internal/version"
)

// Exit codes: 0 clean shutdown, 1 unrecoverable runtime failure, 2
// configuration error.
const (
	exitRuntime = 1
	exitConfig  = 2
)

var (
	configPath   = flag.String("config", "", "path to the governor config file (YAML)")
	printVersion = flag.Bool("version", false, "print the version and exit")
)

func main() {
	flag.Parse()
	if *printVersion {
		fmt.Println(version.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "governor: %v\n", err)
		os.Exit(exitConfig)
	}

	logger := logs.Default()
	if cfg.LogFile != "" {
		logger = logs.New(cfg.LogFile)
	}

	if err := run(cfg, logger); err != nil {
		logger.Errorf("governor: %v", err)
		os.Exit(exitRuntime)
	}
}

func run(cfg config.Config, logger logs.StructuredLogger) error {
	a, err := agent.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
