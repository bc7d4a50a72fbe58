// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/daemon"
	"github.com/loomhq/loom/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file (default: XDG config dir)")
		addr        = flag.String("addr", "", "HTTP listen address override")
		storePath   = flag.String("store", "", "SQLite database path override")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("loomd %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loomd: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	})
	logger.Info("starting loomd",
		slog.String("version", version),
		slog.String("store", cfg.Store.Path),
		slog.String("addr", cfg.Server.Addr))

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("daemon init failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("loomd stopped")
}
