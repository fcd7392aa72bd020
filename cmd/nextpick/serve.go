// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/gorse-io/nextpick/cmd/version"
	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/config"
	"github.com/gorse-io/nextpick/pipeline"
	"github.com/gorse-io/nextpick/server"
	"github.com/gorse-io/nextpick/storage/predlog"
	"github.com/gorse-io/nextpick/storage/table"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCommand.AddCommand(serveCommand)
	serveCommand.Flags().Int("port", 8000, "port of the recommendation API (overrides server.port)")
	serveCommand.Flags().Int("metrics_port", 8001, "port of the metrics endpoint, 0 disables (overrides server.metrics_port)")
	rootCommand.AddCommand(versionCommand)
}

var serveCommand = &cobra.Command{
	Use:   "serve",
	Short: "Serve recommendations over HTTP.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Trace(err)
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("metrics_port") {
			cfg.Server.MetricsPort, _ = cmd.Flags().GetInt("metrics_port")
		}
		collab, err := pipeline.NewArtifact(modelDir(cmd, "collab", cfg), config.CollabModelName, cfg)
		if err != nil {
			return errors.Trace(err)
		}
		ranker, err := pipeline.NewArtifact(modelDir(cmd, "ranker", cfg), config.RankerModelName, cfg)
		if err != nil {
			return errors.Trace(err)
		}
		logger, err := predlog.Open(cfg.Database.URL, cfg.Database.TablePrefix)
		if err != nil {
			return errors.Trace(err)
		}
		if err = logger.Init(); err != nil {
			_ = logger.Close()
			return errors.Trace(err)
		}
		tbl, err := table.Open()
		if err != nil {
			_ = logger.Close()
			return errors.Trace(err)
		}
		defer tbl.Close()

		s := server.NewServer(cfg, collab, ranker, logger)
		s.Table = tbl
		s.HistoryPath = (&pipeline.Pipeline{Config: cfg}).Path(pipeline.InteractionsFile)
		if _, err = s.Reload(cmd.Context()); err != nil {
			log.Logger().Warn("no model loaded, recommendations unavailable until reload",
				zap.String("location", collab.Location), zap.Error(err))
		}
		return errors.Trace(s.Serve(cmd.Context()))
	},
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Print build information.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), version.BuildInfo())
	},
}
