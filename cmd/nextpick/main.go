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
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/config"
	"github.com/gorse-io/nextpick/pipeline"
	"github.com/gorse-io/nextpick/storage/table"
	"github.com/gorse-io/nextpick/tracking"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCommand = &cobra.Command{
	Use:           "nextpick",
	Short:         "Two-stage recommender: collaborative candidates re-ranked by a feature model.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		log.SetLogger(cmd.Flags(), debug)
	},
}

func init() {
	log.AddFlags(rootCommand.PersistentFlags())
	rootCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	rootCommand.PersistentFlags().StringP("config", "c", "", "configuration file path")
	rootCommand.PersistentFlags().String("data", "", "directory of interactions, events and candidates (overrides data.dir)")
	rootCommand.PersistentFlags().String("collab", "", "model directory of the collaborative model (overrides model.dir)")
	rootCommand.PersistentFlags().String("ranker", "", "model directory of the ranker (overrides model.dir)")
	rootCommand.PersistentFlags().Int("jobs", 1, "number of jobs")
}

// loadConfig reads the configuration file and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", configPath)
	}
	if cmd.Flags().Changed("data") {
		cfg.Data.Dir, _ = cmd.Flags().GetString("data")
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Collab.Jobs, _ = cmd.Flags().GetInt("jobs")
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// outputAnnotation names the artifact flag that --out aliases on a training command.
const outputAnnotation = "output"

// modelDir resolves the directory of the collab or ranker artifact.
func modelDir(cmd *cobra.Command, flag string, cfg *config.Config) string {
	if cmd.Annotations[outputAnnotation] == flag && cmd.Flags().Changed("out") {
		dir, _ := cmd.Flags().GetString("out")
		return dir
	}
	if cmd.Flags().Changed(flag) {
		dir, _ := cmd.Flags().GetString(flag)
		return dir
	}
	return cfg.Model.Dir
}

// openPipeline opens the stores a batch job needs. The returned function closes them.
func openPipeline(cmd *cobra.Command, cfg *config.Config) (*pipeline.Pipeline, func(), error) {
	collab, err := pipeline.NewArtifact(modelDir(cmd, "collab", cfg), config.CollabModelName, cfg)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	ranker, err := pipeline.NewArtifact(modelDir(cmd, "ranker", cfg), config.RankerModelName, cfg)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	tbl, err := table.Open()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	tracker, err := tracking.Open(cfg.Tracking.URL, cfg.Tracking.Experiment)
	if err != nil {
		_ = tbl.Close()
		return nil, nil, errors.Trace(err)
	}
	p := &pipeline.Pipeline{
		Config:   cfg,
		Table:    tbl,
		Tracker:  tracker,
		Collab:   collab,
		Ranker:   ranker,
		Progress: true,
	}
	return p, func() {
		if err := tbl.Close(); err != nil {
			log.Logger().Error("failed to close table engine", zap.Error(err))
		}
		if err := tracker.Close(); err != nil {
			log.Logger().Error("failed to close tracker", zap.Error(err))
		}
	}, nil
}

// outPath resolves the --out flag, falling back to a file in the data directory.
func outPath(cmd *cobra.Command, fallback string) string {
	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		return fallback
	}
	return filepath.Clean(out)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCommand.ExecuteContext(ctx); err != nil {
		log.Logger().Error("failed to execute", zap.Error(err))
		stop()
		os.Exit(1)
	}
}
