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

	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/pipeline"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCommand.AddCommand(trainCollabCommand)
	trainCollabCommand.Flags().Int("n_factors", 64, "number of latent factors")
	trainCollabCommand.Flags().String("out", "", "output model directory (same as --collab)")

	rootCommand.AddCommand(candidatesCommand)
	candidatesCommand.Flags().String("out", "", "output candidates file (default <data>/candidates.<format>)")
	candidatesCommand.Flags().Int("candidates", 100, "number of candidates per user")

	rootCommand.AddCommand(trainRankerCommand)
	trainRankerCommand.Flags().Float32("learning_rate", 0.05, "learning rate of the ranker")
	trainRankerCommand.Flags().String("out", "", "output model directory (same as --ranker)")

	rootCommand.AddCommand(tuneCommand)
	tuneCommand.Flags().Int("trials", 0, "number of search trials (default ranker.search_trials)")
}

var trainCollabCommand = &cobra.Command{
	Use:         "train-collab",
	Short:       "Fit the collaborative model on interaction history.",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{outputAnnotation: "collab"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Trace(err)
		}
		if cmd.Flags().Changed("n_factors") {
			cfg.Collab.NFactors, _ = cmd.Flags().GetInt("n_factors")
		}
		p, closer, err := openPipeline(cmd, cfg)
		if err != nil {
			return errors.Trace(err)
		}
		defer closer()
		_, score, err := p.TrainCollab(cmd.Context())
		if err != nil {
			return errors.Trace(err)
		}
		log.Logger().Info("collaborative model saved",
			append(score.ZapFields(cfg.Collab.TopK), zap.String("location", p.Collab.Location))...)
		return nil
	},
}

var candidatesCommand = &cobra.Command{
	Use:   "candidates",
	Short: "Write the top collaborative candidates of every user.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Trace(err)
		}
		if cmd.Flags().Changed("candidates") {
			cfg.Collab.Candidates, _ = cmd.Flags().GetInt("candidates")
		}
		p, closer, err := openPipeline(cmd, cfg)
		if err != nil {
			return errors.Trace(err)
		}
		defer closer()
		out := outPath(cmd, p.Path(pipeline.CandidatesFile))
		candidates, err := p.GenerateCandidates(cmd.Context(), out)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Printf("wrote %d candidates to %s\n", len(candidates), out)
		return nil
	},
}

var trainRankerCommand = &cobra.Command{
	Use:         "train-ranker",
	Short:       "Train the ranker on labeled candidates.",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{outputAnnotation: "ranker"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Trace(err)
		}
		if cmd.Flags().Changed("learning_rate") {
			cfg.Ranker.LearningRate, _ = cmd.Flags().GetFloat32("learning_rate")
		}
		p, closer, err := openPipeline(cmd, cfg)
		if err != nil {
			return errors.Trace(err)
		}
		defer closer()
		_, score, err := p.TrainRanker(cmd.Context(), p.RankerHyperparameters())
		if err != nil {
			return errors.Trace(err)
		}
		log.Logger().Info("ranker saved",
			append(score.ZapFields(), zap.String("location", p.Ranker.Location))...)
		return nil
	},
}

var tuneCommand = &cobra.Command{
	Use:   "tune",
	Short: "Search ranker hyper-parameters and save the best ranker.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Trace(err)
		}
		trials := cfg.Ranker.SearchTrials
		if cmd.Flags().Changed("trials") {
			trials, _ = cmd.Flags().GetInt("trials")
		}
		p, closer, err := openPipeline(cmd, cfg)
		if err != nil {
			return errors.Trace(err)
		}
		defer closer()
		hyper, score, err := p.Tune(cmd.Context(), trials)
		if err != nil {
			return errors.Trace(err)
		}
		renderHyperparameters(cmd.OutOrStdout(), hyper, score)
		return nil
	},
}
