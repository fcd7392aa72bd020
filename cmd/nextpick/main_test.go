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
	"bytes"
	"strings"
	"testing"

	"github.com/gorse-io/nextpick/config"
	"github.com/gorse-io/nextpick/model/ctr"
	"github.com/gorse-io/nextpick/model/eval"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	cmd := trainCollabCommand
	// merge persistent flags of the root command
	cmd.InheritedFlags()
	assert.NoError(t, rootCommand.PersistentFlags().Set("data", "/tmp/nextpick/data"))
	assert.NoError(t, rootCommand.PersistentFlags().Set("jobs", "3"))
	assert.NoError(t, rootCommand.PersistentFlags().Set("ranker", "/tmp/nextpick/ranker"))
	cfg, err := loadConfig(cmd)
	assert.NoError(t, err)
	assert.Equal(t, "/tmp/nextpick/data", cfg.Data.Dir)
	assert.Equal(t, 3, cfg.Collab.Jobs)
	assert.Equal(t, "/tmp/nextpick/ranker", modelDir(cmd, "ranker", cfg))
	assert.Equal(t, cfg.Model.Dir, modelDir(cmd, "collab", cfg))
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	renderSummary(&buf, &eval.Report{
		K:       10,
		Summary: eval.Summary{Recall: 0.5, NDCG: 0.25, Precision: 0.1, HitRate: 0.75, Evaluated: 2, Skipped: 1},
	})
	assert.Contains(t, strings.ToUpper(buf.String()), "RECALL@10")
	assert.Contains(t, strings.ToUpper(buf.String()), "HR@10")
	assert.Contains(t, buf.String(), "0.7500")
	assert.Contains(t, buf.String(), "0.5000")
	assert.Contains(t, buf.String(), "0.2500")
}

func TestRenderHyperparameters(t *testing.T) {
	var buf bytes.Buffer
	renderHyperparameters(&buf, ctr.Hyperparameters{LearningRate: 0.05, NFactors: 8, NEpochs: 20, Reg: 0.0001, InitStdDev: 0.01},
		ctr.Score{AUC: 0.875})
	assert.Contains(t, buf.String(), "0.0001")
	assert.Contains(t, buf.String(), "0.01")
	assert.Contains(t, buf.String(), "0.8750")
}

func TestTrainOutput(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cmd := trainRankerCommand
	cmd.InheritedFlags()
	assert.NoError(t, cmd.Flags().Set("out", "/tmp/nextpick/out"))
	assert.Equal(t, "/tmp/nextpick/out", modelDir(cmd, "ranker", cfg))
	assert.Equal(t, cfg.Model.Dir, modelDir(cmd, "collab", cfg))

	cmd = trainCollabCommand
	cmd.InheritedFlags()
	assert.NoError(t, cmd.Flags().Set("out", "/tmp/nextpick/collab"))
	assert.Equal(t, "/tmp/nextpick/collab", modelDir(cmd, "collab", cfg))
	// --out of a training command does not move the candidates file
	assert.Equal(t, cfg.Model.Dir, modelDir(candidatesCommand, "collab", cfg))
}
