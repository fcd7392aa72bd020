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

package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestUnmarshal(t *testing.T) {
	data, err := os.ReadFile("config.toml.template")
	assert.NoError(t, err)
	text := string(data)
	text = strings.Replace(text, "model = \"als\"", "model = \"bpr\"", -1)
	viper.SetConfigType("toml")
	err = viper.ReadConfig(strings.NewReader(text))
	assert.NoError(t, err)
	var config Config
	err = viper.Unmarshal(&config)
	assert.NoError(t, err)

	// [data]
	assert.Equal(t, "data", config.Data.Dir)
	assert.Equal(t, "parquet", config.Data.Format)
	assert.Equal(t, float32(0.2), config.Data.HoldoutRatio)
	// [model]
	assert.Equal(t, "models/current", config.Model.Dir)
	// [collab]
	assert.Equal(t, "bpr", config.Collab.Model)
	assert.Equal(t, 64, config.Collab.NFactors)
	assert.Equal(t, 50, config.Collab.NEpochs)
	assert.Equal(t, float32(0.05), config.Collab.Lr)
	assert.Equal(t, float32(0.06), config.Collab.Reg)
	assert.Equal(t, float32(0.001), config.Collab.Alpha)
	assert.Equal(t, 100, config.Collab.Candidates)
	// [ranker]
	assert.Equal(t, float32(0.05), config.Ranker.LearningRate)
	assert.Equal(t, 8, config.Ranker.NFactors)
	assert.Equal(t, 10, config.Ranker.SearchTrials)
	// [server]
	assert.Equal(t, 8000, config.Server.Port)
	assert.Equal(t, 8001, config.Server.MetricsPort)
	assert.Equal(t, 10, config.Server.DefaultTopK)
	assert.Equal(t, 100, config.Server.CandidatePool)
	assert.Equal(t, time.Minute, config.Server.CacheTTL)
	assert.Equal(t, "v1", config.Server.ModelVersion)
	// [database]
	assert.Equal(t, "sqlite://predictions.db", config.Database.URL)
	// [tracking]
	assert.Equal(t, "nextpick_experiment", config.Tracking.Experiment)
	// [azure]
	assert.Equal(t, int32(3), config.Azure.MaxRetries)
}

func TestSetDefault(t *testing.T) {
	setDefault()
	err := viper.ReadConfig(strings.NewReader(""))
	assert.NoError(t, err)
	var config Config
	err = viper.Unmarshal(&config)
	assert.NoError(t, err)
	assert.Equal(t, GetDefaultConfig(), &config)
}

type environmentVariable struct {
	key   string
	value string
}

func TestBindEnv(t *testing.T) {
	variables := []environmentVariable{
		{"MODEL_DIR", "s3://models/current"},
		{"DATABASE_URL", "postgres://nextpick@localhost/nextpick"},
		{"PORT", "9000"},
		{"METRICS_PORT", "9001"},
		{"NEXTPICK_N_FACTORS", "32"},
		{"NEXTPICK_MODEL_VERSION", "v2"},
	}
	for _, variable := range variables {
		t.Setenv(variable.key, variable.value)
	}

	config, err := LoadConfig("config.toml.template")
	assert.NoError(t, err)
	assert.Equal(t, "s3://models/current", config.Model.Dir)
	assert.Equal(t, "postgres://nextpick@localhost/nextpick", config.Database.URL)
	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, 9001, config.Server.MetricsPort)
	assert.Equal(t, 32, config.Collab.NFactors)
	assert.Equal(t, "v2", config.Server.ModelVersion)

	// check default values
	assert.Equal(t, 100, config.Collab.Candidates)
}

func TestValidate(t *testing.T) {
	config := GetDefaultConfig()
	assert.NoError(t, config.Validate())

	config.Collab.NFactors = 0
	config.Collab.Model = "svd"
	err := config.Validate()
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.Contains(t, err.Error(), "n_factors")
	assert.Contains(t, err.Error(), "model")

	config = GetDefaultConfig()
	config.Data.HoldoutRatio = 1
	assert.True(t, errors.Is(config.Validate(), errors.NotValid))

	config = GetDefaultConfig()
	config.Server.Port = 70000
	assert.True(t, errors.Is(config.Validate(), errors.NotValid))
}
