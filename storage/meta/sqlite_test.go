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

package meta

import (
	"fmt"
	"testing"
	"time"

	"github.com/gorse-io/nextpick/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type baseTestSuite struct {
	suite.Suite
	Database
}

func (suite *baseTestSuite) TestRuns() {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	suite.NoError(suite.CreateRun(&Run{ID: "run-1", Experiment: "exp", Name: "train-collab", Status: RunRunning, StartTime: start}))
	suite.NoError(suite.CreateRun(&Run{ID: "run-2", Experiment: "exp", Name: "train-ranker", Status: RunRunning, StartTime: start.Add(time.Hour)}))
	suite.NoError(suite.CreateRun(&Run{ID: "run-3", Experiment: "other", Name: "evaluate", Status: RunRunning, StartTime: start}))

	suite.NoError(suite.LogParam("run-1", "n_factors", "64"))
	suite.NoError(suite.LogParam("run-1", "learning_rate", "0.1"))
	suite.NoError(suite.LogParam("run-1", "learning_rate", "0.05"))
	suite.NoError(suite.LogMetric("run-1", "ndcg", 0.25))
	suite.NoError(suite.LogArtifact("run-1", "models/current/collab.model"))
	suite.NoError(suite.LogArtifact("run-1", "models/current/collab.model"))
	suite.NoError(suite.FinishRun("run-1", RunFinished, start.Add(time.Minute)))

	run, err := suite.GetRun("run-1")
	suite.NoError(err)
	suite.Equal(&Run{
		ID:         "run-1",
		Experiment: "exp",
		Name:       "train-collab",
		Status:     RunFinished,
		StartTime:  start,
		EndTime:    start.Add(time.Minute),
		Params:     map[string]string{"n_factors": "64", "learning_rate": "0.05"},
		Metrics:    map[string]float64{"ndcg": 0.25},
		Artifacts:  []string{"models/current/collab.model"},
	}, run)

	runs, err := suite.ListRuns("exp")
	suite.NoError(err)
	if suite.Len(runs, 2) {
		suite.Equal("run-2", runs[0].ID)
		suite.Equal(RunRunning, runs[0].Status)
		suite.True(runs[0].EndTime.IsZero())
		suite.Equal("run-1", runs[1].ID)
	}

	_, err = suite.GetRun("run-9")
	suite.True(model.IsNotFoundError(err))
	suite.True(model.IsNotFoundError(suite.FinishRun("run-9", RunFailed, start)))
}

type SQLiteTestSuite struct {
	baseTestSuite
}

func (suite *SQLiteTestSuite) SetupTest() {
	var err error
	// create database
	path := fmt.Sprintf("sqlite://%s/tracking.db", suite.T().TempDir())
	suite.Database, err = Open(path, "nextpick_")
	suite.NoError(err)
	// create schema
	err = suite.Database.Init()
	suite.NoError(err)
}

func (suite *SQLiteTestSuite) TearDownTest() {
	suite.NoError(suite.Database.Close())
}

func TestSQLite(t *testing.T) {
	suite.Run(t, new(SQLiteTestSuite))
}

func TestOpen(t *testing.T) {
	_, err := Open("mysql://root@tcp(localhost:3306)/nextpick", "")
	assert.True(t, model.IsDataError(err))
}
