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

package table

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type TableTestSuite struct {
	suite.Suite
	table *Table
	dir   string
}

func (suite *TableTestSuite) SetupTest() {
	var err error
	suite.table, err = Open()
	suite.NoError(err)
	suite.dir = suite.T().TempDir()
}

func (suite *TableTestSuite) TearDownTest() {
	suite.NoError(suite.table.Close())
}

func (suite *TableTestSuite) writeFile(name, content string) string {
	path := filepath.Join(suite.dir, name)
	suite.NoError(os.WriteFile(path, []byte(content), 0644))
	return path
}

func (suite *TableTestSuite) TestInteractions() {
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	interactions := []dataset.Interaction{
		{UserId: "u1", ItemId: "i1", Count: 2, Timestamp: ts},
		{UserId: "u1", ItemId: "i2", Count: 1},
		{UserId: "u2", ItemId: "i1", Count: 0.5, Timestamp: ts.Add(time.Hour)},
	}
	for _, name := range []string{"interactions.parquet", "interactions.csv", "nested/dir/interactions.parquet"} {
		path := filepath.Join(suite.dir, name)
		suite.NoError(suite.table.WriteInteractions(ctx, path, interactions))
		actual, err := suite.table.ReadInteractions(ctx, path)
		suite.NoError(err)
		suite.Equal(interactions, actual, name)
	}
}

func (suite *TableTestSuite) TestCandidates() {
	ctx := context.Background()
	candidates := []dataset.Candidate{
		{UserId: "u1", ItemId: "i1", CollabScore: 0.25},
		{UserId: "u1", ItemId: "i2", CollabScore: -1.5},
	}
	path := filepath.Join(suite.dir, "candidates.parquet")
	suite.NoError(suite.table.WriteCandidates(ctx, path, candidates))
	actual, err := suite.table.ReadCandidates(ctx, path)
	suite.NoError(err)
	suite.Equal(candidates, actual)

	columns, err := suite.table.Describe(ctx, path)
	suite.NoError(err)
	suite.Equal([]string{"user_id", "item_id", "collab_score"}, columns)
}

func (suite *TableTestSuite) TestDefaultCount() {
	path := suite.writeFile("events.csv", "user_id,item_id\n1,10\n1,11\n2,10\n")
	interactions, err := suite.table.ReadInteractions(context.Background(), path)
	suite.NoError(err)
	suite.Equal([]dataset.Interaction{
		{UserId: "1", ItemId: "10", Count: 1},
		{UserId: "1", ItemId: "11", Count: 1},
		{UserId: "2", ItemId: "10", Count: 1},
	}, interactions)
}

func (suite *TableTestSuite) TestSchemaMismatch() {
	ctx := context.Background()
	path := suite.writeFile("bad.csv", "user_id,score\nu1,1\n")
	_, err := suite.table.ReadInteractions(ctx, path)
	suite.True(model.IsDataError(err))
	_, err = suite.table.ReadCandidates(ctx, path)
	suite.True(model.IsDataError(err))

	// interactions are not candidates
	path = filepath.Join(suite.dir, "interactions.parquet")
	suite.NoError(suite.table.WriteInteractions(ctx, path, []dataset.Interaction{{UserId: "u", ItemId: "i", Count: 1}}))
	_, err = suite.table.ReadCandidates(ctx, path)
	suite.True(model.IsDataError(err))

	// malformed rows
	path = suite.writeFile("negative.csv", "user_id,item_id,count\nu1,i1,-1\n")
	_, err = suite.table.ReadInteractions(ctx, path)
	suite.True(model.IsDataError(err))
	path = suite.writeFile("empty.csv", "user_id,item_id,count\n")
	_, err = suite.table.ReadInteractions(ctx, path)
	suite.True(model.IsDataError(err))
}

func (suite *TableTestSuite) TestMalformedRows() {
	ctx := context.Background()
	path := suite.writeFile("bad_count.csv", "user_id,item_id,count\nu1,i1,abc\nu1,i2,\nu2,i1,3\n")
	interactions, err := suite.table.ReadInteractions(ctx, path)
	suite.True(model.IsDataError(err))
	suite.ErrorContains(err, `row 0: count "abc"`)
	suite.Nil(interactions)

	path = suite.writeFile("null_count.csv", "user_id,item_id,count\nu1,i1,2\nu1,i2,\n")
	_, err = suite.table.ReadInteractions(ctx, path)
	suite.True(model.IsDataError(err))
	suite.ErrorContains(err, "row 1: count")

	path = suite.writeFile("bad_timestamp.csv",
		"user_id,item_id,count,timestamp\nu1,i1,1,2024-03-01 12:00:00\nu1,i2,1,yesterday\n")
	_, err = suite.table.ReadInteractions(ctx, path)
	suite.True(model.IsDataError(err))
	suite.ErrorContains(err, `row 1: timestamp "yesterday"`)

	// empty timestamps are unknown, not malformed
	path = suite.writeFile("no_timestamp.csv",
		"user_id,item_id,count,timestamp\nu1,i1,1,2024-03-01 12:00:00\nu1,i2,1,\n")
	interactions, err = suite.table.ReadInteractions(ctx, path)
	suite.NoError(err)
	suite.Equal([]dataset.Interaction{
		{UserId: "u1", ItemId: "i1", Count: 1, Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{UserId: "u1", ItemId: "i2", Count: 1},
	}, interactions)
}

func (suite *TableTestSuite) TestNotFound() {
	_, err := suite.table.ReadInteractions(context.Background(), filepath.Join(suite.dir, "missing.parquet"))
	suite.True(model.IsNotFoundError(err))
}

func TestTable(t *testing.T) {
	suite.Run(t, new(TableTestSuite))
}

func TestSchemaValidate(t *testing.T) {
	assert.NoError(t, InteractionSchema.Validate([]string{"USER_ID", "item_id", "extra"}))
	err := CandidateSchema.Validate([]string{"user_id"})
	assert.True(t, model.IsDataError(err))
	assert.Contains(t, err.Error(), "candidates v1")
	assert.Contains(t, err.Error(), "item_id, collab_score")
	assert.Equal(t, Parquet, FormatOf("a/b.parquet"))
	assert.Equal(t, CSV, FormatOf("a/b.CSV"))
	assert.Equal(t, Parquet, FormatOf("a/b"))
}
