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

package cf

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/model"
	"github.com/gorse-io/nextpick/storage/blob"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

func tinyInteractions() []dataset.Interaction {
	return []dataset.Interaction{
		{UserId: "u1", ItemId: "i1", Count: 1},
		{UserId: "u1", ItemId: "i2", Count: 1},
		{UserId: "u2", ItemId: "i2", Count: 1},
		{UserId: "u2", ItemId: "i3", Count: 1},
	}
}

// blockInteractions builds two disjoint communities of users and items.
func blockInteractions() []dataset.Interaction {
	var interactions []dataset.Interaction
	for u := 0; u < 20; u++ {
		for i := 0; i < 10; i++ {
			if (u+i)%4 == 0 {
				// leave some pairs unobserved
				continue
			}
			group := u % 2
			interactions = append(interactions, dataset.Interaction{
				UserId: fmt.Sprintf("u%d", u),
				ItemId: fmt.Sprintf("g%d_i%d", group, i),
				Count:  float32(1 + i%3),
			})
		}
	}
	return interactions
}

type MatrixFactorizationTestSuite struct {
	suite.Suite
	newModel func(params model.Params) MatrixFactorization
}

func (suite *MatrixFactorizationTestSuite) TestRecommend() {
	m := suite.newModel(model.Params{model.NFactors: 4, model.NEpochs: 10})
	_, err := m.Fit(context.Background(), tinyInteractions(), NewFitConfig())
	suite.NoError(err)

	candidates, err := m.Recommend("u1", 2)
	suite.NoError(err)
	suite.Len(candidates, 2)
	for _, candidate := range candidates {
		suite.Equal("u1", candidate.UserId)
		suite.Contains([]string{"i1", "i2", "i3"}, candidate.ItemId)
	}
	suite.GreaterOrEqual(candidates[0].CollabScore, candidates[1].CollabScore)

	// top-k larger than the vocabulary
	candidates, err = m.Recommend("u1", 100)
	suite.NoError(err)
	suite.Len(candidates, 3)
	for i := 1; i < len(candidates); i++ {
		suite.GreaterOrEqual(candidates[i-1].CollabScore, candidates[i].CollabScore)
	}

	// non-positive top-k
	candidates, err = m.Recommend("u1", 0)
	suite.NoError(err)
	suite.Empty(candidates)

	// unknown user
	_, err = m.Recommend("u404", 2)
	suite.True(errors.Is(err, errors.NotFound))
	_, err = m.Predict("u1", "i404")
	suite.True(errors.Is(err, errors.NotFound))
	candidates, err = m.Recommend("u1", 1)
	suite.NoError(err)
	score, err := m.Predict("u1", candidates[0].ItemId)
	suite.NoError(err)
	suite.Equal(candidates[0].CollabScore, score)
}

func (suite *MatrixFactorizationTestSuite) TestCommunities() {
	m := suite.newModel(model.Params{model.NFactors: 8, model.NEpochs: 50, model.Lr: 0.05, model.InitStdDev: 0.1})
	score, err := m.Fit(context.Background(), blockInteractions(), NewFitConfig().SetTopK(5))
	suite.NoError(err)
	suite.Greater(score.Precision, float32(0.5))

	// items of the own community come first
	candidates, err := m.Recommend("u0", 10)
	suite.NoError(err)
	for _, candidate := range candidates[:5] {
		suite.Contains(candidate.ItemId, "g0_")
	}
}

func (suite *MatrixFactorizationTestSuite) TestDataError() {
	m := suite.newModel(model.Params{model.NFactors: 4, model.NEpochs: 2})
	_, err := m.Fit(context.Background(), nil, NewFitConfig())
	suite.True(errors.Is(err, errors.NotValid))
	_, err = m.Fit(context.Background(), []dataset.Interaction{{UserId: "", ItemId: "i1", Count: 1}}, NewFitConfig())
	suite.True(errors.Is(err, errors.NotValid))
	_, err = m.Fit(context.Background(), []dataset.Interaction{{UserId: "u1", ItemId: "i1", Count: -1}}, NewFitConfig())
	suite.True(errors.Is(err, errors.NotValid))
	suite.True(m.Invalid())

	m = suite.newModel(model.Params{model.NFactors: 0})
	_, err = m.Fit(context.Background(), tinyInteractions(), NewFitConfig())
	suite.True(errors.Is(err, errors.NotValid))
}

func (suite *MatrixFactorizationTestSuite) TestFailedFitKeepsState() {
	m := suite.newModel(model.Params{model.NFactors: 4, model.NEpochs: 5})
	_, err := m.Fit(context.Background(), tinyInteractions(), NewFitConfig())
	suite.NoError(err)
	before, err := m.Recommend("u1", 3)
	suite.NoError(err)

	_, err = m.Fit(context.Background(), nil, NewFitConfig())
	suite.Error(err)
	after, err := m.Recommend("u1", 3)
	suite.NoError(err)
	suite.Equal(before, after)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Fit(ctx, blockInteractions(), NewFitConfig())
	suite.ErrorIs(err, context.Canceled)
	after, err = m.Recommend("u1", 3)
	suite.NoError(err)
	suite.Equal(before, after)
}

func (suite *MatrixFactorizationTestSuite) TestDeterministic() {
	params := model.Params{model.NFactors: 4, model.NEpochs: 5, model.RandomState: 7}
	a := suite.newModel(params)
	b := suite.newModel(params.Copy())
	_, err := a.Fit(context.Background(), blockInteractions(), NewFitConfig())
	suite.NoError(err)
	_, err = b.Fit(context.Background(), blockInteractions(), NewFitConfig())
	suite.NoError(err)
	suite.Equal(a.GetUserFactor(0), b.GetUserFactor(0))
	suite.Equal(a.GetItemFactor(3), b.GetItemFactor(3))

	// refit from the same seed
	_, err = a.Fit(context.Background(), blockInteractions(), NewFitConfig())
	suite.NoError(err)
	suite.Equal(a.GetUserFactor(0), b.GetUserFactor(0))
}

func (suite *MatrixFactorizationTestSuite) TestMarshal() {
	m := suite.newModel(model.Params{model.NFactors: 4, model.NEpochs: 3})
	_, err := m.Fit(context.Background(), blockInteractions(), NewFitConfig())
	suite.NoError(err)

	buf := bytes.NewBuffer(nil)
	suite.NoError(MarshalModel(buf, m))
	copied, err := UnmarshalModel(bytes.NewReader(buf.Bytes()))
	suite.NoError(err)
	suite.Equal(GetModelName(m), GetModelName(copied))
	suite.Equal(m.GetParams(), copied.GetParams())
	suite.Equal(m.GetUserIndex().Strings(), copied.GetUserIndex().Strings())
	suite.Equal(m.GetItemIndex().Strings(), copied.GetItemIndex().Strings())
	for i := int32(0); i < m.GetUserIndex().Count(); i++ {
		suite.Equal(m.GetUserFactor(i), copied.GetUserFactor(i))
	}
	for i := int32(0); i < m.GetItemIndex().Count(); i++ {
		suite.Equal(m.GetItemFactor(i), copied.GetItemFactor(i))
	}
	expected, err := m.Recommend("u3", 5)
	suite.NoError(err)
	actual, err := copied.Recommend("u3", 5)
	suite.NoError(err)
	suite.Equal(expected, actual)

	// truncated stream
	_, err = UnmarshalModel(bytes.NewReader(buf.Bytes()[:buf.Len()/2]))
	suite.True(model.IsArtifactError(err))
}

func (suite *MatrixFactorizationTestSuite) TestSaveLoad() {
	store := blob.NewPOSIX(suite.T().TempDir())
	m := suite.newModel(model.Params{model.NFactors: 4, model.NEpochs: 3})
	_, err := m.Fit(context.Background(), tinyInteractions(), NewFitConfig())
	suite.NoError(err)
	suite.NoError(Save(context.Background(), store, "collab.model", m))

	loaded, err := Load(context.Background(), store, "collab.model")
	suite.NoError(err)
	expected, err := m.Recommend("u2", 3)
	suite.NoError(err)
	actual, err := loaded.Recommend("u2", 3)
	suite.NoError(err)
	suite.Equal(expected, actual)

	_, err = Load(context.Background(), store, "missing.model")
	suite.True(model.IsArtifactError(err))
	suite.True(model.IsNotFoundError(err))
}

func TestALS(t *testing.T) {
	suite.Run(t, &MatrixFactorizationTestSuite{newModel: func(params model.Params) MatrixFactorization {
		return NewALS(params)
	}})
}

func TestBPR(t *testing.T) {
	suite.Run(t, &MatrixFactorizationTestSuite{newModel: func(params model.Params) MatrixFactorization {
		return NewBPR(params)
	}})
}

func TestRecommendTieBreak(t *testing.T) {
	m := NewALS(model.Params{model.NFactors: 2})
	m.UserIndex = dataset.NewFreqDictFromStrings([]string{"u1"})
	m.ItemIndex = dataset.NewFreqDictFromStrings([]string{"c", "a", "b", "d"})
	m.UserFactor = [][]float32{{1, 0}}
	m.ItemFactor = [][]float32{{1, 0}, {1, 0}, {2, 0}, {0, 1}}
	candidates, err := m.Recommend("u1", 4)
	assert.NoError(t, err)
	assert.Equal(t, []dataset.Candidate{
		{UserId: "u1", ItemId: "b", CollabScore: 2},
		{UserId: "u1", ItemId: "a", CollabScore: 1},
		{UserId: "u1", ItemId: "c", CollabScore: 1},
		{UserId: "u1", ItemId: "d", CollabScore: 0},
	}, candidates)
}

func TestALSParallelDeterministic(t *testing.T) {
	params := model.Params{model.NFactors: 4, model.NEpochs: 5, model.RandomState: 3}
	a := NewALS(params)
	b := NewALS(params.Copy())
	_, err := a.Fit(context.Background(), blockInteractions(), NewFitConfig().SetJobs(1))
	assert.NoError(t, err)
	_, err = b.Fit(context.Background(), blockInteractions(), NewFitConfig().SetJobs(4))
	assert.NoError(t, err)
	for i := int32(0); i < a.GetUserIndex().Count(); i++ {
		assert.Equal(t, a.GetUserFactor(i), b.GetUserFactor(i))
	}
}

func TestZeroCountsAreNotFeedback(t *testing.T) {
	m := NewALS(model.Params{model.NFactors: 2, model.NEpochs: 2})
	_, err := m.Fit(context.Background(), []dataset.Interaction{
		{UserId: "u1", ItemId: "i1", Count: 1},
		{UserId: "u2", ItemId: "i2", Count: 0},
	}, NewFitConfig())
	assert.NoError(t, err)
	assert.True(t, m.UserPredictable.Test(0))
	assert.False(t, m.UserPredictable.Test(1))
	assert.True(t, m.IsItemPredictable(0))
	assert.False(t, m.IsItemPredictable(1))
	assert.False(t, m.IsItemPredictable(2))
	// ids seen with zero counts are still known and their items rank last
	for _, userId := range []string{"u1", "u2"} {
		candidates, err := m.Recommend(userId, 2)
		assert.NoError(t, err)
		assert.Equal(t, []string{"i1", "i2"}, lo.Map(candidates, func(c dataset.Candidate, _ int) string { return c.ItemId }))
	}

	_, err = m.Fit(context.Background(), []dataset.Interaction{{UserId: "u1", ItemId: "i1", Count: 0}}, NewFitConfig())
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestNew(t *testing.T) {
	m, err := New("als", nil)
	assert.NoError(t, err)
	assert.Equal(t, "als", GetModelName(m))
	m, err = New("bpr", nil)
	assert.NoError(t, err)
	assert.Equal(t, "bpr", GetModelName(m))
	_, err = New("svd", nil)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestEvalUsersSample(t *testing.T) {
	config := NewFitConfig().SetTopK(5)
	config.EvalUsers = 5
	a := NewALS(model.Params{model.NFactors: 4, model.NEpochs: 5})
	scoreA, err := a.Fit(context.Background(), blockInteractions(), config)
	assert.NoError(t, err)
	b := NewALS(model.Params{model.NFactors: 4, model.NEpochs: 5})
	scoreB, err := b.Fit(context.Background(), blockInteractions(), config)
	assert.NoError(t, err)
	// the sampled users only depend on the random state
	assert.Equal(t, scoreA, scoreB)
	assert.Greater(t, scoreA.Precision, float32(0))
}
