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

package ctr

import (
	"testing"
	"time"

	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/model"
	"github.com/stretchr/testify/assert"
)

func TestNewHistory(t *testing.T) {
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	h := NewHistory([]dataset.Interaction{
		{UserId: "u1", ItemId: "i1", Count: 2, Timestamp: day.AddDate(0, 0, -3)},
		{UserId: "u1", ItemId: "i1", Count: 1, Timestamp: day.AddDate(0, 0, -1)},
		{UserId: "u1", ItemId: "i2", Count: 1, Timestamp: day.AddDate(0, 0, -5)},
		{UserId: "u2", ItemId: "i1", Count: 4, Timestamp: day},
		{UserId: "u3", ItemId: "i3", Count: 1},
	})
	assert.Equal(t, 5, h.Count())
	assert.Equal(t, []float32{0.5, 4, 2, 7, 2, 3, 1, 0}, h.Features(dataset.Candidate{UserId: "u1", ItemId: "i1", CollabScore: 0.5}))
	assert.Equal(t, []float32{0, 4, 1, 1, 1, 0, 0, 5}, h.Features(dataset.Candidate{UserId: "u2", ItemId: "i2"}))
	// missing timestamps have no recency
	assert.Equal(t, []float32{0, 1, 1, 1, 1, 1, 0, 0}, h.Features(dataset.Candidate{UserId: "u3", ItemId: "i3"}))
	// unknown user and item
	assert.Equal(t, []float32{1, 0, 0, 0, 0, 0, 0, 0}, h.Features(dataset.Candidate{UserId: "u9", ItemId: "i9", CollabScore: 1}))
}

func TestBuildFeatures(t *testing.T) {
	h := NewHistory([]dataset.Interaction{
		{UserId: "u1", ItemId: "i1", Count: 1},
		{UserId: "u2", ItemId: "i2", Count: 1},
	})
	candidates := []dataset.Candidate{
		{UserId: "u1", ItemId: "i2", CollabScore: 0.9},
		{UserId: "u1", ItemId: "i3", CollabScore: 0.8},
		{UserId: "u2", ItemId: "i1", CollabScore: 0.7},
	}
	truth := dataset.NewTruth([]dataset.Interaction{
		{UserId: "u1", ItemId: "i3"},
		{UserId: "u3", ItemId: "i1"},
	})
	frame, err := BuildFeatures(h, candidates, truth)
	assert.NoError(t, err)
	assert.NoError(t, frame.Validate())
	assert.Equal(t, FeatureColumns, frame.Columns)
	assert.Equal(t, []float32{0, 1, 0}, frame.Labels)
	assert.Equal(t, []string{"u1", "u1", "u2"}, frame.Users)
	assert.Equal(t, []string{"i2", "i3", "i1"}, frame.Items)
	assert.Equal(t, 1, frame.CountPositive())
	assert.Equal(t, 2, frame.CountNegative())
	assert.Equal(t, float32(0.9), frame.Rows[0][0])

	// without truth every row is negative
	frame, err = BuildFeatures(nil, candidates, nil)
	assert.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, frame.Labels)
	assert.Equal(t, []float32{0.8, 0, 0, 0, 0, 0, 0, 0}, frame.Rows[1])

	_, err = BuildFeatures(h, nil, truth)
	assert.True(t, model.IsDataError(err))
	_, err = BuildFeatures(h, []dataset.Candidate{{UserId: "u1"}}, truth)
	assert.True(t, model.IsDataError(err))
}

func TestFrameValidate(t *testing.T) {
	frame := &Frame{Columns: []string{"collab_score"}}
	assert.True(t, model.IsDataError(frame.Validate()))
	frame = &Frame{
		Columns: FeatureColumns,
		Rows:    [][]float32{{1, 2}},
		Labels:  []float32{1},
		Users:   []string{"u"},
		Items:   []string{"i"},
	}
	assert.True(t, model.IsDataError(frame.Validate()))
	frame.Labels = nil
	assert.True(t, model.IsDataError(frame.Validate()))
}

func TestStandardizer(t *testing.T) {
	s := fitStandardizer([][]float32{{1, 5}, {3, 5}}, 2)
	assert.Equal(t, []float32{2, 5}, s.Mean)
	assert.Equal(t, []float32{1, 1}, s.Std)
	dst := make([]float32, 2)
	s.transform([]float32{4, 6}, dst)
	assert.Equal(t, []float32{2, 1}, dst)

	s = fitStandardizer(nil, 2)
	assert.Equal(t, []float32{0, 0}, s.Mean)
	assert.Equal(t, []float32{1, 1}, s.Std)
}
