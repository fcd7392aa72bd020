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

package dataset

import (
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestNewDataset(t *testing.T) {
	d, err := NewDataset([]Interaction{
		{UserId: "u1", ItemId: "i1", Count: 1},
		{UserId: "u1", ItemId: "i2", Count: 1},
		{UserId: "u2", ItemId: "i1", Count: 1},
		{UserId: "u2", ItemId: "i3", Count: 1},
		{UserId: "u1", ItemId: "i1", Count: 2},
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, d.CountUsers())
	assert.Equal(t, 3, d.CountItems())
	assert.Equal(t, []string{"u1", "u2"}, d.GetUserDict().Strings())
	assert.Equal(t, []string{"i1", "i2", "i3"}, d.GetItemDict().Strings())
	assert.Equal(t, [][]int32{{0, 1}, {0, 2}}, d.GetUserFeedback())
	// duplicated pairs accumulate
	assert.Equal(t, [][]float32{{3, 1}, {1, 1}}, d.GetUserCounts())
}

func TestNewDatasetInvalid(t *testing.T) {
	_, err := NewDataset(nil)
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = NewDataset([]Interaction{{UserId: "", ItemId: "i1", Count: 1}})
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = NewDataset([]Interaction{{UserId: "u1", ItemId: "", Count: 1}})
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = NewDataset([]Interaction{{UserId: "u1", ItemId: "i1", Count: -1}})
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = NewDataset([]Interaction{{UserId: "u1", ItemId: "i1", Count: math32.NaN()}})
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestValidateCandidates(t *testing.T) {
	assert.NoError(t, ValidateCandidates([]Candidate{{UserId: "u1", ItemId: "i1", CollabScore: -3}}))
	assert.True(t, errors.Is(ValidateCandidates(nil), errors.NotValid))
	assert.True(t, errors.Is(ValidateCandidates([]Candidate{{UserId: "u1"}}), errors.NotValid))
	assert.True(t, errors.Is(ValidateCandidates([]Candidate{{ItemId: "i1"}}), errors.NotValid))
	assert.True(t, errors.Is(ValidateCandidates([]Candidate{{UserId: "u1", ItemId: "i1", CollabScore: math32.Inf(1)}}), errors.NotValid))
}

func TestTruth(t *testing.T) {
	truth := NewTruth([]Interaction{
		{UserId: "u2", ItemId: "i3"},
		{UserId: "u1", ItemId: "i2"},
		{UserId: "u1", ItemId: "i1"},
		{UserId: "u1", ItemId: "i2"},
	})
	assert.Equal(t, []string{"u1", "u2"}, truth.Users())
	assert.Equal(t, []string{"i1", "i2"}, truth.Items("u1"))
	assert.Nil(t, truth.Items("u3"))
	assert.True(t, truth.Contains("u2", "i3"))
	assert.False(t, truth.Contains("u2", "i1"))
	assert.False(t, truth.Contains("u3", "i1"))
}

func TestSplitLatest(t *testing.T) {
	day := func(d int) time.Time {
		return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
	}
	interactions := []Interaction{
		{UserId: "u1", ItemId: "i1", Count: 1, Timestamp: day(1)},
		{UserId: "u1", ItemId: "i2", Count: 1, Timestamp: day(5)},
		{UserId: "u1", ItemId: "i3", Count: 1, Timestamp: day(3)},
		{UserId: "u1", ItemId: "i4", Count: 1, Timestamp: day(4)},
		{UserId: "u1", ItemId: "i1", Count: 1, Timestamp: day(2)},
		{UserId: "u2", ItemId: "i1", Count: 1, Timestamp: day(1)},
		// without timestamps the input order decides
		{UserId: "u3", ItemId: "i1", Count: 1},
		{UserId: "u3", ItemId: "i2", Count: 1},
	}
	history, future := SplitLatest(interactions, 0.5)
	assert.Equal(t, []Interaction{
		interactions[1],
		interactions[3],
		interactions[7],
	}, future)
	assert.Equal(t, []Interaction{
		interactions[0],
		interactions[2],
		interactions[4],
		interactions[5],
		interactions[6],
	}, history)
	// no pair appears on both sides
	truth := NewTruth(future)
	for _, interaction := range history {
		assert.False(t, truth.Contains(interaction.UserId, interaction.ItemId))
	}
	// zero ratio keeps everything in history
	history, future = SplitLatest(interactions, 0)
	assert.Len(t, history, len(interactions))
	assert.Empty(t, future)
}

func TestSplitLatestTies(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	interactions := []Interaction{
		{UserId: "u1", ItemId: "i9", Count: 1, Timestamp: ts},
		{UserId: "u1", ItemId: "i2", Count: 1, Timestamp: ts},
	}
	// equal timestamps fall back to input order, not item id
	history, future := SplitLatest(interactions, 0.5)
	assert.Equal(t, interactions[:1], history)
	assert.Equal(t, interactions[1:], future)
}
