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

package eval

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
)

func TestRecallAtK(t *testing.T) {
	// truth is a subset of the top k
	recall, ok := RecallAtK([]string{"i2"}, []string{"i1", "i2"}, 10)
	assert.True(t, ok)
	assert.Equal(t, float32(1), recall)
	recall, ok = RecallAtK([]string{"i1", "i3"}, []string{"i1", "i2", "i3"}, 3)
	assert.True(t, ok)
	assert.Equal(t, float32(1), recall)
	// truth outside the top k
	recall, ok = RecallAtK([]string{"i1", "i3"}, []string{"i1", "i2", "i3"}, 2)
	assert.True(t, ok)
	assert.Equal(t, float32(0.5), recall)
	// duplicated predictions count once
	recall, ok = RecallAtK([]string{"i1", "i3"}, []string{"i1", "i1"}, 2)
	assert.True(t, ok)
	assert.Equal(t, float32(0.5), recall)
	// empty truth is excluded
	_, ok = RecallAtK([]string{}, []string{"i1"}, 10)
	assert.False(t, ok)
	recall, ok = RecallAtK([]int32{1}, nil, 10)
	assert.True(t, ok)
	assert.Zero(t, recall)
}

func TestNDCG(t *testing.T) {
	ndcg, ok := NDCG([]string{"i1"}, []string{"i1", "i2"}, 10)
	assert.True(t, ok)
	assert.Equal(t, float32(1), ndcg)
	ndcg, ok = NDCG([]string{"i2"}, []string{"i1", "i2"}, 10)
	assert.True(t, ok)
	assert.InDelta(t, 1/math32.Log2(3), ndcg, 1e-6)
	// ideal gain is bounded by k
	ndcg, ok = NDCG([]string{"i1", "i2", "i3"}, []string{"i1"}, 1)
	assert.True(t, ok)
	assert.Equal(t, float32(1), ndcg)
	ndcg, ok = NDCG([]string{"i3"}, []string{"i1", "i2"}, 10)
	assert.True(t, ok)
	assert.Zero(t, ndcg)
	_, ok = NDCG([]string{}, []string{"i1"}, 10)
	assert.False(t, ok)
}

func TestPrecision(t *testing.T) {
	precision, ok := Precision([]string{"i1", "i3"}, []string{"i1", "i2", "i3", "i4"}, 4)
	assert.True(t, ok)
	assert.Equal(t, float32(0.5), precision)
	_, ok = Precision([]string{}, []string{"i1"}, 4)
	assert.False(t, ok)
}

func TestHR(t *testing.T) {
	hr, ok := HR([]string{"i3"}, []string{"i1", "i2", "i3"}, 3)
	assert.True(t, ok)
	assert.Equal(t, float32(1), hr)
	hr, ok = HR([]string{"i3"}, []string{"i1", "i2", "i3"}, 2)
	assert.True(t, ok)
	assert.Zero(t, hr)
}

func TestMetricsOnIndices(t *testing.T) {
	rankList := []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	ndcg, _ := NDCG([]int32{1, 3, 5, 7}, rankList, 10)
	assert.InDelta(t, 0.6766372989, ndcg, 1e-5)
	precision, _ := Precision([]int32{1, 3, 5, 7}, rankList, 10)
	assert.InDelta(t, 0.4, precision, 1e-5)
	recall, _ := RecallAtK([]int32{1, 3, 15, 17, 19}, rankList, 10)
	assert.InDelta(t, 0.4, recall, 1e-5)
}
