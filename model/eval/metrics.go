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
	"github.com/chewxy/math32"
	mapset "github.com/deckarep/golang-set/v2"
)

// Metric scores a ranked list against the truth of one user. ok is false when the truth is
// empty, in which case the user must be excluded from aggregation.
type Metric[T comparable] func(truth, predicted []T, k int) (score float32, ok bool)

func topK[T comparable](predicted []T, k int) []T {
	if k < 0 {
		k = 0
	}
	if k < len(predicted) {
		return predicted[:k]
	}
	return predicted
}

// hits returns a flag per position of the top-k list, counting every item once.
func hits[T comparable](truth mapset.Set[T], predicted []T) []bool {
	seen := mapset.NewThreadUnsafeSet[T]()
	flags := make([]bool, len(predicted))
	for i, item := range predicted {
		if truth.Contains(item) && !seen.Contains(item) {
			flags[i] = true
		}
		seen.Add(item)
	}
	return flags
}

// RecallAtK is the fraction of truth items found in the first k predictions.
//
//	\frac{|relevant \cap retrieved@k|}{|relevant|}
func RecallAtK[T comparable](truth, predicted []T, k int) (float32, bool) {
	truthSet := mapset.NewThreadUnsafeSet(truth...)
	if truthSet.Cardinality() == 0 {
		return 0, false
	}
	hit := 0
	for _, h := range hits(truthSet, topK(predicted, k)) {
		if h {
			hit++
		}
	}
	return float32(hit) / float32(truthSet.Cardinality()), true
}

// NDCG means Normalized Discounted Cumulative Gain with binary relevance.
func NDCG[T comparable](truth, predicted []T, k int) (float32, bool) {
	truthSet := mapset.NewThreadUnsafeSet(truth...)
	if truthSet.Cardinality() == 0 {
		return 0, false
	}
	if k <= 0 {
		return 0, true
	}
	// IDCG = \sum^{min(|REL|,k)}_{i=1} \frac {1} {\log_2(i+1)}
	idcg := float32(0)
	for i := 0; i < truthSet.Cardinality() && i < k; i++ {
		idcg += 1.0 / math32.Log2(float32(i)+2.0)
	}
	// DCG = \sum^{k}_{i=1} \frac {2^{rel_i}-1} {\log_2(i+1)}
	dcg := float32(0)
	for i, h := range hits(truthSet, topK(predicted, k)) {
		if h {
			dcg += 1.0 / math32.Log2(float32(i)+2.0)
		}
	}
	return dcg / idcg, true
}

// Precision is the fraction of relevant items among the first k predictions.
func Precision[T comparable](truth, predicted []T, k int) (float32, bool) {
	truthSet := mapset.NewThreadUnsafeSet(truth...)
	if truthSet.Cardinality() == 0 {
		return 0, false
	}
	if k <= 0 {
		return 0, true
	}
	hit := 0
	for _, h := range hits(truthSet, topK(predicted, k)) {
		if h {
			hit++
		}
	}
	return float32(hit) / float32(k), true
}

// HR means Hit Ratio.
func HR[T comparable](truth, predicted []T, k int) (float32, bool) {
	truthSet := mapset.NewThreadUnsafeSet(truth...)
	if truthSet.Cardinality() == 0 {
		return 0, false
	}
	for _, item := range topK(predicted, k) {
		if truthSet.Contains(item) {
			return 1, true
		}
	}
	return 0, true
}
