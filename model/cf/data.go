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
	"context"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/chewxy/math32"
	"github.com/gorse-io/nextpick/common/parallel"
	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/model"
	"github.com/gorse-io/nextpick/model/eval"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

// factorState is a model under construction. It is swapped into the model only after training succeeds.
type factorState struct {
	userIndex       *dataset.FreqDict
	itemIndex       *dataset.FreqDict
	userPredictable *bitset.BitSet
	itemPredictable *bitset.BitSet
	userFactor      [][]float32
	itemFactor      [][]float32
	// positive feedback and confidence weights
	userFeedback [][]int32
	userWeights  [][]float32
	itemFeedback [][]int32
	itemWeights  [][]float32
	nFeedback    int
}

// confidence maps an interaction count to the weight of its observation.
func confidence(count float32) float32 {
	return 1 + math32.Log1p(count)
}

// newFactorState indexes interactions and draws initial factors. Pairs whose accumulated count is zero
// register their ids but carry no positive feedback.
func newFactorState(interactions []dataset.Interaction, nFactors int, rng model.RandomGenerator, initMean, initStdDev float32) (*factorState, error) {
	if nFactors <= 0 {
		return nil, errors.NotValidf("number of factors %d", nFactors)
	}
	ds, err := dataset.NewDataset(interactions)
	if err != nil {
		return nil, errors.Trace(err)
	}
	state := &factorState{
		userIndex:       ds.GetUserDict(),
		itemIndex:       ds.GetItemDict(),
		userPredictable: bitset.New(uint(ds.CountUsers())),
		itemPredictable: bitset.New(uint(ds.CountItems())),
		userFeedback:    make([][]int32, ds.CountUsers()),
		userWeights:     make([][]float32, ds.CountUsers()),
		itemFeedback:    make([][]int32, ds.CountItems()),
		itemWeights:     make([][]float32, ds.CountItems()),
	}
	for userIndex, items := range ds.GetUserFeedback() {
		counts := ds.GetUserCounts()[userIndex]
		for pos, itemIndex := range items {
			if counts[pos] <= 0 {
				continue
			}
			weight := confidence(counts[pos])
			state.userFeedback[userIndex] = append(state.userFeedback[userIndex], itemIndex)
			state.userWeights[userIndex] = append(state.userWeights[userIndex], weight)
			state.itemFeedback[itemIndex] = append(state.itemFeedback[itemIndex], int32(userIndex))
			state.itemWeights[itemIndex] = append(state.itemWeights[itemIndex], weight)
			state.userPredictable.Set(uint(userIndex))
			state.itemPredictable.Set(uint(itemIndex))
			state.nFeedback++
		}
	}
	if state.nFeedback == 0 {
		return nil, errors.NotValidf("interactions without positive counts")
	}
	state.userFactor = rng.NormalMatrix(ds.CountUsers(), nFactors, initMean, initStdDev)
	state.itemFactor = rng.NormalMatrix(ds.CountItems(), nFactors, initMean, initStdDev)
	return state, nil
}

// evaluate ranks all items for a deterministic sample of trained users and compares the top-k with
// their training feedback.
func (state *factorState) evaluate(ctx context.Context, config *FitConfig, seed int64) (Score, error) {
	users := make([]int, 0, state.userPredictable.Count())
	for i, ok := state.userPredictable.NextSet(0); ok; i, ok = state.userPredictable.NextSet(i + 1) {
		users = append(users, int(i))
	}
	if config.EvalUsers > 0 && len(users) > config.EvalUsers {
		sampled := model.NewRandomGenerator(seed).Sample(0, len(users), config.EvalUsers)
		sort.Ints(sampled)
		users = lo.Map(sampled, func(i, _ int) int { return users[i] })
	}
	ndcg := make([]float32, len(users))
	precision := make([]float32, len(users))
	recall := make([]float32, len(users))
	evaluated := make([]bool, len(users))
	err := parallel.Parallel(ctx, len(users), config.Jobs, func(_, jobId int) error {
		userIndex := users[jobId]
		truth := state.userFeedback[userIndex]
		predicted := rankItems(state.userFactor[userIndex], state.itemFactor, state.itemIndex, func(i int32) bool {
			return state.itemPredictable.Test(uint(i))
		}, config.TopK)
		var ok bool
		if ndcg[jobId], ok = eval.NDCG(truth, predicted, config.TopK); !ok {
			return nil
		}
		precision[jobId], _ = eval.Precision(truth, predicted, config.TopK)
		recall[jobId], _ = eval.RecallAtK(truth, predicted, config.TopK)
		evaluated[jobId] = true
		return nil
	})
	if err != nil {
		return Score{}, errors.Trace(err)
	}
	n := lo.Count(evaluated, true)
	if n == 0 {
		return Score{}, nil
	}
	var score Score
	for i := range users {
		if evaluated[i] {
			score.NDCG += ndcg[i]
			score.Precision += precision[i]
			score.Recall += recall[i]
		}
	}
	score.NDCG /= float32(n)
	score.Precision /= float32(n)
	score.Recall /= float32(n)
	return score, nil
}
