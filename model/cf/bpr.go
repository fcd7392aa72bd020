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
	"fmt"
	"io"
	"time"

	"github.com/chewxy/math32"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/nextpick/common/floats"
	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/common/parallel"
	"github.com/gorse-io/nextpick/common/progress"
	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/model"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// BPR means Bayesian Personal Ranking, is a pairwise learning algorithm for matrix factorization
// model with implicit feedback. The pairwise ranking between item i and j for user u is estimated
// by:
//
//	p(i >_u j) = \sigma( p_u^T (q_i - q_j) )
//
// The gradient of each sampled pair is scaled by the confidence of the positive interaction.
//
// Hyper-parameters:
//
//	 Reg 		- The regularization parameter of the cost function that is
//				  optimized. Default is 0.01.
//	 Lr 		- The learning rate of SGD. Default is 0.05.
//	 NFactors	- The number of latent factors. Default is 16.
//	 NEpochs	- The number of iteration of the SGD procedure. Default is 100.
//	 InitMean	- The mean of initial random latent factors. Default is 0.
//	 InitStdDev	- The standard deviation of initial random latent factors. Default is 0.001.
type BPR struct {
	BaseMatrixFactorization
	// Hyper parameters
	nFactors   int
	nEpochs    int
	lr         float32
	reg        float32
	initMean   float32
	initStdDev float32
}

// NewBPR creates a BPR model.
func NewBPR(params model.Params) *BPR {
	bpr := new(BPR)
	bpr.SetParams(params)
	return bpr
}

// SetParams sets hyper-parameters of the BPR model.
func (bpr *BPR) SetParams(params model.Params) {
	bpr.BaseMatrixFactorization.SetParams(params)
	bpr.nFactors = bpr.Params.GetInt(model.NFactors, 16)
	bpr.nEpochs = bpr.Params.GetInt(model.NEpochs, 100)
	bpr.lr = bpr.Params.GetFloat32(model.Lr, 0.05)
	bpr.reg = bpr.Params.GetFloat32(model.Reg, 0.01)
	bpr.initMean = bpr.Params.GetFloat32(model.InitMean, 0)
	bpr.initStdDev = bpr.Params.GetFloat32(model.InitStdDev, 0.001)
}

// Fit the BPR model. Its task complexity is O(bpr.nEpochs). Results are reproducible only with one job.
func (bpr *BPR) Fit(ctx context.Context, interactions []dataset.Interaction, config *FitConfig) (Score, error) {
	if config == nil {
		config = NewFitConfig()
	}
	seed := bpr.ResetRandomGenerator()
	state, err := newFactorState(interactions, bpr.nFactors, seed, bpr.initMean, bpr.initStdDev)
	if err != nil {
		return Score{}, errors.Trace(err)
	}
	log.Logger().Info("fit bpr",
		zap.Int("n_users", len(state.userFactor)),
		zap.Int("n_items", len(state.itemFactor)),
		zap.Int("n_feedback", state.nFeedback),
		zap.Any("params", bpr.GetParams()),
		zap.Any("config", config))
	// Create buffers
	jobs := max(config.Jobs, 1)
	temp := floats.NewMatrix(jobs, bpr.nFactors)
	userFactor := floats.NewMatrix(jobs, bpr.nFactors)
	positiveItemFactor := floats.NewMatrix(jobs, bpr.nFactors)
	negativeItemFactor := floats.NewMatrix(jobs, bpr.nFactors)
	rng := make([]model.RandomGenerator, jobs)
	for i := 0; i < jobs; i++ {
		rng[i] = model.NewRandomGenerator(seed.Int63())
	}
	// Users with at least one positive and one negative item can be sampled
	nItems := int32(len(state.itemFactor))
	users := make([]int32, 0, state.userPredictable.Count())
	userFeedback := make([]mapset.Set[int32], len(state.userFactor))
	for u := range userFeedback {
		userFeedback[u] = mapset.NewThreadUnsafeSet(state.userFeedback[u]...)
		if n := userFeedback[u].Cardinality(); n > 0 && int32(n) < nItems {
			users = append(users, int32(u))
		}
	}
	if len(users) == 0 {
		return Score{}, errors.NotValidf("no user has both positive and negative items")
	}
	// Training
	_, span := progress.Start(ctx, "BPR.Fit", bpr.nEpochs)
	defer span.End()
	for epoch := 1; epoch <= bpr.nEpochs; epoch++ {
		fitStart := time.Now()
		cost := make([]float32, jobs)
		if err = parallel.Parallel(ctx, state.nFeedback, jobs, func(workerId, _ int) error {
			// Select a user and a positive item
			userIndex := users[rng[workerId].Intn(len(users))]
			feedback := state.userFeedback[userIndex]
			pos := rng[workerId].Intn(len(feedback))
			posIndex := feedback[pos]
			weight := state.userWeights[userIndex][pos]
			// Select a negative sample
			negIndex := int32(-1)
			for {
				temp := rng[workerId].Int31n(nItems)
				if !userFeedback[userIndex].Contains(temp) {
					negIndex = temp
					break
				}
			}
			diff := floats.Dot(state.userFactor[userIndex], state.itemFactor[posIndex]) -
				floats.Dot(state.userFactor[userIndex], state.itemFactor[negIndex])
			cost[workerId] += math32.Log1p(math32.Exp(-diff))
			grad := weight * math32.Exp(-diff) / (1.0 + math32.Exp(-diff))
			// Pairwise update
			copy(userFactor[workerId], state.userFactor[userIndex])
			copy(positiveItemFactor[workerId], state.itemFactor[posIndex])
			copy(negativeItemFactor[workerId], state.itemFactor[negIndex])
			// Update positive item latent factor: +w_u
			floats.MulConstTo(userFactor[workerId], grad, temp[workerId])
			floats.MulConstAdd(positiveItemFactor[workerId], -bpr.reg, temp[workerId])
			floats.MulConstAdd(temp[workerId], bpr.lr, state.itemFactor[posIndex])
			// Update negative item latent factor: -w_u
			floats.MulConstTo(userFactor[workerId], -grad, temp[workerId])
			floats.MulConstAdd(negativeItemFactor[workerId], -bpr.reg, temp[workerId])
			floats.MulConstAdd(temp[workerId], bpr.lr, state.itemFactor[negIndex])
			// Update user latent factor: h_i-h_j
			floats.SubTo(positiveItemFactor[workerId], negativeItemFactor[workerId], temp[workerId])
			floats.MulConst(temp[workerId], grad)
			floats.MulConstAdd(userFactor[workerId], -bpr.reg, temp[workerId])
			floats.MulConstAdd(temp[workerId], bpr.lr, state.userFactor[userIndex])
			return nil
		}); err != nil {
			span.Fail(err)
			return Score{}, errors.Trace(err)
		}
		if config.Verbose > 0 && epoch%config.Verbose == 0 && epoch < bpr.nEpochs {
			var total float32
			for _, c := range cost {
				total += c
			}
			log.Logger().Debug(fmt.Sprintf("fit bpr %v/%v", epoch, bpr.nEpochs),
				zap.String("fit_time", time.Since(fitStart).String()),
				zap.Float32("loss", total/float32(state.nFeedback)))
		}
		span.Add(1)
	}
	score, err := state.evaluate(ctx, config, bpr.Params.GetInt64(model.RandomState, 0))
	if err != nil {
		return Score{}, errors.Trace(err)
	}
	bpr.swap(state)
	log.Logger().Info("fit bpr complete", score.ZapFields(config.TopK)...)
	return score, nil
}

// Marshal model into byte stream.
func (bpr *BPR) Marshal(w io.Writer) error {
	if err := bpr.BaseMatrixFactorization.Marshal(w); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Unmarshal model from byte stream.
func (bpr *BPR) Unmarshal(r io.Reader) error {
	if err := bpr.BaseMatrixFactorization.Unmarshal(r); err != nil {
		return errors.Trace(err)
	}
	bpr.SetParams(bpr.Params)
	return nil
}
