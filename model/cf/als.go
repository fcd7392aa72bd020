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

	"github.com/gorse-io/nextpick/common/floats"
	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/common/parallel"
	"github.com/gorse-io/nextpick/common/progress"
	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/model"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// ALS is the element-wise alternating least squares (eALS) model for implicit feedback. Observed pairs
// are fitted towards 1 with confidence 1+log(1+count), unobserved pairs towards 0 with weight Alpha.
// Each coordinate update is exact, so sweeps do not depend on the order users or items are visited.
//
// Hyper-parameters:
//
//	NFactors   - The number of latent factors. Default is 16.
//	NEpochs    - The number of sweeps. Default is 50.
//	Reg        - The regularization strength. Default is 0.06.
//	Alpha      - The weight of unobserved pairs. Default is 0.001.
//	InitMean   - The mean of initial factors. Default is 0.
//	InitStdDev - The standard deviation of initial factors. Default is 0.1.
type ALS struct {
	BaseMatrixFactorization
	// Hyper parameters
	nFactors   int
	nEpochs    int
	reg        float32
	initMean   float32
	initStdDev float32
	weight     float32
}

// NewALS creates a eALS model.
func NewALS(params model.Params) *ALS {
	als := new(ALS)
	als.SetParams(params)
	return als
}

// SetParams sets hyper-parameters for the ALS model.
func (als *ALS) SetParams(params model.Params) {
	als.BaseMatrixFactorization.SetParams(params)
	als.nFactors = als.Params.GetInt(model.NFactors, 16)
	als.nEpochs = als.Params.GetInt(model.NEpochs, 50)
	als.initMean = als.Params.GetFloat32(model.InitMean, 0)
	als.initStdDev = als.Params.GetFloat32(model.InitStdDev, 0.1)
	als.reg = als.Params.GetFloat32(model.Reg, 0.06)
	als.weight = als.Params.GetFloat32(model.Alpha, 0.001)
}

// Fit the ALS model. Its task complexity is O(als.nEpochs).
func (als *ALS) Fit(ctx context.Context, interactions []dataset.Interaction, config *FitConfig) (Score, error) {
	if config == nil {
		config = NewFitConfig()
	}
	state, err := newFactorState(interactions, als.nFactors, als.ResetRandomGenerator(), als.initMean, als.initStdDev)
	if err != nil {
		return Score{}, errors.Trace(err)
	}
	log.Logger().Info("fit als",
		zap.Int("n_users", len(state.userFactor)),
		zap.Int("n_items", len(state.itemFactor)),
		zap.Int("n_feedback", state.nFeedback),
		zap.Any("params", als.GetParams()),
		zap.Any("config", config))
	// Create temporary matrix
	jobs := max(config.Jobs, 1)
	s := floats.NewMatrix(als.nFactors, als.nFactors)
	userPredictions := floats.NewMatrix(jobs, len(state.itemFactor))
	userRes := floats.NewMatrix(jobs, len(state.itemFactor))
	itemPredictions := floats.NewMatrix(jobs, len(state.userFactor))
	itemRes := floats.NewMatrix(jobs, len(state.userFactor))

	_, span := progress.Start(ctx, "ALS.Fit", als.nEpochs)
	defer span.End()
	for ep := 1; ep <= als.nEpochs; ep++ {
		fitStart := time.Now()
		// S^q <- \sum_i q_i q_i^T
		gram(s, state.itemFactor, state.itemPredictable.Test)
		if err = parallel.Parallel(ctx, len(state.userFactor), jobs, func(workerId, userIndex int) error {
			als.update(state.userFactor[userIndex], state.itemFactor, state.userFeedback[userIndex],
				state.userWeights[userIndex], s, userPredictions[workerId], userRes[workerId])
			return nil
		}); err != nil {
			span.Fail(err)
			return Score{}, errors.Trace(err)
		}
		// S^p <- \sum_u p_u p_u^T
		gram(s, state.userFactor, state.userPredictable.Test)
		if err = parallel.Parallel(ctx, len(state.itemFactor), jobs, func(workerId, itemIndex int) error {
			als.update(state.itemFactor[itemIndex], state.userFactor, state.itemFeedback[itemIndex],
				state.itemWeights[itemIndex], s, itemPredictions[workerId], itemRes[workerId])
			return nil
		}); err != nil {
			span.Fail(err)
			return Score{}, errors.Trace(err)
		}
		if config.Verbose > 0 && ep%config.Verbose == 0 && ep < als.nEpochs {
			log.Logger().Debug(fmt.Sprintf("fit als %v/%v", ep, als.nEpochs),
				zap.String("fit_time", time.Since(fitStart).String()))
		}
		span.Add(1)
	}
	score, err := state.evaluate(ctx, config, als.Params.GetInt64(model.RandomState, 0))
	if err != nil {
		return Score{}, errors.Trace(err)
	}
	als.swap(state)
	log.Logger().Info("fit als complete", score.ZapFields(config.TopK)...)
	return score, nil
}

// update solves each coordinate of the vector x against the fixed side y. For coordinate f:
//
//	x_f <- (a - b) / (c + alpha s_ff + reg)
//	a    = \sum_{j in R} [w_j - (w_j - alpha) r^f_j] y_jf
//	b    = alpha \sum_{k != f} x_k s_kf
//	c    = \sum_{j in R} (w_j - alpha) y_jf^2
//
// where r^f_j is the prediction for j without the contribution of f.
func (als *ALS) update(x []float32, y [][]float32, feedback []int32, weights []float32, s [][]float32, predictions, res []float32) {
	for _, j := range feedback {
		predictions[j] = floats.Dot(x, y[j])
	}
	for f := range x {
		for _, j := range feedback {
			res[j] = predictions[j] - x[f]*y[j][f]
		}
		a, b, c := float32(0), float32(0), float32(0)
		for pos, j := range feedback {
			w := weights[pos]
			a += (w - (w-als.weight)*res[j]) * y[j][f]
			c += (w - als.weight) * y[j][f] * y[j][f]
		}
		for k := range x {
			if k != f {
				b += als.weight * x[k] * s[k][f]
			}
		}
		x[f] = (a - b) / (c + als.weight*s[f][f] + als.reg)
		for _, j := range feedback {
			predictions[j] = res[j] + x[f]*y[j][f]
		}
	}
}

// gram accumulates the Gram matrix of trained factors into s.
func gram(s, factors [][]float32, trained func(uint) bool) {
	floats.MatZero(s)
	for index, factor := range factors {
		if !trained(uint(index)) {
			continue
		}
		for i := range factor {
			floats.MulConstAdd(factor, factor[i], s[i])
		}
	}
}

// Marshal model into byte stream.
func (als *ALS) Marshal(w io.Writer) error {
	if err := als.BaseMatrixFactorization.Marshal(w); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Unmarshal model from byte stream.
func (als *ALS) Unmarshal(r io.Reader) error {
	if err := als.BaseMatrixFactorization.Unmarshal(r); err != nil {
		return errors.Trace(err)
	}
	als.SetParams(als.Params)
	return nil
}
