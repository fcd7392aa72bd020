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
	"cmp"
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/chewxy/math32"
	"github.com/gorse-io/nextpick/common/floats"
	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/common/progress"
	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/model"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"modernc.org/sortutil"
)

type Score struct {
	Precision float32
	Recall    float32
	Accuracy  float32
	AUC       float32
}

func (score Score) ZapFields() []zap.Field {
	return []zap.Field{
		zap.Float32("Accuracy", score.Accuracy),
		zap.Float32("Precision", score.Precision),
		zap.Float32("Recall", score.Recall),
		zap.Float32("AUC", score.AUC),
	}
}

func (score Score) BetterThan(s Score) bool {
	return score.AUC > s.AUC
}

type FitConfig struct {
	Verbose int
}

func NewFitConfig() *FitConfig {
	return &FitConfig{
		Verbose: 10,
	}
}

func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

func (config *FitConfig) LoadDefaultIfNil() *FitConfig {
	if config == nil {
		return NewFitConfig()
	}
	return config
}

// Hyperparameters of the factorization machine ranker.
type Hyperparameters struct {
	LearningRate float32 `json:"learning_rate"`
	NFactors     int     `json:"n_factors"`
	NEpochs      int     `json:"n_epochs"`
	Reg          float32 `json:"reg"`
	InitStdDev   float32 `json:"init_std"`
	Seed         int64   `json:"seed"`
}

func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		LearningRate: 0.05,
		NFactors:     8,
		NEpochs:      20,
		Reg:          0.0001,
		InitStdDev:   0.01,
	}
}

func (hyper Hyperparameters) Validate() error {
	if hyper.LearningRate <= 0 || math32.IsNaN(hyper.LearningRate) {
		return errors.NotValidf("learning rate %v", hyper.LearningRate)
	}
	if hyper.NFactors <= 0 {
		return errors.NotValidf("number of factors %d", hyper.NFactors)
	}
	if hyper.NEpochs <= 0 {
		return errors.NotValidf("number of epochs %d", hyper.NEpochs)
	}
	if hyper.Reg < 0 {
		return errors.NotValidf("regularization %v", hyper.Reg)
	}
	return nil
}

// Params converts hyper-parameters to a parameter map for logging and tracking.
func (hyper Hyperparameters) Params() model.Params {
	return model.Params{
		model.Lr:          hyper.LearningRate,
		model.NFactors:    hyper.NFactors,
		model.NEpochs:     hyper.NEpochs,
		model.Reg:         hyper.Reg,
		model.InitStdDev:  hyper.InitStdDev,
		model.RandomState: hyper.Seed,
	}
}

// RankedPrediction is a candidate scored by the ranker.
type RankedPrediction struct {
	UserId    string  `json:"user_id"`
	ItemId    string  `json:"item_id"`
	RankScore float32 `json:"score"`
}

// Ranker is a factorization machine binary classifier over standardized dense features:
//
//	\hat{y}(x) = w_0 + \sum_i w_i x_i + \sum_i \sum_{j>i} <v_i, v_j> x_i x_j
//
// A trained ranker is immutable and safe for concurrent use.
type Ranker struct {
	Hyper   Hyperparameters
	Columns []string
	Scaler  standardizer
	// Model parameters
	B float32
	W []float32
	V [][]float32
}

func newRanker(hyper Hyperparameters, columns []string, scaler standardizer) *Ranker {
	rng := model.NewRandomGenerator(hyper.Seed)
	return &Ranker{
		Hyper:   hyper,
		Columns: slices.Clone(columns),
		Scaler:  scaler,
		W:       make([]float32, len(columns)),
		V:       rng.NormalMatrix(len(columns), hyper.NFactors, 0, hyper.InitStdDev),
	}
}

// internalPredict returns the raw output on a standardized row. sum is a buffer of length NFactors.
func (r *Ranker) internalPredict(x []float32, sum []float32) float32 {
	// w_0
	pred := r.B
	// \sum^n_{i=1} w_i x_i
	pred += floats.Dot(r.W, x)
	// \sum^n_{i=1}\sum^n_{j=i+1} <v_i,v_j> x_i x_j
	floats.Zero(sum)
	squares := float32(0)
	for i, xi := range x {
		floats.MulConstAdd(r.V[i], xi, sum)
		squares += floats.Dot(r.V[i], r.V[i]) * xi * xi
	}
	pred += (floats.Dot(sum, sum) - squares) / 2
	return pred
}

// PredictRaw returns the raw output on an unscaled feature row.
func (r *Ranker) PredictRaw(row []float32) float32 {
	x := make([]float32, len(row))
	r.Scaler.transform(row, x)
	return r.internalPredict(x, make([]float32, r.Hyper.NFactors))
}

// Predict returns the relevance probability of an unscaled feature row.
func (r *Ranker) Predict(row []float32) float32 {
	return sigmoid(r.PredictRaw(row))
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Train fits a ranker on a labeled frame. Training is single-threaded and rows are visited in an
// order shuffled by the seed, so results are reproducible. The epoch with the best training AUC is kept.
func Train(ctx context.Context, frame *Frame, hyper Hyperparameters, config *FitConfig) (*Ranker, Score, error) {
	config = config.LoadDefaultIfNil()
	if err := frame.Validate(); err != nil {
		return nil, Score{}, errors.Trace(err)
	}
	if err := hyper.Validate(); err != nil {
		return nil, Score{}, errors.Trace(err)
	}
	if frame.CountPositive() == 0 || frame.CountNegative() == 0 {
		return nil, Score{}, errors.NotValidf("frame with %d positive and %d negative rows",
			frame.CountPositive(), frame.CountNegative())
	}
	log.Logger().Info("fit fm",
		zap.Int("train_size", frame.Count()),
		zap.Int("train_positive_count", frame.CountPositive()),
		zap.Int("train_negative_count", frame.CountNegative()),
		zap.Any("params", hyper))
	// standardize features
	r := newRanker(hyper, frame.Columns, fitStandardizer(frame.Rows, len(frame.Columns)))
	x := make([][]float32, frame.Count())
	for i, row := range frame.Rows {
		x[i] = make([]float32, len(row))
		r.Scaler.transform(row, x[i])
	}
	rng := model.NewRandomGenerator(hyper.Seed)
	sum := make([]float32, hyper.NFactors)
	vGrad := make([]float32, hyper.NFactors)

	snapshots := snapshotManager{}
	snapshots.addSnapshot(r.evaluate(x, frame.Labels), r)
	_, span := progress.Start(ctx, "FM.Fit", hyper.NEpochs)
	defer span.End()
	for epoch := 1; epoch <= hyper.NEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			span.Fail(err)
			return nil, Score{}, errors.Trace(err)
		}
		fitStart := time.Now()
		cost := float32(0)
		for _, i := range rng.Perm(len(x)) {
			prediction := r.internalPredict(x[i], sum)
			target := frame.Labels[i]
			// d loss / d prediction of the logistic loss
			grad := sigmoid(prediction) - target
			cost += math32.Log1p(math32.Exp(-prediction)) + (1-target)*prediction
			// Update w_0
			r.B -= hyper.LearningRate * grad
			for j, xj := range x[i] {
				// Update w_j
				r.W[j] -= hyper.LearningRate * (grad*xj + hyper.Reg*r.W[j])
				// Update v_{j,f}
				floats.MulConstTo(sum, xj, vGrad)
				floats.MulConstAdd(r.V[j], -xj*xj, vGrad)
				floats.MulConst(vGrad, grad)
				floats.MulConstAdd(r.V[j], hyper.Reg, vGrad)
				floats.MulConstAdd(vGrad, -hyper.LearningRate, r.V[j])
			}
		}
		score := r.evaluate(x, frame.Labels)
		if config.Verbose > 0 && (epoch%config.Verbose == 0 || epoch == hyper.NEpochs) {
			fields := append([]zap.Field{
				zap.String("fit_time", time.Since(fitStart).String()),
				zap.Float32("loss", cost/float32(len(x))),
			}, score.ZapFields()...)
			log.Logger().Debug(fmt.Sprintf("fit fm %v/%v", epoch, hyper.NEpochs), fields...)
		}
		// check NaN
		if math32.IsNaN(cost) || math32.IsNaN(score.AUC) {
			log.Logger().Warn("model diverged", zap.Float32("lr", hyper.LearningRate))
			break
		}
		snapshots.addSnapshot(score, r)
		span.Add(1)
	}
	best := snapshots.best
	log.Logger().Info("fit fm complete", snapshots.score.ZapFields()...)
	return best, snapshots.score, nil
}

// Evaluate scores a labeled frame with the ranker.
func (r *Ranker) Evaluate(frame *Frame) (Score, error) {
	if err := frame.Validate(); err != nil {
		return Score{}, errors.Trace(err)
	}
	x := make([][]float32, frame.Count())
	for i, row := range frame.Rows {
		x[i] = make([]float32, len(row))
		r.Scaler.transform(row, x[i])
	}
	return r.evaluate(x, frame.Labels), nil
}

func (r *Ranker) evaluate(x [][]float32, labels []float32) Score {
	var posPrediction, negPrediction []float32
	sum := make([]float32, r.Hyper.NFactors)
	for i := range x {
		prediction := r.internalPredict(x[i], sum)
		if labels[i] > 0 {
			posPrediction = append(posPrediction, prediction)
		} else {
			negPrediction = append(negPrediction, prediction)
		}
	}
	return Score{
		Precision: Precision(posPrediction, negPrediction),
		Recall:    Recall(posPrediction, negPrediction),
		Accuracy:  Accuracy(posPrediction, negPrediction),
		AUC:       AUC(posPrediction, negPrediction),
	}
}

// Score predicts relevance for candidates. Results are sorted by score descending with ties broken
// by ascending item id.
func (r *Ranker) Score(history *History, candidates []dataset.Candidate) ([]RankedPrediction, error) {
	frame, err := BuildFeatures(history, candidates, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	x := make([]float32, len(r.Columns))
	sum := make([]float32, r.Hyper.NFactors)
	predictions := make([]RankedPrediction, frame.Count())
	for i, row := range frame.Rows {
		r.Scaler.transform(row, x)
		predictions[i] = RankedPrediction{
			UserId:    frame.Users[i],
			ItemId:    frame.Items[i],
			RankScore: sigmoid(r.internalPredict(x, sum)),
		}
	}
	slices.SortStableFunc(predictions, func(a, b RankedPrediction) int {
		if c := cmp.Compare(b.RankScore, a.RankScore); c != 0 {
			return c
		}
		return strings.Compare(a.ItemId, b.ItemId)
	})
	return predictions, nil
}

func (r *Ranker) clone() *Ranker {
	v := make([][]float32, len(r.V))
	for i := range r.V {
		v[i] = slices.Clone(r.V[i])
	}
	return &Ranker{
		Hyper:   r.Hyper,
		Columns: slices.Clone(r.Columns),
		Scaler: standardizer{
			Mean: slices.Clone(r.Scaler.Mean),
			Std:  slices.Clone(r.Scaler.Std),
		},
		B: r.B,
		W: slices.Clone(r.W),
		V: v,
	}
}

// snapshotManager keeps a copy of the best ranker.
type snapshotManager struct {
	best  *Ranker
	score Score
}

func (sm *snapshotManager) addSnapshot(score Score, r *Ranker) {
	if sm.best == nil || score.BetterThan(sm.score) {
		sm.score = score
		sm.best = r.clone()
	}
}

func Precision(posPrediction, negPrediction []float32) float32 {
	var tp, fp float32
	for _, p := range posPrediction {
		if p > 0 {
			tp++
		}
	}
	for _, p := range negPrediction {
		if p > 0 {
			fp++
		}
	}
	if tp+fp == 0 {
		return 0
	}
	return tp / (tp + fp)
}

func Recall(posPrediction, _ []float32) float32 {
	var tp float32
	for _, p := range posPrediction {
		if p > 0 {
			tp++
		}
	}
	if len(posPrediction) == 0 {
		return 0
	}
	return tp / float32(len(posPrediction))
}

func Accuracy(posPrediction, negPrediction []float32) float32 {
	var correct float32
	for _, p := range posPrediction {
		if p > 0 {
			correct++
		}
	}
	for _, p := range negPrediction {
		if p < 0 {
			correct++
		}
	}
	if len(posPrediction)+len(negPrediction) == 0 {
		return 0
	}
	return correct / float32(len(posPrediction)+len(negPrediction))
}

// AUC is the probability that a random positive is scored above a random negative. Inputs are sorted in place.
func AUC(posPrediction, negPrediction []float32) float32 {
	sort.Sort(sortutil.Float32Slice(posPrediction))
	sort.Sort(sortutil.Float32Slice(negPrediction))
	var sum float32
	var nPos int
	for pPos := range posPrediction {
		// find the negative sample with the greatest prediction less than current positive sample
		for nPos < len(negPrediction) && negPrediction[nPos] < posPrediction[pPos] {
			nPos++
		}
		// add the number of negative samples have less prediction than current positive sample
		sum += float32(nPos)
	}
	if len(posPrediction)*len(negPrediction) == 0 {
		return 0
	}
	return sum / float32(len(posPrediction)*len(negPrediction))
}
