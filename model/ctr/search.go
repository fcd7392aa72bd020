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
	"context"
	"fmt"

	"github.com/c-bata/goptuna"
	"github.com/c-bata/goptuna/tpe"
	"github.com/gorse-io/nextpick/common/log"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ModelSearch is a goptuna objective that trains a ranker per trial and keeps the best one.
type ModelSearch struct {
	ctx      context.Context
	trainSet *Frame
	testSet  *Frame
	base     Hyperparameters
	config   *FitConfig
	// results
	bestHyper Hyperparameters
	bestScore Score
	bestModel *Ranker
	trials    int
}

func NewModelSearch(ctx context.Context, trainSet, testSet *Frame, base Hyperparameters, config *FitConfig) *ModelSearch {
	return &ModelSearch{
		ctx:      ctx,
		trainSet: trainSet,
		testSet:  testSet,
		base:     base,
		config:   config,
	}
}

// SuggestHyperparameters samples learning rate, regularization, factors and init deviation.
// Epochs and seed are taken from the base.
func (ms *ModelSearch) SuggestHyperparameters(trial goptuna.Trial) Hyperparameters {
	hyper := ms.base
	hyper.LearningRate = float32(lo.Must(trial.SuggestLogFloat("Lr", 0.001, 0.1)))
	hyper.Reg = float32(lo.Must(trial.SuggestLogFloat("Reg", 0.00001, 0.01)))
	hyper.NFactors = int(lo.Must(trial.SuggestDiscreteFloat("NFactors", 4, 16, 4)))
	hyper.InitStdDev = float32(lo.Must(trial.SuggestLogFloat("InitStdDev", 0.001, 0.1)))
	return hyper
}

func (ms *ModelSearch) Objective(trial goptuna.Trial) (float64, error) {
	hyper := ms.SuggestHyperparameters(trial)
	ms.trials++
	log.Logger().Info(fmt.Sprintf("ranker search trial %d", ms.trials), zap.Any("params", hyper))
	ranker, _, err := Train(ms.ctx, ms.trainSet, hyper, ms.config)
	if err != nil {
		return 0, errors.Trace(err)
	}
	score, err := ranker.Evaluate(ms.testSet)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if ms.bestModel == nil || score.BetterThan(ms.bestScore) {
		ms.bestHyper = hyper
		ms.bestScore = score
		ms.bestModel = ranker
	}
	return float64(score.AUC), nil
}

// Result returns the best hyper-parameters, their validation score and the trained ranker.
func (ms *ModelSearch) Result() (Hyperparameters, Score, *Ranker) {
	return ms.bestHyper, ms.bestScore, ms.bestModel
}

// Search tunes hyper-parameters with a TPE sampler, maximizing validation AUC.
func Search(ctx context.Context, trainSet, testSet *Frame, trials int, base Hyperparameters, config *FitConfig) (Hyperparameters, Score, *Ranker, error) {
	if trials <= 0 {
		return Hyperparameters{}, Score{}, nil, errors.NotValidf("number of trials %d", trials)
	}
	if err := testSet.Validate(); err != nil {
		return Hyperparameters{}, Score{}, nil, errors.Trace(err)
	}
	search := NewModelSearch(ctx, trainSet, testSet, base, config)
	study, err := goptuna.CreateStudy("ranker",
		goptuna.StudyOptionDirection(goptuna.StudyDirectionMaximize),
		goptuna.StudyOptionSampler(tpe.NewSampler()))
	if err != nil {
		return Hyperparameters{}, Score{}, nil, errors.Trace(err)
	}
	if err = study.Optimize(search.Objective, trials); err != nil {
		return Hyperparameters{}, Score{}, nil, errors.Trace(err)
	}
	hyper, score, ranker := search.Result()
	log.Logger().Info("complete ranker search", append(score.ZapFields(), zap.Any("params", hyper))...)
	return hyper, score, ranker, nil
}
