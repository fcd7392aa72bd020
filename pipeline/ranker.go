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

package pipeline

import (
	"context"
	"sort"

	"github.com/gorse-io/nextpick/model/ctr"
	"github.com/gorse-io/nextpick/tracking"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

// RankerHyperparameters returns the ranker hyper-parameters of the configuration.
func (p *Pipeline) RankerHyperparameters() ctr.Hyperparameters {
	c := p.Config.Ranker
	return ctr.Hyperparameters{
		LearningRate: c.LearningRate,
		NFactors:     c.NFactors,
		NEpochs:      c.NEpochs,
		Reg:          c.Reg,
		InitStdDev:   c.InitStdDev,
		Seed:         c.Seed,
	}
}

// BuildFrame joins candidates with history and labels them with held-out truth.
func (p *Pipeline) BuildFrame(ctx context.Context) (*ctr.Frame, error) {
	data, err := p.LoadData(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	candidates, err := p.Table.ReadCandidates(ctx, p.Path(CandidatesFile))
	if err != nil {
		return nil, errors.Trace(err)
	}
	frame, err := ctr.BuildFeatures(ctr.NewHistory(data.History), candidates, data.Truth)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return frame, nil
}

func logHyperparameters(run *tracking.Run, hyper ctr.Hyperparameters) {
	run.LogParam("learning_rate", hyper.LearningRate)
	run.LogParam("n_factors", hyper.NFactors)
	run.LogParam("n_epochs", hyper.NEpochs)
	run.LogParam("reg", hyper.Reg)
	run.LogParam("init_std", hyper.InitStdDev)
	run.LogParam("seed", hyper.Seed)
}

func logScore(run *tracking.Run, score ctr.Score) {
	run.LogMetric("auc", float64(score.AUC))
	run.LogMetric("accuracy", float64(score.Accuracy))
	run.LogMetric("precision", float64(score.Precision))
	run.LogMetric("recall", float64(score.Recall))
}

// TrainRanker trains the ranker on labeled candidates and saves it.
func (p *Pipeline) TrainRanker(ctx context.Context, hyper ctr.Hyperparameters) (*ctr.Ranker, ctr.Score, error) {
	var (
		ranker *ctr.Ranker
		score  ctr.Score
	)
	err := p.Tracker.Run(ctx, "train_ranker", func(run *tracking.Run) error {
		frame, err := p.BuildFrame(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		logHyperparameters(run, hyper)
		if ranker, score, err = ctr.Train(ctx, frame, hyper, ctr.NewFitConfig()); err != nil {
			return errors.Trace(err)
		}
		logScore(run, score)
		if err = ranker.Save(ctx, p.Ranker.Store, p.Ranker.Name); err != nil {
			return errors.Trace(err)
		}
		run.LogArtifact(p.Ranker.Location)
		return nil
	})
	if err != nil {
		return nil, ctr.Score{}, errors.Trace(err)
	}
	return ranker, score, nil
}

// Tune searches ranker hyper-parameters on a per-user split of labeled candidates and saves the best ranker.
func (p *Pipeline) Tune(ctx context.Context, trials int) (ctr.Hyperparameters, ctr.Score, error) {
	var (
		hyper ctr.Hyperparameters
		score ctr.Score
	)
	err := p.Tracker.Run(ctx, "tune_ranker", func(run *tracking.Run) error {
		frame, err := p.BuildFrame(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		trainSet, validSet := SplitFrame(frame, 5)
		if validSet.Count() == 0 {
			return errors.NotValidf("validation set with %d users", len(validSet.Users))
		}
		run.LogParam("trials", trials)
		var ranker *ctr.Ranker
		if hyper, score, ranker, err = ctr.Search(ctx, trainSet, validSet, trials, p.RankerHyperparameters(), ctr.NewFitConfig()); err != nil {
			return errors.Trace(err)
		}
		logHyperparameters(run, hyper)
		logScore(run, score)
		if err = ranker.Save(ctx, p.Ranker.Store, p.Ranker.Name); err != nil {
			return errors.Trace(err)
		}
		run.LogArtifact(p.Ranker.Location)
		return nil
	})
	if err != nil {
		return ctr.Hyperparameters{}, ctr.Score{}, errors.Trace(err)
	}
	return hyper, score, nil
}

// SplitFrame holds out every fold-th user, in ascending user order, for validation.
func SplitFrame(frame *ctr.Frame, fold int) (trainSet, validSet *ctr.Frame) {
	users := lo.Uniq(frame.Users)
	sort.Strings(users)
	valid := make(map[string]struct{})
	for i, userId := range users {
		if i%fold == fold-1 {
			valid[userId] = struct{}{}
		}
	}
	trainSet = &ctr.Frame{Columns: frame.Columns}
	validSet = &ctr.Frame{Columns: frame.Columns}
	for i := range frame.Rows {
		target := trainSet
		if _, ok := valid[frame.Users[i]]; ok {
			target = validSet
		}
		target.Rows = append(target.Rows, frame.Rows[i])
		target.Labels = append(target.Labels, frame.Labels[i])
		target.Users = append(target.Users, frame.Users[i])
		target.Items = append(target.Items, frame.Items[i])
	}
	return trainSet, validSet
}
