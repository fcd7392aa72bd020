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
	"sync"

	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/common/parallel"
	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/model"
	"github.com/gorse-io/nextpick/model/cf"
	"github.com/gorse-io/nextpick/tracking"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// CollabParams returns the factorizer hyper-parameters of the configuration.
func (p *Pipeline) CollabParams() model.Params {
	c := p.Config.Collab
	return model.Params{
		model.NFactors:    c.NFactors,
		model.NEpochs:     c.NEpochs,
		model.Lr:          c.Lr,
		model.Reg:         c.Reg,
		model.Alpha:       c.Alpha,
		model.InitStdDev:  c.InitStdDev,
		model.RandomState: c.RandomState,
	}
}

// TrainCollab fits the factorizer on history and saves it.
func (p *Pipeline) TrainCollab(ctx context.Context) (cf.MatrixFactorization, cf.Score, error) {
	var (
		m     cf.MatrixFactorization
		score cf.Score
	)
	err := p.Tracker.Run(ctx, "train_collab", func(run *tracking.Run) error {
		data, err := p.LoadData(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		params := p.CollabParams()
		if m, err = cf.New(p.Config.Collab.Model, params); err != nil {
			return errors.Trace(err)
		}
		run.LogParam("model", p.Config.Collab.Model)
		run.LogParam("n_factors", p.Config.Collab.NFactors)
		run.LogParams(params)
		config := cf.NewFitConfig().SetJobs(p.Config.Collab.Jobs).SetTopK(p.Config.Collab.TopK)
		if score, err = m.Fit(ctx, data.History, config); err != nil {
			return errors.Trace(err)
		}
		run.LogMetric("ndcg", float64(score.NDCG))
		run.LogMetric("precision", float64(score.Precision))
		run.LogMetric("recall", float64(score.Recall))
		if err = cf.Save(ctx, p.Collab.Store, p.Collab.Name, m); err != nil {
			return errors.Trace(err)
		}
		run.LogArtifact(p.Collab.Location)
		return nil
	})
	if err != nil {
		return nil, cf.Score{}, errors.Trace(err)
	}
	return m, score, nil
}

// GenerateCandidates writes the top candidates of every user known to the factorizer. Items
// already in the user's history are left out.
func (p *Pipeline) GenerateCandidates(ctx context.Context, out string) ([]dataset.Candidate, error) {
	var candidates []dataset.Candidate
	err := p.Tracker.Run(ctx, "candidates", func(run *tracking.Run) error {
		m, err := cf.Load(ctx, p.Collab.Store, p.Collab.Name)
		if err != nil {
			return errors.Trace(err)
		}
		data, err := p.LoadData(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		seen := make(map[string][]string)
		for _, interaction := range data.History {
			seen[interaction.UserId] = append(seen[interaction.UserId], interaction.ItemId)
		}
		if candidates, err = Candidates(ctx, m, seen, p.Config.Collab.Candidates, p.Config.Collab.Jobs, p.Progress); err != nil {
			return errors.Trace(err)
		}
		if err = p.Table.WriteCandidates(ctx, out, candidates); err != nil {
			return errors.Trace(err)
		}
		run.LogParam("candidates", p.Config.Collab.Candidates)
		run.LogMetric("n_candidates", float64(len(candidates)))
		run.LogArtifact(out)
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return candidates, nil
}

// Candidates recommends n items per user in ascending user order. Seen items are excluded.
func Candidates(ctx context.Context, m cf.MatrixFactorization, seen map[string][]string, n, jobs int, verbose bool) ([]dataset.Candidate, error) {
	users := m.GetUserIndex().Strings()
	sort.Strings(users)
	var bar *progressbar.ProgressBar
	if verbose {
		bar = progressbar.Default(int64(len(users)), "candidates")
	} else {
		bar = progressbar.DefaultSilent(int64(len(users)), "candidates")
	}
	defer bar.Close()
	results := make([][]dataset.Candidate, len(users))
	var mu sync.Mutex
	skipped := 0
	err := parallel.Parallel(ctx, len(users), jobs, func(_, jobId int) error {
		defer func() { _ = bar.Add(1) }()
		userId := users[jobId]
		exclude := lo.Uniq(seen[userId])
		recommended, err := m.Recommend(userId, n+len(exclude))
		if err != nil {
			return errors.Trace(err)
		}
		if len(exclude) > 0 {
			set := lo.SliceToMap(exclude, func(itemId string) (string, struct{}) { return itemId, struct{}{} })
			recommended = lo.Filter(recommended, func(candidate dataset.Candidate, _ int) bool {
				_, ok := set[candidate.ItemId]
				return !ok
			})
		}
		if len(recommended) > n {
			recommended = recommended[:n]
		}
		if len(recommended) == 0 {
			mu.Lock()
			skipped++
			mu.Unlock()
		}
		results[jobId] = recommended
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	candidates := lo.Flatten(results)
	log.Logger().Info("generate candidates",
		zap.Int("n_users", len(users)),
		zap.Int("n_candidates", len(candidates)),
		zap.Int("n_users_without_candidates", skipped))
	return candidates, nil
}
