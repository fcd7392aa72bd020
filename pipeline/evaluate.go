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
	"cmp"
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/model/ctr"
	"github.com/gorse-io/nextpick/model/eval"
	"github.com/gorse-io/nextpick/tracking"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

// RankByCollabScore orders candidates by collaborative score descending, ties by ascending item id.
func RankByCollabScore(candidates []dataset.Candidate) []string {
	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b dataset.Candidate) int {
		if c := cmp.Compare(b.CollabScore, a.CollabScore); c != 0 {
			return c
		}
		return strings.Compare(a.ItemId, b.ItemId)
	})
	return lo.Map(sorted, func(candidate dataset.Candidate, _ int) string {
		return candidate.ItemId
	})
}

// Evaluate ranks the candidates of every user, by collaborative score or by the ranker when
// useRanker is set, compares the top k with held-out truth and writes the report to out.
func (p *Pipeline) Evaluate(ctx context.Context, out string, k int, useRanker bool) (*eval.Report, error) {
	var report *eval.Report
	err := p.Tracker.Run(ctx, "evaluate", func(run *tracking.Run) error {
		data, err := p.LoadData(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		candidates, err := p.Table.ReadCandidates(ctx, p.Path(CandidatesFile))
		if err != nil {
			return errors.Trace(err)
		}
		groups := lo.GroupBy(candidates, func(candidate dataset.Candidate) string {
			return candidate.UserId
		})
		users := lo.Keys(groups)
		sort.Strings(users)

		predict := func(_ context.Context, userId string) ([]string, error) {
			return RankByCollabScore(groups[userId]), nil
		}
		if useRanker {
			ranker, err := ctr.LoadRanker(ctx, p.Ranker.Store, p.Ranker.Name)
			if err != nil {
				return errors.Trace(err)
			}
			history := ctr.NewHistory(data.History)
			predict = func(_ context.Context, userId string) ([]string, error) {
				predictions, err := ranker.Score(history, groups[userId])
				if err != nil {
					return nil, errors.Trace(err)
				}
				return lo.Map(predictions, func(prediction ctr.RankedPrediction, _ int) string {
					return prediction.ItemId
				}), nil
			}
		}
		run.LogParam("k", k)
		run.LogParam("ranker", useRanker)
		if report, err = eval.Evaluate(ctx, users, data.Truth, predict, k, p.Config.Collab.Jobs); err != nil {
			return errors.Trace(err)
		}
		run.LogMetric("recall", float64(report.Summary.Recall))
		run.LogMetric("ndcg", float64(report.Summary.NDCG))
		run.LogMetric("precision", float64(report.Summary.Precision))
		run.LogMetric("hit_rate", float64(report.Summary.HitRate))
		run.LogMetric("evaluated", float64(report.Summary.Evaluated))
		if err = eval.WriteReport(out, report); err != nil {
			return errors.Trace(err)
		}
		run.LogArtifact(out)
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return report, nil
}
