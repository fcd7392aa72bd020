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
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/common/parallel"
	"github.com/gorse-io/nextpick/dataset"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

type Status string

const (
	StatusEvaluated Status = "evaluated"
	StatusSkipped   Status = "skipped"
	StatusErrored   Status = "errored"
)

// UserResult is the evaluation outcome of one user.
type UserResult struct {
	UserId    string  `json:"user_id"`
	Status    Status  `json:"status"`
	Recall    float32 `json:"recall"`
	NDCG      float32 `json:"ndcg"`
	Precision float32 `json:"precision"`
	HitRate   float32 `json:"hit_rate"`
	Error     string  `json:"error,omitempty"`
}

// Summary reports means over evaluated users and how many users were left out.
type Summary struct {
	Recall    float32 `json:"recall"`
	NDCG      float32 `json:"ndcg"`
	Precision float32 `json:"precision"`
	HitRate   float32 `json:"hit_rate"`
	Evaluated int     `json:"evaluated"`
	Skipped   int     `json:"skipped"`
	Errored   int     `json:"errored"`
}

func (s Summary) ZapFields(k int) []zap.Field {
	return []zap.Field{
		zap.Int("k", k),
		zap.Float32("recall", s.Recall),
		zap.Float32("ndcg", s.NDCG),
		zap.Float32("precision", s.Precision),
		zap.Float32("hit_rate", s.HitRate),
		zap.Int("evaluated", s.Evaluated),
		zap.Int("skipped", s.Skipped),
		zap.Int("errored", s.Errored),
	}
}

// Aggregate averages metrics over evaluated users only.
func Aggregate(results []UserResult) Summary {
	var summary Summary
	for _, result := range results {
		switch result.Status {
		case StatusEvaluated:
			summary.Evaluated++
			summary.Recall += result.Recall
			summary.NDCG += result.NDCG
			summary.Precision += result.Precision
			summary.HitRate += result.HitRate
		case StatusSkipped:
			summary.Skipped++
		case StatusErrored:
			summary.Errored++
		}
	}
	if summary.Evaluated > 0 {
		n := float32(summary.Evaluated)
		summary.Recall /= n
		summary.NDCG /= n
		summary.Precision /= n
		summary.HitRate /= n
	}
	return summary
}

// Score evaluates one ranked list against the truth of a user.
func Score(userId string, truth, predicted []string, k int) UserResult {
	result := UserResult{UserId: userId, Status: StatusSkipped}
	recall, ok := RecallAtK(truth, predicted, k)
	if !ok {
		return result
	}
	result.Status = StatusEvaluated
	result.Recall = recall
	result.NDCG, _ = NDCG(truth, predicted, k)
	result.Precision, _ = Precision(truth, predicted, k)
	result.HitRate, _ = HR(truth, predicted, k)
	return result
}

// Report is the outcome of an evaluation run.
type Report struct {
	K       int          `json:"k"`
	Summary Summary      `json:"summary"`
	Users   []UserResult `json:"users"`
}

// PredictFunc returns the ranked items of a user.
type PredictFunc func(ctx context.Context, userId string) ([]string, error)

// Evaluate ranks items for every user and compares them with the truth. A failed prediction is
// recorded as an errored user and does not stop the run. Results follow the order of users.
func Evaluate(ctx context.Context, users []string, truth dataset.Truth, predict PredictFunc, k, jobs int) (*Report, error) {
	results := make([]UserResult, len(users))
	err := parallel.Parallel(ctx, len(users), jobs, func(_, jobId int) error {
		userId := users[jobId]
		items := truth.Items(userId)
		if len(items) == 0 {
			results[jobId] = UserResult{UserId: userId, Status: StatusSkipped}
			return nil
		}
		predicted, err := predict(ctx, userId)
		if err != nil {
			log.Logger().Warn("failed to predict for user", zap.String("user_id", userId), zap.Error(err))
			results[jobId] = UserResult{UserId: userId, Status: StatusErrored, Error: err.Error()}
			return nil
		}
		results[jobId] = Score(userId, items, predicted, k)
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	report := &Report{K: k, Users: results, Summary: Aggregate(results)}
	log.Logger().Info("evaluation complete", report.Summary.ZapFields(k)...)
	return report, nil
}

// RecallSeries returns per-user recall of evaluated users in report order.
func (r *Report) RecallSeries() []float32 {
	series := make([]float32, 0, len(r.Users))
	for _, result := range r.Users {
		if result.Status == StatusEvaluated {
			series = append(series, result.Recall)
		}
	}
	return series
}

// WriteReport writes a report as JSON and creates parent directories if absent.
func WriteReport(path string, report *Report) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return errors.Trace(err)
		}
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(path, data, 0644))
}

// ReadReport reads a report written by WriteReport.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var report Report
	if err = json.Unmarshal(data, &report); err != nil {
		return nil, errors.Trace(err)
	}
	return &report, nil
}
