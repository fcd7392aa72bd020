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

package server

import (
	"context"
	"time"

	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/model"
	"github.com/gorse-io/nextpick/model/cf"
	"github.com/gorse-io/nextpick/model/ctr"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrModelUnavailable is returned while no collaborative model is loaded.
const ErrModelUnavailable = errors.ConstError("collaborative model unavailable")

// Strategy decides how candidates are ordered. It is chosen once when models are loaded.
type Strategy int

const (
	CollabOnly Strategy = iota
	CollabPlusRanker
)

func (s Strategy) String() string {
	switch s {
	case CollabOnly:
		return "collab_only"
	case CollabPlusRanker:
		return "collab_plus_ranker"
	default:
		return "unknown"
	}
}

// Prediction is a scored item in a response.
type Prediction struct {
	ItemId string  `json:"item_id"`
	Score  float32 `json:"score"`
}

// Models is an immutable set of serving models.
type Models struct {
	Collab   cf.MatrixFactorization
	Ranker   *ctr.Ranker
	History  *ctr.History
	Strategy Strategy
	LoadedAt time.Time
}

// NewModels picks the strategy from the models present. A nil history is treated as empty.
func NewModels(collab cf.MatrixFactorization, ranker *ctr.Ranker, history *ctr.History) *Models {
	m := &Models{Collab: collab, Ranker: ranker, History: history, LoadedAt: time.Now()}
	if m.History == nil {
		m.History = ctr.NewHistory(nil)
	}
	if ranker != nil {
		m.Strategy = CollabPlusRanker
	}
	return m
}

// NumItems returns the number of items known to the collaborative model.
func (m *Models) NumItems() int {
	if m == nil || m.Collab == nil {
		return 0
	}
	return int(m.Collab.GetItemIndex().Count())
}

// Recommend draws a candidate pool from the collaborative model and orders it by the strategy.
// Unknown users yield a not found error.
func (m *Models) Recommend(userId string, topK, pool int) ([]Prediction, error) {
	if m == nil || m.Collab == nil {
		return nil, ErrModelUnavailable
	}
	candidates, err := m.Collab.Recommend(userId, max(pool, topK))
	if err != nil {
		return nil, errors.Trace(err)
	}
	var predictions []Prediction
	switch m.Strategy {
	case CollabPlusRanker:
		ranked, err := m.Ranker.Score(m.History, candidates)
		if err != nil {
			return nil, errors.Trace(err)
		}
		predictions = lo.Map(ranked, func(p ctr.RankedPrediction, _ int) Prediction {
			return Prediction{ItemId: p.ItemId, Score: p.RankScore}
		})
	default:
		predictions = lo.Map(candidates, func(c dataset.Candidate, _ int) Prediction {
			return Prediction{ItemId: c.ItemId, Score: c.CollabScore}
		})
	}
	if len(predictions) > topK {
		predictions = predictions[:topK]
	}
	return predictions, nil
}

// ModelHolder publishes models to concurrent readers. Models are replaced as a whole.
type ModelHolder struct {
	models atomic.Pointer[Models]
}

// Get returns the current models or nil.
func (h *ModelHolder) Get() *Models {
	return h.models.Load()
}

// Swap publishes new models and returns the previous ones.
func (h *ModelHolder) Swap(models *Models) *Models {
	return h.models.Swap(models)
}

// Ready reports whether a collaborative model is loaded.
func (h *ModelHolder) Ready() bool {
	m := h.Get()
	return m != nil && m.Collab != nil
}

// LoadModels reads models from the model directory. A missing collaborative model is an error. A
// missing or broken ranker falls back to collaborative ordering.
func (s *Server) LoadModels(ctx context.Context) (*Models, error) {
	collab, err := cf.Load(ctx, s.Collab.Store, s.Collab.Name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ranker, err := ctr.LoadRanker(ctx, s.Ranker.Store, s.Ranker.Name)
	if err != nil {
		log.Logger().Warn("ranker unavailable, serving collaborative scores",
			zap.String("location", s.Ranker.Location), zap.Error(err))
		return NewModels(collab, nil, nil), nil
	}
	var history *ctr.History
	if s.Table != nil && s.HistoryPath != "" {
		interactions, err := s.Table.ReadInteractions(ctx, s.HistoryPath)
		if err != nil {
			if !model.IsNotFoundError(err) {
				return nil, errors.Trace(err)
			}
			log.Logger().Warn("interaction history not found, ranker features start from zero",
				zap.String("path", s.HistoryPath))
		} else {
			history = ctr.NewHistory(interactions)
		}
	}
	return NewModels(collab, ranker, history), nil
}

// Reload loads models and swaps them in. Previous models keep serving if loading fails.
func (s *Server) Reload(ctx context.Context) (*Models, error) {
	models, err := s.LoadModels(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.Models.Swap(models)
	if s.cache != nil {
		s.cache.DeleteAll()
	}
	ItemCount.Set(float64(models.NumItems()))
	log.Logger().Info("models loaded",
		zap.String("strategy", models.Strategy.String()),
		zap.Int("n_items", models.NumItems()))
	return models, nil
}
