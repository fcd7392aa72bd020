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
	"time"

	"github.com/chewxy/math32"
	"github.com/gorse-io/nextpick/dataset"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

// SchemaVersion is the version of the feature column layout.
const SchemaVersion = 1

// FeatureColumns is the fixed column order of feature rows.
var FeatureColumns = []string{
	"collab_score",
	"user_count",
	"user_distinct_items",
	"item_count",
	"item_distinct_users",
	"user_item_count",
	"user_recency_days",
	"item_recency_days",
}

// Frame is a table of feature rows, one per candidate.
type Frame struct {
	Columns []string
	Rows    [][]float32
	Labels  []float32
	Users   []string
	Items   []string
}

func (frame *Frame) Count() int {
	return len(frame.Rows)
}

func (frame *Frame) CountPositive() int {
	return lo.Count(frame.Labels, 1)
}

func (frame *Frame) CountNegative() int {
	return frame.Count() - frame.CountPositive()
}

// Validate checks that the frame matches the feature layout.
func (frame *Frame) Validate() error {
	if len(frame.Columns) != len(FeatureColumns) {
		return errors.NotValidf("frame with %d columns, expect %d", len(frame.Columns), len(FeatureColumns))
	}
	for i, column := range frame.Columns {
		if column != FeatureColumns[i] {
			return errors.NotValidf("column %d is %s, expect %s", i, column, FeatureColumns[i])
		}
	}
	if len(frame.Labels) != len(frame.Rows) || len(frame.Users) != len(frame.Rows) || len(frame.Items) != len(frame.Rows) {
		return errors.NotValidf("frame with %d rows, %d labels, %d users and %d items",
			len(frame.Rows), len(frame.Labels), len(frame.Users), len(frame.Items))
	}
	for i, row := range frame.Rows {
		if len(row) != len(frame.Columns) {
			return errors.NotValidf("row %d with %d values", i, len(row))
		}
	}
	return nil
}

// History aggregates past interactions per user, per item and per pair.
type History struct {
	userCount    map[string]float32
	userItems    map[string]int
	userLatest   map[string]time.Time
	itemCount    map[string]float32
	itemUsers    map[string]int
	itemLatest   map[string]time.Time
	pairCount    map[lo.Tuple2[string, string]]float32
	reference    time.Time
	interactions int
}

// NewHistory aggregates interactions. The reference time is the latest timestamp in history.
func NewHistory(interactions []dataset.Interaction) *History {
	h := &History{
		userCount:  make(map[string]float32),
		userItems:  make(map[string]int),
		userLatest: make(map[string]time.Time),
		itemCount:  make(map[string]float32),
		itemUsers:  make(map[string]int),
		itemLatest: make(map[string]time.Time),
		pairCount:  make(map[lo.Tuple2[string, string]]float32),
	}
	for _, interaction := range interactions {
		pair := lo.T2(interaction.UserId, interaction.ItemId)
		if _, exist := h.pairCount[pair]; !exist {
			h.userItems[interaction.UserId]++
			h.itemUsers[interaction.ItemId]++
		}
		h.pairCount[pair] += interaction.Count
		h.userCount[interaction.UserId] += interaction.Count
		h.itemCount[interaction.ItemId] += interaction.Count
		if ts := interaction.Timestamp; !ts.IsZero() {
			if ts.After(h.userLatest[interaction.UserId]) {
				h.userLatest[interaction.UserId] = ts
			}
			if ts.After(h.itemLatest[interaction.ItemId]) {
				h.itemLatest[interaction.ItemId] = ts
			}
			if ts.After(h.reference) {
				h.reference = ts
			}
		}
		h.interactions++
	}
	return h
}

// Count returns the number of aggregated interactions.
func (h *History) Count() int {
	return h.interactions
}

func (h *History) recencyDays(latest time.Time) float32 {
	if latest.IsZero() || h.reference.IsZero() {
		return 0
	}
	return float32(h.reference.Sub(latest).Hours() / 24)
}

// Features returns the feature row of a candidate.
func (h *History) Features(candidate dataset.Candidate) []float32 {
	return []float32{
		candidate.CollabScore,
		h.userCount[candidate.UserId],
		float32(h.userItems[candidate.UserId]),
		h.itemCount[candidate.ItemId],
		float32(h.itemUsers[candidate.ItemId]),
		h.pairCount[lo.T2(candidate.UserId, candidate.ItemId)],
		h.recencyDays(h.userLatest[candidate.UserId]),
		h.recencyDays(h.itemLatest[candidate.ItemId]),
	}
}

// BuildFeatures builds one labeled row per candidate in candidate order. A row is positive iff
// the item is in the user's truth set. A nil truth labels every row negative.
func BuildFeatures(history *History, candidates []dataset.Candidate, truth dataset.Truth) (*Frame, error) {
	if err := dataset.ValidateCandidates(candidates); err != nil {
		return nil, errors.Trace(err)
	}
	if history == nil {
		history = NewHistory(nil)
	}
	frame := &Frame{
		Columns: FeatureColumns,
		Rows:    make([][]float32, len(candidates)),
		Labels:  make([]float32, len(candidates)),
		Users:   make([]string, len(candidates)),
		Items:   make([]string, len(candidates)),
	}
	for i, candidate := range candidates {
		frame.Rows[i] = history.Features(candidate)
		if truth.Contains(candidate.UserId, candidate.ItemId) {
			frame.Labels[i] = 1
		}
		frame.Users[i] = candidate.UserId
		frame.Items[i] = candidate.ItemId
	}
	return frame, nil
}

// standardizer rescales columns to zero mean and unit variance.
type standardizer struct {
	Mean []float32
	Std  []float32
}

func fitStandardizer(rows [][]float32, nColumns int) standardizer {
	s := standardizer{
		Mean: make([]float32, nColumns),
		Std:  make([]float32, nColumns),
	}
	if len(rows) == 0 {
		for j := range s.Std {
			s.Std[j] = 1
		}
		return s
	}
	n := float32(len(rows))
	for _, row := range rows {
		for j, v := range row {
			s.Mean[j] += v
		}
	}
	for j := range s.Mean {
		s.Mean[j] /= n
	}
	for _, row := range rows {
		for j, v := range row {
			d := v - s.Mean[j]
			s.Std[j] += d * d
		}
	}
	for j := range s.Std {
		s.Std[j] = math32.Sqrt(s.Std[j] / n)
		if s.Std[j] == 0 || math32.IsNaN(s.Std[j]) {
			s.Std[j] = 1
		}
	}
	return s
}

func (s standardizer) transform(row []float32, dst []float32) {
	for j, v := range row {
		dst[j] = (v - s.Mean[j]) / s.Std[j]
	}
}
