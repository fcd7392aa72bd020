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

package dataset

import (
	"sort"
	"time"

	"github.com/chewxy/math32"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

// Interaction is an implicit feedback record. Timestamp is zero when unknown.
type Interaction struct {
	UserId    string
	ItemId    string
	Count     float32
	Timestamp time.Time
}

// Candidate is an item proposed to a user by the collaborative model.
type Candidate struct {
	UserId      string
	ItemId      string
	CollabScore float32
}

// ValidateInteractions returns a NotValid error for empty input or malformed rows.
func ValidateInteractions(interactions []Interaction) error {
	if len(interactions) == 0 {
		return errors.NotValidf("empty interactions")
	}
	for i, interaction := range interactions {
		if interaction.UserId == "" {
			return errors.NotValidf("interaction %d: empty user_id", i)
		}
		if interaction.ItemId == "" {
			return errors.NotValidf("interaction %d: empty item_id", i)
		}
		if interaction.Count < 0 || math32.IsNaN(interaction.Count) || math32.IsInf(interaction.Count, 0) {
			return errors.NotValidf("interaction %d: count %v", i, interaction.Count)
		}
	}
	return nil
}

// ValidateCandidates returns a NotValid error for empty input or malformed rows.
func ValidateCandidates(candidates []Candidate) error {
	if len(candidates) == 0 {
		return errors.NotValidf("empty candidates")
	}
	for i, candidate := range candidates {
		if candidate.UserId == "" {
			return errors.NotValidf("candidate %d: empty user_id", i)
		}
		if candidate.ItemId == "" {
			return errors.NotValidf("candidate %d: empty item_id", i)
		}
		if math32.IsNaN(candidate.CollabScore) || math32.IsInf(candidate.CollabScore, 0) {
			return errors.NotValidf("candidate %d: collab_score %v", i, candidate.CollabScore)
		}
	}
	return nil
}

// Dataset is the sparse user-item matrix built from interactions. Duplicated pairs are
// merged and their counts accumulated.
type Dataset struct {
	userDict     *FreqDict
	itemDict     *FreqDict
	userFeedback [][]int32
	userCounts   [][]float32
}

// NewDataset indexes users and items in first-seen order.
func NewDataset(interactions []Interaction) (*Dataset, error) {
	if err := ValidateInteractions(interactions); err != nil {
		return nil, errors.Trace(err)
	}
	d := &Dataset{
		userDict: NewFreqDict(),
		itemDict: NewFreqDict(),
	}
	type pair struct {
		user, item int32
	}
	positions := make(map[pair]int)
	for _, interaction := range interactions {
		userIndex := d.userDict.Add(interaction.UserId)
		itemIndex := d.itemDict.Add(interaction.ItemId)
		if int(userIndex) == len(d.userFeedback) {
			d.userFeedback = append(d.userFeedback, nil)
			d.userCounts = append(d.userCounts, nil)
		}
		key := pair{userIndex, itemIndex}
		if pos, exist := positions[key]; exist {
			d.userCounts[userIndex][pos] += interaction.Count
			continue
		}
		positions[key] = len(d.userFeedback[userIndex])
		d.userFeedback[userIndex] = append(d.userFeedback[userIndex], itemIndex)
		d.userCounts[userIndex] = append(d.userCounts[userIndex], interaction.Count)
	}
	return d, nil
}

func (d *Dataset) CountUsers() int {
	return len(d.userFeedback)
}

func (d *Dataset) CountItems() int {
	return int(d.itemDict.Count())
}

func (d *Dataset) GetUserDict() *FreqDict {
	return d.userDict
}

func (d *Dataset) GetItemDict() *FreqDict {
	return d.itemDict
}

// GetUserFeedback returns item indices per user.
func (d *Dataset) GetUserFeedback() [][]int32 {
	return d.userFeedback
}

// GetUserCounts returns accumulated counts aligned with GetUserFeedback.
func (d *Dataset) GetUserCounts() [][]float32 {
	return d.userCounts
}

// Truth holds the items each user interacted with in a held-out period.
type Truth map[string]mapset.Set[string]

// NewTruth collects distinct items per user.
func NewTruth(interactions []Interaction) Truth {
	truth := make(Truth)
	for _, interaction := range interactions {
		items, exist := truth[interaction.UserId]
		if !exist {
			items = mapset.NewThreadUnsafeSet[string]()
			truth[interaction.UserId] = items
		}
		items.Add(interaction.ItemId)
	}
	return truth
}

// Contains returns true if item is in the truth set of user.
func (t Truth) Contains(userId, itemId string) bool {
	items, exist := t[userId]
	return exist && items.Contains(itemId)
}

// Items returns the sorted truth items of a user. Unknown users have no items.
func (t Truth) Items(userId string) []string {
	items, exist := t[userId]
	if !exist {
		return nil
	}
	ret := items.ToSlice()
	sort.Strings(ret)
	return ret
}

// Users returns users in ascending order.
func (t Truth) Users() []string {
	users := lo.Keys(t)
	sort.Strings(users)
	return users
}

// SplitLatest holds out the most recent interactions of each user. For every user with at least
// two distinct items, the latest ceil(ratio*n) distinct items (at most n-1) move to the future
// part together with all of their rows. Items are ordered by their latest timestamp and then by
// first appearance, so rows without timestamps keep input order.
func SplitLatest(interactions []Interaction, ratio float32) (history, future []Interaction) {
	type itemStat struct {
		itemId    string
		latest    time.Time
		firstSeen int
	}
	userItems := make(map[string][]*itemStat)
	index := make(map[string]map[string]*itemStat)
	for i, interaction := range interactions {
		items, exist := index[interaction.UserId]
		if !exist {
			items = make(map[string]*itemStat)
			index[interaction.UserId] = items
		}
		stat, exist := items[interaction.ItemId]
		if !exist {
			stat = &itemStat{itemId: interaction.ItemId, latest: interaction.Timestamp, firstSeen: i}
			items[interaction.ItemId] = stat
			userItems[interaction.UserId] = append(userItems[interaction.UserId], stat)
		} else if interaction.Timestamp.After(stat.latest) {
			stat.latest = interaction.Timestamp
		}
	}
	heldOut := make(map[string]mapset.Set[string])
	for userId, items := range userItems {
		n := len(items)
		if n < 2 || ratio <= 0 {
			continue
		}
		sort.Slice(items, func(i, j int) bool {
			if !items[i].latest.Equal(items[j].latest) {
				return items[i].latest.Before(items[j].latest)
			}
			return items[i].firstSeen < items[j].firstSeen
		})
		k := min(int(math32.Ceil(ratio*float32(n))), n-1)
		set := mapset.NewThreadUnsafeSet[string]()
		for _, stat := range items[n-k:] {
			set.Add(stat.itemId)
		}
		heldOut[userId] = set
	}
	for _, interaction := range interactions {
		if set, exist := heldOut[interaction.UserId]; exist && set.Contains(interaction.ItemId) {
			future = append(future, interaction)
		} else {
			history = append(history, interaction)
		}
	}
	return
}
