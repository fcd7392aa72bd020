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
	"os"
	"path/filepath"

	"github.com/gorse-io/nextpick/config"
	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/storage/blob"
	"github.com/gorse-io/nextpick/storage/table"
	"github.com/gorse-io/nextpick/tracking"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

const (
	InteractionsFile = "interactions"
	EventsFile       = "events"
	CandidatesFile   = "candidates"
)

// Artifact locates a persisted model.
type Artifact struct {
	Store blob.Store
	Name  string
	// Location is the printable path of the artifact.
	Location string
}

// NewArtifact opens the blob store of a model directory.
func NewArtifact(dir, name string, cfg *config.Config) (Artifact, error) {
	store, err := blob.Open(dir, cfg)
	if err != nil {
		return Artifact{}, errors.Trace(err)
	}
	return Artifact{Store: store, Name: name, Location: dir + "/" + name}, nil
}

// Pipeline runs the batch jobs over a data directory.
type Pipeline struct {
	Config   *config.Config
	Table    *table.Table
	Tracker  *tracking.Tracker
	Collab   Artifact
	Ranker   Artifact
	Progress bool
}

// Data holds the inputs shared by stages. History and Future never share a row.
type Data struct {
	History []dataset.Interaction
	Future  []dataset.Interaction
	Truth   dataset.Truth
}

// Path returns the path of a data file in the configured format.
func (p *Pipeline) Path(name string) string {
	return filepath.Join(p.Config.Data.Dir, name+"."+p.Config.Data.Format)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadData reads interactions and the held-out events. Without an events file the latest
// interactions of each user are held out.
func (p *Pipeline) LoadData(ctx context.Context) (*Data, error) {
	interactions, err := p.Table.ReadInteractions(ctx, p.Path(InteractionsFile))
	if err != nil {
		return nil, errors.Trace(err)
	}
	data := new(Data)
	if eventsPath := p.Path(EventsFile); exists(eventsPath) {
		if data.Future, err = p.Table.ReadInteractions(ctx, eventsPath); err != nil {
			return nil, errors.Trace(err)
		}
		data.History = exclude(interactions, data.Future)
	} else {
		data.History, data.Future = dataset.SplitLatest(interactions, p.Config.Data.HoldoutRatio)
	}
	if len(data.History) == 0 {
		return nil, errors.NotValidf("empty history")
	}
	data.Truth = dataset.NewTruth(data.Future)
	return data, nil
}

// exclude removes rows of interactions that also appear in events.
func exclude(interactions, events []dataset.Interaction) []dataset.Interaction {
	type key struct {
		userId, itemId string
		timestamp      int64
	}
	toKey := func(interaction dataset.Interaction) key {
		var ts int64
		if !interaction.Timestamp.IsZero() {
			ts = interaction.Timestamp.UnixNano()
		}
		return key{interaction.UserId, interaction.ItemId, ts}
	}
	seen := lo.SliceToMap(events, func(event dataset.Interaction) (key, struct{}) {
		return toKey(event), struct{}{}
	})
	return lo.Filter(interactions, func(interaction dataset.Interaction, _ int) bool {
		_, ok := seen[toKey(interaction)]
		return !ok
	})
}
