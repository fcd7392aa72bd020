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
	"encoding/binary"
	"io"

	"github.com/gorse-io/nextpick/common/encoding"
	"github.com/gorse-io/nextpick/common/floats"
	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/common/progress"
	"github.com/gorse-io/nextpick/model"
	"github.com/gorse-io/nextpick/storage/blob"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

const (
	rankerName = "fm"
	maxFactors = 1 << 16
)

// Marshal writes the ranker into a byte stream.
func (r *Ranker) Marshal(w io.Writer) error {
	if err := encoding.WriteString(w, rankerName); err != nil {
		return errors.Trace(err)
	}
	if err := binary.Write(w, binary.LittleEndian, int32(SchemaVersion)); err != nil {
		return errors.Trace(err)
	}
	// write hyper-parameters
	if err := encoding.WriteGob(w, r.Hyper); err != nil {
		return errors.Trace(err)
	}
	// write feature layout and scaling
	if err := encoding.WriteStrings(w, r.Columns); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteMatrix(w, [][]float32{r.Scaler.Mean, r.Scaler.Std}); err != nil {
		return errors.Trace(err)
	}
	// write weights
	if err := binary.Write(w, binary.LittleEndian, r.B); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteMatrix(w, [][]float32{r.W}); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteMatrix(w, r.V); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// UnmarshalRanker reads a ranker written by Marshal. Malformed streams are artifact errors.
func UnmarshalRanker(r io.Reader) (*Ranker, error) {
	name, err := encoding.ReadString(r)
	if err != nil {
		return nil, model.NewArtifactError(err, "ranker")
	}
	if name != rankerName {
		return nil, model.NewArtifactError(errors.NotValidf("model name %q", name), "ranker")
	}
	var version int32
	if err = binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, model.NewArtifactError(err, "ranker")
	}
	if version != SchemaVersion {
		return nil, model.NewArtifactError(errors.NotValidf("feature schema version %d", version), "ranker")
	}
	var ranker Ranker
	if err = encoding.ReadGob(r, &ranker.Hyper); err != nil {
		return nil, model.NewArtifactError(err, "ranker")
	}
	if ranker.Hyper.NFactors <= 0 || ranker.Hyper.NFactors > maxFactors {
		return nil, model.NewArtifactError(errors.NotValidf("number of factors %d", ranker.Hyper.NFactors), "ranker")
	}
	if ranker.Columns, err = encoding.ReadStrings(r); err != nil {
		return nil, model.NewArtifactError(err, "ranker")
	}
	if err = (&Frame{Columns: ranker.Columns}).Validate(); err != nil {
		return nil, model.NewArtifactError(err, "ranker")
	}
	nColumns := len(ranker.Columns)
	scaler := floats.NewMatrix(2, nColumns)
	if err = encoding.ReadMatrix(r, scaler); err != nil {
		return nil, model.NewArtifactError(err, "ranker")
	}
	ranker.Scaler = standardizer{Mean: scaler[0], Std: scaler[1]}
	if err = binary.Read(r, binary.LittleEndian, &ranker.B); err != nil {
		return nil, model.NewArtifactError(err, "ranker")
	}
	weights := floats.NewMatrix(1, nColumns)
	if err = encoding.ReadMatrix(r, weights); err != nil {
		return nil, model.NewArtifactError(err, "ranker")
	}
	ranker.W = weights[0]
	ranker.V = floats.NewMatrix(nColumns, ranker.Hyper.NFactors)
	if err = encoding.ReadMatrix(r, ranker.V); err != nil {
		return nil, model.NewArtifactError(err, "ranker")
	}
	return &ranker, nil
}

// Save writes the ranker to a blob store.
func (r *Ranker) Save(ctx context.Context, store blob.Store, name string) error {
	_, span := progress.Start(ctx, "ctr.Save", 1)
	defer span.End()
	w, done, err := store.Create(name)
	if err != nil {
		return model.NewArtifactError(err, name)
	}
	if err = r.Marshal(w); err != nil {
		_ = w.Close()
		<-done
		return model.NewArtifactError(err, name)
	}
	if err = w.Close(); err != nil {
		<-done
		return model.NewArtifactError(err, name)
	}
	<-done
	span.Add(1)
	log.Logger().Info("save ranker", zap.String("name", name), zap.Any("params", r.Hyper))
	return nil
}

// LoadRanker reads a ranker from a blob store.
func LoadRanker(ctx context.Context, store blob.Store, name string) (*Ranker, error) {
	_, span := progress.Start(ctx, "ctr.Load", 1)
	defer span.End()
	reader, err := store.Open(name)
	if err != nil {
		return nil, model.NewArtifactError(err, name)
	}
	defer reader.Close()
	r, err := UnmarshalRanker(reader)
	if err != nil {
		return nil, model.NewArtifactError(err, name)
	}
	span.Add(1)
	return r, nil
}
