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

package cf

import (
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/gorse-io/nextpick/common/encoding"
	"github.com/gorse-io/nextpick/common/floats"
	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/common/progress"
	"github.com/gorse-io/nextpick/dataset"
	"github.com/gorse-io/nextpick/model"
	"github.com/gorse-io/nextpick/storage/blob"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// maxFactors bounds the vector length accepted when reading an artifact.
const maxFactors = 1 << 16

type Score struct {
	NDCG      float32
	Precision float32
	Recall    float32
}

func (score Score) ZapFields(k int) []zap.Field {
	return []zap.Field{
		zap.Float32(fmt.Sprintf("NDCG@%d", k), score.NDCG),
		zap.Float32(fmt.Sprintf("Precision@%d", k), score.Precision),
		zap.Float32(fmt.Sprintf("Recall@%d", k), score.Recall),
	}
}

type FitConfig struct {
	Jobs      int
	Verbose   int
	TopK      int
	EvalUsers int
}

func NewFitConfig() *FitConfig {
	return &FitConfig{
		Jobs:      1,
		Verbose:   10,
		TopK:      10,
		EvalUsers: 1000,
	}
}

func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

func (config *FitConfig) SetJobs(jobs int) *FitConfig {
	config.Jobs = jobs
	return config
}

func (config *FitConfig) SetTopK(topK int) *FitConfig {
	config.TopK = topK
	return config
}

type MatrixFactorization interface {
	model.Model
	// Fit a model on interactions. The previous state is kept if fitting fails.
	Fit(ctx context.Context, interactions []dataset.Interaction, config *FitConfig) (Score, error)
	// Predict the affinity between a user and an item.
	Predict(userId, itemId string) (float32, error)
	// Recommend top-k items for a user.
	Recommend(userId string, topK int) ([]dataset.Candidate, error)
	// GetUserIndex returns user index.
	GetUserIndex() *dataset.FreqDict
	// GetItemIndex returns item index.
	GetItemIndex() *dataset.FreqDict
	// GetUserFactor returns latent factor of a user.
	GetUserFactor(userIndex int32) []float32
	// GetItemFactor returns latent factor of an item.
	GetItemFactor(itemIndex int32) []float32
	// Marshal model into byte stream.
	Marshal(w io.Writer) error
	// Unmarshal model from byte stream.
	Unmarshal(r io.Reader) error
}

// BaseMatrixFactorization holds vocabularies and latent factors shared by ALS and BPR.
type BaseMatrixFactorization struct {
	model.BaseModel
	UserIndex       *dataset.FreqDict
	ItemIndex       *dataset.FreqDict
	UserPredictable *bitset.BitSet
	ItemPredictable *bitset.BitSet
	// Model parameters
	UserFactor [][]float32 // p_u
	ItemFactor [][]float32 // q_i
}

func (baseModel *BaseMatrixFactorization) GetUserIndex() *dataset.FreqDict {
	return baseModel.UserIndex
}

func (baseModel *BaseMatrixFactorization) GetItemIndex() *dataset.FreqDict {
	return baseModel.ItemIndex
}

// IsItemPredictable returns false if the item has no positive feedback and its vector was never trained.
func (baseModel *BaseMatrixFactorization) IsItemPredictable(itemIndex int32) bool {
	if itemIndex >= baseModel.ItemIndex.Count() || itemIndex < 0 {
		return false
	}
	return baseModel.ItemPredictable.Test(uint(itemIndex))
}

// GetUserFactor returns the latent factor of a user.
func (baseModel *BaseMatrixFactorization) GetUserFactor(userIndex int32) []float32 {
	return baseModel.UserFactor[userIndex]
}

// GetItemFactor returns the latent factor of an item.
func (baseModel *BaseMatrixFactorization) GetItemFactor(itemIndex int32) []float32 {
	return baseModel.ItemFactor[itemIndex]
}

func (baseModel *BaseMatrixFactorization) Invalid() bool {
	return baseModel == nil ||
		baseModel.UserIndex == nil ||
		baseModel.ItemIndex == nil ||
		baseModel.ItemFactor == nil ||
		baseModel.UserFactor == nil
}

func (baseModel *BaseMatrixFactorization) Predict(userId, itemId string) (float32, error) {
	if baseModel.Invalid() {
		return 0, errors.NotFoundf("model")
	}
	userIndex := baseModel.UserIndex.Id(userId)
	if userIndex < 0 {
		return 0, errors.NotFoundf("user %s", userId)
	}
	itemIndex := baseModel.ItemIndex.Id(itemId)
	if itemIndex < 0 {
		return 0, errors.NotFoundf("item %s", itemId)
	}
	return floats.Dot(baseModel.UserFactor[userIndex], baseModel.ItemFactor[itemIndex]), nil
}

// Recommend scores every known item for a user. Items are ordered by score descending and ties
// are broken by ascending item id. Items without positive feedback follow all trained items.
func (baseModel *BaseMatrixFactorization) Recommend(userId string, topK int) ([]dataset.Candidate, error) {
	if baseModel.Invalid() {
		return nil, errors.NotFoundf("model")
	}
	userIndex := baseModel.UserIndex.Id(userId)
	if userIndex < 0 {
		return nil, errors.NotFoundf("user %s", userId)
	}
	if topK <= 0 {
		return []dataset.Candidate{}, nil
	}
	itemIndices := rankItems(baseModel.UserFactor[userIndex], baseModel.ItemFactor, baseModel.ItemIndex,
		baseModel.IsItemPredictable, topK)
	candidates := make([]dataset.Candidate, len(itemIndices))
	for i, itemIndex := range itemIndices {
		itemId, _ := baseModel.ItemIndex.String(itemIndex)
		candidates[i] = dataset.Candidate{
			UserId:      userId,
			ItemId:      itemId,
			CollabScore: floats.Dot(baseModel.UserFactor[userIndex], baseModel.ItemFactor[itemIndex]),
		}
	}
	return candidates, nil
}

// rankItems returns the indices of the top-k items for a user vector. Untrained items rank last.
func rankItems(userFactor []float32, itemFactor [][]float32, itemIndex *dataset.FreqDict, trained func(int32) bool, topK int) []int32 {
	type scored struct {
		index   int32
		trained bool
		score   float32
	}
	scores := make([]scored, len(itemFactor))
	for i := range itemFactor {
		scores[i] = scored{index: int32(i), trained: trained(int32(i)), score: floats.Dot(userFactor, itemFactor[i])}
	}
	slices.SortFunc(scores, func(a, b scored) int {
		if a.trained != b.trained {
			if a.trained {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		aId, _ := itemIndex.String(a.index)
		bId, _ := itemIndex.String(b.index)
		return strings.Compare(aId, bId)
	})
	topK = min(topK, len(scores))
	indices := make([]int32, topK)
	for i := range indices {
		indices[i] = scores[i].index
	}
	return indices
}

// Marshal model into byte stream.
func (baseModel *BaseMatrixFactorization) Marshal(w io.Writer) error {
	if baseModel.Invalid() {
		return errors.New("marshal an untrained model")
	}
	// write params
	if err := encoding.WriteGob(w, baseModel.Params); err != nil {
		return errors.Trace(err)
	}
	// write number of factors
	nFactors := int32(0)
	if len(baseModel.UserFactor) > 0 {
		nFactors = int32(len(baseModel.UserFactor[0]))
	} else if len(baseModel.ItemFactor) > 0 {
		nFactors = int32(len(baseModel.ItemFactor[0]))
	}
	if err := binary.Write(w, binary.LittleEndian, nFactors); err != nil {
		return errors.Trace(err)
	}
	// write user latent factors
	if err := encoding.WriteStrings(w, baseModel.UserIndex.Strings()); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteMatrix(w, baseModel.UserFactor); err != nil {
		return errors.Trace(err)
	}
	if _, err := baseModel.UserPredictable.WriteTo(w); err != nil {
		return errors.Trace(err)
	}
	// write item latent factors
	if err := encoding.WriteStrings(w, baseModel.ItemIndex.Strings()); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteMatrix(w, baseModel.ItemFactor); err != nil {
		return errors.Trace(err)
	}
	if _, err := baseModel.ItemPredictable.WriteTo(w); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Unmarshal model from byte stream. The model is left untouched on error.
func (baseModel *BaseMatrixFactorization) Unmarshal(r io.Reader) error {
	var params model.Params
	if err := encoding.ReadGob(r, &params); err != nil {
		return errors.Trace(err)
	}
	var nFactors int32
	if err := binary.Read(r, binary.LittleEndian, &nFactors); err != nil {
		return errors.Trace(err)
	}
	if nFactors <= 0 || nFactors > maxFactors {
		return errors.NotValidf("number of factors %d", nFactors)
	}
	// read user latent factors
	userIds, err := encoding.ReadStrings(r)
	if err != nil {
		return errors.Trace(err)
	}
	userFactor := floats.NewMatrix(len(userIds), int(nFactors))
	if err = encoding.ReadMatrix(r, userFactor); err != nil {
		return errors.Trace(err)
	}
	userPredictable := new(bitset.BitSet)
	if _, err = userPredictable.ReadFrom(r); err != nil {
		return errors.Trace(err)
	}
	// read item latent factors
	itemIds, err := encoding.ReadStrings(r)
	if err != nil {
		return errors.Trace(err)
	}
	itemFactor := floats.NewMatrix(len(itemIds), int(nFactors))
	if err = encoding.ReadMatrix(r, itemFactor); err != nil {
		return errors.Trace(err)
	}
	itemPredictable := new(bitset.BitSet)
	if _, err = itemPredictable.ReadFrom(r); err != nil {
		return errors.Trace(err)
	}
	userIndex := dataset.NewFreqDictFromStrings(userIds)
	itemIndex := dataset.NewFreqDictFromStrings(itemIds)
	if int(userIndex.Count()) != len(userIds) || int(itemIndex.Count()) != len(itemIds) {
		return errors.NotValidf("duplicated ids in vocabulary")
	}
	baseModel.SetParams(params)
	baseModel.UserIndex = userIndex
	baseModel.ItemIndex = itemIndex
	baseModel.UserFactor = userFactor
	baseModel.ItemFactor = itemFactor
	baseModel.UserPredictable = userPredictable
	baseModel.ItemPredictable = itemPredictable
	return nil
}

func (baseModel *BaseMatrixFactorization) swap(state *factorState) {
	baseModel.UserIndex = state.userIndex
	baseModel.ItemIndex = state.itemIndex
	baseModel.UserFactor = state.userFactor
	baseModel.ItemFactor = state.itemFactor
	baseModel.UserPredictable = state.userPredictable
	baseModel.ItemPredictable = state.itemPredictable
}

func GetModelName(m MatrixFactorization) string {
	switch m.(type) {
	case *BPR:
		return "bpr"
	case *ALS:
		return "als"
	default:
		return reflect.TypeOf(m).String()
	}
}

// New creates a model by name.
func New(name string, params model.Params) (MatrixFactorization, error) {
	switch name {
	case "als":
		return NewALS(params), nil
	case "bpr":
		return NewBPR(params), nil
	}
	return nil, errors.NotValidf("collaborative filtering model %s", name)
}

func MarshalModel(w io.Writer, m MatrixFactorization) error {
	if err := encoding.WriteString(w, GetModelName(m)); err != nil {
		return errors.Trace(err)
	}
	if err := m.Marshal(w); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// UnmarshalModel reads a model written by MarshalModel. Malformed streams are artifact errors.
func UnmarshalModel(r io.Reader) (MatrixFactorization, error) {
	name, err := encoding.ReadString(r)
	if err != nil {
		return nil, model.NewArtifactError(err, "collaborative model")
	}
	var m MatrixFactorization
	switch name {
	case "bpr":
		m = new(BPR)
	case "als":
		m = new(ALS)
	default:
		return nil, model.NewArtifactError(errors.NotValidf("model name %q", name), "collaborative model")
	}
	if err = m.Unmarshal(r); err != nil {
		return nil, model.NewArtifactError(err, "collaborative model")
	}
	return m, nil
}

// Save writes a model to a blob store.
func Save(ctx context.Context, store blob.Store, name string, m MatrixFactorization) error {
	_, span := progress.Start(ctx, "cf.Save", 1)
	defer span.End()
	w, done, err := store.Create(name)
	if err != nil {
		return model.NewArtifactError(err, name)
	}
	if err = MarshalModel(w, m); err != nil {
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
	log.Logger().Info("save collaborative model",
		zap.String("name", name),
		zap.String("model", GetModelName(m)),
		zap.Int32("n_users", m.GetUserIndex().Count()),
		zap.Int32("n_items", m.GetItemIndex().Count()))
	return nil
}

// Load reads a model from a blob store.
func Load(ctx context.Context, store blob.Store, name string) (MatrixFactorization, error) {
	_, span := progress.Start(ctx, "cf.Load", 1)
	defer span.End()
	r, err := store.Open(name)
	if err != nil {
		return nil, model.NewArtifactError(err, name)
	}
	defer r.Close()
	m, err := UnmarshalModel(r)
	if err != nil {
		return nil, model.NewArtifactError(err, name)
	}
	span.Add(1)
	return m, nil
}
