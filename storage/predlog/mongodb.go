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

package predlog

import (
	"context"
	"time"

	"github.com/gorse-io/nextpick/storage"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB logs predictions to a collection.
type MongoDB struct {
	storage.TablePrefix
	client *mongo.Client
	dbName string
}

func (m *MongoDB) Init() error {
	ctx := context.Background()
	d := m.client.Database(m.dbName)
	// list collections
	collections, err := d.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return errors.Trace(err)
	}
	hasPredictions := false
	for _, name := range collections {
		if name == m.PredictionsTable() {
			hasPredictions = true
		}
	}
	if !hasPredictions {
		if err = d.CreateCollection(ctx, m.PredictionsTable()); err != nil {
			return errors.Trace(err)
		}
	}
	// create index
	_, err = d.Collection(m.PredictionsTable()).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{"user_id", 1}, {"created_at", 1}},
	})
	return errors.Trace(err)
}

func (m *MongoDB) Close() error {
	return m.client.Disconnect(context.Background())
}

func (m *MongoDB) Log(ctx context.Context, predictions []Prediction) error {
	if len(predictions) == 0 {
		return nil
	}
	docs := make([]any, len(predictions))
	for i, p := range predictions {
		docs[i] = bson.M{
			"user_id":       p.UserId,
			"item_id":       p.ItemId,
			"score":         p.Score,
			"model_version": p.ModelVersion,
			"created_at":    p.CreatedAt.UTC(),
		}
	}
	c := m.client.Database(m.dbName).Collection(m.PredictionsTable())
	_, err := c.InsertMany(ctx, docs)
	return errors.Trace(err)
}

func (m *MongoDB) Read(ctx context.Context, userId string) ([]Prediction, error) {
	c := m.client.Database(m.dbName).Collection(m.PredictionsTable())
	opt := options.Find()
	opt.SetSort(bson.D{{"created_at", 1}, {"_id", 1}})
	r, err := c.Find(ctx, bson.M{"user_id": bson.M{"$eq": userId}}, opt)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer r.Close(ctx)
	var predictions []Prediction
	for r.Next(ctx) {
		var doc struct {
			UserId       string    `bson:"user_id"`
			ItemId       string    `bson:"item_id"`
			Score        float64   `bson:"score"`
			ModelVersion string    `bson:"model_version"`
			CreatedAt    time.Time `bson:"created_at"`
		}
		if err = r.Decode(&doc); err != nil {
			return nil, errors.Trace(err)
		}
		predictions = append(predictions, Prediction{
			UserId:       doc.UserId,
			ItemId:       doc.ItemId,
			Score:        float32(doc.Score),
			ModelVersion: doc.ModelVersion,
			CreatedAt:    doc.CreatedAt.UTC(),
		})
	}
	return predictions, errors.Trace(r.Err())
}
