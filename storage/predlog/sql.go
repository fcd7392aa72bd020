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
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/gorse-io/nextpick/storage"
	"github.com/juju/errors"
	_ "github.com/lib/pq"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

type SQLDriver int

const (
	MySQL SQLDriver = iota
	Postgres
	SQLite
)

// SQLPrediction is the row layout of the predictions table.
type SQLPrediction struct {
	ID           uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	UserId       string    `gorm:"column:user_id;type:varchar(256);not null;index"`
	ItemId       string    `gorm:"column:item_id;type:varchar(256);not null"`
	Score        float32   `gorm:"column:score;not null"`
	ModelVersion string    `gorm:"column:model_version;type:varchar(64);not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

// SQL logs predictions to MySQL, Postgres or SQLite.
type SQL struct {
	storage.TablePrefix
	driver SQLDriver
	client *sql.DB
	gormDB *gorm.DB
}

func (d *SQL) Init() error {
	db := d.gormDB
	if d.driver == MySQL {
		db = db.Set("gorm:table_options", "ENGINE=InnoDB")
	}
	if err := db.Table(d.PredictionsTable()).AutoMigrate(&SQLPrediction{}); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (d *SQL) Close() error {
	return d.client.Close()
}

func (d *SQL) Log(ctx context.Context, predictions []Prediction) error {
	if len(predictions) == 0 {
		return nil
	}
	rows := make([]SQLPrediction, len(predictions))
	for i, p := range predictions {
		rows[i] = SQLPrediction{
			UserId:       p.UserId,
			ItemId:       p.ItemId,
			Score:        p.Score,
			ModelVersion: p.ModelVersion,
			CreatedAt:    p.CreatedAt.UTC(),
		}
	}
	if err := d.gormDB.WithContext(ctx).Table(d.PredictionsTable()).Create(&rows).Error; err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (d *SQL) Read(ctx context.Context, userId string) ([]Prediction, error) {
	var rows []SQLPrediction
	if err := d.gormDB.WithContext(ctx).Table(d.PredictionsTable()).
		Where("user_id = ?", userId).
		Order("created_at, id").
		Find(&rows).Error; err != nil {
		return nil, errors.Trace(err)
	}
	predictions := make([]Prediction, len(rows))
	for i, row := range rows {
		predictions[i] = Prediction{
			UserId:       row.UserId,
			ItemId:       row.ItemId,
			Score:        row.Score,
			ModelVersion: row.ModelVersion,
			CreatedAt:    row.CreatedAt.UTC(),
		}
	}
	return predictions, nil
}
