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
	"strings"
	"sync"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/storage"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Prediction is a served recommendation.
type Prediction struct {
	UserId       string
	ItemId       string
	Score        float32
	ModelVersion string
	CreatedAt    time.Time
}

// Logger persists served predictions.
type Logger interface {
	Init() error
	Close() error
	Log(ctx context.Context, predictions []Prediction) error
	// Read returns predictions logged for a user, oldest first.
	Read(ctx context.Context, userId string) ([]Prediction, error)
}

// Open a prediction log by URL. An empty URL disables logging.
func Open(path, tablePrefix string) (Logger, error) {
	var err error
	if path == "" {
		return NoDatabase{}, nil
	} else if strings.HasPrefix(path, storage.MySQLPrefix) {
		name := path[len(storage.MySQLPrefix):]
		if name, err = storage.AppendMySQLParams(name, map[string]string{
			"parseTime": "true",
		}); err != nil {
			return nil, errors.Trace(err)
		}
		database := new(SQL)
		database.driver = MySQL
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		if database.client, err = otelsql.Open("mysql", name,
			otelsql.WithAttributes(semconv.DBSystemMySQL),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		database.gormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: database.client}), storage.NewGORMConfig(tablePrefix))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	} else if strings.HasPrefix(path, storage.PostgresPrefix) || strings.HasPrefix(path, storage.PostgreSQLPrefix) {
		database := new(SQL)
		database.driver = Postgres
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		if database.client, err = otelsql.Open("postgres", path,
			otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		database.gormDB, err = gorm.Open(postgres.New(postgres.Config{Conn: database.client}), storage.NewGORMConfig(tablePrefix))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	} else if strings.HasPrefix(path, storage.MongoPrefix) || strings.HasPrefix(path, storage.MongoSrvPrefix) {
		database := new(MongoDB)
		opts := options.Client()
		opts.Monitor = otelmongo.NewMonitor()
		opts.ApplyURI(path)
		if database.client, err = mongo.Connect(context.Background(), opts); err != nil {
			return nil, errors.Trace(err)
		}
		// parse DSN and extract database name
		cs, err := connstring.ParseAndValidate(path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		database.dbName = cs.Database
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		return database, nil
	} else if strings.HasPrefix(path, storage.SQLitePrefix) {
		if path, err = storage.AppendURLParams(path, []lo.Tuple2[string, string]{
			{"_pragma", "busy_timeout(10000)"},
			{"_pragma", "journal_mode(wal)"},
		}); err != nil {
			return nil, errors.Trace(err)
		}
		name := path[len(storage.SQLitePrefix):]
		database := new(SQL)
		database.driver = SQLite
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		if database.client, err = otelsql.Open("sqlite", name,
			otelsql.WithAttributes(semconv.DBSystemSqlite),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		database.gormDB, err = gorm.Open(sqlite.Dialector{Conn: database.client}, storage.NewGORMConfig(tablePrefix))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	}
	return nil, errors.NotValidf("prediction log %s", log.RedactDBURL(path))
}

// NoDatabase drops every prediction.
type NoDatabase struct{}

func (NoDatabase) Init() error {
	return nil
}

func (NoDatabase) Close() error {
	return nil
}

func (NoDatabase) Log(context.Context, []Prediction) error {
	return nil
}

func (NoDatabase) Read(context.Context, string) ([]Prediction, error) {
	return nil, nil
}

// Async writes predictions in background goroutines. Failures are logged and counted, never returned.
type Async struct {
	logger  Logger
	timeout time.Duration
	wg      sync.WaitGroup
	errors  atomic.Int64
	onError func(error)
}

func NewAsync(logger Logger, timeout time.Duration) *Async {
	return &Async{logger: logger, timeout: timeout}
}

// OnError registers a callback invoked after each failed write.
func (a *Async) OnError(f func(error)) {
	a.onError = f
}

// Log schedules a write and returns immediately.
func (a *Async) Log(predictions []Prediction) {
	if len(predictions) == 0 {
		return
	}
	a.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.logger.Log(ctx, predictions); err != nil {
			a.errors.Inc()
			log.Logger().Error("failed to log predictions",
				zap.String("user_id", predictions[0].UserId), zap.Error(err))
			if a.onError != nil {
				a.onError(err)
			}
		}
	})
}

// Errors returns the number of failed writes.
func (a *Async) Errors() int64 {
	return a.errors.Load()
}

// Flush waits for scheduled writes.
func (a *Async) Flush() {
	a.wg.Wait()
}

// Close flushes pending writes and closes the underlying logger.
func (a *Async) Close() error {
	a.Flush()
	return a.logger.Close()
}
