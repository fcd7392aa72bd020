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

package meta

import (
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/gorse-io/nextpick/storage"
	"github.com/juju/errors"
	"github.com/samber/lo"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
)

const (
	RunRunning  = "RUNNING"
	RunFinished = "FINISHED"
	RunFailed   = "FAILED"
)

// Run is a tracked invocation of a pipeline stage.
type Run struct {
	ID         string
	Experiment string
	Name       string
	Status     string
	StartTime  time.Time
	EndTime    time.Time
	Params     map[string]string
	Metrics    map[string]float64
	Artifacts  []string
}

// Database is the run registry.
type Database interface {
	Close() error
	Init() error
	CreateRun(run *Run) error
	LogParam(runId, key, value string) error
	LogMetric(runId, key string, value float64) error
	LogArtifact(runId, path string) error
	FinishRun(runId, status string, endTime time.Time) error
	// GetRun returns a run with its params, metrics and artifacts.
	GetRun(runId string) (*Run, error)
	// ListRuns returns runs of an experiment, latest first.
	ListRuns(experiment string) ([]*Run, error)
}

// Open a connection to a database.
func Open(path, tablePrefix string) (Database, error) {
	var err error
	if strings.HasPrefix(path, storage.SQLitePrefix) {
		dataSourceName := path[len(storage.SQLitePrefix):]
		// append parameters
		if dataSourceName, err = storage.AppendURLParams(dataSourceName, []lo.Tuple2[string, string]{
			{"_pragma", "busy_timeout(10000)"},
			{"_pragma", "journal_mode(wal)"},
		}); err != nil {
			return nil, errors.Trace(err)
		}
		// connect to database
		database := new(SQLite)
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		if database.db, err = otelsql.Open("sqlite", dataSourceName,
			otelsql.WithAttributes(semconv.DBSystemSqlite),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	}
	return nil, errors.NotValidf("tracking database %s", path)
}
