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
	"database/sql"
	"fmt"
	"time"

	"github.com/gorse-io/nextpick/storage"
	"github.com/juju/errors"
	_ "modernc.org/sqlite"
)

type SQLite struct {
	storage.TablePrefix
	db *sql.DB
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Init() error {
	// Create tables
	if _, err := s.db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	uuid TEXT PRIMARY KEY,
	experiment TEXT,
	name TEXT,
	status TEXT,
	start_time DATETIME,
	end_time DATETIME
);`, s.RunsTable())); err != nil {
		return errors.Trace(err)
	}
	if _, err := s.db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT,
	key TEXT,
	value TEXT,
	PRIMARY KEY (run_id, key)
);`, s.ParamsTable())); err != nil {
		return errors.Trace(err)
	}
	if _, err := s.db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT,
	key TEXT,
	value REAL,
	PRIMARY KEY (run_id, key)
);`, s.MetricsTable())); err != nil {
		return errors.Trace(err)
	}
	if _, err := s.db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT,
	path TEXT,
	PRIMARY KEY (run_id, path)
);`, s.ArtifactsTable())); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (s *SQLite) CreateRun(run *Run) error {
	_, err := s.db.Exec(fmt.Sprintf(`
INSERT INTO %s (uuid, experiment, name, status, start_time) VALUES (?, ?, ?, ?, ?)
`, s.RunsTable()), run.ID, run.Experiment, run.Name, run.Status, run.StartTime.UTC())
	return errors.Trace(err)
}

func (s *SQLite) LogParam(runId, key, value string) error {
	_, err := s.db.Exec(fmt.Sprintf(`
INSERT INTO %s (run_id, key, value) VALUES (?, ?, ?)
ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value
`, s.ParamsTable()), runId, key, value)
	return errors.Trace(err)
}

func (s *SQLite) LogMetric(runId, key string, value float64) error {
	_, err := s.db.Exec(fmt.Sprintf(`
INSERT INTO %s (run_id, key, value) VALUES (?, ?, ?)
ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value
`, s.MetricsTable()), runId, key, value)
	return errors.Trace(err)
}

func (s *SQLite) LogArtifact(runId, path string) error {
	_, err := s.db.Exec(fmt.Sprintf(`
INSERT INTO %s (run_id, path) VALUES (?, ?) ON CONFLICT DO NOTHING
`, s.ArtifactsTable()), runId, path)
	return errors.Trace(err)
}

func (s *SQLite) FinishRun(runId, status string, endTime time.Time) error {
	result, err := s.db.Exec(fmt.Sprintf(`
UPDATE %s SET status = ?, end_time = ? WHERE uuid = ?
`, s.RunsTable()), status, endTime.UTC(), runId)
	if err != nil {
		return errors.Trace(err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return errors.Trace(err)
	} else if n == 0 {
		return errors.NotFoundf("run %s", runId)
	}
	return nil
}

func (s *SQLite) GetRun(runId string) (*Run, error) {
	rs, err := s.db.Query(fmt.Sprintf(`
SELECT uuid, experiment, name, status, start_time, end_time FROM %s WHERE uuid = ?
`, s.RunsTable()), runId)
	if err != nil {
		return nil, errors.Trace(err)
	}
	runs, err := scanRuns(rs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(runs) == 0 {
		return nil, errors.NotFoundf("run %s", runId)
	}
	run := runs[0]
	if err = s.fill(run); err != nil {
		return nil, errors.Trace(err)
	}
	return run, nil
}

func (s *SQLite) ListRuns(experiment string) ([]*Run, error) {
	rs, err := s.db.Query(fmt.Sprintf(`
SELECT uuid, experiment, name, status, start_time, end_time FROM %s WHERE experiment = ?
ORDER BY start_time DESC, rowid DESC
`, s.RunsTable()), experiment)
	if err != nil {
		return nil, errors.Trace(err)
	}
	runs, err := scanRuns(rs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, run := range runs {
		if err = s.fill(run); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return runs, nil
}

func scanRuns(rs *sql.Rows) ([]*Run, error) {
	defer rs.Close()
	var runs []*Run
	for rs.Next() {
		var run Run
		var endTime sql.NullTime
		if err := rs.Scan(&run.ID, &run.Experiment, &run.Name, &run.Status, &run.StartTime, &endTime); err != nil {
			return nil, errors.Trace(err)
		}
		run.StartTime = run.StartTime.UTC()
		if endTime.Valid {
			run.EndTime = endTime.Time.UTC()
		}
		runs = append(runs, &run)
	}
	return runs, errors.Trace(rs.Err())
}

// fill loads params, metrics and artifacts of a run.
func (s *SQLite) fill(run *Run) error {
	run.Params = make(map[string]string)
	run.Metrics = make(map[string]float64)
	rs, err := s.db.Query(fmt.Sprintf(`SELECT key, value FROM %s WHERE run_id = ?`, s.ParamsTable()), run.ID)
	if err != nil {
		return errors.Trace(err)
	}
	for rs.Next() {
		var key, value string
		if err = rs.Scan(&key, &value); err != nil {
			rs.Close()
			return errors.Trace(err)
		}
		run.Params[key] = value
	}
	rs.Close()
	rs, err = s.db.Query(fmt.Sprintf(`SELECT key, value FROM %s WHERE run_id = ?`, s.MetricsTable()), run.ID)
	if err != nil {
		return errors.Trace(err)
	}
	for rs.Next() {
		var key string
		var value float64
		if err = rs.Scan(&key, &value); err != nil {
			rs.Close()
			return errors.Trace(err)
		}
		run.Metrics[key] = value
	}
	rs.Close()
	rs, err = s.db.Query(fmt.Sprintf(`SELECT path FROM %s WHERE run_id = ? ORDER BY path`, s.ArtifactsTable()), run.ID)
	if err != nil {
		return errors.Trace(err)
	}
	defer rs.Close()
	for rs.Next() {
		var path string
		if err = rs.Scan(&path); err != nil {
			return errors.Trace(err)
		}
		run.Artifacts = append(run.Artifacts, path)
	}
	return errors.Trace(rs.Err())
}
