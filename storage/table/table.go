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

package table

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/dataset"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

const (
	Parquet = "parquet"
	CSV     = "csv"
)

// Table reads and writes columnar files through an in-memory DuckDB.
type Table struct {
	db *sql.DB
}

func Open() (*Table, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Trace(err)
	}
	// temporary tables live on a single connection
	db.SetMaxOpenConns(1)
	return &Table{db: db}, nil
}

func (t *Table) Close() error {
	return t.db.Close()
}

// FormatOf returns the file format implied by the extension. Parquet is the default.
func FormatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return CSV
	}
	return Parquet
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func source(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", errors.NotFoundf("file %s", path)
		}
		return "", errors.Trace(err)
	}
	if FormatOf(path) == CSV {
		return fmt.Sprintf("read_csv_auto(%s, header = true)", quote(path)), nil
	}
	return fmt.Sprintf("read_parquet(%s)", quote(path)), nil
}

// Describe returns the column names of a file.
func (t *Table) Describe(ctx context.Context, path string) ([]string, error) {
	src, err := source(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rows, err := t.db.QueryContext(ctx, "DESCRIBE SELECT * FROM "+src)
	if err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("describe %s", path))
	}
	defer rows.Close()
	var columns []string
	for rows.Next() {
		var name, typ string
		var null, key, def, extra sql.NullString
		if err = rows.Scan(&name, &typ, &null, &key, &def, &extra); err != nil {
			return nil, errors.Trace(err)
		}
		columns = append(columns, name)
	}
	return columns, errors.Trace(rows.Err())
}

// ReadInteractions reads a file matching InteractionSchema. A missing count column counts every row once.
// Present but unparseable counts and timestamps are data errors. Null timestamps are allowed.
func (t *Table) ReadInteractions(ctx context.Context, path string) ([]dataset.Interaction, error) {
	columns, err := t.Describe(ctx, path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = InteractionSchema.Validate(columns); err != nil {
		return nil, errors.Annotate(err, path)
	}
	count := `'1', CAST(1 AS FLOAT)`
	if has(columns, "count") {
		count = `CAST("count" AS VARCHAR), TRY_CAST("count" AS FLOAT)`
	}
	timestamp := `NULL::VARCHAR, NULL::TIMESTAMP`
	if has(columns, "timestamp") {
		timestamp = `CAST("timestamp" AS VARCHAR), TRY_CAST("timestamp" AS TIMESTAMP)`
	}
	src, _ := source(path)
	query := fmt.Sprintf(`SELECT CAST(user_id AS VARCHAR), CAST(item_id AS VARCHAR), %s, %s FROM %s`,
		count, timestamp, src)
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("read %s", path))
	}
	defer rows.Close()
	var interactions []dataset.Interaction
	for rows.Next() {
		var userId, itemId, rawCount, rawTimestamp sql.NullString
		var value sql.NullFloat64
		var ts sql.NullTime
		if err = rows.Scan(&userId, &itemId, &rawCount, &value, &rawTimestamp, &ts); err != nil {
			return nil, errors.Trace(err)
		}
		row := len(interactions)
		if !value.Valid {
			return nil, errors.NotValidf("%s: row %d: count %q", path, row, rawCount.String)
		}
		if rawTimestamp.Valid && !ts.Valid {
			return nil, errors.NotValidf("%s: row %d: timestamp %q", path, row, rawTimestamp.String)
		}
		interaction := dataset.Interaction{
			UserId: userId.String,
			ItemId: itemId.String,
			Count:  float32(value.Float64),
		}
		if ts.Valid {
			interaction.Timestamp = ts.Time.UTC()
		}
		interactions = append(interactions, interaction)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if err = dataset.ValidateInteractions(interactions); err != nil {
		return nil, errors.Annotate(err, path)
	}
	log.Logger().Info("read interactions", zap.String("path", path), zap.Int("n_rows", len(interactions)))
	return interactions, nil
}

// ReadCandidates reads a file matching CandidateSchema.
func (t *Table) ReadCandidates(ctx context.Context, path string) ([]dataset.Candidate, error) {
	columns, err := t.Describe(ctx, path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = CandidateSchema.Validate(columns); err != nil {
		return nil, errors.Annotate(err, path)
	}
	src, _ := source(path)
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT CAST(user_id AS VARCHAR), CAST(item_id AS VARCHAR), CAST(collab_score AS FLOAT) FROM %s`, src))
	if err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("read %s", path))
	}
	defer rows.Close()
	var candidates []dataset.Candidate
	for rows.Next() {
		var userId, itemId sql.NullString
		var score sql.NullFloat64
		if err = rows.Scan(&userId, &itemId, &score); err != nil {
			return nil, errors.Trace(err)
		}
		if !score.Valid {
			return nil, errors.NotValidf("%s: candidate %d: null collab_score", path, len(candidates))
		}
		candidates = append(candidates, dataset.Candidate{
			UserId:      userId.String,
			ItemId:      itemId.String,
			CollabScore: float32(score.Float64),
		})
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if err = dataset.ValidateCandidates(candidates); err != nil {
		return nil, errors.Annotate(err, path)
	}
	log.Logger().Info("read candidates", zap.String("path", path), zap.Int("n_rows", len(candidates)))
	return candidates, nil
}

// WriteInteractions writes interactions in the format implied by the path.
func (t *Table) WriteInteractions(ctx context.Context, path string, interactions []dataset.Interaction) error {
	return t.write(ctx, path, `user_id VARCHAR, item_id VARCHAR, "count" FLOAT, "timestamp" TIMESTAMP`,
		len(interactions), func(i int) []any {
			var ts sql.NullTime
			if !interactions[i].Timestamp.IsZero() {
				ts = sql.NullTime{Time: interactions[i].Timestamp.UTC(), Valid: true}
			}
			return []any{interactions[i].UserId, interactions[i].ItemId, interactions[i].Count, ts}
		})
}

// WriteCandidates writes candidates in the format implied by the path.
func (t *Table) WriteCandidates(ctx context.Context, path string, candidates []dataset.Candidate) error {
	return t.write(ctx, path, `user_id VARCHAR, item_id VARCHAR, collab_score FLOAT`,
		len(candidates), func(i int) []any {
			return []any{candidates[i].UserId, candidates[i].ItemId, candidates[i].CollabScore}
		})
}

func (t *Table) write(ctx context.Context, path, columns string, n int, row func(i int) []any) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return errors.Trace(err)
	}
	name := fmt.Sprintf("export_%d", time.Now().UnixNano())
	if _, err := t.db.ExecContext(ctx, fmt.Sprintf("CREATE TEMPORARY TABLE %s (%s)", name, columns)); err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if _, err := t.db.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+name); err != nil {
			log.Logger().Warn("failed to drop temporary table", zap.String("table", name), zap.Error(err))
		}
	}()
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", strings.Count(columns, ",")+1), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", name, placeholders))
	if err != nil {
		_ = tx.Rollback()
		return errors.Trace(err)
	}
	for i := 0; i < n; i++ {
		if _, err = stmt.ExecContext(ctx, row(i)...); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return errors.Trace(err)
		}
	}
	if err = stmt.Close(); err != nil {
		_ = tx.Rollback()
		return errors.Trace(err)
	}
	if err = tx.Commit(); err != nil {
		return errors.Trace(err)
	}
	options := "FORMAT PARQUET"
	if FormatOf(path) == CSV {
		options = "FORMAT CSV, HEADER"
	}
	if _, err = t.db.ExecContext(ctx, fmt.Sprintf("COPY %s TO %s (%s)", name, quote(path), options)); err != nil {
		return errors.Trace(err)
	}
	log.Logger().Info("write table", zap.String("path", path), zap.Int("n_rows", n))
	return nil
}
