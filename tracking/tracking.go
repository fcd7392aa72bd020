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

package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/model"
	"github.com/gorse-io/nextpick/storage/meta"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Tracker records runs of an experiment. Backend failures are logged and never fail a run.
type Tracker struct {
	db         meta.Database
	experiment string
}

// Open a tracker. An empty URL disables tracking.
func Open(url, experiment string) (*Tracker, error) {
	tracker := &Tracker{experiment: experiment}
	if url == "" {
		return tracker, nil
	}
	db, err := meta.Open(url, "")
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = db.Init(); err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	tracker.db = db
	return tracker, nil
}

func (t *Tracker) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}

func (t *Tracker) Experiment() string {
	return t.experiment
}

// Runs lists recorded runs, latest first.
func (t *Tracker) Runs() ([]*meta.Run, error) {
	if t.db == nil {
		return nil, nil
	}
	runs, err := t.db.ListRuns(t.experiment)
	return runs, errors.Trace(err)
}

// Run executes f inside a named run. The run is marked finished or failed by the result of f.
func (t *Tracker) Run(ctx context.Context, name string, f func(*Run) error) error {
	if t == nil {
		return f(&Run{id: uuid.NewString(), name: name})
	}
	run := &Run{
		tracker: t,
		id:      uuid.NewString(),
		name:    name,
	}
	if t.db != nil {
		if err := t.db.CreateRun(&meta.Run{
			ID:         run.id,
			Experiment: t.experiment,
			Name:       name,
			Status:     meta.RunRunning,
			StartTime:  time.Now(),
		}); err != nil {
			log.Logger().Warn("failed to create run", zap.String("name", name), zap.Error(err))
			run.tracker = nil
		}
	}
	log.Logger().Info("start run", zap.String("experiment", t.experiment), zap.String("name", name), zap.String("run_id", run.id))
	err := f(run)
	if ctx.Err() != nil && err == nil {
		err = ctx.Err()
	}
	status := meta.RunFinished
	if err != nil {
		status = meta.RunFailed
	}
	if run.tracker != nil && t.db != nil {
		if finishErr := t.db.FinishRun(run.id, status, time.Now()); finishErr != nil {
			log.Logger().Warn("failed to finish run", zap.String("run_id", run.id), zap.Error(finishErr))
		}
	}
	log.Logger().Info("finish run", zap.String("name", name), zap.String("run_id", run.id), zap.String("status", status))
	return err
}

// Run is the handle passed to a tracked function.
type Run struct {
	tracker *Tracker
	id      string
	name    string
}

func (r *Run) ID() string {
	return r.id
}

func (r *Run) enabled() bool {
	return r.tracker != nil && r.tracker.db != nil
}

func (r *Run) LogParam(key string, value any) {
	if !r.enabled() {
		return
	}
	if err := r.tracker.db.LogParam(r.id, key, fmt.Sprint(value)); err != nil {
		log.Logger().Warn("failed to log param", zap.String("run_id", r.id), zap.String("key", key), zap.Error(err))
	}
}

// LogParams logs hyper-parameters by name.
func (r *Run) LogParams(params model.Params) {
	for name, value := range params {
		r.LogParam(string(name), value)
	}
}

func (r *Run) LogMetric(key string, value float64) {
	if !r.enabled() {
		return
	}
	if err := r.tracker.db.LogMetric(r.id, key, value); err != nil {
		log.Logger().Warn("failed to log metric", zap.String("run_id", r.id), zap.String("key", key), zap.Error(err))
	}
}

func (r *Run) LogArtifact(path string) {
	if !r.enabled() {
		return
	}
	if err := r.tracker.db.LogArtifact(r.id, path); err != nil {
		log.Logger().Warn("failed to log artifact", zap.String("run_id", r.id), zap.String("path", path), zap.Error(err))
	}
}
