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

package progress

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestTracer(t *testing.T) {
	tracer := NewTracer("nextpick")
	ctx, span := tracer.Start(context.Background(), "train", 2)
	_, child := Start(ctx, "ALS.Fit", 10)
	child.Add(3)
	assert.Equal(t, 3, child.Count())
	child.End()
	span.Add(1)
	_, failed := Start(ctx, "candidates", 5)
	failed.Fail(errors.New("boom"))
	span.End()

	progress := tracer.List()
	assert.Len(t, progress, 3)
	byName := make(map[string]Progress)
	for _, p := range progress {
		byName[p.Name] = p
	}
	assert.Equal(t, StatusComplete, byName["train"].Status)
	assert.Equal(t, 2, byName["train"].Count)
	assert.Equal(t, 10, byName["ALS.Fit"].Count)
	assert.Equal(t, StatusFailed, byName["candidates"].Status)
	assert.Equal(t, "boom", byName["candidates"].Error)
}

func TestStartDetached(t *testing.T) {
	ctx, span := Start(context.Background(), "detached", 1)
	assert.NotNil(t, ctx)
	span.End()
	assert.Equal(t, 1, span.Count())
}
