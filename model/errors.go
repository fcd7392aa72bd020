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

package model

import (
	"github.com/juju/errors"
)

// ErrArtifact marks a missing or corrupt persisted model.
const ErrArtifact = errors.ConstError("artifact error")

// NewArtifactError annotates err and tags it as an artifact error.
func NewArtifactError(err error, name string) error {
	if err == nil {
		return nil
	}
	return errors.WithType(errors.Annotatef(err, "artifact %s", name), ErrArtifact)
}

// IsArtifactError returns true if err is caused by a missing or corrupt artifact.
func IsArtifactError(err error) bool {
	return errors.Is(err, ErrArtifact)
}

// IsDataError returns true if err is caused by malformed, empty or incomplete input.
func IsDataError(err error) bool {
	return errors.Is(err, errors.NotValid)
}

// IsNotFoundError returns true if err is caused by an id outside a trained vocabulary.
func IsNotFoundError(err error) bool {
	return errors.Is(err, errors.NotFound)
}
