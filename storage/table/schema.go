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
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/samber/lo"
)

// Column of a table schema.
type Column struct {
	Name     string
	Required bool
}

// Schema is a versioned column contract checked at every stage boundary.
type Schema struct {
	Name    string
	Version int
	Columns []Column
}

var (
	InteractionSchema = Schema{
		Name:    "interactions",
		Version: 1,
		Columns: []Column{
			{Name: "user_id", Required: true},
			{Name: "item_id", Required: true},
			{Name: "count"},
			{Name: "timestamp"},
		},
	}
	CandidateSchema = Schema{
		Name:    "candidates",
		Version: 1,
		Columns: []Column{
			{Name: "user_id", Required: true},
			{Name: "item_id", Required: true},
			{Name: "collab_score", Required: true},
		},
	}
)

func (schema Schema) String() string {
	return fmt.Sprintf("%s v%d", schema.Name, schema.Version)
}

// Validate checks described columns against the schema. Extra columns are ignored.
func (schema Schema) Validate(columns []string) error {
	present := lo.SliceToMap(columns, func(column string) (string, struct{}) {
		return strings.ToLower(column), struct{}{}
	})
	var missing []string
	for _, column := range schema.Columns {
		if _, ok := present[column.Name]; !ok && column.Required {
			missing = append(missing, column.Name)
		}
	}
	if len(missing) > 0 {
		return errors.NotValidf("schema %s: missing columns %s", schema, strings.Join(missing, ", "))
	}
	return nil
}

// has returns true if the described columns contain the named column.
func has(columns []string, name string) bool {
	return lo.ContainsBy(columns, func(column string) bool {
		return strings.EqualFold(column, name)
	})
}
