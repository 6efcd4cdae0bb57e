// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Catalog column names every record must carry.
const (
	FieldID          = "id"
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldPrice       = "price"
	FieldCount       = "count"
)

// RequiredFields lists the columns ItemFromRecord needs.
var RequiredFields = []string{FieldID, FieldTitle, FieldDescription, FieldPrice, FieldCount}

// ValidateLogicalName checks an upload name before it becomes part of an object key.
func ValidateLogicalName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: logical name is required", ErrInvalidRequest)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: logical name %q must not contain path elements", ErrInvalidRequest, name)
	}
	return nil
}

// ItemFromRecord coerces a raw record into a catalog item.
func ItemFromRecord(record *RawRecord) (*CatalogItem, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: record is nil", ErrMissingField)
	}
	values := make(map[string]string, len(RequiredFields))
	for _, field := range RequiredFields {
		val, ok := record.Get(field)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
		values[field] = strings.TrimSpace(val)
	}
	if values[FieldID] == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrMissingField, FieldID)
	}

	price, err := strconv.ParseFloat(values[FieldPrice], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: price %q", ErrInvalidNumber, values[FieldPrice])
	}
	count, err := strconv.ParseInt(values[FieldCount], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: count %q", ErrInvalidNumber, values[FieldCount])
	}

	item := &CatalogItem{
		ID:          values[FieldID],
		Title:       values[FieldTitle],
		Description: values[FieldDescription],
		Price:       price,
		Count:       count,
	}
	if err := ValidateCatalogItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

// ValidateCatalogItem enforces the catalog item invariants.
func ValidateCatalogItem(item *CatalogItem) error {
	if item == nil {
		return fmt.Errorf("%w: item is nil", ErrMissingField)
	}
	if item.ID == "" {
		return fmt.Errorf("%w: %s is empty", ErrMissingField, FieldID)
	}
	if math.IsNaN(item.Price) || math.IsInf(item.Price, 0) || item.Price < 0 {
		return fmt.Errorf("%w: price %v must be a non-negative number", ErrInvalidNumber, item.Price)
	}
	if item.Count < 0 {
		return fmt.Errorf("%w: count %d must be non-negative", ErrInvalidNumber, item.Count)
	}
	return nil
}
