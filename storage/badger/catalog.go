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


package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
)

// CatalogRepository implements storage.CatalogRepository for BadgerDB.
type CatalogRepository struct {
	backend *Backend
}

var _ storage.CatalogRepository = (*CatalogRepository)(nil)

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(backend *Backend) *CatalogRepository {
	return &CatalogRepository{
		backend: backend,
	}
}

// Upsert stores item under its ID, replacing whatever was there.
func (r *CatalogRepository) Upsert(ctx context.Context, item *core.CatalogItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("%w: catalog item requires an id", storage.ErrInvalidQuery)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.backend.Update(func(tx *badger.Txn) error {
		return tx.Set(makeCatalogItemKey(item.ID), storage.MarshalCatalogItem(item))
	})
}

// Get retrieves a single item by ID.
func (r *CatalogRepository) Get(ctx context.Context, id string) (*core.CatalogItem, error) {
	var item *core.CatalogItem
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		entry, err := tx.Get(makeCatalogItemKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return entry.Value(func(val []byte) error {
			var err error
			item, err = storage.UnmarshalCatalogItem(val)
			return err
		})
	}, false)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Scan visits every item in ID order.
func (r *CatalogRepository) Scan(ctx context.Context, fn func(*core.CatalogItem) error) error {
	return r.backend.scanPrefix([]byte(catalogItemPrefix), func(_, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := storage.UnmarshalCatalogItem(value)
		if err != nil {
			return err
		}
		return fn(item)
	})
}

// Count returns the number of stored items.
func (r *CatalogRepository) Count(ctx context.Context) (int, error) {
	count := 0
	err := r.Scan(ctx, func(*core.CatalogItem) error {
		count++
		return nil
	})
	return count, err
}
