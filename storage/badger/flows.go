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
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
)

// FlowRepository implements storage.FlowRepository for BadgerDB.
type FlowRepository struct {
	backend *Backend
}

var _ storage.FlowRepository = (*FlowRepository)(nil)

// NewFlowRepository creates a new FlowRepository.
func NewFlowRepository(backend *Backend) *FlowRepository {
	return &FlowRepository{
		backend: backend,
	}
}

// GetFlow retrieves the flow for an object key.
func (r *FlowRepository) GetFlow(ctx context.Context, key string) (*core.Flow, error) {
	var flow *core.Flow
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		flow, err = loadFlow(tx, key)
		return err
	}, false)
	if err != nil {
		return nil, err
	}
	return flow, nil
}

// UpdateFlow applies fn to the stored flow inside a single write transaction.
func (r *FlowRepository) UpdateFlow(ctx context.Context, key string, fn func(*core.Flow) error) (*core.Flow, error) {
	if key == "" {
		return nil, storage.ErrInvalidQuery
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *core.Flow
	err := r.backend.Update(func(tx *badger.Txn) error {
		flow, err := loadFlow(tx, key)
		if errors.Is(err, storage.ErrNotFound) {
			flow = &core.Flow{Key: key}
		} else if err != nil {
			return err
		}

		if err := fn(flow); err != nil {
			return err
		}
		flow.Key = key
		flow.UpdatedAt = time.Now().UTC()

		if err := tx.Set(makeFlowKey(key), storage.MarshalFlow(flow)); err != nil {
			return err
		}
		updated = flow
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListFlows returns every tracked flow in key order.
func (r *FlowRepository) ListFlows(ctx context.Context) ([]*core.Flow, error) {
	var flows []*core.Flow
	err := r.backend.scanPrefix([]byte(flowPrefix), func(_, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		flow, err := storage.UnmarshalFlow(value)
		if err != nil {
			return err
		}
		flows = append(flows, flow)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flows, nil
}

func loadFlow(tx *badger.Txn, key string) (*core.Flow, error) {
	item, err := tx.Get(makeFlowKey(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var flow *core.Flow
	err = item.Value(func(val []byte) error {
		var err error
		flow, err = storage.UnmarshalFlow(val)
		return err
	})
	return flow, err
}
