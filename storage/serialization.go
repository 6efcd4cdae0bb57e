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


package storage

import (
	"encoding/json"
	"fmt"

	"github.com/poiesic/stockpile/core"
)

func MarshalCatalogItem(item *core.CatalogItem) []byte {
	buf := make([]byte, core.CatalogItemMUS.Size(*item))
	core.CatalogItemMUS.Marshal(*item, buf)
	return buf
}

func UnmarshalCatalogItem(data []byte) (*core.CatalogItem, error) {
	item, _, err := core.CatalogItemMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: catalog item: %w", ErrSerializationFailed, err)
	}
	return &item, nil
}

func MarshalFlow(flow *core.Flow) []byte {
	buf := make([]byte, core.FlowMUS.Size(*flow))
	core.FlowMUS.Marshal(*flow, buf)
	return buf
}

func UnmarshalFlow(data []byte) (*core.Flow, error) {
	flow, _, err := core.FlowMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: flow: %w", ErrSerializationFailed, err)
	}
	return &flow, nil
}

// MarshalEnvelope encodes a queue payload.
func MarshalEnvelope(env *core.Envelope) ([]byte, error) {
	if env == nil || env.Record == nil {
		return nil, fmt.Errorf("%w: envelope has no record", ErrSerializationFailed)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope: %w", ErrSerializationFailed, err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes a queue payload.
func UnmarshalEnvelope(data []byte) (*core.Envelope, error) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %w", ErrSerializationFailed, err)
	}
	if env.Record == nil {
		return nil, fmt.Errorf("%w: envelope has no record", ErrSerializationFailed)
	}
	if env.Record.Line == 0 {
		env.Record.Line = env.Line
	}
	return &env, nil
}
