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


package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
)

// TicketConfig controls the keys and lifetime of issued tickets.
type TicketConfig struct {
	Prefix           string
	DefaultExtension string
	TTL              time.Duration
}

// DefaultTicketConfig issues 15 minute tickets for uploaded/<name>.csv.
func DefaultTicketConfig() TicketConfig {
	return TicketConfig{
		Prefix:           "uploaded",
		DefaultExtension: "csv",
		TTL:              15 * time.Minute,
	}
}

// TicketIssuer grants time-limited upload access to derived object keys.
type TicketIssuer struct {
	store   storage.ObjectStore
	flows   storage.FlowRepository
	config  TicketConfig
	logger  *slog.Logger
	metrics *Metrics
}

// NewTicketIssuer creates an issuer. flows may be nil, in which case issued
// tickets are not tracked.
func NewTicketIssuer(store storage.ObjectStore, flows storage.FlowRepository, config TicketConfig, logger *slog.Logger, metrics *Metrics) (*TicketIssuer, error) {
	if store == nil {
		return nil, ErrObjectStoreRequired
	}
	if config.TTL <= 0 {
		return nil, fmt.Errorf("ticket ttl must be positive, got %s", config.TTL)
	}
	if config.Prefix == "" {
		config.Prefix = DefaultTicketConfig().Prefix
	}
	if config.DefaultExtension == "" {
		config.DefaultExtension = DefaultTicketConfig().DefaultExtension
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TicketIssuer{
		store:   store,
		flows:   flows,
		config:  config,
		logger:  logger.With("component", "tickets"),
		metrics: metrics,
	}, nil
}

// Issue signs an upload URL for <prefix>/<logicalName>.<extension>. An empty
// extension selects the configured default. The object is not created.
func (i *TicketIssuer) Issue(ctx context.Context, logicalName, extension string) (*core.UploadTicket, error) {
	if err := core.ValidateLogicalName(logicalName); err != nil {
		return nil, err
	}
	logicalName = strings.TrimSpace(logicalName)

	extension = strings.TrimPrefix(strings.TrimSpace(extension), ".")
	if extension == "" {
		extension = i.config.DefaultExtension
	}
	if strings.ContainsAny(extension, `/\`) || strings.Contains(extension, "..") {
		return nil, fmt.Errorf("%w: extension %q must not contain path elements", core.ErrInvalidRequest, extension)
	}

	key := core.ObjectKey(i.config.Prefix, logicalName, extension)
	signedURL, expiry, err := i.store.PresignPut(ctx, key, i.config.TTL)
	if err != nil {
		return nil, fmt.Errorf("signing upload for %s: %w", key, err)
	}

	ticket := &core.UploadTicket{
		ID:          uuid.NewString(),
		LogicalName: logicalName,
		Extension:   extension,
		ObjectKey:   key,
		SignedURL:   signedURL,
		Expiry:      expiry,
	}
	i.metrics.ticketIssued()
	i.logger.Info("ticket issued", "key", key, "ticket", ticket.ID, "expiry", expiry)

	if i.flows != nil {
		i.track(ctx, ticket)
	}
	return ticket, nil
}

// track records the ticket on the key's flow. A flow that is mid-import is
// left alone; the upload will restart it.
func (i *TicketIssuer) track(ctx context.Context, ticket *core.UploadTicket) {
	_, err := i.flows.UpdateFlow(ctx, ticket.ObjectKey, func(f *core.Flow) error {
		if !f.State.CanTransition(core.FlowStateTicketIssued) {
			return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, f.State, core.FlowStateTicketIssued)
		}
		*f = core.Flow{
			Key:    ticket.ObjectKey,
			State:  core.FlowStateTicketIssued,
			Expiry: ticket.Expiry,
		}
		return nil
	})
	if err != nil {
		i.logger.Warn("ticket not tracked", "key", ticket.ObjectKey, "err", err)
	}
}
