/*
 * Copyright 2026 Overmesh, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package tunnel

import (
	"context"
	"sync"

	"github.com/overmesh/merang/pkg/models"
)

// Provisioner is the dataplane collaborator that turns a negotiated
// MgmtInfo into kernel/network state. Implementations must be safe for
// concurrent use; the controller calls them outside the per-device lock.
type Provisioner interface {
	// EnsureEndpoint creates or updates the controller-side tunnel
	// endpoint for a device.
	EnsureEndpoint(ctx context.Context, tenantID, deviceID string, info *models.MgmtInfo) error
	// DestroyEndpoint tears down the controller-side endpoint. It is
	// idempotent; destroying an absent endpoint succeeds.
	DestroyEndpoint(ctx context.Context, tenantID, deviceID string) error
}

// MemProvisioner is an in-process Provisioner that records endpoints
// instead of configuring a dataplane. It backs tests and the
// transport-less development mode.
type MemProvisioner struct {
	mu        sync.Mutex
	endpoints map[string]*models.MgmtInfo

	// Err, when set, is returned by every call; tests use it to simulate
	// an unavailable dataplane.
	Err error
}

// NewMemProvisioner returns an empty recording provisioner.
func NewMemProvisioner() *MemProvisioner {
	return &MemProvisioner{endpoints: make(map[string]*models.MgmtInfo)}
}

func (p *MemProvisioner) key(tenantID, deviceID string) string {
	return tenantID + "/" + deviceID
}

// EnsureEndpoint records the endpoint for later inspection.
func (p *MemProvisioner) EnsureEndpoint(_ context.Context, tenantID, deviceID string, info *models.MgmtInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}

	p.endpoints[p.key(tenantID, deviceID)] = info.Clone()

	return nil
}

// DestroyEndpoint removes a recorded endpoint.
func (p *MemProvisioner) DestroyEndpoint(_ context.Context, tenantID, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}

	delete(p.endpoints, p.key(tenantID, deviceID))

	return nil
}

// Endpoint returns the recorded endpoint for a device, or nil.
func (p *MemProvisioner) Endpoint(tenantID, deviceID string) *models.MgmtInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.endpoints[p.key(tenantID, deviceID)].Clone()
}

// Count returns the number of live endpoints.
func (p *MemProvisioner) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.endpoints)
}
