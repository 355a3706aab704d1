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
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

var (
	errPoolExhausted = errors.New("management address pool exhausted")

	// ErrUnknownAllocation is returned when releasing an address that was
	// never allocated.
	ErrUnknownAllocation = errors.New("no allocation for device")
)

// VTEPPair is one allocation of management tunnel endpoint addresses.
type VTEPPair struct {
	DeviceIP     string
	ControllerIP string
	Mask         int
}

// AddressAllocator hands out per-device VTEP addresses from per-tenant
// management pools. Allocations are idempotent per (tenant, device).
type AddressAllocator interface {
	AllocateVTEPPair(tenantID, deviceID string, ipv6 bool) (VTEPPair, error)
	Release(tenantID, deviceID string) error
}

// MemAllocator is an in-process AddressAllocator carving device and
// controller VTEP addresses out of one IPv4 and one IPv6 prefix per
// tenant. Index 1 of each tenant pool is the controller VTEP; devices
// start at index 2.
type MemAllocator struct {
	mu sync.Mutex

	v4Base netip.Prefix
	v6Base netip.Prefix

	// tenant -> device -> allocated index
	allocations map[string]map[string]uint64
	// tenant -> next never-used index
	next map[string]uint64
	// tenant -> released indexes awaiting reuse
	freed map[string][]uint64
}

const (
	defaultV4Pool = "198.18.0.0/16"
	defaultV6Pool = "fcff:ffff::/64"

	controllerIndex  = 1
	firstDeviceIndex = 2

	// Device indexes stay inside the IPv4 pool's host space.
	maxIndex = 1<<16 - 2
)

// NewMemAllocator builds an allocator over the given pools; empty strings
// select the protocol defaults.
func NewMemAllocator(v4Pool, v6Pool string) (*MemAllocator, error) {
	if v4Pool == "" {
		v4Pool = defaultV4Pool
	}

	if v6Pool == "" {
		v6Pool = defaultV6Pool
	}

	v4, err := netip.ParsePrefix(v4Pool)
	if err != nil {
		return nil, fmt.Errorf("invalid ipv4 management pool: %w", err)
	}

	v6, err := netip.ParsePrefix(v6Pool)
	if err != nil {
		return nil, fmt.Errorf("invalid ipv6 management pool: %w", err)
	}

	return &MemAllocator{
		v4Base:      v4,
		v6Base:      v6,
		allocations: make(map[string]map[string]uint64),
		next:        make(map[string]uint64),
		freed:       make(map[string][]uint64),
	}, nil
}

// AllocateVTEPPair returns the device/controller VTEP addresses for one
// device. Repeated calls for the same device return the same pair.
func (a *MemAllocator) AllocateVTEPPair(tenantID, deviceID string, ipv6 bool) (VTEPPair, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tenant, ok := a.allocations[tenantID]
	if !ok {
		tenant = make(map[string]uint64)
		a.allocations[tenantID] = tenant
		a.next[tenantID] = firstDeviceIndex
	}

	index, ok := tenant[deviceID]
	if !ok {
		if freed := a.freed[tenantID]; len(freed) > 0 {
			index = freed[len(freed)-1]
			a.freed[tenantID] = freed[:len(freed)-1]
		} else {
			index = a.next[tenantID]
			if index > maxIndex {
				return VTEPPair{}, errPoolExhausted
			}

			a.next[tenantID] = index + 1
		}

		tenant[deviceID] = index
	}

	base := a.v4Base
	if ipv6 {
		base = a.v6Base
	}

	deviceIP, err := addrAt(base, index)
	if err != nil {
		return VTEPPair{}, err
	}

	controllerIP, err := addrAt(base, controllerIndex)
	if err != nil {
		return VTEPPair{}, err
	}

	return VTEPPair{
		DeviceIP:     deviceIP.String(),
		ControllerIP: controllerIP.String(),
		Mask:         base.Bits(),
	}, nil
}

// Release frees a device's allocation; the index goes back into the
// tenant pool and is handed to the next new device. Releasing an
// unknown device is an error so callers can distinguish double release
// from success.
func (a *MemAllocator) Release(tenantID, deviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tenant, ok := a.allocations[tenantID]
	if !ok {
		return ErrUnknownAllocation
	}

	index, ok := tenant[deviceID]
	if !ok {
		return ErrUnknownAllocation
	}

	delete(tenant, deviceID)
	a.freed[tenantID] = append(a.freed[tenantID], index)

	return nil
}

// addrAt returns the n-th address inside the prefix.
func addrAt(prefix netip.Prefix, n uint64) (netip.Addr, error) {
	addr := prefix.Addr()
	slice := addr.AsSlice()

	carry := n
	for i := len(slice) - 1; i >= 0 && carry > 0; i-- {
		sum := uint64(slice[i]) + (carry & 0xff)
		slice[i] = byte(sum & 0xff)

		carry >>= 8
		if sum > 0xff {
			carry++
		}
	}

	out, ok := netip.AddrFromSlice(slice)
	if !ok || !prefix.Contains(out) {
		return netip.Addr{}, errPoolExhausted
	}

	return out, nil
}
