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

	"github.com/overmesh/merang/pkg/models"
)

var (
	// ErrConflictingForceFlags is returned when a registration forces two
	// mutually exclusive encapsulations at once.
	ErrConflictingForceFlags = errors.New("force_ip6tnl and force_srh are mutually exclusive")
	// ErrModeIncompatible is returned when a forced encapsulation cannot
	// work through the classified NAT.
	ErrModeIncompatible = errors.New("forced tunnel mode is incompatible with the NAT classification")
)

// Capabilities are the device-side abilities relevant to mode selection.
type Capabilities struct {
	SRv6 bool
}

// Select chooses the tunnel encapsulation for a device. It is a pure
// function: identical inputs always yield the identical mode, which keeps
// re-registration and reconciliation idempotent.
func Select(natType models.NATType, forceIP6Tnl, forceSRH bool, caps Capabilities) (models.TunnelMode, error) {
	if forceIP6Tnl && forceSRH {
		return models.TunnelUnspecified, ErrConflictingForceFlags
	}

	if forceSRH && nativeReachable(natType) {
		return models.TunnelSRv6, nil
	}

	if forceIP6Tnl {
		if !Supports(models.TunnelIP6Tnl, natType) {
			return models.TunnelUnspecified, ErrModeIncompatible
		}

		return models.TunnelIP6Tnl, nil
	}

	// Symmetric and unknown NATs get VXLAN: its UDP encapsulation
	// survives rewritten mappings as long as keepalives refresh the
	// learned endpoint.
	if natType == models.NATSymmetric || natType == models.NATUnknown {
		return models.TunnelVXLAN, nil
	}

	if caps.SRv6 && nativeReachable(natType) {
		return models.TunnelSRv6, nil
	}

	return models.TunnelVXLAN, nil
}

// nativeReachable reports whether the device and controller share a
// stable, untranslated path suitable for native IPv6 encapsulation.
func nativeReachable(natType models.NATType) bool {
	return natType == models.NATNone || natType == models.NATFullCone
}
