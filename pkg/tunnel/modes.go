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

// Package tunnel negotiates and provisions the management overlay tunnel
// between edge devices and the controller.
package tunnel

import "github.com/overmesh/merang/pkg/models"

const (
	// DefaultVXLANPort is the protocol's VXLAN destination port.
	DefaultVXLANPort = 4789
	// MgmtVNI is the VNI reserved for management VTEPs.
	MgmtVNI = 0
)

// modeProfile describes one encapsulation's operational envelope.
type modeProfile struct {
	supportedNATs     []models.NATType
	requiresKeepAlive bool
	priority          int
}

// VXLAN rides over UDP, so it traverses every NAT class as long as
// keepalives keep the binding open. The native modes need a stable,
// untranslated path.
var modeProfiles = map[models.TunnelMode]modeProfile{
	models.TunnelVXLAN: {
		supportedNATs: []models.NATType{
			models.NATNone,
			models.NATFullCone,
			models.NATRestrictedCone,
			models.NATSymmetric,
			models.NATUnknown,
		},
		requiresKeepAlive: true,
		priority:          10,
	},
	models.TunnelIP6Tnl: {
		supportedNATs: []models.NATType{
			models.NATNone,
			models.NATFullCone,
		},
		requiresKeepAlive: false,
		priority:          20,
	},
	models.TunnelSRv6: {
		supportedNATs: []models.NATType{
			models.NATNone,
			models.NATFullCone,
		},
		requiresKeepAlive: false,
		priority:          30,
	},
}

// Supports reports whether the encapsulation works through the given NAT
// class.
func Supports(mode models.TunnelMode, natType models.NATType) bool {
	profile, ok := modeProfiles[mode]
	if !ok {
		return false
	}

	for _, supported := range profile.supportedNATs {
		if supported == natType {
			return true
		}
	}

	return false
}

// RequiresKeepAlive reports whether the mode needs periodic keepalives to
// hold its NAT binding open.
func RequiresKeepAlive(mode models.TunnelMode) bool {
	return modeProfiles[mode].requiresKeepAlive
}
