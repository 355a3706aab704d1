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

package models

import (
	"encoding/json"
	"fmt"
)

// NATType classifies the NAT behavior observed between a device and the
// controller.
type NATType int

const (
	// NATUnknown is used when transport-observed data is unavailable.
	NATUnknown NATType = iota
	// NATNone means the device reaches the controller without translation.
	NATNone
	// NATFullCone means the external mapping is stable and the device can
	// pin its source port.
	NATFullCone
	// NATRestrictedCone means the external mapping is stable but the
	// source port is rewritten.
	NATRestrictedCone
	// NATSymmetric means the external mapping varies per destination.
	NATSymmetric
)

var natTypeNames = map[NATType]string{
	NATUnknown:        "unknown",
	NATNone:           "open",
	NATFullCone:       "full_cone",
	NATRestrictedCone: "restricted_cone",
	NATSymmetric:      "symmetric",
}

func (n NATType) String() string {
	if name, ok := natTypeNames[n]; ok {
		return name
	}

	return fmt.Sprintf("nat_type(%d)", int(n))
}

// MarshalJSON encodes the NAT type as its string name.
func (n NATType) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// UnmarshalJSON decodes a NAT type from its string name.
func (n *NATType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	for typ, tn := range natTypeNames {
		if tn == name {
			*n = typ
			return nil
		}
	}

	return fmt.Errorf("unknown nat type %q", name)
}

// TunnelMode is the overlay encapsulation negotiated for the management
// tunnel between a device and the controller.
type TunnelMode int

const (
	// TunnelUnspecified means no tunnel has been negotiated yet.
	TunnelUnspecified TunnelMode = iota
	// TunnelVXLAN is VXLAN over UDP; survives cone and symmetric NATs via
	// keepalive-driven endpoint refresh.
	TunnelVXLAN
	// TunnelIP6Tnl is plain IP-in-IPv6 encapsulation.
	TunnelIP6Tnl
	// TunnelSRv6 is native segment-routed IPv6, no extra encapsulation.
	TunnelSRv6
)

var tunnelModeNames = map[TunnelMode]string{
	TunnelUnspecified: "unspecified",
	TunnelVXLAN:       "vxlan",
	TunnelIP6Tnl:      "ip6tnl",
	TunnelSRv6:        "srv6",
}

func (m TunnelMode) String() string {
	if name, ok := tunnelModeNames[m]; ok {
		return name
	}

	return fmt.Sprintf("tunnel_mode(%d)", int(m))
}

// MarshalJSON encodes the tunnel mode as its string name.
func (m TunnelMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a tunnel mode from its string name.
func (m *TunnelMode) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	for mode, mn := range tunnelModeNames {
		if mn == name {
			*m = mode
			return nil
		}
	}

	return fmt.Errorf("unknown tunnel mode %q", name)
}

// SRTransparency controls how much of the original packet header is
// preserved through a segment-routed path.
type SRTransparency string

const (
	// TransparencyT0 is the default transparency level.
	TransparencyT0 SRTransparency = "t0"
	TransparencyT1 SRTransparency = "t1"
	TransparencyOP SRTransparency = "op"
)

// Normalize maps the empty value to the protocol default.
func (t SRTransparency) Normalize() SRTransparency {
	switch t {
	case TransparencyT1, TransparencyOP:
		return t
	case TransparencyT0:
		return TransparencyT0
	default:
		return TransparencyT0
	}
}

// MgmtInfo is the negotiated management-tunnel contract between a device
// and the controller. It is recomputed on every registration and
// reconciliation, never hand-edited.
type MgmtInfo struct {
	TunnelMode TunnelMode `json:"tunnel_mode"`
	NATType    NATType    `json:"nat_type"`

	DeviceVTEPIP      string `json:"device_vtep_ip,omitempty"`
	ControllerVTEPIP  string `json:"controller_vtep_ip,omitempty"`
	VTEPMask          int    `json:"vtep_mask,omitempty"`
	DeviceVTEPMAC     string `json:"device_vtep_mac,omitempty"`
	ControllerVTEPMAC string `json:"controller_vtep_mac,omitempty"`

	DeviceExternalIP   string `json:"device_external_ip,omitempty"`
	DeviceExternalPort int    `json:"device_external_port,omitempty"`
	VXLANPort          int    `json:"vxlan_port,omitempty"`
	VNI                int    `json:"vni"`

	SIDPrefix          string `json:"sid_prefix,omitempty"`
	PublicPrefixLength int    `json:"public_prefix_length,omitempty"`
	EnableProxyNDP     bool   `json:"enable_proxy_ndp,omitempty"`
	ForceIP6Tnl        bool   `json:"force_ip6tnl,omitempty"`
	ForceSRH           bool   `json:"force_srh,omitempty"`

	IncomingSRTransparency SRTransparency `json:"incoming_sr_transparency,omitempty"`
	OutgoingSRTransparency SRTransparency `json:"outgoing_sr_transparency,omitempty"`
}

// Equal reports whether two management-info values describe the same
// negotiated contract.
func (m *MgmtInfo) Equal(other *MgmtInfo) bool {
	if m == nil || other == nil {
		return m == other
	}

	return *m == *other
}

// Clone returns a copy that shares no memory with the receiver.
func (m *MgmtInfo) Clone() *MgmtInfo {
	if m == nil {
		return nil
	}

	cp := *m

	return &cp
}
