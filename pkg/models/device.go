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

// Package models holds the shared data model for the merang controller.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeviceState is the lifecycle state of a registered device session.
type DeviceState int

const (
	// StateUnknown is the zero state; it is never persisted for a session.
	StateUnknown DeviceState = iota
	// StateWorking indicates a registered, reachable device.
	StateWorking
	// StateRebootRequired indicates the device must restart to apply
	// tunnel-affecting configuration changes.
	StateRebootRequired
	// StateAdminDisabled indicates an administrative lock; device-originated
	// events are rejected until the device is re-enabled.
	StateAdminDisabled
	// StateRebooting indicates the device announced a restart in progress.
	StateRebooting
	// StateFailure indicates the keepalive monitor declared the device
	// unreachable.
	StateFailure
	// StateUnregistered is the terminal logical state after an explicit
	// unregister; the session is retained for idempotence and audit.
	StateUnregistered
)

var deviceStateNames = map[DeviceState]string{
	StateUnknown:        "unknown",
	StateWorking:        "working",
	StateRebootRequired: "reboot_required",
	StateAdminDisabled:  "admin_disabled",
	StateRebooting:      "rebooting",
	StateFailure:        "failure",
	StateUnregistered:   "unregistered",
}

func (s DeviceState) String() string {
	if name, ok := deviceStateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("device_state(%d)", int(s))
}

// MarshalJSON encodes the state as its string name.
func (s DeviceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state from its string name.
func (s *DeviceState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	for state, n := range deviceStateNames {
		if n == name {
			*s = state
			return nil
		}
	}

	return fmt.Errorf("unknown device state %q", name)
}

// Subnet is a routed prefix reported by a device, optionally with the
// gateway used to reach it.
type Subnet struct {
	Prefix  string `json:"prefix"`
	Gateway string `json:"gateway,omitempty"`
}

// Interface describes one network interface of a device. The external
// address lists carry the NAT-translated counterparts of the local
// addresses when the device sits behind a NAT.
type Interface struct {
	Name         string   `json:"name"`
	MACAddr      string   `json:"mac_addr,omitempty"`
	IPv4Addrs    []string `json:"ipv4_addrs,omitempty"`
	IPv6Addrs    []string `json:"ipv6_addrs,omitempty"`
	ExtIPv4Addrs []string `json:"ext_ipv4_addrs,omitempty"`
	ExtIPv6Addrs []string `json:"ext_ipv6_addrs,omitempty"`
	IPv4Subnets  []Subnet `json:"ipv4_subnets,omitempty"`
	IPv6Subnets  []Subnet `json:"ipv6_subnets,omitempty"`
}

// DeviceSession is the aggregate root tracked per device identity. It is
// created on first successful registration and never physically deleted
// while the tenant relationship is active.
type DeviceSession struct {
	DeviceID   string      `json:"device_id"`
	TenantID   string      `json:"tenant_id"`
	State      DeviceState `json:"state"`
	MgmtInfo   *MgmtInfo   `json:"mgmt_info,omitempty"`
	Interfaces []Interface `json:"interfaces,omitempty"`
	Features   []Feature   `json:"features,omitempty"`
	MgmtIP     string      `json:"mgmt_ip,omitempty"`

	RegisteredAt  time.Time `json:"registered_at"`
	LastKeepAlive time.Time `json:"last_keepalive"`

	// ObservedEndpoints are the transport-observed external endpoints of
	// recent registrations, oldest first; the NAT classifier uses them to
	// detect symmetric NATs.
	ObservedEndpoints []Endpoint `json:"observed_endpoints,omitempty"`

	// Version increases on every state-affecting mutation; consumers use
	// it to detect stale reads.
	Version uint64 `json:"version"`
	// Epoch identifies one registration generation of the session.
	Epoch string `json:"epoch"`

	Connected              bool `json:"connected"`
	NeedsReconciliation    bool `json:"needs_reconciliation"`
	ReconciliationFailures int  `json:"reconciliation_failures,omitempty"`
	SRv6Capable            bool `json:"srv6_capable,omitempty"`

	// FailureNotified records whether the keepalive monitor already
	// emitted a notification for the current missed-deadline episode.
	FailureNotified bool `json:"-"`
}

// Clone returns a deep copy sharing no memory with the receiver.
func (s *DeviceSession) Clone() *DeviceSession {
	if s == nil {
		return nil
	}

	cp := *s
	cp.MgmtInfo = s.MgmtInfo.Clone()

	if s.Interfaces != nil {
		cp.Interfaces = make([]Interface, len(s.Interfaces))
		for i, iface := range s.Interfaces {
			cp.Interfaces[i] = iface.clone()
		}
	}

	if s.Features != nil {
		cp.Features = make([]Feature, len(s.Features))
		copy(cp.Features, s.Features)
	}

	if s.ObservedEndpoints != nil {
		cp.ObservedEndpoints = make([]Endpoint, len(s.ObservedEndpoints))
		copy(cp.ObservedEndpoints, s.ObservedEndpoints)
	}

	return &cp
}

func (i Interface) clone() Interface {
	cp := i
	cp.IPv4Addrs = cloneStringSlice(i.IPv4Addrs)
	cp.IPv6Addrs = cloneStringSlice(i.IPv6Addrs)
	cp.ExtIPv4Addrs = cloneStringSlice(i.ExtIPv4Addrs)
	cp.ExtIPv6Addrs = cloneStringSlice(i.ExtIPv6Addrs)

	if i.IPv4Subnets != nil {
		cp.IPv4Subnets = make([]Subnet, len(i.IPv4Subnets))
		copy(cp.IPv4Subnets, i.IPv4Subnets)
	}

	if i.IPv6Subnets != nil {
		cp.IPv6Subnets = make([]Subnet, len(i.IPv6Subnets))
		copy(cp.IPv6Subnets, i.IPv6Subnets)
	}

	return cp
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}

	out := make([]string, len(in))
	copy(out, in)

	return out
}
