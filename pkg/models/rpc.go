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

import "time"

// Status is the externally defined result enumeration shared with devices.
// The controller maps internal failures onto it but does not own its
// numeric values.
type Status int

const (
	StatusSuccess Status = iota
	StatusUnauthorized
	StatusBadRequest
	StatusNotFound
	StatusDisabled
	StatusInternalError
	// StatusUnavailable marks transient dependency failures; it is the
	// only retryable status.
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusBadRequest:
		return "bad_request"
	case StatusNotFound:
		return "not_found"
	case StatusDisabled:
		return "disabled"
	case StatusInternalError:
		return "internal_error"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether a caller may retry the whole request.
func (s Status) Retryable() bool {
	return s == StatusUnavailable
}

// AuthData is the opaque credential presented by a device. Token
// verification happens before this core; the controller only forwards it
// to the configured authenticator.
type AuthData struct {
	Token string `json:"token"`
}

// Endpoint is an address/port pair as seen on one side of a NAT.
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// IsZero reports whether the endpoint carries no address.
func (e Endpoint) IsZero() bool {
	return e.IP == ""
}

// Feature is a service a device advertises during registration.
type Feature struct {
	Name string `json:"name"`
	Port int    `json:"port,omitempty"`
}

// RegisterRequest is the payload of RegisterDevice and of the
// re-registration paths UpdateMgmtInfo / UpdateDeviceRegistration.
type RegisterRequest struct {
	DeviceID   string      `json:"device_id"`
	AuthData   AuthData    `json:"auth_data"`
	TenantID   string      `json:"tenant_id,omitempty"`
	Interfaces []Interface `json:"interfaces,omitempty"`
	Features   []Feature   `json:"features,omitempty"`

	// SRv6Capable advertises that the device can terminate SRv6 paths.
	SRv6Capable bool `json:"srv6_capable,omitempty"`

	// ReportedEndpoint is the external address/port the device believes
	// it has; ObservedEndpoint is what the transport layer saw for this
	// request. The NAT classifier compares the two.
	ReportedEndpoint Endpoint `json:"reported_endpoint,omitempty"`
	ObservedEndpoint Endpoint `json:"observed_endpoint,omitempty"`

	// CanSpecifySourcePort asserts that the device controls its UDP
	// source port, upgrading a cone classification from restricted to
	// full.
	CanSpecifySourcePort bool `json:"can_specify_source_port,omitempty"`

	SIDPrefix          string `json:"sid_prefix,omitempty"`
	PublicPrefixLength int    `json:"public_prefix_length,omitempty"`
	EnableProxyNDP     bool   `json:"enable_proxy_ndp,omitempty"`
	ForceIP6Tnl        bool   `json:"force_ip6tnl,omitempty"`
	ForceSRH           bool   `json:"force_srh,omitempty"`

	IncomingSRTransparency SRTransparency `json:"incoming_sr_transparency,omitempty"`
	OutgoingSRTransparency SRTransparency `json:"outgoing_sr_transparency,omitempty"`

	DeviceVTEPMAC string `json:"device_vtep_mac,omitempty"`

	// Rebooting marks a registration arriving from a device that is
	// restarting; the store accepts it as an externally driven
	// transition.
	Rebooting bool `json:"rebooting,omitempty"`
}

// RegisterReply answers RegisterDevice and the update paths.
type RegisterReply struct {
	Status      Status      `json:"status"`
	TenantID    string      `json:"tenant_id,omitempty"`
	DeviceState DeviceState `json:"device_state"`
	MgmtInfo    *MgmtInfo   `json:"mgmt_info,omitempty"`
}

// KeepAliveRequest refreshes a session's liveness timestamp.
type KeepAliveRequest struct {
	DeviceID string    `json:"device_id"`
	TenantID string    `json:"tenant_id,omitempty"`
	SentAt   time.Time `json:"sent_at,omitempty"`
}

// KeepAliveReply reports the current state back to the device.
type KeepAliveReply struct {
	Status      Status      `json:"status"`
	DeviceState DeviceState `json:"device_state"`
}

// UnregisterRequest marks a session logically removed.
type UnregisterRequest struct {
	DeviceID string `json:"device_id"`
	TenantID string `json:"tenant_id,omitempty"`
}

// UnregisterReply answers UnregisterDevice.
type UnregisterReply struct {
	Status Status `json:"status"`
}

// ReconcileRequest carries the device's freshly reported view for the
// reconciliation engine to compare against stored state.
type ReconcileRequest struct {
	DeviceID   string      `json:"device_id"`
	TenantID   string      `json:"tenant_id,omitempty"`
	Interfaces []Interface `json:"interfaces,omitempty"`
	MgmtInfo   *MgmtInfo   `json:"mgmt_info,omitempty"`

	ReportedEndpoint     Endpoint `json:"reported_endpoint,omitempty"`
	ObservedEndpoint     Endpoint `json:"observed_endpoint,omitempty"`
	CanSpecifySourcePort bool     `json:"can_specify_source_port,omitempty"`
}

// ReconcileReply returns the authoritative controller-decided view.
type ReconcileReply struct {
	Status      Status      `json:"status"`
	DeviceState DeviceState `json:"device_state"`
	MgmtInfo    *MgmtInfo   `json:"mgmt_info,omitempty"`
}
