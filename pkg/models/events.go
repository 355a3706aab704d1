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

// CloudEvent represents a CloudEvents v1.0 compliant event.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// DeviceHealthEventData is the payload of device health transition events
// emitted by the keepalive monitor and the registration path.
type DeviceHealthEventData struct {
	DeviceID       string      `json:"device_id"`
	TenantID       string      `json:"tenant_id,omitempty"`
	PreviousState  DeviceState `json:"previous_state"`
	CurrentState   DeviceState `json:"current_state"`
	Timestamp      time.Time   `json:"timestamp"`
	LastSeen       time.Time   `json:"last_seen,omitempty"`
	TunnelMode     TunnelMode  `json:"tunnel_mode,omitempty"`
	RecoveryReason string      `json:"recovery_reason,omitempty"`
}
