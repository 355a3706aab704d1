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

package session

import "errors"

var (
	// ErrDeviceNotFound is returned for operations on an identity that
	// never registered.
	ErrDeviceNotFound = errors.New("device session not found")

	// ErrDeviceUnregistered is returned for device-originated operations
	// on a session that was explicitly unregistered; callers can
	// distinguish "already removed" from "never existed".
	ErrDeviceUnregistered = errors.New("device session unregistered")

	// ErrDeviceDisabled is returned when an administrative lock rejects a
	// device-originated event.
	ErrDeviceDisabled = errors.New("device is administratively disabled")

	// ErrInvalidTransition is returned when the state machine rejects the
	// requested move.
	ErrInvalidTransition = errors.New("invalid device state transition")

	// ErrVersionConflict is returned when an optimistic write finds the
	// session already moved past the version it was computed from.
	ErrVersionConflict = errors.New("device session version conflict")
)
