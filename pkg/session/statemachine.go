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

import (
	"fmt"

	"github.com/overmesh/merang/pkg/models"
)

// Event is a stimulus driving the device session state machine.
type Event int

const (
	// EventRegister is a successful registration or re-registration.
	EventRegister Event = iota
	// EventKeepAlive is a liveness refresh from the device.
	EventKeepAlive
	// EventRebootRequired is signaled by a collaborator when applied
	// configuration needs a device restart.
	EventRebootRequired
	// EventRebooting is a device-initiated restart notification.
	EventRebooting
	// EventKeepAliveTimeout is raised by the keepalive monitor.
	EventKeepAliveTimeout
	// EventAdminDisable and EventAdminEnable arrive only through the
	// administrative path.
	EventAdminDisable
	EventAdminEnable
	// EventUnregister logically removes the session.
	EventUnregister
	// EventReconcileFailed marks a failed reconciliation attempt; the
	// device must restart to reach a consistent state.
	EventReconcileFailed
	// EventReconcileAborted gives up on reconciliation after too many
	// failures.
	EventReconcileAborted
)

var eventNames = map[Event]string{
	EventRegister:         "register",
	EventKeepAlive:        "keepalive",
	EventRebootRequired:   "reboot_required",
	EventRebooting:        "rebooting",
	EventKeepAliveTimeout: "keepalive_timeout",
	EventAdminDisable:     "admin_disable",
	EventAdminEnable:      "admin_enable",
	EventUnregister:       "unregister",
	EventReconcileFailed:  "reconcile_failed",
	EventReconcileAborted: "reconcile_aborted",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}

	return fmt.Sprintf("event(%d)", int(e))
}

// transitions is the closed transition table: current state x event ->
// next state. Absent entries are illegal and rejected, never dropped.
var transitions = map[models.DeviceState]map[Event]models.DeviceState{
	models.StateUnknown: {
		EventRegister:  models.StateWorking,
		EventRebooting: models.StateRebooting,
	},
	models.StateWorking: {
		EventRegister:         models.StateWorking,
		EventKeepAlive:        models.StateWorking,
		EventRebootRequired:   models.StateRebootRequired,
		EventRebooting:        models.StateRebooting,
		EventKeepAliveTimeout: models.StateFailure,
		EventAdminDisable:     models.StateAdminDisabled,
		EventUnregister:       models.StateUnregistered,
		EventReconcileFailed:  models.StateRebootRequired,
		EventReconcileAborted: models.StateFailure,
	},
	models.StateRebootRequired: {
		EventRegister:         models.StateWorking,
		EventKeepAlive:        models.StateRebootRequired,
		EventRebootRequired:   models.StateRebootRequired,
		EventRebooting:        models.StateRebooting,
		EventKeepAliveTimeout: models.StateFailure,
		EventAdminDisable:     models.StateAdminDisabled,
		EventUnregister:       models.StateUnregistered,
		EventReconcileFailed:  models.StateRebootRequired,
		EventReconcileAborted: models.StateFailure,
	},
	models.StateRebooting: {
		EventRegister:         models.StateWorking,
		EventKeepAlive:        models.StateRebooting,
		EventRebooting:        models.StateRebooting,
		EventKeepAliveTimeout: models.StateFailure,
		EventAdminDisable:     models.StateAdminDisabled,
		EventUnregister:       models.StateUnregistered,
		EventReconcileFailed:  models.StateRebootRequired,
		EventReconcileAborted: models.StateFailure,
	},
	models.StateFailure: {
		EventRegister:         models.StateWorking,
		EventKeepAlive:        models.StateWorking,
		EventRebooting:        models.StateRebooting,
		EventKeepAliveTimeout: models.StateFailure,
		EventAdminDisable:     models.StateAdminDisabled,
		EventUnregister:       models.StateUnregistered,
		EventReconcileFailed:  models.StateFailure,
		EventReconcileAborted: models.StateFailure,
	},
	models.StateAdminDisabled: {
		EventAdminEnable:  models.StateWorking,
		EventAdminDisable: models.StateAdminDisabled,
	},
	models.StateUnregistered: {
		EventRegister:     models.StateWorking,
		EventUnregister:   models.StateUnregistered,
		EventAdminDisable: models.StateAdminDisabled,
	},
}

// Next resolves one transition. Device-originated events against an
// administratively disabled session return ErrDeviceDisabled; any other
// missing table entry is ErrInvalidTransition.
func Next(current models.DeviceState, event Event) (models.DeviceState, error) {
	row, ok := transitions[current]
	if !ok {
		return current, fmt.Errorf("%w: no transitions from %s", ErrInvalidTransition, current)
	}

	next, ok := row[event]
	if !ok {
		if current == models.StateAdminDisabled && !isAdminEvent(event) {
			return current, ErrDeviceDisabled
		}

		return current, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, current)
	}

	return next, nil
}

func isAdminEvent(event Event) bool {
	return event == EventAdminDisable || event == EventAdminEnable
}
