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

// Package nat classifies the NAT sitting between a device and the
// controller by comparing the address the device reports for itself with
// the address the transport layer observed.
package nat

import "github.com/overmesh/merang/pkg/models"

// ClassifyInput carries one registration's worth of addressing evidence.
type ClassifyInput struct {
	// Reported is the external endpoint the device claims to have.
	Reported models.Endpoint
	// Observed is the endpoint the transport layer saw for this request.
	Observed models.Endpoint
	// PriorObserved are the endpoints observed on earlier registrations
	// of the same session, oldest first.
	PriorObserved []models.Endpoint
	// CanSpecifySourcePort asserts the device controls its UDP source
	// port; it upgrades a cone classification from restricted to full.
	CanSpecifySourcePort bool
}

// Classify determines the NAT class for a device. Classification never
// blocks registration; callers degrade to the most conservative tunnel
// mode when the result is uncertain.
func Classify(in ClassifyInput) models.NATType {
	if in.Observed.IsZero() || in.Reported.IsZero() {
		return models.NATUnknown
	}

	// A mapping that moved between registrations is per-destination
	// state, which is the defining property of a symmetric NAT.
	for _, prior := range in.PriorObserved {
		if prior.IsZero() {
			continue
		}

		if prior != in.Observed {
			return models.NATSymmetric
		}
	}

	if in.Reported == in.Observed {
		return models.NATNone
	}

	if in.Reported.IP == in.Observed.IP {
		// Same address, rewritten port: some form of cone NAT.
		return coneClass(in.CanSpecifySourcePort)
	}

	// The address itself is translated. With a stable mapping this is
	// still cone behavior; symmetric was ruled out above.
	return coneClass(in.CanSpecifySourcePort)
}

func coneClass(canSpecifySourcePort bool) models.NATType {
	if canSpecifySourcePort {
		return models.NATFullCone
	}

	return models.NATRestrictedCone
}
