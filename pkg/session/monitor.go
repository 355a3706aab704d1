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
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/overmesh/merang/pkg/logger"
	"github.com/overmesh/merang/pkg/models"
	"github.com/overmesh/merang/pkg/tunnel"
)

const (
	// DefaultKeepAliveInterval matches the protocol's device-side
	// keepalive cadence.
	DefaultKeepAliveInterval = 5 * time.Second
	// DefaultMaxKeepAliveLost is how many keepalives may be missed
	// before a device is declared unreachable.
	DefaultMaxKeepAliveLost = 4
)

// Notifier receives device health transitions for external consumers.
type Notifier interface {
	NotifyDeviceHealth(ctx context.Context, data models.DeviceHealthEventData) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyDeviceHealth(context.Context, models.DeviceHealthEventData) error {
	return nil
}

// MonitorConfig wires the keepalive monitor.
type MonitorConfig struct {
	Store       *Store
	Clock       clock.Clock
	Interval    time.Duration
	Threshold   time.Duration
	Notifier    Notifier
	Provisioner tunnel.Provisioner
	Logger      logger.Logger
}

// Monitor periodically scans for sessions whose liveness deadline has
// passed and drives them to failure. It runs independently of request
// handling; each failure decision re-acquires the device's lock, so it
// cannot race a concurrent keepalive.
type Monitor struct {
	store       *Store
	clock       clock.Clock
	interval    time.Duration
	threshold   time.Duration
	notifier    Notifier
	provisioner tunnel.Provisioner
	log         logger.Logger
}

// NewMonitor builds a keepalive monitor. Zero interval/threshold select
// the protocol defaults.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultKeepAliveInterval
	}

	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultKeepAliveInterval * DefaultMaxKeepAliveLost
	}

	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewTestLogger()
	}

	return &Monitor{
		store:       cfg.Store,
		clock:       cfg.Clock,
		interval:    cfg.Interval,
		threshold:   cfg.Threshold,
		notifier:    cfg.Notifier,
		provisioner: cfg.Provisioner,
		log:         cfg.Logger,
	}
}

// Threshold returns the configured liveness deadline.
func (m *Monitor) Threshold() time.Duration {
	return m.threshold
}

// Run scans until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep performs one scan over the stale-session snapshot. Candidates
// are re-validated under their per-device lock before any transition, so
// a keepalive landing mid-scan wins.
func (m *Monitor) Sweep(ctx context.Context) {
	m.store.ForEachStale(m.threshold, func(deviceID string) bool {
		m.handleStale(ctx, deviceID)

		return ctx.Err() == nil
	})
}

func (m *Monitor) handleStale(ctx context.Context, deviceID string) {
	sess, notify, err := m.store.MarkFailed(deviceID, m.threshold)
	if err != nil {
		// The session may have been unregistered since the snapshot.
		if errors.Is(err, ErrDeviceNotFound) {
			return
		}

		m.log.Error().Err(err).Str("device_id", deviceID).Msg("Failure transition rejected")

		return
	}

	if !notify {
		return
	}

	m.log.Warn().
		Str("device_id", deviceID).
		Time("last_keepalive", sess.LastKeepAlive).
		Msg("Device missed its liveness deadline")

	if m.provisioner != nil && sess.MgmtInfo != nil {
		// Outside the per-device lock: a slow dataplane must not stall
		// unrelated devices.
		if err := m.provisioner.DestroyEndpoint(ctx, sess.TenantID, deviceID); err != nil {
			m.log.Error().Err(err).Str("device_id", deviceID).Msg("Tearing down tunnel endpoint failed")
		}
	}

	// MarkFailed hands back the pre-transition snapshot, so sess.State
	// is the state the device fell from.
	data := models.DeviceHealthEventData{
		DeviceID:      deviceID,
		TenantID:      sess.TenantID,
		PreviousState: sess.State,
		CurrentState:  models.StateFailure,
		Timestamp:     m.clock.Now(),
		LastSeen:      sess.LastKeepAlive,
	}

	if sess.MgmtInfo != nil {
		data.TunnelMode = sess.MgmtInfo.TunnelMode
	}

	if err := m.notifier.NotifyDeviceHealth(ctx, data); err != nil {
		m.log.Error().Err(err).Str("device_id", deviceID).Msg("Publishing device health event failed")
	}
}
