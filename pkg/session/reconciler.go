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
	"fmt"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/overmesh/merang/pkg/logger"
	"github.com/overmesh/merang/pkg/models"
	"github.com/overmesh/merang/pkg/tunnel"
)

const (
	// reconcileAllParallelism caps concurrent dataplane calls during a
	// restart sweep.
	reconcileAllParallelism = 8

	// reconcileWriteAttempts bounds the optimistic retry loop when a
	// concurrent mutation lands between the snapshot and the write.
	reconcileWriteAttempts = 3
)

// ReconcilerConfig wires the reconciliation engine's collaborators.
type ReconcilerConfig struct {
	Store       *Store
	Provisioner tunnel.Provisioner
	Logger      logger.Logger
}

// Reconciler repairs drift between a device's reported configuration
// and the controller's authoritative session state. It never invents
// new negotiation outcomes: the store's pipeline recomputes them from
// the same inputs, so a clean round trip leaves the session untouched.
type Reconciler struct {
	store *Store
	prov  tunnel.Provisioner
	log   logger.Logger
}

// NewReconciler builds a reconciliation engine.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewTestLogger()
	}

	return &Reconciler{
		store: cfg.Store,
		prov:  cfg.Provisioner,
		log:   cfg.Logger,
	}
}

// Reconcile compares the device's freshly reported view against stored
// state. A matching view returns the stored configuration unchanged,
// version counter included. A drifted view re-runs the negotiation
// pipeline and re-provisions the controller-side endpoint. The write is
// conditioned on the snapshot's version: a concurrent registration
// landing in between wins, and the compare restarts from its result so
// a stale snapshot never overwrites it.
func (r *Reconciler) Reconcile(ctx context.Context, req models.ReconcileRequest) (*models.MgmtInfo, models.DeviceState, error) {
	var (
		info     *models.MgmtInfo
		state    models.DeviceState
		tenantID string
	)

	for attempt := 0; ; attempt++ {
		sess, err := r.store.Get(req.DeviceID)
		if err != nil {
			return nil, models.StateUnknown, err
		}

		switch sess.State {
		case models.StateAdminDisabled:
			return nil, sess.State, ErrDeviceDisabled
		case models.StateUnregistered:
			return nil, sess.State, ErrDeviceUnregistered
		}

		if r.matches(sess, req) {
			return sess.MgmtInfo.Clone(), sess.State, nil
		}

		params := upsertParamsFromSession(sess, req)
		params.ExpectedVersion = sess.Version

		info, state, err = r.store.Upsert(params)
		if errors.Is(err, ErrVersionConflict) && attempt < reconcileWriteAttempts {
			continue
		}

		if err != nil {
			return nil, state, err
		}

		tenantID = sess.TenantID

		break
	}

	if err := r.prov.EnsureEndpoint(ctx, tenantID, req.DeviceID, info); err != nil {
		failedState, failures, markErr := r.store.MarkReconcileFailed(req.DeviceID)
		if markErr != nil {
			r.log.Error().Err(markErr).
				Str("device_id", req.DeviceID).
				Msg("Failed to record reconciliation failure")
		}

		r.log.Warn().Err(err).
			Str("device_id", req.DeviceID).
			Int("failures", failures).
			Str("state", failedState.String()).
			Msg("Endpoint provisioning failed during reconciliation")

		return nil, failedState, fmt.Errorf("provisioning endpoint for %s: %w", req.DeviceID, err)
	}

	if err := r.store.ClearReconcileState(req.DeviceID); err != nil {
		return nil, state, err
	}

	r.log.Info().
		Str("device_id", req.DeviceID).
		Str("state", state.String()).
		Msg("Session reconciled")

	return info, state, nil
}

// matches reports whether the device's view agrees with stored state
// closely enough that no repair is needed. A pending reconciliation
// flag always forces a repair pass.
func (r *Reconciler) matches(sess *models.DeviceSession, req models.ReconcileRequest) bool {
	if sess.NeedsReconciliation {
		return false
	}

	if !sess.MgmtInfo.Equal(req.MgmtInfo) {
		return false
	}

	if req.Interfaces != nil && !reflect.DeepEqual(sess.Interfaces, req.Interfaces) {
		return false
	}

	return true
}

// ReconcileAll re-provisions every live session's endpoint from stored
// state. It is the restart path: a controller coming back up replays
// the dataplane configuration its sessions already describe.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	ids := r.store.IDs()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileAllParallelism)

	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			r.restoreOne(ctx, id)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	r.log.Info().
		Int("sessions", len(ids)).
		Msg("Restart reconciliation sweep complete")

	return nil
}

// restoreOne replays one session's endpoint. Failures are recorded on
// the session, never propagated: one broken device must not stall the
// rest of the sweep.
func (r *Reconciler) restoreOne(ctx context.Context, deviceID string) {
	sess, err := r.store.Get(deviceID)
	if err != nil {
		return
	}

	switch sess.State {
	case models.StateAdminDisabled, models.StateUnregistered, models.StateFailure:
		return
	}

	if sess.MgmtInfo == nil {
		return
	}

	if err := r.prov.EnsureEndpoint(ctx, sess.TenantID, deviceID, sess.MgmtInfo.Clone()); err != nil {
		state, failures, markErr := r.store.MarkReconcileFailed(deviceID)
		if markErr != nil {
			r.log.Error().Err(markErr).
				Str("device_id", deviceID).
				Msg("Failed to record reconciliation failure")

			return
		}

		r.log.Warn().Err(err).
			Str("device_id", deviceID).
			Int("failures", failures).
			Str("state", state.String()).
			Msg("Endpoint restore failed")
	}
}

// upsertParamsFromSession rebuilds the negotiation inputs for an
// existing session, folding in the endpoints the device just reported.
// Stored values win wherever the request is silent.
func upsertParamsFromSession(sess *models.DeviceSession, req models.ReconcileRequest) UpsertParams {
	params := UpsertParams{
		DeviceID:             sess.DeviceID,
		TenantID:             sess.TenantID,
		Interfaces:           sess.Interfaces,
		Features:             sess.Features,
		ObservedEndpoint:     req.ObservedEndpoint,
		ReportedEndpoint:     req.ReportedEndpoint,
		CanSpecifySourcePort: req.CanSpecifySourcePort,
		SRv6Capable:          sess.SRv6Capable,
		ClearReconcile:       true,
	}

	if req.Interfaces != nil {
		params.Interfaces = req.Interfaces
	}

	if info := sess.MgmtInfo; info != nil {
		params.SIDPrefix = info.SIDPrefix
		params.PublicPrefixLength = info.PublicPrefixLength
		params.EnableProxyNDP = info.EnableProxyNDP
		params.ForceIP6Tnl = info.ForceIP6Tnl
		params.ForceSRH = info.ForceSRH
		params.DeviceVTEPMAC = info.DeviceVTEPMAC
		params.IncomingSRTransparency = info.IncomingSRTransparency
		params.OutgoingSRTransparency = info.OutgoingSRTransparency

		if params.ObservedEndpoint.IsZero() {
			params.ObservedEndpoint = models.Endpoint{
				IP:   info.DeviceExternalIP,
				Port: info.DeviceExternalPort,
			}
		}
	}

	if params.ReportedEndpoint.IsZero() {
		params.ReportedEndpoint = params.ObservedEndpoint
	}

	return params
}
