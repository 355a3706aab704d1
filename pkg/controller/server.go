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

// Package controller implements the device-facing RPC surface: device
// registration, management-info negotiation, keepalives, unregistration
// and reconciliation, on top of the session store.
package controller

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"

	"github.com/overmesh/merang/pkg/logger"
	"github.com/overmesh/merang/pkg/models"
	"github.com/overmesh/merang/pkg/session"
	"github.com/overmesh/merang/pkg/tunnel"
)

// ServerConfig wires the RPC surface.
type ServerConfig struct {
	Store       *session.Store
	Reconciler  *session.Reconciler
	Auth        Authenticator
	Provisioner tunnel.Provisioner
	Notifier    session.Notifier
	Clock       clock.Clock
	Logger      logger.Logger
}

// Server is the transport-independent handler set. Each method maps one
// RPC; transports marshal into the models request/reply structs and call
// straight through.
type Server struct {
	store    *session.Store
	rec      *session.Reconciler
	auth     Authenticator
	prov     tunnel.Provisioner
	notifier session.Notifier
	clock    clock.Clock
	log      logger.Logger
}

// NewServer builds the RPC surface.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Auth == nil {
		cfg.Auth = AllowAllAuthenticator{TenantID: "default"}
	}

	if cfg.Notifier == nil {
		cfg.Notifier = session.NopNotifier{}
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewTestLogger()
	}

	return &Server{
		store:    cfg.Store,
		rec:      cfg.Reconciler,
		auth:     cfg.Auth,
		prov:     cfg.Provisioner,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		log:      cfg.Logger,
	}
}

// RegisterDevice runs the registration pipeline: authenticate, negotiate
// NAT/tunnel/addresses through the store, then provision the
// controller-side endpoint outside the per-device lock.
func (s *Server) RegisterDevice(ctx context.Context, req *models.RegisterRequest) *models.RegisterReply {
	tenant, reply := s.authenticate(ctx, req)
	if reply != nil {
		return reply
	}

	info, state, err := s.store.Upsert(upsertParamsFromRequest(req, tenant))
	if err != nil {
		s.log.Warn().Err(err).Str("device_id", req.DeviceID).Msg("Registration rejected")

		return &models.RegisterReply{Status: statusFromErr(err), DeviceState: state}
	}

	if s.prov != nil {
		if err := s.prov.EnsureEndpoint(ctx, tenant, req.DeviceID, info); err != nil {
			s.log.Error().Err(err).
				Str("device_id", req.DeviceID).
				Str("tunnel_mode", info.TunnelMode.String()).
				Str("device_vtep_ip", info.DeviceVTEPIP).
				Msg("Endpoint provisioning unavailable")

			// Retryable: the negotiated configuration is stored, and an
			// identical retry is absorbed idempotently before provisioning
			// is attempted again.
			return &models.RegisterReply{Status: models.StatusUnavailable, DeviceState: state}
		}
	}

	return &models.RegisterReply{
		Status:      models.StatusSuccess,
		TenantID:    tenant,
		DeviceState: state,
		MgmtInfo:    info,
	}
}

// UpdateMgmtInfo re-invokes the registration pipeline for an existing
// session. Identical input is absorbed without a version bump.
func (s *Server) UpdateMgmtInfo(ctx context.Context, req *models.RegisterRequest) *models.RegisterReply {
	return s.RegisterDevice(ctx, req)
}

// UpdateDeviceRegistration is the protocol's second name for the same
// upsert path.
func (s *Server) UpdateDeviceRegistration(ctx context.Context, req *models.RegisterRequest) *models.RegisterReply {
	return s.RegisterDevice(ctx, req)
}

// KeepAlive refreshes the session's liveness timestamp and reports the
// current state. A keepalive from a device the monitor wrote off heals
// the session and emits a recovery event.
func (s *Server) KeepAlive(ctx context.Context, req *models.KeepAliveRequest) *models.KeepAliveReply {
	prior, state, err := s.store.TouchKeepAlive(req.DeviceID, req.SentAt)
	if err != nil {
		return &models.KeepAliveReply{Status: statusFromErr(err), DeviceState: state}
	}

	if prior.State == models.StateFailure && state != models.StateFailure {
		s.notifyRecovered(ctx, prior, state)
	}

	return &models.KeepAliveReply{Status: models.StatusSuccess, DeviceState: state}
}

// UnregisterDevice logically removes the session and tears down the
// controller-side endpoint. Repeated calls are idempotent; an unknown
// identity is reported, never masked.
func (s *Server) UnregisterDevice(ctx context.Context, req *models.UnregisterRequest) *models.UnregisterReply {
	sess, err := s.store.Get(req.DeviceID)
	if err != nil {
		return &models.UnregisterReply{Status: statusFromErr(err)}
	}

	if err := s.store.MarkUnregistered(req.DeviceID); err != nil {
		return &models.UnregisterReply{Status: statusFromErr(err)}
	}

	if s.prov != nil {
		if err := s.prov.DestroyEndpoint(ctx, sess.TenantID, req.DeviceID); err != nil {
			s.log.Error().Err(err).Str("device_id", req.DeviceID).Msg("Endpoint teardown unavailable")

			// The session is already unregistered; the caller retries the
			// idempotent unregister until teardown lands.
			return &models.UnregisterReply{Status: models.StatusUnavailable}
		}
	}

	return &models.UnregisterReply{Status: models.StatusSuccess}
}

// ExecReconciliation hands the device's reported view to the
// reconciliation engine and returns the authoritative configuration.
func (s *Server) ExecReconciliation(ctx context.Context, req *models.ReconcileRequest) *models.ReconcileReply {
	info, state, err := s.rec.Reconcile(ctx, *req)
	if err != nil {
		status := statusFromErr(err)
		if status == models.StatusInternalError {
			// Unrecognized failures on this path come from the
			// provisioning backend.
			status = models.StatusUnavailable
		}

		return &models.ReconcileReply{Status: status, DeviceState: state}
	}

	return &models.ReconcileReply{
		Status:      models.StatusSuccess,
		DeviceState: state,
		MgmtInfo:    info,
	}
}

// DisableDevice places the session under the administrative lock. Device
// traffic is rejected with a disabled status until EnableDevice.
func (s *Server) DisableDevice(_ context.Context, deviceID string) (models.DeviceState, error) {
	return s.store.SetAdminState(deviceID, true)
}

// EnableDevice lifts the administrative lock.
func (s *Server) EnableDevice(_ context.Context, deviceID string) (models.DeviceState, error) {
	return s.store.SetAdminState(deviceID, false)
}

func (s *Server) authenticate(ctx context.Context, req *models.RegisterRequest) (string, *models.RegisterReply) {
	if req.DeviceID == "" {
		return "", &models.RegisterReply{Status: models.StatusBadRequest}
	}

	tenant, err := s.auth.Authenticate(ctx, req.AuthData)
	if err != nil {
		s.log.Warn().Str("device_id", req.DeviceID).Msg("Authentication failed")

		return "", &models.RegisterReply{Status: models.StatusUnauthorized}
	}

	if req.TenantID != "" && req.TenantID != tenant {
		s.log.Warn().
			Str("device_id", req.DeviceID).
			Str("claimed_tenant", req.TenantID).
			Msg("Tenant claim does not match credential")

		return "", &models.RegisterReply{Status: models.StatusUnauthorized}
	}

	return tenant, nil
}

func (s *Server) notifyRecovered(ctx context.Context, prior *models.DeviceSession, state models.DeviceState) {
	data := models.DeviceHealthEventData{
		DeviceID:       prior.DeviceID,
		TenantID:       prior.TenantID,
		PreviousState:  prior.State,
		CurrentState:   state,
		Timestamp:      s.clock.Now(),
		LastSeen:       prior.LastKeepAlive,
		RecoveryReason: "keepalive",
	}

	if prior.MgmtInfo != nil {
		data.TunnelMode = prior.MgmtInfo.TunnelMode
	}

	if err := s.notifier.NotifyDeviceHealth(ctx, data); err != nil {
		s.log.Error().Err(err).Str("device_id", prior.DeviceID).Msg("Publishing recovery event failed")
	}
}

func upsertParamsFromRequest(req *models.RegisterRequest, tenant string) session.UpsertParams {
	return session.UpsertParams{
		DeviceID:             req.DeviceID,
		TenantID:             tenant,
		Interfaces:           req.Interfaces,
		Features:             req.Features,
		ReportedEndpoint:     req.ReportedEndpoint,
		ObservedEndpoint:     req.ObservedEndpoint,
		CanSpecifySourcePort: req.CanSpecifySourcePort,
		SRv6Capable:          req.SRv6Capable,
		SIDPrefix:            req.SIDPrefix,
		PublicPrefixLength:   req.PublicPrefixLength,
		EnableProxyNDP:       req.EnableProxyNDP,
		ForceIP6Tnl:          req.ForceIP6Tnl,
		ForceSRH:             req.ForceSRH,

		IncomingSRTransparency: req.IncomingSRTransparency,
		OutgoingSRTransparency: req.OutgoingSRTransparency,

		DeviceVTEPMAC: req.DeviceVTEPMAC,
		Rebooting:     req.Rebooting,

		// A device announcing a restart will come back with empty local
		// state; flag the session for reconciliation up front.
		MarkReconcile: req.Rebooting,
	}
}

// statusFromErr maps internal error kinds onto the shared status
// enumeration. Only transport-level code inspects the raw errors.
func statusFromErr(err error) models.Status {
	switch {
	case err == nil:
		return models.StatusSuccess
	case errors.Is(err, session.ErrDeviceNotFound),
		errors.Is(err, session.ErrDeviceUnregistered):
		return models.StatusNotFound
	case errors.Is(err, session.ErrDeviceDisabled):
		return models.StatusDisabled
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, tunnel.ErrConflictingForceFlags),
		errors.Is(err, tunnel.ErrModeIncompatible):
		return models.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return models.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return models.StatusUnavailable
	default:
		return models.StatusInternalError
	}
}
