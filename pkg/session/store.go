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

// Package session tracks per-device registration state: the session
// store, the lifecycle state machine, the keepalive monitor, and the
// reconciliation engine.
package session

import (
	"fmt"
	"net/netip"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/overmesh/merang/pkg/logger"
	"github.com/overmesh/merang/pkg/models"
	"github.com/overmesh/merang/pkg/nat"
	"github.com/overmesh/merang/pkg/tunnel"
)

// observedEndpointHistory caps how many prior transport-observed
// endpoints a session retains for symmetric-NAT detection.
const observedEndpointHistory = 4

// defaultMaxReconcileFailures bounds how often reconciliation may fail
// before the session is written off as failed.
const defaultMaxReconcileFailures = 5

// StoreConfig wires the store's collaborators.
type StoreConfig struct {
	Clock                clock.Clock
	Allocator            tunnel.AddressAllocator
	VXLANPort            int
	MaxReconcileFailures int
	Logger               logger.Logger
}

// Store is the concurrency-safe registry of device sessions and the
// single source of truth for the state machine. All operations are
// atomic per device identity; operations on different identities proceed
// in parallel.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.DeviceSession
	locks    map[string]*sync.Mutex

	clock       clock.Clock
	allocator   tunnel.AddressAllocator
	vxlanPort   int
	maxFailures int
	log         logger.Logger
}

// NewStore builds an empty session store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	if cfg.VXLANPort == 0 {
		cfg.VXLANPort = tunnel.DefaultVXLANPort
	}

	if cfg.MaxReconcileFailures == 0 {
		cfg.MaxReconcileFailures = defaultMaxReconcileFailures
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewTestLogger()
	}

	return &Store{
		sessions:    make(map[string]*models.DeviceSession),
		locks:       make(map[string]*sync.Mutex),
		clock:       cfg.Clock,
		allocator:   cfg.Allocator,
		vxlanPort:   cfg.VXLANPort,
		maxFailures: cfg.MaxReconcileFailures,
		log:         cfg.Logger,
	}
}

// lockFor returns the per-identity mutex, creating it on first use. The
// mutex is never removed: unregistered sessions stay addressable for
// idempotent repeat calls.
func (s *Store) lockFor(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.locks[deviceID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[deviceID] = mu
	}

	return mu
}

func (s *Store) load(deviceID string) *models.DeviceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sessions[deviceID]
}

// swap commits a fully computed session value in one step.
func (s *Store) swap(sess *models.DeviceSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.DeviceID] = sess
}

// UpsertParams is one registration's input to the negotiation pipeline.
type UpsertParams struct {
	DeviceID   string
	TenantID   string
	Interfaces []models.Interface
	Features   []models.Feature

	ReportedEndpoint     models.Endpoint
	ObservedEndpoint     models.Endpoint
	CanSpecifySourcePort bool
	SRv6Capable          bool

	SIDPrefix          string
	PublicPrefixLength int
	EnableProxyNDP     bool
	ForceIP6Tnl        bool
	ForceSRH           bool

	IncomingSRTransparency models.SRTransparency
	OutgoingSRTransparency models.SRTransparency

	DeviceVTEPMAC string

	// Rebooting marks a registration carrying the device's restart
	// notification.
	Rebooting bool

	// MarkReconcile requests the reconciliation flag for sessions that
	// already existed, mirroring the register-while-registered path.
	MarkReconcile bool
	// ClearReconcile drops the reconciliation flag; the reconciliation
	// engine sets it once drift has been repaired.
	ClearReconcile bool

	// ExpectedVersion, when non-zero, makes the write conditional: it
	// fails with ErrVersionConflict unless the stored session still
	// carries this version. Read-compare-update callers use it to
	// detect a concurrent mutation between their read and this write.
	ExpectedVersion uint64
}

// Upsert creates or updates a session: it classifies the NAT, selects
// the tunnel mode, allocates VTEP addresses, bumps the version counter,
// and runs the state machine forward. The new session value is computed
// fully and swapped in atomically.
func (s *Store) Upsert(params UpsertParams) (*models.MgmtInfo, models.DeviceState, error) {
	mu := s.lockFor(params.DeviceID)
	mu.Lock()
	defer mu.Unlock()

	existing := s.load(params.DeviceID)

	if existing != nil && existing.State == models.StateAdminDisabled {
		return nil, existing.State, ErrDeviceDisabled
	}

	if params.ExpectedVersion != 0 && (existing == nil || existing.Version != params.ExpectedVersion) {
		return nil, stateOf(existing), ErrVersionConflict
	}

	var prior []models.Endpoint
	if existing != nil {
		prior = existing.ObservedEndpoints
	}

	natType := nat.Classify(nat.ClassifyInput{
		Reported:             params.ReportedEndpoint,
		Observed:             params.ObservedEndpoint,
		PriorObserved:        prior,
		CanSpecifySourcePort: params.CanSpecifySourcePort,
	})

	mode, err := tunnel.Select(natType, params.ForceIP6Tnl, params.ForceSRH, tunnel.Capabilities{SRv6: params.SRv6Capable})
	if err != nil {
		return nil, stateOf(existing), err
	}

	info, err := s.buildMgmtInfo(params, natType, mode)
	if err != nil {
		return nil, stateOf(existing), err
	}

	event := EventRegister
	if params.Rebooting {
		event = EventRebooting
	}

	nextState, err := Next(stateOf(existing), event)
	if err != nil {
		return nil, stateOf(existing), err
	}

	now := s.clock.Now()
	next := s.nextSessionValue(existing, params, info, nextState, now)

	if existing != nil && sessionUnchanged(existing, next) {
		// Idempotent re-registration: refresh liveness only, keep the
		// version counter untouched.
		refreshed := existing.Clone()
		refreshed.LastKeepAlive = laterOf(existing.LastKeepAlive, now)
		s.swap(refreshed)

		return refreshed.MgmtInfo.Clone(), refreshed.State, nil
	}

	next.Version = versionAfter(existing)
	s.swap(next)

	s.log.Info().
		Str("device_id", params.DeviceID).
		Str("tenant_id", params.TenantID).
		Str("nat_type", natType.String()).
		Str("tunnel_mode", mode.String()).
		Str("state", nextState.String()).
		Uint64("version", next.Version).
		Msg("Device session upserted")

	return next.MgmtInfo.Clone(), next.State, nil
}

func (s *Store) buildMgmtInfo(params UpsertParams, natType models.NATType, mode models.TunnelMode) (*models.MgmtInfo, error) {
	info := &models.MgmtInfo{
		TunnelMode:             mode,
		NATType:                natType,
		DeviceExternalIP:       params.ObservedEndpoint.IP,
		DeviceExternalPort:     params.ObservedEndpoint.Port,
		VXLANPort:              s.vxlanPort,
		VNI:                    tunnel.MgmtVNI,
		SIDPrefix:              params.SIDPrefix,
		PublicPrefixLength:     params.PublicPrefixLength,
		EnableProxyNDP:         params.EnableProxyNDP,
		ForceIP6Tnl:            params.ForceIP6Tnl,
		ForceSRH:               params.ForceSRH,
		DeviceVTEPMAC:          params.DeviceVTEPMAC,
		IncomingSRTransparency: params.IncomingSRTransparency.Normalize(),
		OutgoingSRTransparency: params.OutgoingSRTransparency.Normalize(),
	}

	if s.allocator != nil {
		pair, err := s.allocator.AllocateVTEPPair(params.TenantID, params.DeviceID, isIPv6(params.ObservedEndpoint.IP))
		if err != nil {
			return nil, fmt.Errorf("allocate VTEP pair for %s: %w", params.DeviceID, err)
		}

		info.DeviceVTEPIP = pair.DeviceIP
		info.ControllerVTEPIP = pair.ControllerIP
		info.VTEPMask = pair.Mask
	}

	return info, nil
}

// nextSessionValue assembles the candidate replacement session off to
// the side of the committed one.
func (s *Store) nextSessionValue(
	existing *models.DeviceSession,
	params UpsertParams,
	info *models.MgmtInfo,
	nextState models.DeviceState,
	now time.Time,
) *models.DeviceSession {
	next := &models.DeviceSession{
		DeviceID:      params.DeviceID,
		TenantID:      params.TenantID,
		State:         nextState,
		MgmtInfo:      info,
		Interfaces:    cloneInterfaces(params.Interfaces),
		Features:      cloneFeatures(params.Features),
		SRv6Capable:   params.SRv6Capable,
		RegisteredAt:  now,
		LastKeepAlive: now,
		Connected:     true,
	}

	next.MgmtIP = info.DeviceVTEPIP
	if next.MgmtIP == "" {
		next.MgmtIP = params.ObservedEndpoint.IP
	}

	if existing == nil {
		next.Epoch = uuid.New().String()
		next.ObservedEndpoints = appendObserved(nil, params.ObservedEndpoint)

		return next
	}

	next.RegisteredAt = existing.RegisteredAt
	next.LastKeepAlive = laterOf(existing.LastKeepAlive, now)
	next.Version = existing.Version
	next.Epoch = existing.Epoch
	next.NeedsReconciliation = (existing.NeedsReconciliation || params.MarkReconcile) && !params.ClearReconcile
	next.ReconciliationFailures = existing.ReconciliationFailures
	next.ObservedEndpoints = appendObserved(existing.ObservedEndpoints, params.ObservedEndpoint)

	// A revived session starts a new registration generation.
	if existing.State == models.StateUnregistered || existing.State == models.StateFailure {
		next.Epoch = uuid.New().String()
	}

	return next
}

// sessionUnchanged reports whether the candidate differs from the stored
// session in any state-affecting way.
func sessionUnchanged(existing, next *models.DeviceSession) bool {
	return existing.State == next.State &&
		existing.TenantID == next.TenantID &&
		existing.NeedsReconciliation == next.NeedsReconciliation &&
		existing.SRv6Capable == next.SRv6Capable &&
		existing.MgmtInfo.Equal(next.MgmtInfo) &&
		reflect.DeepEqual(existing.Interfaces, next.Interfaces) &&
		reflect.DeepEqual(existing.Features, next.Features) &&
		reflect.DeepEqual(existing.ObservedEndpoints, next.ObservedEndpoints)
}

// Get returns a copy of the session for the identity.
func (s *Store) Get(deviceID string) (*models.DeviceSession, error) {
	sess := s.load(deviceID)
	if sess == nil {
		return nil, ErrDeviceNotFound
	}

	return sess.Clone(), nil
}

// TouchKeepAlive refreshes a session's liveness timestamp. A keepalive
// carrying a timestamp earlier than the stored one is a no-op, never a
// regression. A session in failure self-heals back to working. The
// pre-update snapshot is returned alongside the resulting state so
// callers observe the state the keepalive arrived in without a
// separate read.
func (s *Store) TouchKeepAlive(deviceID string, at time.Time) (*models.DeviceSession, models.DeviceState, error) {
	mu := s.lockFor(deviceID)
	mu.Lock()
	defer mu.Unlock()

	existing := s.load(deviceID)
	if existing == nil {
		return nil, models.StateUnknown, ErrDeviceNotFound
	}

	if existing.State == models.StateUnregistered {
		return existing.Clone(), existing.State, ErrDeviceUnregistered
	}

	nextState, err := Next(existing.State, EventKeepAlive)
	if err != nil {
		return existing.Clone(), existing.State, err
	}

	if at.IsZero() {
		at = s.clock.Now()
	}

	if !at.After(existing.LastKeepAlive) && nextState == existing.State {
		return existing.Clone(), existing.State, nil
	}

	next := existing.Clone()
	next.LastKeepAlive = laterOf(existing.LastKeepAlive, at)
	next.Connected = true

	if nextState != existing.State {
		next.State = nextState
		next.FailureNotified = false
		next.Version = versionAfter(existing)

		s.log.Info().
			Str("device_id", deviceID).
			Str("previous_state", existing.State.String()).
			Str("state", nextState.String()).
			Msg("Device recovered by keepalive")
	}

	s.swap(next)

	return existing.Clone(), next.State, nil
}

// MarkUnregistered drives the session to its terminal logical state. The
// session is retained so duplicate unregister calls stay idempotent.
func (s *Store) MarkUnregistered(deviceID string) error {
	mu := s.lockFor(deviceID)
	mu.Lock()
	defer mu.Unlock()

	existing := s.load(deviceID)
	if existing == nil {
		return ErrDeviceNotFound
	}

	if existing.State == models.StateUnregistered {
		return nil
	}

	nextState, err := Next(existing.State, EventUnregister)
	if err != nil {
		return err
	}

	next := existing.Clone()
	next.State = nextState
	next.Connected = false
	next.Version = versionAfter(existing)
	s.swap(next)

	if s.allocator != nil {
		if err := s.allocator.Release(existing.TenantID, deviceID); err != nil {
			s.log.Warn().Err(err).Str("device_id", deviceID).Msg("Releasing VTEP allocation failed")
		}
	}

	s.log.Info().Str("device_id", deviceID).Msg("Device unregistered")

	return nil
}

// SignalRebootRequired records that applied configuration needs a device
// restart; the collaborator, not the store, decides when that is the case.
func (s *Store) SignalRebootRequired(deviceID string) (models.DeviceState, error) {
	return s.applyEvent(deviceID, EventRebootRequired)
}

// SetAdminState is the administrative entry point: it disables a device
// or re-enables a disabled one. It bypasses the device-originated event
// checks by construction.
func (s *Store) SetAdminState(deviceID string, disable bool) (models.DeviceState, error) {
	event := EventAdminEnable
	if disable {
		event = EventAdminDisable
	}

	return s.applyEvent(deviceID, event)
}

func (s *Store) applyEvent(deviceID string, event Event) (models.DeviceState, error) {
	mu := s.lockFor(deviceID)
	mu.Lock()
	defer mu.Unlock()

	existing := s.load(deviceID)
	if existing == nil {
		return models.StateUnknown, ErrDeviceNotFound
	}

	nextState, err := Next(existing.State, event)
	if err != nil {
		return existing.State, err
	}

	if nextState == existing.State {
		return existing.State, nil
	}

	next := existing.Clone()
	next.State = nextState
	next.Version = versionAfter(existing)
	s.swap(next)

	s.log.Info().
		Str("device_id", deviceID).
		Str("event", event.String()).
		Str("previous_state", existing.State.String()).
		Str("state", nextState.String()).
		Msg("Device state transition")

	return nextState, nil
}

// MarkFailed transitions a session to failure if, re-read under its
// lock, the liveness deadline is still missed. When a notification
// should be emitted it returns true along with the pre-transition
// snapshot, so callers see the state the device fell from. The
// FailureNotified flag keeps one notification per missed-deadline
// episode; a keepalive heal rearms it. The session is flagged for
// reconciliation so a heal repairs the torn-down endpoint.
func (s *Store) MarkFailed(deviceID string, threshold time.Duration) (*models.DeviceSession, bool, error) {
	mu := s.lockFor(deviceID)
	mu.Lock()
	defer mu.Unlock()

	existing := s.load(deviceID)
	if existing == nil {
		return nil, false, ErrDeviceNotFound
	}

	if existing.State == models.StateAdminDisabled || existing.State == models.StateUnregistered {
		return existing.Clone(), false, nil
	}

	// Re-validate: a keepalive may have landed since the scan snapshot.
	if s.clock.Now().Sub(existing.LastKeepAlive) < threshold {
		return existing.Clone(), false, nil
	}

	if existing.State == models.StateFailure && existing.FailureNotified {
		return existing.Clone(), false, nil
	}

	next := existing.Clone()

	if existing.State != models.StateFailure {
		nextState, err := Next(existing.State, EventKeepAliveTimeout)
		if err != nil {
			return existing.Clone(), false, err
		}

		next.State = nextState
	}

	next.Connected = false
	next.FailureNotified = true
	next.NeedsReconciliation = true
	next.Version = versionAfter(existing)
	s.swap(next)

	s.log.Warn().
		Str("device_id", deviceID).
		Str("previous_state", existing.State.String()).
		Time("last_keepalive", existing.LastKeepAlive).
		Msg("Device declared unreachable")

	return existing.Clone(), true, nil
}

// MarkReconcileFailed records a failed reconciliation attempt. The
// session moves to reboot_required while the failure budget holds and
// to failure once it is exhausted. It returns the resulting state and
// the updated failure count.
func (s *Store) MarkReconcileFailed(deviceID string) (models.DeviceState, int, error) {
	mu := s.lockFor(deviceID)
	mu.Lock()
	defer mu.Unlock()

	existing := s.load(deviceID)
	if existing == nil {
		return models.StateUnknown, 0, ErrDeviceNotFound
	}

	failures := existing.ReconciliationFailures + 1

	event := EventReconcileFailed
	if failures >= s.maxFailures {
		event = EventReconcileAborted
	}

	nextState, err := Next(existing.State, event)
	if err != nil {
		return existing.State, existing.ReconciliationFailures, err
	}

	next := existing.Clone()
	next.State = nextState
	next.ReconciliationFailures = failures
	next.NeedsReconciliation = true
	next.Version = versionAfter(existing)
	s.swap(next)

	s.log.Warn().
		Str("device_id", deviceID).
		Int("failures", failures).
		Str("state", nextState.String()).
		Msg("Reconciliation attempt failed")

	return nextState, failures, nil
}

// ClearReconcileState resets the failure counter after a successful
// reconciliation. The needs-reconciliation flag itself is cleared by
// the Upsert that carried the reconciled configuration.
func (s *Store) ClearReconcileState(deviceID string) error {
	mu := s.lockFor(deviceID)
	mu.Lock()
	defer mu.Unlock()

	existing := s.load(deviceID)
	if existing == nil {
		return ErrDeviceNotFound
	}

	if existing.ReconciliationFailures == 0 {
		return nil
	}

	next := existing.Clone()
	next.ReconciliationFailures = 0
	s.swap(next)

	return nil
}

// ForEachStale visits a point-in-time snapshot of identities whose last
// keepalive is older than threshold and whose state accepts a timeout.
// Sessions added after the snapshot are not guaranteed to appear. The
// visit stops early when fn returns false.
func (s *Store) ForEachStale(threshold time.Duration, fn func(deviceID string) bool) {
	cutoff := s.clock.Now().Add(-threshold)

	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		sess := s.load(id)
		if sess == nil {
			continue
		}

		if sess.State == models.StateAdminDisabled || sess.State == models.StateUnregistered {
			continue
		}

		if sess.LastKeepAlive.After(cutoff) {
			continue
		}

		if !fn(id) {
			return
		}
	}
}

// IDs returns a snapshot of all known identities.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}

	return ids
}

// Len returns the number of tracked sessions, including unregistered
// ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

func stateOf(sess *models.DeviceSession) models.DeviceState {
	if sess == nil {
		return models.StateUnknown
	}

	return sess.State
}

func versionAfter(sess *models.DeviceSession) uint64 {
	if sess == nil {
		return 1
	}

	return sess.Version + 1
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}

	return b
}

func appendObserved(history []models.Endpoint, observed models.Endpoint) []models.Endpoint {
	if observed.IsZero() {
		return cloneEndpoints(history)
	}

	// Collapse duplicates so a stable mapping keeps a single entry.
	if n := len(history); n > 0 && history[n-1] == observed {
		return cloneEndpoints(history)
	}

	out := make([]models.Endpoint, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, observed)

	if len(out) > observedEndpointHistory {
		out = out[len(out)-observedEndpointHistory:]
	}

	return out
}

func cloneEndpoints(in []models.Endpoint) []models.Endpoint {
	if in == nil {
		return nil
	}

	out := make([]models.Endpoint, len(in))
	copy(out, in)

	return out
}

func cloneInterfaces(in []models.Interface) []models.Interface {
	if in == nil {
		return nil
	}

	out := make([]models.Interface, len(in))
	copy(out, in)

	for i := range out {
		out[i].IPv4Addrs = cloneStrings(in[i].IPv4Addrs)
		out[i].IPv6Addrs = cloneStrings(in[i].IPv6Addrs)
		out[i].ExtIPv4Addrs = cloneStrings(in[i].ExtIPv4Addrs)
		out[i].ExtIPv6Addrs = cloneStrings(in[i].ExtIPv6Addrs)
		out[i].IPv4Subnets = cloneSubnets(in[i].IPv4Subnets)
		out[i].IPv6Subnets = cloneSubnets(in[i].IPv6Subnets)
	}

	return out
}

func cloneFeatures(in []models.Feature) []models.Feature {
	if in == nil {
		return nil
	}

	out := make([]models.Feature, len(in))
	copy(out, in)

	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}

	out := make([]string, len(in))
	copy(out, in)

	return out
}

func cloneSubnets(in []models.Subnet) []models.Subnet {
	if in == nil {
		return nil
	}

	out := make([]models.Subnet, len(in))
	copy(out, in)

	return out
}

func isIPv6(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}

	return addr.Is6() && !addr.Is4In6()
}
