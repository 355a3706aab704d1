package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmesh/merang/pkg/logger"
	"github.com/overmesh/merang/pkg/models"
	"github.com/overmesh/merang/pkg/session"
	"github.com/overmesh/merang/pkg/tunnel"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.DeviceHealthEventData
}

func (n *recordingNotifier) NotifyDeviceHealth(_ context.Context, data models.DeviceHealthEventData) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, data)

	return nil
}

func (n *recordingNotifier) snapshot() []models.DeviceHealthEventData {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]models.DeviceHealthEventData, len(n.events))
	copy(out, n.events)

	return out
}

type serverFixture struct {
	server   *Server
	store    *session.Store
	clock    *clock.Mock
	prov     *tunnel.MemProvisioner
	notifier *recordingNotifier
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))

	alloc, err := tunnel.NewMemAllocator("", "")
	require.NoError(t, err)

	store := session.NewStore(session.StoreConfig{
		Clock:     mockClock,
		Allocator: alloc,
		Logger:    logger.NewTestLogger(),
	})

	prov := tunnel.NewMemProvisioner()
	notifier := &recordingNotifier{}

	rec := session.NewReconciler(session.ReconcilerConfig{
		Store:       store,
		Provisioner: prov,
		Logger:      logger.NewTestLogger(),
	})

	server := NewServer(ServerConfig{
		Store:      store,
		Reconciler: rec,
		Auth: NewStaticTokenAuthenticator(map[string]string{
			"token-a": "tenant-a",
		}),
		Provisioner: prov,
		Notifier:    notifier,
		Clock:       mockClock,
		Logger:      logger.NewTestLogger(),
	})

	return &serverFixture{
		server:   server,
		store:    store,
		clock:    mockClock,
		prov:     prov,
		notifier: notifier,
	}
}

func registerRequest(deviceID string) *models.RegisterRequest {
	return &models.RegisterRequest{
		DeviceID:         deviceID,
		AuthData:         models.AuthData{Token: "token-a"},
		ReportedEndpoint: models.Endpoint{IP: "203.0.113.7", Port: 40000},
		ObservedEndpoint: models.Endpoint{IP: "203.0.113.7", Port: 40000},
		Interfaces: []models.Interface{
			{Name: "eth0", IPv4Addrs: []string{"10.0.0.1"}},
		},
	}
}

func TestRegisterDeviceNoNATGetsSRv6(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	req := registerRequest("dev-1")
	req.SRv6Capable = true
	req.SIDPrefix = "fc00:1::/64"

	reply := f.server.RegisterDevice(context.Background(), req)

	require.Equal(t, models.StatusSuccess, reply.Status)
	assert.Equal(t, "tenant-a", reply.TenantID)
	assert.Equal(t, models.StateWorking, reply.DeviceState)
	require.NotNil(t, reply.MgmtInfo)
	assert.Equal(t, models.NATNone, reply.MgmtInfo.NATType)
	assert.Equal(t, models.TunnelSRv6, reply.MgmtInfo.TunnelMode)
	assert.Equal(t, 1, f.prov.Count())
}

func TestRegisterDeviceSymmetricNATGetsVXLAN(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	req := registerRequest("dev-1")
	req.ReportedEndpoint = models.Endpoint{IP: "10.0.0.1", Port: 40000}
	req.ObservedEndpoint = models.Endpoint{IP: "203.0.113.7", Port: 40001}

	reply := f.server.RegisterDevice(context.Background(), req)
	require.Equal(t, models.StatusSuccess, reply.Status)

	// The NAT rewrote the mapping between registrations.
	req.ObservedEndpoint = models.Endpoint{IP: "203.0.113.7", Port: 40777}

	reply = f.server.RegisterDevice(context.Background(), req)
	require.Equal(t, models.StatusSuccess, reply.Status)
	assert.Equal(t, models.NATSymmetric, reply.MgmtInfo.NATType)
	assert.Equal(t, models.TunnelVXLAN, reply.MgmtInfo.TunnelMode)
	// The tunnel targets the externally learned endpoint.
	assert.Equal(t, "203.0.113.7", reply.MgmtInfo.DeviceExternalIP)
	assert.Equal(t, 40777, reply.MgmtInfo.DeviceExternalPort)
}

func TestUpdateMgmtInfoIdempotent(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)
	req := registerRequest("dev-1")

	first := f.server.RegisterDevice(context.Background(), req)
	require.Equal(t, models.StatusSuccess, first.Status)

	before, err := f.store.Get("dev-1")
	require.NoError(t, err)

	second := f.server.UpdateMgmtInfo(context.Background(), req)
	require.Equal(t, models.StatusSuccess, second.Status)

	assert.Equal(t, first.DeviceState, second.DeviceState)
	assert.True(t, first.MgmtInfo.Equal(second.MgmtInfo))

	after, err := f.store.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestRegisterDeviceAuthFailures(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	tests := []struct {
		name   string
		mutate func(*models.RegisterRequest)
		want   models.Status
	}{
		{
			name:   "unknown token",
			mutate: func(r *models.RegisterRequest) { r.AuthData.Token = "wrong" },
			want:   models.StatusUnauthorized,
		},
		{
			name:   "empty token",
			mutate: func(r *models.RegisterRequest) { r.AuthData.Token = "" },
			want:   models.StatusUnauthorized,
		},
		{
			name:   "tenant claim mismatch",
			mutate: func(r *models.RegisterRequest) { r.TenantID = "tenant-b" },
			want:   models.StatusUnauthorized,
		},
		{
			name:   "missing device id",
			mutate: func(r *models.RegisterRequest) { r.DeviceID = "" },
			want:   models.StatusBadRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := registerRequest("dev-1")
			tc.mutate(req)

			reply := f.server.RegisterDevice(context.Background(), req)
			assert.Equal(t, tc.want, reply.Status)
		})
	}
}

func TestRegisterDeviceConflictingForceFlags(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	req := registerRequest("dev-1")
	req.ForceIP6Tnl = true
	req.ForceSRH = true

	reply := f.server.RegisterDevice(context.Background(), req)
	assert.Equal(t, models.StatusBadRequest, reply.Status)
	assert.Nil(t, reply.MgmtInfo)
}

func TestRegisterDeviceProvisioningUnavailable(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)
	f.prov.Err = assert.AnError

	reply := f.server.RegisterDevice(context.Background(), registerRequest("dev-1"))
	require.Equal(t, models.StatusUnavailable, reply.Status)
	assert.True(t, reply.Status.Retryable())

	// The negotiated session survived; a retry provisions and succeeds
	// without renegotiating.
	f.prov.Err = nil

	reply = f.server.RegisterDevice(context.Background(), registerRequest("dev-1"))
	assert.Equal(t, models.StatusSuccess, reply.Status)
	assert.Equal(t, 1, f.prov.Count())
}

func TestKeepAliveLifecycle(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	reply := f.server.KeepAlive(context.Background(), &models.KeepAliveRequest{DeviceID: "ghost"})
	assert.Equal(t, models.StatusNotFound, reply.Status)

	require.Equal(t, models.StatusSuccess,
		f.server.RegisterDevice(context.Background(), registerRequest("dev-1")).Status)

	f.clock.Add(5 * time.Second)

	reply = f.server.KeepAlive(context.Background(), &models.KeepAliveRequest{
		DeviceID: "dev-1",
		SentAt:   f.clock.Now(),
	})
	assert.Equal(t, models.StatusSuccess, reply.Status)
	assert.Equal(t, models.StateWorking, reply.DeviceState)
}

func TestKeepAliveRecoversFailedSession(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	require.Equal(t, models.StatusSuccess,
		f.server.RegisterDevice(context.Background(), registerRequest("dev-1")).Status)

	f.clock.Add(time.Minute)

	_, notified, err := f.store.MarkFailed("dev-1", 20*time.Second)
	require.NoError(t, err)
	require.True(t, notified)

	reply := f.server.KeepAlive(context.Background(), &models.KeepAliveRequest{
		DeviceID: "dev-1",
		SentAt:   f.clock.Now(),
	})
	require.Equal(t, models.StatusSuccess, reply.Status)
	assert.Equal(t, models.StateWorking, reply.DeviceState)

	events := f.notifier.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, models.StateFailure, events[0].PreviousState)
	assert.Equal(t, models.StateWorking, events[0].CurrentState)
	assert.Equal(t, "keepalive", events[0].RecoveryReason)

	// A follow-up keepalive observes the healed state under the same
	// lock the heal ran under, so the event stays one per episode.
	f.clock.Add(time.Second)
	reply = f.server.KeepAlive(context.Background(), &models.KeepAliveRequest{
		DeviceID: "dev-1",
		SentAt:   f.clock.Now(),
	})
	require.Equal(t, models.StatusSuccess, reply.Status)
	assert.Len(t, f.notifier.snapshot(), 1)
}

func TestDisableDeviceRejectsTraffic(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	require.Equal(t, models.StatusSuccess,
		f.server.RegisterDevice(context.Background(), registerRequest("dev-1")).Status)

	state, err := f.server.DisableDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Equal(t, models.StateAdminDisabled, state)

	reply := f.server.RegisterDevice(context.Background(), registerRequest("dev-1"))
	assert.Equal(t, models.StatusDisabled, reply.Status)

	kaReply := f.server.KeepAlive(context.Background(), &models.KeepAliveRequest{
		DeviceID: "dev-1",
		SentAt:   f.clock.Now(),
	})
	assert.Equal(t, models.StatusDisabled, kaReply.Status)

	sess, err := f.store.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateAdminDisabled, sess.State)

	state, err = f.server.EnableDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Equal(t, models.StateWorking, state)

	reply = f.server.RegisterDevice(context.Background(), registerRequest("dev-1"))
	assert.Equal(t, models.StatusSuccess, reply.Status)
}

func TestUnregisterDevice(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	reply := f.server.UnregisterDevice(context.Background(), &models.UnregisterRequest{DeviceID: "ghost"})
	assert.Equal(t, models.StatusNotFound, reply.Status)

	require.Equal(t, models.StatusSuccess,
		f.server.RegisterDevice(context.Background(), registerRequest("dev-1")).Status)
	require.Equal(t, 1, f.prov.Count())

	reply = f.server.UnregisterDevice(context.Background(), &models.UnregisterRequest{DeviceID: "dev-1"})
	assert.Equal(t, models.StatusSuccess, reply.Status)
	assert.Equal(t, 0, f.prov.Count())

	// Repeats stay idempotent.
	reply = f.server.UnregisterDevice(context.Background(), &models.UnregisterRequest{DeviceID: "dev-1"})
	assert.Equal(t, models.StatusSuccess, reply.Status)

	kaReply := f.server.KeepAlive(context.Background(), &models.KeepAliveRequest{DeviceID: "dev-1"})
	assert.Equal(t, models.StatusNotFound, kaReply.Status)
}

func TestExecReconciliation(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	reg := f.server.RegisterDevice(context.Background(), registerRequest("dev-1"))
	require.Equal(t, models.StatusSuccess, reg.Status)

	reply := f.server.ExecReconciliation(context.Background(), &models.ReconcileRequest{
		DeviceID: "dev-1",
		MgmtInfo: reg.MgmtInfo,
	})
	require.Equal(t, models.StatusSuccess, reply.Status)
	assert.True(t, reg.MgmtInfo.Equal(reply.MgmtInfo))

	reply = f.server.ExecReconciliation(context.Background(), &models.ReconcileRequest{DeviceID: "ghost"})
	assert.Equal(t, models.StatusNotFound, reply.Status)
}

func TestExecReconciliationProvisioningUnavailable(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	reg := f.server.RegisterDevice(context.Background(), registerRequest("dev-1"))
	require.Equal(t, models.StatusSuccess, reg.Status)

	drifted := reg.MgmtInfo.Clone()
	drifted.TunnelMode = models.TunnelUnspecified

	f.prov.Err = assert.AnError

	reply := f.server.ExecReconciliation(context.Background(), &models.ReconcileRequest{
		DeviceID: "dev-1",
		MgmtInfo: drifted,
	})
	assert.Equal(t, models.StatusUnavailable, reply.Status)
	assert.True(t, reply.Status.Retryable())
}

func TestRebootingRegistrationFlagsReconciliation(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	require.Equal(t, models.StatusSuccess,
		f.server.RegisterDevice(context.Background(), registerRequest("dev-1")).Status)

	req := registerRequest("dev-1")
	req.Rebooting = true

	reply := f.server.RegisterDevice(context.Background(), req)
	require.Equal(t, models.StatusSuccess, reply.Status)
	assert.Equal(t, models.StateRebooting, reply.DeviceState)

	sess, err := f.store.Get("dev-1")
	require.NoError(t, err)
	assert.True(t, sess.NeedsReconciliation)
}
