package natsrpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmesh/merang/pkg/controller"
	"github.com/overmesh/merang/pkg/logger"
	"github.com/overmesh/merang/pkg/models"
	"github.com/overmesh/merang/pkg/session"
	"github.com/overmesh/merang/pkg/tunnel"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()

	alloc, err := tunnel.NewMemAllocator("", "")
	require.NoError(t, err)

	store := session.NewStore(session.StoreConfig{
		Allocator: alloc,
		Logger:    logger.NewTestLogger(),
	})

	prov := tunnel.NewMemProvisioner()

	server := controller.NewServer(controller.ServerConfig{
		Store: store,
		Reconciler: session.NewReconciler(session.ReconcilerConfig{
			Store:       store,
			Provisioner: prov,
			Logger:      logger.NewTestLogger(),
		}),
		Auth:        controller.AllowAllAuthenticator{TenantID: "tenant-a"},
		Provisioner: prov,
		Logger:      logger.NewTestLogger(),
	})

	return NewTransport(nil, server, logger.NewTestLogger())
}

func TestDispatchRegisterRoundTrip(t *testing.T) {
	t.Parallel()

	tr := newTestTransport(t)

	req := models.RegisterRequest{
		DeviceID:         "dev-1",
		ReportedEndpoint: models.Endpoint{IP: "203.0.113.7", Port: 40000},
		ObservedEndpoint: models.Endpoint{IP: "203.0.113.7", Port: 40000},
	}

	payload, err := json.Marshal(req)
	require.NoError(t, err)

	raw := tr.dispatch(context.Background(), SubjectRegister, payload)
	require.NotNil(t, raw)

	var reply models.RegisterReply
	require.NoError(t, json.Unmarshal(raw, &reply))

	assert.Equal(t, models.StatusSuccess, reply.Status)
	assert.Equal(t, "tenant-a", reply.TenantID)
	assert.Equal(t, models.StateWorking, reply.DeviceState)
	require.NotNil(t, reply.MgmtInfo)
	assert.Equal(t, models.TunnelVXLAN, reply.MgmtInfo.TunnelMode)
}

func TestDispatchKeepAliveAndUnregister(t *testing.T) {
	t.Parallel()

	tr := newTestTransport(t)

	regPayload, err := json.Marshal(models.RegisterRequest{
		DeviceID:         "dev-1",
		ObservedEndpoint: models.Endpoint{IP: "203.0.113.7", Port: 40000},
		ReportedEndpoint: models.Endpoint{IP: "203.0.113.7", Port: 40000},
	})
	require.NoError(t, err)
	require.NotNil(t, tr.dispatch(context.Background(), SubjectRegister, regPayload))

	kaPayload, err := json.Marshal(models.KeepAliveRequest{DeviceID: "dev-1", SentAt: time.Now()})
	require.NoError(t, err)

	var kaReply models.KeepAliveReply
	require.NoError(t, json.Unmarshal(tr.dispatch(context.Background(), SubjectKeepAlive, kaPayload), &kaReply))
	assert.Equal(t, models.StatusSuccess, kaReply.Status)

	unregPayload, err := json.Marshal(models.UnregisterRequest{DeviceID: "dev-1"})
	require.NoError(t, err)

	var unregReply models.UnregisterReply
	require.NoError(t, json.Unmarshal(tr.dispatch(context.Background(), SubjectUnregister, unregPayload), &unregReply))
	assert.Equal(t, models.StatusSuccess, unregReply.Status)
}

func TestDispatchMalformedPayload(t *testing.T) {
	t.Parallel()

	tr := newTestTransport(t)

	var reply models.RegisterReply
	require.NoError(t, json.Unmarshal(tr.dispatch(context.Background(), SubjectRegister, []byte("{not json")), &reply))
	assert.Equal(t, models.StatusBadRequest, reply.Status)
}

func TestDispatchUnknownSubject(t *testing.T) {
	t.Parallel()

	tr := newTestTransport(t)

	assert.Nil(t, tr.dispatch(context.Background(), "merang.v1.bogus", nil))
}

func TestTimeoutFromHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"absent", "", defaultHandlerTimeout},
		{"valid", "2500", 2500 * time.Millisecond},
		{"malformed", "soon", defaultHandlerTimeout},
		{"negative", "-5", defaultHandlerTimeout},
		{"clamped", "3600000", maxHandlerTimeout},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			header := nats.Header{}
			if tc.value != "" {
				header.Set(HeaderTimeoutMS, tc.value)
			}

			assert.Equal(t, tc.want, timeoutFromHeader(header))
		})
	}
}
