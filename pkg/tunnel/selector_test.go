package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmesh/merang/pkg/models"
)

func TestSelect(t *testing.T) {
	srv6 := Capabilities{SRv6: true}

	tests := []struct {
		name        string
		natType     models.NATType
		forceIP6Tnl bool
		forceSRH    bool
		caps        Capabilities
		expected    models.TunnelMode
		wantErr     error
	}{
		{
			name:     "open internet prefers srv6",
			natType:  models.NATNone,
			caps:     srv6,
			expected: models.TunnelSRv6,
		},
		{
			name:     "full cone still reaches srv6",
			natType:  models.NATFullCone,
			caps:     srv6,
			expected: models.TunnelSRv6,
		},
		{
			name:     "restricted cone falls back to vxlan",
			natType:  models.NATRestrictedCone,
			caps:     srv6,
			expected: models.TunnelVXLAN,
		},
		{
			name:     "symmetric nat requires vxlan",
			natType:  models.NATSymmetric,
			caps:     srv6,
			expected: models.TunnelVXLAN,
		},
		{
			name:     "unknown nat degrades to vxlan",
			natType:  models.NATUnknown,
			caps:     srv6,
			expected: models.TunnelVXLAN,
		},
		{
			name:     "device without srv6 gets vxlan",
			natType:  models.NATNone,
			expected: models.TunnelVXLAN,
		},
		{
			name:        "forced ip6tnl on open internet",
			natType:     models.NATNone,
			forceIP6Tnl: true,
			caps:        srv6,
			expected:    models.TunnelIP6Tnl,
		},
		{
			name:     "forced srh on open internet",
			natType:  models.NATNone,
			forceSRH: true,
			expected: models.TunnelSRv6,
		},
		{
			name:     "forced srh behind symmetric nat degrades to vxlan",
			natType:  models.NATSymmetric,
			forceSRH: true,
			caps:     srv6,
			expected: models.TunnelVXLAN,
		},
		{
			name:        "forced ip6tnl behind symmetric nat rejected",
			natType:     models.NATSymmetric,
			forceIP6Tnl: true,
			wantErr:     ErrModeIncompatible,
		},
		{
			name:        "conflicting force flags rejected",
			natType:     models.NATNone,
			forceIP6Tnl: true,
			forceSRH:    true,
			wantErr:     ErrConflictingForceFlags,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := Select(tt.natType, tt.forceIP6Tnl, tt.forceSRH, tt.caps)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, mode)
		})
	}
}

func TestSelectDeterministic(t *testing.T) {
	first, err := Select(models.NATRestrictedCone, false, false, Capabilities{SRv6: true})
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		mode, err := Select(models.NATRestrictedCone, false, false, Capabilities{SRv6: true})
		require.NoError(t, err)
		assert.Equal(t, first, mode)
	}
}

func TestModeCompatibility(t *testing.T) {
	// VXLAN works through every NAT class.
	for _, natType := range []models.NATType{
		models.NATNone, models.NATFullCone, models.NATRestrictedCone,
		models.NATSymmetric, models.NATUnknown,
	} {
		assert.True(t, Supports(models.TunnelVXLAN, natType), natType.String())
	}

	// The native modes need an untranslated path.
	for _, mode := range []models.TunnelMode{models.TunnelSRv6, models.TunnelIP6Tnl} {
		assert.True(t, Supports(mode, models.NATNone))
		assert.True(t, Supports(mode, models.NATFullCone))
		assert.False(t, Supports(mode, models.NATSymmetric), mode.String())
		assert.False(t, Supports(mode, models.NATRestrictedCone), mode.String())
		assert.False(t, Supports(mode, models.NATUnknown), mode.String())
	}

	assert.False(t, Supports(models.TunnelUnspecified, models.NATNone))
}

func TestRequiresKeepAlive(t *testing.T) {
	assert.True(t, RequiresKeepAlive(models.TunnelVXLAN))
	assert.False(t, RequiresKeepAlive(models.TunnelSRv6))
	assert.False(t, RequiresKeepAlive(models.TunnelIP6Tnl))
}
