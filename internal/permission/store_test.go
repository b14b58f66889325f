package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/geowatch/internal/geo"
)

func TestUndeterminedSettlesToDefault(t *testing.T) {
	tests := []struct {
		name      string
		autoGrant bool
		want      geo.PermissionStatus
	}{
		{name: "auto grant", autoGrant: true, want: geo.PermissionGranted},
		{name: "deny by default", autoGrant: false, want: geo.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStore(Config{AutoGrant: tt.autoGrant}, nil)
			require.NoError(t, err)
			assert.Equal(t, geo.PermissionUndetermined, s.Status())

			got, err := s.RequestLocationPermission(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, s.Status())
		})
	}
}

func TestExplicitStatusIsKept(t *testing.T) {
	s, err := NewStore(Config{Status: "Denied", AutoGrant: true}, nil)
	require.NoError(t, err)

	got, err := s.RequestLocationPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, geo.PermissionDenied, got)

	s.Set(geo.PermissionGranted)
	got, err = s.RequestLocationPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, geo.PermissionGranted, got)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" granted ")
	require.NoError(t, err)
	assert.Equal(t, geo.PermissionGranted, s)

	_, err = ParseStatus("maybe")
	assert.Error(t, err)

	_, err = NewStore(Config{Status: "maybe"}, nil)
	assert.Error(t, err)
}

func TestRequestHonorsCancelledContext(t *testing.T) {
	s, err := NewStore(Config{Status: "granted"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.RequestLocationPermission(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
