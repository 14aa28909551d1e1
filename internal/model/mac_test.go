package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

func TestModel_CanonicalMAC_AcceptedForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"colon upper", "28:63:36:AA:BB:CC", "28:63:36:aa:bb:cc"},
		{"colon lower", "28:63:36:aa:bb:cc", "28:63:36:aa:bb:cc"},
		{"hyphen", "28-63-36-AA-BB-CC", "28:63:36:aa:bb:cc"},
		{"cisco dots", "2863.36aa.bbcc", "28:63:36:aa:bb:cc"},
		{"bare hex", "286336AABBCC", "28:63:36:aa:bb:cc"},
		{"surrounding space", "  28:63:36:aa:bb:cc ", "28:63:36:aa:bb:cc"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := model.CanonicalMAC(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestModel_CanonicalMAC_IdempotentAndCaseInsensitive(t *testing.T) {
	t.Parallel()

	for _, mac := range []string{"28:63:36:AA:BB:CC", "00-00-5E-00-53-01", "e4b97aC0FFee"} {
		once, err := model.CanonicalMAC(mac)
		require.NoError(t, err)

		twice, err := model.CanonicalMAC(once)
		require.NoError(t, err)
		require.Equal(t, once, twice)

		upper, err := model.CanonicalMAC(strings.ToUpper(mac))
		require.NoError(t, err)
		lower, err := model.CanonicalMAC(strings.ToLower(mac))
		require.NoError(t, err)
		require.Equal(t, lower, upper)
	}
}

func TestModel_CanonicalMAC_Rejects(t *testing.T) {
	t.Parallel()

	for _, mac := range []string{"", "not-a-mac", "28:63:36:aa:bb", "28:63:36:aa:bb:cc:dd:ee", "zz:63:36:aa:bb:cc"} {
		_, err := model.CanonicalMAC(mac)
		require.Error(t, err, "mac %q", mac)
		require.True(t, faults.Is(err, faults.KindValidation))
	}
}

func TestModel_OUI(t *testing.T) {
	t.Parallel()

	require.Equal(t, "28:63:36", model.OUI("28:63:36:aa:bb:cc"))
	require.Equal(t, "", model.OUI("short"))
}
