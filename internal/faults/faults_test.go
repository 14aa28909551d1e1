package faults_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldlight/otgraph/internal/faults"
)

func TestFaults_Error_FormatAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := faults.Connection("transport.connect", "broker unreachable", cause).WithTarget("tls://broker:8883")

	require.Equal(t, "[connection_error] transport.connect tls://broker:8883: broker unreachable: connection refused", err.Error())
	require.ErrorIs(t, err, cause)
}

func TestFaults_KindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want faults.Kind
	}{
		{"config", faults.Config("config.load", "missing broker url", nil), faults.KindConfig},
		{"validation", faults.Validation("parse.snmp", "bad mac", nil), faults.KindValidation},
		{"wrapped", fmt.Errorf("tick: %w", faults.Database("store.device.create", "insert failed", nil)), faults.KindDatabase},
		{"deadline", fmt.Errorf("poll: %w", context.DeadlineExceeded), faults.KindTimeout},
		{"plain", errors.New("boom"), faults.Kind("")},
		{"nil", nil, faults.Kind("")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, faults.KindOf(tt.err))
		})
	}
}

func TestFaults_IsRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, faults.IsRetryable(faults.Connection("op", "", nil)))
	require.True(t, faults.IsRetryable(faults.Timeout("op", "", nil)))
	require.True(t, faults.IsRetryable(faults.Collector("op", "", nil)))
	require.True(t, faults.IsRetryable(context.DeadlineExceeded))

	require.False(t, faults.IsRetryable(faults.Config("op", "", nil)))
	require.False(t, faults.IsRetryable(faults.Validation("op", "", nil)))
	require.False(t, faults.IsRetryable(faults.Security("op", "", nil)))
	require.False(t, faults.IsRetryable(faults.Database("op", "", nil)))
	require.False(t, faults.IsRetryable(errors.New("boom")))
	require.False(t, faults.IsRetryable(nil))
}
