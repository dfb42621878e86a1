package testutil

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
)

// AssertNoLiveResources asserts that nothing derived from ep is still
// allocated.
func AssertNoLiveResources(t *testing.T, ep *endpoint.Endpoint) {
	t.Helper()

	assert.Empty(t, ep.Live(), "endpoint %s should have no live resources", ep.ID())
}

// RequireTransportCall asserts that err is a TransportCallError for call.
func RequireTransportCall(t *testing.T, err error, call string) {
	t.Helper()

	var tce *ptlerr.TransportCallError
	require.True(t, errors.As(err, &tce), "expected TransportCallError, got %v", err)
	assert.Equal(t, call, tce.Call)
}

// RequireCompletionFailure asserts that err is a CompletionFailure.
func RequireCompletionFailure(t *testing.T, err error) *ptlerr.CompletionFailure {
	t.Helper()

	var cf *ptlerr.CompletionFailure
	require.True(t, errors.As(err, &cf), "expected CompletionFailure, got %v", err)

	return cf
}

// RequireConfigurationError asserts that err is a ConfigurationError on field.
func RequireConfigurationError(t *testing.T, err error, field string) {
	t.Helper()

	var ce *ptlerr.ConfigurationError
	require.True(t, errors.As(err, &ce), "expected ConfigurationError, got %v", err)
	assert.Equal(t, field, ce.Field)
}

// RequireEventually waits for a condition to become true within a timeout.
// Fails the test immediately if the condition is not met.
func RequireEventually(t *testing.T, condition func() bool, timeout, tick time.Duration, msgAndArgs ...interface{}) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for {
		if condition() {
			return
		}

		if time.Now().After(deadline) {
			require.Fail(t, "condition not met within timeout", msgAndArgs...)
			return
		}

		time.Sleep(tick)
	}
}
