package ptlerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

func TestCallWrapsStatus(t *testing.T) {
	assert.NoError(t, Call("PtlPut", nil))

	err := fmt.Errorf("sweep point 64: %w", Call("PtlPut", portals.ErrInvalidHandle))

	var tce *TransportCallError
	require.True(t, errors.As(err, &tce))
	assert.Equal(t, "PtlPut", tce.Call)
	assert.ErrorIs(t, err, portals.ErrInvalidHandle)
	assert.Contains(t, err.Error(), "PtlPut failed")
}

func TestCompletionFailureMessages(t *testing.T) {
	counting := &CompletionFailure{Counting: true, Failures: 3}
	assert.Equal(t, "completion counter reported 3 failures", counting.Error())

	full := &CompletionFailure{Kind: portals.EventAck, FailType: portals.NIDropped}
	assert.Equal(t, "ACK event failed with DROPPED", full.Error())
}

func TestLinkFailureMessages(t *testing.T) {
	wrongKind := &LinkFailure{Kind: portals.EventPut}
	assert.Contains(t, wrongKind.Error(), "expected LINK")

	failed := &LinkFailure{Kind: portals.EventLink, FailType: portals.NIPTDisabled}
	assert.Contains(t, failed.Error(), "PT_DISABLED")
}

func TestConfig(t *testing.T) {
	err := Config("msg_size", "min %d exceeds max %d", 32, 16)

	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "msg_size", ce.Field)
	assert.Equal(t, "invalid msg_size: min 32 exceeds max 16", err.Error())
}
