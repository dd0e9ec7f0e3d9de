package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceKeyStringAndParseRoundTrip(t *testing.T) {
	key := InstanceKey{TenantID: "tenant-1", ProjectID: "project-1", AgentMode: "default"}
	s := key.String()
	assert.Equal(t, "tenant-1:project-1:default", s)

	parsed, err := ParseInstanceKey(s)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseInstanceKeyKeepsColonsWithinAgentMode(t *testing.T) {
	parsed, err := ParseInstanceKey("t1:p1:mode:with:colons")
	require.NoError(t, err)
	assert.Equal(t, "mode:with:colons", parsed.AgentMode)
}

func TestParseInstanceKeyRejectsTooFewParts(t *testing.T) {
	_, err := ParseInstanceKey("only-one-part")
	assert.Error(t, err)
}

func TestParseInstanceKeyAcceptsEmptySegments(t *testing.T) {
	parsed, err := ParseInstanceKey("::")
	require.NoError(t, err)
	assert.Equal(t, InstanceKey{}, parsed)
}
