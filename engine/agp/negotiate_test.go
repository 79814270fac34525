package agp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openWithVersion(t *testing.T, version string) *OpenMessage {
	t.Helper()
	raw, err := json.Marshal(version)
	require.NoError(t, err)
	return &OpenMessage{
		Type:         TypeOpen,
		RouterID:     "rtr-1:cluster-a",
		Capabilities: map[string]json.RawMessage{capabilityAGPVersion: raw},
	}
}

func TestNegotiate_SameMajorPicksMinMinor(t *testing.T) {
	local := Version{Major: 2, Minor: 3}
	open := openWithVersion(t, "2.1")

	got, err := Negotiate(local, open)
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 2, Minor: 1}, got)
}

func TestNegotiate_MajorMismatchRejected(t *testing.T) {
	local := Version{Major: 2, Minor: 0}
	open := openWithVersion(t, "3.0")

	_, err := Negotiate(local, open)
	assert.ErrorIs(t, err, ErrMajorVersionMismatch)
}

func TestNegotiate_UnknownCapabilityIgnored(t *testing.T) {
	local := Version{Major: 1, Minor: 0}
	open := openWithVersion(t, "1.0")
	extra, _ := json.Marshal("anything")
	open.Capabilities["some_future_capability"] = extra

	_, err := Negotiate(local, open)
	assert.NoError(t, err)
}

func TestDerivedClusterID(t *testing.T) {
	assert.Equal(t, "cluster-a", DerivedClusterID("rtr-1:cluster-a"))
	assert.Equal(t, "rtr-1", DerivedClusterID("rtr-1"))
}
