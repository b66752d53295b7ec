package dnsresolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockResolverReturnsConfiguredAddresses(t *testing.T) {
	m := NewMock()
	m.Set("worker-1.internal", "10.0.0.5")

	addrs, err := m.LookupHost(context.Background(), "worker-1.internal")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, addrs)
}

func TestMockResolverUnknownHost(t *testing.T) {
	m := NewMock()
	_, err := m.LookupHost(context.Background(), "nope.internal")
	assert.Error(t, err)
}

func TestSystemResolverPassesThroughLiteralIP(t *testing.T) {
	r := NewSystem()
	addrs, err := r.LookupHost(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, addrs)
}
