package registry

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPick(t *testing.T) {
	eps := []Endpoint{
		{Protocol: "kcp", Addr: "10.0.0.1:7000"},
		{Protocol: "kcp", Addr: "10.0.0.2:7000"},
		{Protocol: "kcp", Addr: "10.0.0.3:7000"},
	}

	_, err := Pick(nil, PickRandom, "")
	assert.ErrorIs(t, err, ErrNoEndpoint)
	_, err = Pick(eps, Strategy(0), "")
	assert.Error(t, err)

	for range 20 {
		ep, err := Pick(eps, PickRandom, "")
		require.NoError(t, err)
		assert.Contains(t, eps, ep)
	}

	first, err := Pick(eps, PickHash, "player-42")
	require.NoError(t, err)
	reversed := slices.Clone(eps)
	slices.Reverse(reversed)
	again, err := Pick(reversed, PickHash, "player-42")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	assert.Equal(t, "hash", PickHash.String())
	assert.Equal(t, "unknown", Strategy(9).String())
}
