package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTiersOrdersBySeverity(t *testing.T) {
	tiers, err := ParseTiers("-75:SP3,-25:SP1,-50:SP2")
	require.NoError(t, err)
	require.Len(t, tiers, 3)

	require.Equal(t, 1, tiers[0].Level)
	require.Equal(t, -25, tiers[0].Threshold)
	require.Equal(t, "SP1", tiers[0].Label)
	require.Equal(t, 2, tiers[1].Level)
	require.Equal(t, -50, tiers[1].Threshold)
	require.Equal(t, 3, tiers[2].Level)
	require.Equal(t, -75, tiers[2].Threshold)
}

func TestParseTiersRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":               "",
		"missing label":       "-25",
		"blank label":         "-25: ",
		"positive threshold":  "25:SP1",
		"zero threshold":      "0:SP1",
		"duplicate threshold": "-25:SP1,-25:SP2",
		"non numeric":         "abc:SP1",
	}
	for name, raw := range cases {
		_, err := ParseTiers(raw)
		require.Error(t, err, name)
	}
}
