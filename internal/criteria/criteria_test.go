package criteria

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompile_RejectsUnknownField(t *testing.T) {
	_, err := Compile(`Unknown == "x"`)
	require.Error(t, err)
}

func TestCompile_RejectsNonBoolExpression(t *testing.T) {
	c, err := Compile(`Mcnt`)
	require.Error(t, err)
	require.Nil(t, c)
}

func TestMatch_ApidCtidAndMessageType(t *testing.T) {
	c, err := Compile(`Apid == "AP1" and Ctid == "CT1" and MessageType == 0`)
	require.NoError(t, err)

	ok, err := c.Match(CriterionEnv{Apid: "AP1", Ctid: "CT1", MessageType: 0})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Match(CriterionEnv{Apid: "AP2", Ctid: "CT1", MessageType: 0})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMatch_PayloadDecodedContains(t *testing.T) {
	c, err := Compile(`PayloadDecoded contains "error"`)
	require.NoError(t, err)

	ok, err := c.Match(CriterionEnv{PayloadDecoded: "an error occurred"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Match(CriterionEnv{PayloadDecoded: "all clear"})
	require.NoError(t, err)
	require.False(t, ok)
}
