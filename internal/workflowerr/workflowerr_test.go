package workflowerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeStatusMapping(t *testing.T) {
	tests := []struct {
		errType Type
		status  int
	}{
		{Configuration, 400},
		{Validation, 400},
		{Expression, 400},
		{Authentication, 401},
		{Authorization, 403},
		{Timeout, 408},
		{Communication, 500},
		{Runtime, 500},
	}
	for _, tt := range tests {
		require.Equal(t, tt.status, tt.errType.Status(), string(tt.errType))
	}
}

func TestMatchesTreatsZeroFieldsAsWildcards(t *testing.T) {
	e := New(Communication, "/do/2", "gateway timeout")

	require.True(t, e.Matches("", 0))
	require.True(t, e.Matches("COMMUNICATION", 0))
	require.True(t, e.Matches("", 500))
	require.True(t, e.Matches("COMMUNICATION", 500))
	require.False(t, e.Matches("RUNTIME", 0))
	require.False(t, e.Matches("", 408))
}

func TestWrapPreservesCauseChain(t *testing.T) {
	cause := errors.New("connection refused")
	e := Wrap(Communication, "/do/1", fmt.Errorf("dial: %w", cause))

	require.ErrorIs(t, e, cause)
	require.Contains(t, e.Error(), "COMMUNICATION (500) at /do/1")
}

func TestMarshalJSONOmitsCause(t *testing.T) {
	e := Wrap(Runtime, "/do/0", errors.New("boom"))

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, "RUNTIME", m["type"])
	require.EqualValues(t, 500, m["status"])
	require.Equal(t, "/do/0", m["instance"])
	require.NotContains(t, m, "cause")
}
