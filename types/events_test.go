package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHook(t *testing.T) {
	tests := []struct {
		in   string
		want Hook
	}{
		{"connect", HookConnect},
		{"OpenAt", HookOpenat},
		{" pqexec ", HookSQLExec},
		{"sql_exec", HookSQLExec},
	}
	for _, tt := range tests {
		got, err := ParseHook(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseHook("bind")
	assert.Error(t, err)
}

func TestHookValid(t *testing.T) {
	assert.False(t, Hook(0).Valid())
	for _, h := range Hooks {
		assert.True(t, h.Valid(), h.String())
	}
	assert.False(t, Hook(4).Valid())
	assert.Equal(t, "unknown(9)", Hook(9).String())
}

func TestParseSchema(t *testing.T) {
	s, err := ParseSchema("")
	require.NoError(t, err)
	assert.Equal(t, SchemaGeneric, s)

	s, err = ParseSchema("narrow")
	require.NoError(t, err)
	assert.Equal(t, SchemaNarrow, s)

	_, err = ParseSchema("wide")
	assert.Error(t, err)
}
