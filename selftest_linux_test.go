//go:build linux

package main

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/probe"
)

func TestSelftestOwnMemory(t *testing.T) {
	h, err := probe.NewSelfHelpers()
	require.NoError(t, err)

	res, err := selftest(context.Background(), testConfig(t, "generic"), h, selfArena{}, zap.NewNop(), &bytes.Buffer{})
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	for _, r := range res.Records {
		assert.Equal(t, uint32(os.Getpid()), r.Meta().PID)
	}
}
