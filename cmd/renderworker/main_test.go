package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())

	cmd = newRootCmd()
	cmd.SetArgs([]string{"--worker-id", "render-01"})
	err := cmd.Execute()
	require.True(t, cerrors.Is(err, cerrors.ErrWorkerConfigInvalid), "%v", err)
}
