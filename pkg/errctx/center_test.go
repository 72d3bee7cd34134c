package errctx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestErrCenterCancelsDerivedContext(t *testing.T) {
	t.Parallel()

	center := NewErrCenter()
	ctx, cancel := center.DeriveContext(context.Background())
	defer cancel()
	require.NoError(t, ctx.Err())

	center.OnError(nil)
	require.NoError(t, center.CheckError())

	aborted := errors.New("job cancelled by operator")
	center.OnError(aborted)
	center.OnError(errors.New("ignored"))

	<-ctx.Done()
	<-center.Done()
	require.Equal(t, aborted, ctx.Err())
	require.Equal(t, aborted, center.CheckError())
}

func TestErrCenterParentCancel(t *testing.T) {
	t.Parallel()

	center := NewErrCenter()
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := center.DeriveContext(parent)
	defer cancel()

	cancelParent()
	<-ctx.Done()
	require.Equal(t, context.Canceled, ctx.Err())
	require.NoError(t, center.CheckError())
}
