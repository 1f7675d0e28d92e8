package callback_test

import (
	"testing"

	"github.com/CZERTAINLY/daas/internal/callback"
	"github.com/CZERTAINLY/daas/internal/redistest"
	"github.com/stretchr/testify/require"
)

func TestRedisRegistrations(t *testing.T) {
	regs := callback.NewRedisRegistrations(redistest.Client(t))
	ctx := t.Context()

	require.NoError(t, regs.Add(ctx, "h1", "http://a"))
	require.NoError(t, regs.Add(ctx, "h1", "http://a"))
	require.NoError(t, regs.Add(ctx, "h1", "http://b"))

	got, err := regs.Take(ctx, "h1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"http://a", "http://b"}, got)

	got, err = regs.Take(ctx, "h1")
	require.NoError(t, err)
	require.Empty(t, got)
}
