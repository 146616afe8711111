package alerterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessageAndContext(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := Notification("send failed", cause).With("channel", "ops").With("attempt", 2)

	require.Equal(t, "notification error: send failed (attempt=2 channel=ops): dial tcp: refused", err.Error())
	require.ErrorIs(t, err, cause)
}

func TestIsKindWalksChain(t *testing.T) {
	t.Parallel()

	inner := Config("missing webhook_url", nil)
	outer := fmt.Errorf("build channel: %w", Notification("channel setup", inner))

	require.True(t, IsKind(outer, KindNotification))
	require.True(t, IsKind(outer, KindConfig))
	require.False(t, IsKind(outer, KindEscalation))
	require.False(t, IsKind(errors.New("plain"), KindConfig))
	require.False(t, IsKind(nil, KindConfig))
}

func TestFromPanic(t *testing.T) {
	t.Parallel()

	err := FromPanic(KindGrouping, "key function panicked", "boom")
	require.True(t, IsKind(err, KindGrouping))
	require.Contains(t, err.Error(), "panic: boom")

	cause := errors.New("typed")
	require.ErrorIs(t, FromPanic(KindRule, "eval", cause), cause)
}
