package orders

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
)

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	legal := [][2]Status{
		{StatusPending, StatusPaid},
		{StatusPending, StatusCancelled},
		{StatusPaid, StatusShipped},
	}
	for _, tr := range legal {
		require.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	all := []Status{StatusPending, StatusPaid, StatusShipped, StatusCancelled}
	count := 0
	for _, from := range all {
		for _, to := range all {
			if CanTransition(from, to) {
				count++
			}
		}
	}
	require.Equal(t, len(legal), count, "no other transitions are legal")

	require.True(t, IsTerminal(StatusShipped))
	require.True(t, IsTerminal(StatusCancelled))
	require.False(t, IsTerminal(StatusPending))
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	s, err := ParseStatus("paid")
	require.NoError(t, err)
	require.Equal(t, StatusPaid, s)

	for _, raw := range []string{"", "sended", "success", "PAID"} {
		_, err := ParseStatus(raw)
		require.ErrorIs(t, err, domain.ErrUnknownStatus, raw)
	}

	var st Status
	require.Error(t, st.UnmarshalText([]byte("unknown")))
}
