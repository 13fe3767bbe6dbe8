package outbox_test

import (
	"testing"

	"github.com/davidpark/courierlink/internal/outbox"
	"github.com/davidpark/courierlink/internal/types"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to types.Status
		want     bool
	}{
		{types.StatusPending, types.StatusInFlight, true},
		{types.StatusPending, types.StatusConfirmed, false},
		{types.StatusPending, types.StatusAbandoned, false},
		{types.StatusInFlight, types.StatusConfirmed, true},
		{types.StatusInFlight, types.StatusPending, true},
		{types.StatusInFlight, types.StatusAbandoned, true},
		{types.StatusConfirmed, types.StatusPending, false},
		{types.StatusConfirmed, types.StatusInFlight, false},
		{types.StatusAbandoned, types.StatusPending, false},
		{types.StatusAbandoned, types.StatusInFlight, false},
	}
	for _, tc := range cases {
		if got := outbox.ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
