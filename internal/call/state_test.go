package call

import "testing"

func TestStateOrderingNoRegression(t *testing.T) {
	ordered := []State{StateNone, StatePending, StateStart, StateConnecting, StateConnected, StateEnding, StateEnded}
	for i, from := range ordered {
		for j, to := range ordered {
			got := advanceable(from, to)
			want := j > i
			if got != want {
				t.Errorf("advanceable(%v, %v) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestFailedAbsorbing(t *testing.T) {
	all := []State{StateNone, StatePending, StateStart, StateConnecting, StateConnected, StateEnding, StateEnded}
	for _, from := range all {
		if !advanceable(from, StateFailed) {
			t.Errorf("advanceable(%v, failed) = false, want true", from)
		}
	}
	for _, to := range append(all, StateFailed) {
		if advanceable(StateFailed, to) {
			t.Errorf("advanceable(failed, %v) = true, want false", to)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, tc := range []struct {
		state State
		want  bool
	}{
		{StateNone, false},
		{StatePending, false},
		{StateStart, false},
		{StateConnecting, false},
		{StateConnected, false},
		{StateEnding, false},
		{StateEnded, true},
		{StateFailed, true},
	} {
		if got := tc.state.Terminal(); got != tc.want {
			t.Errorf("%v.Terminal() = %v, want %v", tc.state, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateConnecting.String() != "connecting" {
		t.Errorf("String() = %q", StateConnecting.String())
	}
	if State(99).String() != "unknown" {
		t.Errorf("String() for out-of-range = %q", State(99).String())
	}
}
