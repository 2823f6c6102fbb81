package job

import "testing"

func TestLookup(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from    State
		trigger Trigger
		to      State
		ok      bool
	}{
		{StateReceived, TriggerAccept, StateValidated, true},
		{StateReceived, TriggerReject, StateInvalid, true},
		{StateValidated, TriggerAdmit, StateStaging, true},
		{StateStaging, TriggerStaged, StateStaged, true},
		{StateStaging, TriggerFail, StateError, true},
		{StateStaged, TriggerSubmit, StateRunning, true},
		{StateSubmitting, TriggerSubmit, StateRunning, true},
		{StateRunning, TriggerRunning, StateRunning, true},
		{StateRunning, TriggerSucceed, StateSucceeded, true},
		{StateRunning, TriggerFail, StateFailed, true},
		{StateRunning, TriggerError, StateError, true},
		{StateValidated, TriggerCancel, StateError, true},
		{StateSucceeded, TriggerCleanup, StateCleanedUp, true},
		{StateInvalid, TriggerCleanup, StateCleanedUp, true},

		{StateReceived, TriggerSubmit, "", false},
		{StateValidated, TriggerError, "", false},
		{StateStaged, TriggerSucceed, "", false},
		{StateRunning, TriggerCleanup, "", false},
		{StateInvalid, TriggerAccept, "", false},
		{StateCleanedUp, TriggerCancel, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			t.Parallel()
			to, ok := Lookup(tt.from, tt.trigger)
			if ok != tt.ok || to != tt.to {
				t.Errorf("Lookup(%s, %s) = (%q, %v), want (%q, %v)", tt.from, tt.trigger, to, ok, tt.to, tt.ok)
			}
		})
	}
}

func TestTransitionTableShape(t *testing.T) {
	t.Parallel()
	for k, e := range transitions {
		if !k.from.Valid() || !e.to.Valid() {
			t.Errorf("edge %v -> %v uses an unknown state", k, e.to)
		}
		if k.from == StateCleanedUp {
			t.Errorf("cleaned_up must be absorbing, found edge on %s", k.trigger)
		}
		if k.from.Terminal() && k.trigger != TriggerCleanup {
			t.Errorf("terminal state %s must only accept cleanup, found %s", k.from, k.trigger)
		}
		if e.to == StateInvalid && k.from != StateReceived {
			t.Errorf("invalid must only be reachable from received, found from %s", k.from)
		}
		if rank[e.to] < rank[k.from] {
			t.Errorf("edge %s --%s--> %s moves backwards", k.from, k.trigger, e.to)
		}
	}
}

func TestDuplicate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state   State
		trigger Trigger
		want    bool
	}{
		{StateSucceeded, TriggerSucceed, true},
		{StateFailed, TriggerSucceed, true},
		{StateError, TriggerCancel, true},
		{StateCleanedUp, TriggerCancel, true},
		{StateCleanedUp, TriggerCleanup, true},
		{StateStaged, TriggerStaged, true},
		{StateRunning, TriggerStaged, true},
		{StateRunning, TriggerSubmit, true},
		{StateValidated, TriggerAccept, true},

		{StateStaged, TriggerSucceed, false},
		{StateReceived, TriggerSubmit, false},
		{StateRunning, TriggerCleanup, false},
		{StateValidated, TriggerStaged, false},
	}

	for _, tt := range tests {
		if got := duplicate(tt.state, tt.trigger); got != tt.want {
			t.Errorf("duplicate(%s, %s) = %v, want %v", tt.state, tt.trigger, got, tt.want)
		}
	}
}

func TestStatePredicates(t *testing.T) {
	t.Parallel()
	for _, s := range AllStates {
		if s.Active() && s.Terminal() {
			t.Errorf("%s cannot be both active and terminal", s)
		}
	}
	if StateCleanedUp.Terminal() || StateCleanedUp.Active() {
		t.Error("cleaned_up is neither active nor terminal")
	}
	if State("bogus").Valid() {
		t.Error("unknown state reported valid")
	}
}
