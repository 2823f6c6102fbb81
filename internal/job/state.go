package job

// State is a job lifecycle state.
type State string

// Lifecycle states.
const (
	StateReceived   State = "received"
	StateValidated  State = "validated"
	StateInvalid    State = "invalid"
	StateStaging    State = "staging"
	StateStaged     State = "staged"
	StateSubmitting State = "submitting"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateError      State = "error"
	StateCleanedUp  State = "cleaned_up"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateReceived, StateValidated, StateInvalid, StateStaging, StateStaged,
	StateSubmitting, StateRunning, StateSucceeded, StateFailed, StateError, StateCleanedUp,
}

// Active reports whether the job is consuming infrastructure (provisioning through polling).
func (s State) Active() bool {
	switch s {
	case StateStaging, StateStaged, StateSubmitting, StateRunning:
		return true
	}
	return false
}

// Terminal reports whether the job has finished and only awaits cleanup.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateError, StateInvalid:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := rank[s]
	return ok
}

// rank orders states along the lifecycle; terminal states share a rank.
var rank = map[State]int{
	StateReceived:   0,
	StateValidated:  1,
	StateStaging:    2,
	StateStaged:     3,
	StateSubmitting: 4,
	StateRunning:    5,
	StateSucceeded:  6,
	StateFailed:     6,
	StateError:      6,
	StateInvalid:    6,
	StateCleanedUp:  7,
}

// Trigger is an input to the state machine.
type Trigger string

// Triggers.
const (
	TriggerAccept  Trigger = "accept"
	TriggerReject  Trigger = "reject"
	TriggerAdmit   Trigger = "admit"
	TriggerStaged  Trigger = "staged"
	TriggerSubmit  Trigger = "submit"
	TriggerRunning Trigger = "running"
	TriggerSucceed Trigger = "succeed"
	TriggerFail    Trigger = "fail"
	TriggerError   Trigger = "error"
	TriggerCancel  Trigger = "cancel"
	TriggerCleanup Trigger = "cleanup"
)

// AllTriggers lists every trigger.
var AllTriggers = []Trigger{
	TriggerAccept, TriggerReject, TriggerAdmit, TriggerStaged, TriggerSubmit, TriggerRunning,
	TriggerSucceed, TriggerFail, TriggerError, TriggerCancel, TriggerCleanup,
}

// reach is the furthest state a trigger can lead to. A job already at or
// beyond it has seen the trigger's effect, so the trigger is a duplicate.
var reach = map[Trigger]int{
	TriggerAccept:  rank[StateValidated],
	TriggerReject:  rank[StateInvalid],
	TriggerAdmit:   rank[StateStaging],
	TriggerStaged:  rank[StateStaged],
	TriggerSubmit:  rank[StateRunning],
	TriggerRunning: rank[StateRunning],
	TriggerSucceed: rank[StateSucceeded],
	TriggerFail:    rank[StateFailed],
	TriggerError:   rank[StateError],
	TriggerCancel:  rank[StateError],
	TriggerCleanup: rank[StateCleanedUp],
}

type effect int

const (
	effectNone effect = iota
	effectNotify
	effectProvision
	effectSubmit
	effectDestroy
)

// edge is one row of the transition table.
type edge struct {
	to     State
	effect effect
}

type key struct {
	from    State
	trigger Trigger
}

var transitions = map[key]edge{
	{StateReceived, TriggerAccept}: {StateValidated, effectNone},
	{StateReceived, TriggerReject}: {StateInvalid, effectNotify},

	{StateValidated, TriggerAdmit}: {StateStaging, effectProvision},

	// Re-admitting a recovered STAGING job re-runs its idempotent provisioning.
	{StateStaging, TriggerAdmit}:   {StateStaging, effectProvision},
	{StateStaging, TriggerStaged}:  {StateStaged, effectNotify},
	{StateStaging, TriggerRunning}: {StateStaging, effectNone},
	{StateStaging, TriggerFail}:    {StateError, effectNotify},

	{StateStaged, TriggerSubmit}:     {StateRunning, effectSubmit},
	{StateSubmitting, TriggerSubmit}: {StateRunning, effectSubmit},

	{StateRunning, TriggerRunning}: {StateRunning, effectNone},
	{StateRunning, TriggerSucceed}: {StateSucceeded, effectNotify},
	{StateRunning, TriggerFail}:    {StateFailed, effectNotify},

	{StateSucceeded, TriggerCleanup}: {StateCleanedUp, effectDestroy},
	{StateFailed, TriggerCleanup}:    {StateCleanedUp, effectDestroy},
	{StateError, TriggerCleanup}:     {StateCleanedUp, effectDestroy},
	{StateInvalid, TriggerCleanup}:   {StateCleanedUp, effectNone},
}

func init() {
	for _, s := range []State{StateStaging, StateStaged, StateSubmitting, StateRunning} {
		transitions[key{s, TriggerError}] = edge{StateError, effectNotify}
	}
	for _, s := range []State{StateReceived, StateValidated, StateStaging, StateStaged, StateSubmitting, StateRunning} {
		transitions[key{s, TriggerCancel}] = edge{StateError, effectNotify}
	}
}

// Lookup returns the destination of trigger t from state s, and whether the
// table defines that edge.
func Lookup(s State, t Trigger) (State, bool) {
	e, ok := transitions[key{s, t}]
	return e.to, ok
}

// duplicate reports whether t is a repeated or late trigger that must be ignored
// instead of rejected.
func duplicate(s State, t Trigger) bool {
	if s == StateCleanedUp {
		return true
	}
	if s.Terminal() && t != TriggerCleanup {
		return true
	}
	r, ok := reach[t]
	return ok && rank[s] >= r
}
