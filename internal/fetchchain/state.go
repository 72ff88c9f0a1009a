package fetchchain

import (
	"errors"
	"fmt"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
)

// State is a position in the fetch state machine.
type State string

// States.
const (
	StatePending      State = "pending"
	StateDirect       State = "direct"
	StateBlocked      State = "blocked"
	StateHeadless     State = "headless"
	StateSuccess      State = "success"
	StateNonHTML      State = "non_html"
	StateTimeout      State = "timeout"
	StateNetworkError State = "network_error"
	StateDenied       State = "denied"
)

// Signal drives a transition.
type Signal string

// Signals.
const (
	SignalStart        Signal = "start"
	SignalClean        Signal = "clean"
	SignalBlock        Signal = "block"
	SignalNonHTML      Signal = "non_html"
	SignalTimeout      Signal = "timeout"
	SignalNetworkError Signal = "network_error"
	SignalEscalate     Signal = "escalate"
	SignalGiveUp       Signal = "give_up"
)

// ErrInvalidTransition is returned for a signal the state does not accept.
var ErrInvalidTransition = errors.New("invalid fetch transition")

var transitions = map[State]map[Signal]State{
	StatePending: {
		SignalStart: StateDirect,
	},
	StateDirect: {
		SignalClean:        StateSuccess,
		SignalBlock:        StateBlocked,
		SignalNonHTML:      StateNonHTML,
		SignalTimeout:      StateTimeout,
		SignalNetworkError: StateNetworkError,
	},
	StateBlocked: {
		SignalEscalate: StateHeadless,
		SignalGiveUp:   StateDenied,
	},
	StateHeadless: {
		SignalClean:        StateSuccess,
		SignalBlock:        StateDenied,
		SignalNonHTML:      StateDenied,
		SignalTimeout:      StateDenied,
		SignalNetworkError: StateDenied,
		SignalGiveUp:       StateDenied,
	},
}

// Transition returns the state reached from s on signal.
func Transition(s State, signal Signal) (State, error) {
	next, ok := transitions[s][signal]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, signal)
	}
	return next, nil
}

// Terminal reports whether no further signal is accepted.
func (s State) Terminal() bool {
	_, open := transitions[s]
	return !open
}

// Status maps a terminal state to the ledger status.
func (s State) Status() (crawler.Status, bool) {
	switch s {
	case StateSuccess:
		return crawler.StatusSuccess, true
	case StateNonHTML:
		return crawler.StatusNonHTML, true
	case StateTimeout:
		return crawler.StatusTimeout, true
	case StateNetworkError:
		return crawler.StatusNetworkError, true
	case StateDenied:
		return crawler.StatusBlocked, true
	default:
		return "", false
	}
}
