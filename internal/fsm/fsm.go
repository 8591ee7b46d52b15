// Package fsm defines the dictation capture state machine.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle            State = "idle"
	StateListeningNative State = "listening_native"
	StateListeningCloud  State = "listening_cloud"
	StateError           State = "error"
)

const (
	EventStartNative Event = "start_native"
	EventStartCloud  Event = "start_cloud"
	EventStop        Event = "stop"
	EventUploaded    Event = "uploaded"
	EventFail        Event = "fail"
)

// Listening reports whether the state holds an active capture backend.
func (s State) Listening() bool {
	return s == StateListeningNative || s == StateListeningCloud
}

// Transition applies one event. Errors are transient: a start from the error
// state is allowed and clears it.
func Transition(current State, event Event) (State, error) {
	if event == EventFail {
		return StateError, nil
	}

	switch current {
	case StateIdle, StateError:
		switch event {
		case EventStartNative:
			return StateListeningNative, nil
		case EventStartCloud:
			return StateListeningCloud, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateListeningNative:
		switch event {
		case EventStop:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateListeningCloud:
		switch event {
		case EventUploaded:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
