package call

import (
	"encoding/json"
)

// State is the lifecycle state of a two-party call as seen from one
// endpoint. Busy and Ended are transient display states that revert to
// Idle after a fixed window.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnected
	StateBusy
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EventKind distinguishes local user actions from relayed remote
// signals and internal timer expiries.
type EventKind int

const (
	ActorStartCall EventKind = iota
	ActorAccept
	ActorReject
	ActorEndCall
	RemoteOffer
	RemoteAnswer
	RemoteCandidate
	RemoteEnd
	RemoteDeclined
	resetWindowElapsed
	ringTimedOut
)

func (k EventKind) String() string {
	switch k {
	case ActorStartCall:
		return "start-call"
	case ActorAccept:
		return "accept"
	case ActorReject:
		return "reject"
	case ActorEndCall:
		return "end-call"
	case RemoteOffer:
		return "remote-offer"
	case RemoteAnswer:
		return "remote-answer"
	case RemoteCandidate:
		return "remote-candidate"
	case RemoteEnd:
		return "remote-end"
	case RemoteDeclined:
		return "remote-declined"
	case resetWindowElapsed:
		return "reset-window-elapsed"
	case ringTimedOut:
		return "ring-timeout"
	default:
		return "unknown"
	}
}

// remote reports whether the event was relayed from the peer, as
// opposed to a local action or an internal timer.
func (k EventKind) remote() bool {
	switch k {
	case RemoteOffer, RemoteAnswer, RemoteCandidate, RemoteEnd, RemoteDeclined:
		return true
	}
	return false
}

type Event struct {
	Kind      EventKind
	PeerId    int
	SDP       json.RawMessage
	Candidate json.RawMessage
}

// Effect is an action the machine's driver must perform as part of a
// transition. Transitions only compute effects; they never execute
// them.
type Effect int

const (
	EffectAcquireMedia Effect = iota
	EffectReleaseMedia
	EffectSendOffer
	EffectSendAnswer
	EffectSendEnd
	EffectSendDeclined
	EffectApplyAnswer
	EffectResolveCaller
	EffectStartRingback
	EffectStartRinging
	EffectStopRing
	EffectStartCallTimer
	EffectStopCallTimer
	EffectPlayEndTone
	EffectPlayConnectedTone
	EffectScheduleReset
	EffectFeedCandidate
)

func (e Effect) String() string {
	switch e {
	case EffectAcquireMedia:
		return "acquire-media"
	case EffectReleaseMedia:
		return "release-media"
	case EffectSendOffer:
		return "send-offer"
	case EffectSendAnswer:
		return "send-answer"
	case EffectSendEnd:
		return "send-end"
	case EffectSendDeclined:
		return "send-declined"
	case EffectApplyAnswer:
		return "apply-answer"
	case EffectResolveCaller:
		return "resolve-caller"
	case EffectStartRingback:
		return "start-ringback"
	case EffectStartRinging:
		return "start-ringing"
	case EffectStopRing:
		return "stop-ring"
	case EffectStartCallTimer:
		return "start-call-timer"
	case EffectStopCallTimer:
		return "stop-call-timer"
	case EffectPlayEndTone:
		return "play-end-tone"
	case EffectPlayConnectedTone:
		return "play-connected-tone"
	case EffectScheduleReset:
		return "schedule-reset"
	case EffectFeedCandidate:
		return "feed-candidate"
	default:
		return "unknown"
	}
}

// transition computes the next state and the effects to perform for an
// event. It is a pure function of its inputs. ok is false when the
// event is not a valid trigger in the current state, in which case the
// event is a no-op and must be discarded.
//
// localId and peerId are used only to break glare: when an offer from
// the peer we are already calling arrives while outgoing, the lower
// user id wins and keeps its outgoing call; the higher id abandons its
// attempt and takes the offer as incoming.
func transition(state State, localId, peerId int, ev Event) (State, []Effect, bool) {
	// candidates never change state and are valid (and possibly
	// discarded by the driver) everywhere
	if ev.Kind == RemoteCandidate {
		return state, []Effect{EffectFeedCandidate}, true
	}

	switch state {
	case StateIdle:
		switch ev.Kind {
		case ActorStartCall:
			return StateOutgoing, []Effect{EffectAcquireMedia, EffectSendOffer, EffectStartRingback}, true
		case RemoteOffer:
			return StateIncoming, []Effect{EffectResolveCaller, EffectStartRinging}, true
		}
	case StateOutgoing:
		switch ev.Kind {
		case RemoteOffer:
			// glare: both sides called each other
			if ev.PeerId != peerId || localId < ev.PeerId {
				return state, nil, false
			}
			return StateIncoming, []Effect{EffectStopRing, EffectReleaseMedia, EffectResolveCaller, EffectStartRinging}, true
		case RemoteAnswer:
			return StateConnected, []Effect{EffectApplyAnswer, EffectStopRing, EffectStartCallTimer, EffectPlayConnectedTone}, true
		case RemoteDeclined:
			return StateBusy, []Effect{EffectStopRing, EffectReleaseMedia, EffectPlayEndTone, EffectScheduleReset}, true
		case RemoteEnd:
			// the call never connected, so this is a plain reset
			return StateIdle, []Effect{EffectStopRing, EffectReleaseMedia, EffectPlayEndTone}, true
		case ActorEndCall, ringTimedOut:
			return StateIdle, []Effect{EffectSendEnd, EffectStopRing, EffectReleaseMedia, EffectPlayEndTone}, true
		}
	case StateIncoming:
		switch ev.Kind {
		case ActorAccept:
			return StateConnected, []Effect{EffectAcquireMedia, EffectSendAnswer, EffectStopRing, EffectStartCallTimer, EffectPlayConnectedTone}, true
		case ActorReject:
			return StateIdle, []Effect{EffectSendDeclined, EffectStopRing, EffectPlayEndTone}, true
		case RemoteEnd:
			return StateIdle, []Effect{EffectStopRing, EffectReleaseMedia, EffectPlayEndTone}, true
		}
	case StateConnected:
		switch ev.Kind {
		case ActorEndCall:
			return StateEnded, []Effect{EffectSendEnd, EffectStopCallTimer, EffectReleaseMedia, EffectPlayEndTone, EffectScheduleReset}, true
		case RemoteEnd:
			return StateEnded, []Effect{EffectStopCallTimer, EffectReleaseMedia, EffectPlayEndTone, EffectScheduleReset}, true
		}
	case StateBusy, StateEnded:
		// display window: nothing can start or be accepted until the
		// session resets
		if ev.Kind == resetWindowElapsed {
			return StateIdle, nil, true
		}
	}

	return state, nil, false
}
