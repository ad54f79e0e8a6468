package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDisplayWindow = 3 * time.Second
	defaultRingInterval  = 2 * time.Second
)

var ErrNotIdle = errors.New("call already in progress")

// Stream is an opaque handle on acquired local media.
type Stream interface {
	SetMuted(muted bool)
	Close() error
}

// Media acquires the local audio device.
type Media interface {
	Acquire() (Stream, error)
}

// Signaler carries negotiation messages to the remote endpoint. In the
// server deployment this is the relay connection.
type Signaler interface {
	SendOffer(toUserId int, sdp json.RawMessage) error
	SendAnswer(toUserId int, sdp json.RawMessage) error
	SendCandidate(toUserId int, candidate json.RawMessage) error
	SendEnd(toUserId int) error
	SendDeclined(toUserId int) error
}

// Negotiator wraps one peer session's description exchange. The machine
// treats all descriptions as opaque blobs.
type Negotiator interface {
	CreateOffer(local Stream) (json.RawMessage, error)
	CreateAnswer(remoteOffer json.RawMessage, local Stream) (json.RawMessage, error)
	ApplyAnswer(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	Close() error
}

// NegotiatorFactory builds a fresh Negotiator for one call attempt.
// Locally gathered candidates are handed to onCandidate as they appear.
type NegotiatorFactory func(onCandidate func(candidate json.RawMessage)) (Negotiator, error)

// Directory resolves display attributes for an incoming caller.
type Directory interface {
	GetUserDisplayInfo(userId int) (name, avatarUrl string, err error)
}

// Sounds plays the audio cues attached to transitions.
type Sounds interface {
	Ring()
	Connected()
	End()
}

// Session is one endpoint's view of a call. It is owned exclusively by
// its Machine; the two endpoints' sessions are kept consistent only by
// relayed signals.
type Session struct {
	Id            uuid.UUID
	LocalUserId   int
	PeerUserId    int
	PeerName      string
	PeerAvatarUrl string
	State         State
	Muted         bool
	DurationSecs  int

	pendingOffer json.RawMessage
	stream       Stream
	neg          Negotiator
}

type Config struct {
	LocalUserId   int
	Signaler      Signaler
	Media         Media
	NewNegotiator NegotiatorFactory
	Directory     Directory
	Sounds        Sounds
	// OnChange observes state changes; called outside the machine lock.
	OnChange func(Session)
	// DisplayWindow is how long Busy and Ended linger before reverting
	// to Idle.
	DisplayWindow time.Duration
	// RingInterval is the cadence of the repeating ring cue.
	RingInterval time.Duration
	// RingTimeout abandons an unanswered outgoing call. Zero disables
	// the timeout.
	RingTimeout time.Duration
}

// Machine drives the call lifecycle for one endpoint. Every trigger,
// local or remote, funnels through apply under one lock, so a stale
// callback can never mutate a session from a state it was not in.
type Machine struct {
	mu   sync.Mutex
	cfg  Config
	log  *log.Logger
	sess *Session

	ringStop   chan struct{}
	durStop    chan struct{}
	resetTimer *time.Timer
	ringTimer  *time.Timer
}

func NewMachine(logger *log.Logger, cfg Config) (*Machine, error) {
	if cfg.Signaler == nil || cfg.Media == nil || cfg.NewNegotiator == nil {
		return nil, fmt.Errorf("signaler, media and negotiator factory are required")
	}
	if cfg.DisplayWindow == 0 {
		cfg.DisplayWindow = defaultDisplayWindow
	}
	if cfg.RingInterval == 0 {
		cfg.RingInterval = defaultRingInterval
	}

	return &Machine{cfg: cfg, log: logger}, nil
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StateIdle
	}
	return m.sess.State
}

// Snapshot returns a copy of the current session, or a zero session in
// the idle resting state.
func (m *Machine) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{LocalUserId: m.cfg.LocalUserId, State: StateIdle}
	}
	return *m.sess
}

// StartCall places a call to peerId.
func (m *Machine) StartCall(peerId int) error {
	return m.apply(Event{Kind: ActorStartCall, PeerId: peerId})
}

// Accept answers the pending incoming call.
func (m *Machine) Accept() error {
	return m.apply(Event{Kind: ActorAccept})
}

// Reject declines the pending incoming call.
func (m *Machine) Reject() error {
	return m.apply(Event{Kind: ActorReject})
}

// HangUp ends the current call or abandons an outgoing attempt.
func (m *Machine) HangUp() error {
	return m.apply(Event{Kind: ActorEndCall})
}

// ToggleMute flips the local mute flag and reports the new value. It is
// not a lifecycle transition.
func (m *Machine) ToggleMute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.stream == nil {
		return false
	}

	m.sess.Muted = !m.sess.Muted
	m.sess.stream.SetMuted(m.sess.Muted)
	return m.sess.Muted
}

func (m *Machine) HandleOffer(fromUserId int, sdp json.RawMessage) {
	m.apply(Event{Kind: RemoteOffer, PeerId: fromUserId, SDP: sdp})
}

func (m *Machine) HandleAnswer(fromUserId int, sdp json.RawMessage) {
	m.apply(Event{Kind: RemoteAnswer, PeerId: fromUserId, SDP: sdp})
}

func (m *Machine) HandleCandidate(fromUserId int, candidate json.RawMessage) {
	m.apply(Event{Kind: RemoteCandidate, PeerId: fromUserId, Candidate: candidate})
}

func (m *Machine) HandleEnd(fromUserId int) {
	m.apply(Event{Kind: RemoteEnd, PeerId: fromUserId})
}

func (m *Machine) HandleDeclined(fromUserId int) {
	m.apply(Event{Kind: RemoteDeclined, PeerId: fromUserId})
}

// apply is the single entry point for every trigger. It validates the
// event against the current state, executes the transition's effects
// and only then swaps the state, so observable side effects (media
// released, timers stopped) always precede the state they lead to.
func (m *Machine) apply(ev Event) error {
	m.mu.Lock()

	state := StateIdle
	localId := m.cfg.LocalUserId
	peerId := 0
	if m.sess != nil {
		state = m.sess.State
		peerId = m.sess.PeerUserId
	}

	// remote events from anyone but the session's peer are discarded,
	// except offers, which may open a new session. Local actor events
	// always reach the transition table so they can be rejected there.
	if m.sess != nil && ev.Kind.remote() && ev.Kind != RemoteOffer && ev.PeerId != peerId {
		m.mu.Unlock()
		return nil
	}

	// a candidate that arrives before any offer has nothing to feed
	if m.sess == nil && ev.Kind == RemoteCandidate {
		m.mu.Unlock()
		return nil
	}

	next, effects, ok := transition(state, localId, peerId, ev)
	if !ok {
		m.mu.Unlock()
		m.log.Printf("call: ignoring %s in state %s", ev.Kind, state)
		if ev.Kind == ActorStartCall {
			return ErrNotIdle
		}
		return nil
	}

	if m.sess == nil {
		m.sess = &Session{
			Id:          uuid.New(),
			LocalUserId: localId,
			State:       state,
		}
	}

	if ev.Kind == ActorStartCall || ev.Kind == RemoteOffer {
		m.sess.PeerUserId = ev.PeerId
	}
	if ev.Kind == RemoteOffer {
		m.sess.pendingOffer = ev.SDP
	}

	var effErr error
	for _, eff := range effects {
		if err := m.perform(eff, ev); err != nil {
			effErr = err
			break
		}
	}

	m.sess.State = next

	if next == StateIdle {
		// terminal reset destroys the session
		m.cancelTimers()
		m.sess = nil
	}

	snapshot := Session{State: next, LocalUserId: localId}
	if m.sess != nil {
		snapshot = *m.sess
	}
	m.mu.Unlock()

	if m.cfg.OnChange != nil {
		m.cfg.OnChange(snapshot)
	}

	if effErr != nil {
		// a failed negotiation or media acquisition tears the call down
		// through the normal end path; there is no failed state
		m.log.Printf("call: %s failed in state %s: %v", ev.Kind, state, effErr)
		m.apply(Event{Kind: ActorEndCall})
		return effErr
	}

	return nil
}

func (m *Machine) perform(eff Effect, ev Event) error {
	switch eff {
	case EffectAcquireMedia:
		stream, err := m.cfg.Media.Acquire()
		if err != nil {
			return fmt.Errorf("acquire media: %w", err)
		}
		m.sess.stream = stream

		peer := m.sess.PeerUserId
		neg, err := m.cfg.NewNegotiator(func(candidate json.RawMessage) {
			if err := m.cfg.Signaler.SendCandidate(peer, candidate); err != nil {
				m.log.Printf("call: send candidate: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("create negotiator: %w", err)
		}
		m.sess.neg = neg
	case EffectReleaseMedia:
		m.releaseMedia()
	case EffectSendOffer:
		offer, err := m.sess.neg.CreateOffer(m.sess.stream)
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		if err := m.cfg.Signaler.SendOffer(m.sess.PeerUserId, offer); err != nil {
			return fmt.Errorf("send offer: %w", err)
		}
	case EffectSendAnswer:
		answer, err := m.sess.neg.CreateAnswer(m.sess.pendingOffer, m.sess.stream)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		m.sess.pendingOffer = nil
		if err := m.cfg.Signaler.SendAnswer(m.sess.PeerUserId, answer); err != nil {
			return fmt.Errorf("send answer: %w", err)
		}
	case EffectSendEnd:
		if err := m.cfg.Signaler.SendEnd(m.sess.PeerUserId); err != nil {
			m.log.Printf("call: send end: %v", err)
		}
	case EffectSendDeclined:
		if err := m.cfg.Signaler.SendDeclined(m.sess.PeerUserId); err != nil {
			m.log.Printf("call: send declined: %v", err)
		}
	case EffectApplyAnswer:
		if err := m.sess.neg.ApplyAnswer(ev.SDP); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}
	case EffectResolveCaller:
		m.resolveCaller()
	case EffectStartRingback:
		m.startRing(true)
	case EffectStartRinging:
		m.startRing(false)
	case EffectStopRing:
		m.stopRing()
	case EffectStartCallTimer:
		m.startCallTimer()
	case EffectStopCallTimer:
		m.stopCallTimer()
	case EffectPlayEndTone:
		if m.cfg.Sounds != nil {
			m.cfg.Sounds.End()
		}
	case EffectPlayConnectedTone:
		if m.cfg.Sounds != nil {
			m.cfg.Sounds.Connected()
		}
	case EffectScheduleReset:
		m.resetTimer = time.AfterFunc(m.cfg.DisplayWindow, func() {
			m.apply(Event{Kind: resetWindowElapsed})
		})
	case EffectFeedCandidate:
		if m.sess != nil && m.sess.neg != nil {
			if err := m.sess.neg.AddCandidate(ev.Candidate); err != nil {
				m.log.Printf("call: add candidate: %v", err)
			}
		}
		// no session or no negotiation yet: discard
	}

	return nil
}

func (m *Machine) releaseMedia() {
	if m.sess.stream != nil {
		if err := m.sess.stream.Close(); err != nil {
			m.log.Printf("call: close stream: %v", err)
		}
		m.sess.stream = nil
	}
	if m.sess.neg != nil {
		if err := m.sess.neg.Close(); err != nil {
			m.log.Printf("call: close negotiator: %v", err)
		}
		m.sess.neg = nil
	}
}

func (m *Machine) resolveCaller() {
	m.sess.PeerName = "Unknown"
	m.sess.PeerAvatarUrl = ""

	if m.cfg.Directory == nil {
		return
	}

	name, avatar, err := m.cfg.Directory.GetUserDisplayInfo(m.sess.PeerUserId)
	if err != nil {
		m.log.Printf("call: resolve caller %d: %v", m.sess.PeerUserId, err)
		return
	}

	m.sess.PeerName = name
	m.sess.PeerAvatarUrl = avatar
}

// startRing plays the ring cue immediately and re-plays it on a fixed
// interval until stopped by a transition.
func (m *Machine) startRing(outgoing bool) {
	m.stopRing()

	if m.cfg.Sounds != nil {
		m.cfg.Sounds.Ring()
	}

	stop := make(chan struct{})
	m.ringStop = stop
	go func() {
		ticker := time.NewTicker(m.cfg.RingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.cfg.Sounds != nil {
					m.cfg.Sounds.Ring()
				}
			case <-stop:
				return
			}
		}
	}()

	if outgoing && m.cfg.RingTimeout > 0 {
		// the answer, decline or hang up cancels this
		m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
			m.apply(Event{Kind: ringTimedOut})
		})
	}
}

func (m *Machine) stopRing() {
	if m.ringStop != nil {
		close(m.ringStop)
		m.ringStop = nil
	}
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// startCallTimer counts elapsed seconds while connected.
func (m *Machine) startCallTimer() {
	m.stopCallTimer()
	m.sess.DurationSecs = 0

	stop := make(chan struct{})
	m.durStop = stop
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.mu.Lock()
				if m.sess != nil {
					m.sess.DurationSecs++
				}
				m.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (m *Machine) stopCallTimer() {
	if m.durStop != nil {
		close(m.durStop)
		m.durStop = nil
	}
}

func (m *Machine) cancelTimers() {
	m.stopRing()
	m.stopCallTimer()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
}
