// Package call implements the one-to-one call establishment state machine:
// media acquisition, offer/answer negotiation with glare resolution over a
// broadcast signaling channel, candidate exchange, connection monitoring,
// and orderly teardown. Coupling to the transports is via the Signaler and
// PeerConn interfaces only.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/assistlink/callkit/internal/media"
	"github.com/assistlink/callkit/internal/rtc"
	"github.com/assistlink/callkit/internal/signal"
)

// ErrSessionClosed is returned by operations on a disposed session.
var ErrSessionClosed = errors.New("call: session closed")

// Options configure one Session.
type Options struct {
	Room     string
	Identity string

	Join    Joiner
	Media   media.Source
	NewPeer PeerFactory

	Constraints media.Constraints

	// OnStatus is invoked from the session's event loop on every status
	// change. Keep it fast; it blocks the state machine.
	OnStatus func(Status)
	// OnEnded is invoked exactly once per call attempt when the call
	// completes (local or remote hangup, or connection close).
	OnEnded func()
}

type opKind int

const (
	opStart opKind = iota
	opEnd
	opToggleMute
	opToggleCamera
	opRetry
)

// command is a public operation marshalled onto the event loop.
type command struct {
	op    opKind
	reply chan error
}

// Events from the transports and the peer connection carry the attempt
// generation they belong to; events from a torn-down attempt are discarded.
type sigEvent struct {
	gen int
	msg signal.Message
}

type phaseEvent struct {
	gen   int
	phase rtc.Phase
}

type localCandidateEvent struct {
	gen  int
	cand signal.Candidate
}

type remoteTrackEvent struct {
	gen   int
	track rtc.RemoteTrack
}

type remoteVideoEvent struct {
	gen    int
	active bool
}

// Session drives one logical call between the local participant and one
// remote peer in a room. All mutable negotiation state is owned by a single
// event-loop goroutine; public operations and transport/peer callbacks are
// marshalled onto it, so no lock guards the negotiation state itself.
type Session struct {
	room string
	self string

	join        Joiner
	mediaSrc    media.Source
	newPeer     PeerFactory
	constraints media.Constraints

	onStatus func(Status)
	onEnded  func()

	events chan any
	done   chan struct{}
	once   sync.Once

	// Attempt state. Event-loop goroutine only.
	gen            int
	peer           PeerConn
	sig            Signaler
	stream         *media.Stream
	offerInitiated bool
	readyEchoed    bool
	endedNotified  bool

	// Observable snapshot, guarded by mu. Written only by the event loop.
	mu             sync.Mutex
	status         Status
	errClass       ErrorClass
	errMsg         string
	muted          bool
	videoOff       bool
	remoteVideoOff bool
	localStream    *media.Stream
	remoteStream   *RemoteStream
	remotePeer     string
}

// NewSession builds a session in Idle. The caller drives it with StartCall.
func NewSession(opts Options) *Session {
	s := &Session{
		room:           opts.Room,
		self:           opts.Identity,
		join:           opts.Join,
		mediaSrc:       opts.Media,
		newPeer:        opts.NewPeer,
		constraints:    opts.Constraints,
		onStatus:       opts.OnStatus,
		onEnded:        opts.OnEnded,
		events:         make(chan any, 128),
		done:           make(chan struct{}),
		status:         StatusIdle,
		remoteVideoOff: true,
	}
	go s.run()
	return s
}

// ── Public surface ──────────────────────────────────────────────────────────

// StartCall begins a call attempt. Valid from Idle only; a second StartCall
// while an attempt is live is rejected.
func (s *Session) StartCall() error { return s.do(opStart) }

// EndCall publishes a best-effort hangup and tears the attempt down.
func (s *Session) EndCall() error { return s.do(opEnd) }

// ToggleMute flips the audio tracks' enabled flag. No renegotiation.
func (s *Session) ToggleMute() error { return s.do(opToggleMute) }

// ToggleCamera flips the video tracks' enabled flag. No renegotiation.
func (s *Session) ToggleCamera() error { return s.do(opToggleCamera) }

// Retry restarts after a failure. Valid from Error only; builds a brand-new
// peer connection session.
func (s *Session) Retry() error { return s.do(opRetry) }

// Close disposes the session: ends any live call and stops the event loop.
func (s *Session) Close() {
	_ = s.EndCall()
	s.once.Do(func() { close(s.done) })
}

// Status returns the externally observed call state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ErrorInfo returns the failure classification and human-readable message
// for StatusError, or ErrClassNone.
func (s *Session) ErrorInfo() (ErrorClass, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errClass, s.errMsg
}

// IsMuted reports whether local audio is disabled.
func (s *Session) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// IsVideoOff reports whether local video is disabled.
func (s *Session) IsVideoOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOff
}

// IsRemoteVideoOff reports whether the remote side has no live video. True
// until the first remote video track arrives.
func (s *Session) IsRemoteVideoOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteVideoOff
}

// LocalStream returns the local capture stream, nil before acquisition.
func (s *Session) LocalStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localStream
}

// RemoteStream returns the remote rendering handle, nil until a remote
// track arrives.
func (s *Session) RemoteStream() *RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteStream == nil {
		return nil
	}
	cp := *s.remoteStream
	return &cp
}

// RemotePeer returns the identity of the remote participant, empty until
// the first signaling message from it arrives.
func (s *Session) RemotePeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotePeer
}

func (s *Session) do(op opKind) error {
	cmd := command{op: op, reply: make(chan error, 1)}
	select {
	case s.events <- cmd:
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// ── Event loop ──────────────────────────────────────────────────────────────

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			s.cleanup()
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case command:
		ev.reply <- s.handleCommand(ev.op)
	case sigEvent:
		if ev.gen == s.gen {
			s.handleSignal(ev.msg)
		}
	case phaseEvent:
		if ev.gen == s.gen {
			s.handlePhase(ev.phase)
		}
	case localCandidateEvent:
		if ev.gen == s.gen {
			s.publishCandidate(ev.cand)
		}
	case remoteTrackEvent:
		if ev.gen == s.gen {
			s.handleRemoteTrack(ev.track)
		}
	case remoteVideoEvent:
		if ev.gen == s.gen {
			s.mu.Lock()
			s.remoteVideoOff = !ev.active
			s.mu.Unlock()
		}
	}
}

func (s *Session) handleCommand(op opKind) error {
	switch op {
	case opStart:
		if st := s.Status(); st != StatusIdle {
			return fmt.Errorf("call: cannot start from %s", st)
		}
		return s.startAttempt()

	case opEnd:
		s.endCall()
		return nil

	case opToggleMute:
		if s.stream == nil {
			return fmt.Errorf("call: no active media")
		}
		s.stream.SetAudioEnabled(!s.stream.AudioEnabled())
		muted := !s.stream.AudioEnabled()
		s.mu.Lock()
		s.muted = muted
		s.mu.Unlock()
		log.Printf("CALL [%s]: audio muted=%v", s.room, muted)
		return nil

	case opToggleCamera:
		if s.stream == nil {
			return fmt.Errorf("call: no active media")
		}
		s.stream.SetVideoEnabled(!s.stream.VideoEnabled())
		off := !s.stream.VideoEnabled()
		s.mu.Lock()
		s.videoOff = off
		s.mu.Unlock()
		log.Printf("CALL [%s]: video disabled=%v", s.room, off)
		return nil

	case opRetry:
		if st := s.Status(); st != StatusError {
			return fmt.Errorf("call: retry only valid from error, not %s", st)
		}
		s.cleanup()
		s.endedNotified = false
		s.mu.Lock()
		s.errClass = ErrClassNone
		s.errMsg = ""
		s.mu.Unlock()
		s.setStatus(StatusIdle)
		return s.startAttempt()

	default:
		return fmt.Errorf("call: unknown operation")
	}
}

// startAttempt runs the setup sequence: validate, acquire media, open the
// peer connection, subscribe, attach tracks, announce presence. Subscription
// strictly precedes the announcement so the announcement cannot be lost.
func (s *Session) startAttempt() error {
	if strings.TrimSpace(s.room) == "" || strings.TrimSpace(s.self) == "" {
		err := errors.New("call: room and identity are required")
		s.fail(ErrClassConfig, err)
		return err
	}

	s.gen++
	gen := s.gen
	ctx := context.Background()

	s.setStatus(StatusAcquiringMedia)

	stream, err := s.mediaSrc.Acquire(ctx, s.constraints)
	if err != nil {
		s.fail(classifyMediaError(err), err)
		return err
	}
	s.stream = stream
	s.mu.Lock()
	s.localStream = stream
	s.muted = !stream.AudioEnabled()
	s.videoOff = !stream.VideoEnabled()
	s.mu.Unlock()

	peer, err := s.newPeer()
	if err != nil {
		s.fail(ErrClassUnknown, err)
		return err
	}
	s.peer = peer

	peer.OnICECandidate(func(c signal.Candidate) {
		s.post(localCandidateEvent{gen: gen, cand: c})
	})
	peer.OnPhaseChange(func(p rtc.Phase) {
		s.post(phaseEvent{gen: gen, phase: p})
	})
	peer.OnRemoteTrack(func(t rtc.RemoteTrack) {
		s.post(remoteTrackEvent{gen: gen, track: t})
	})
	peer.OnRemoteVideo(func(active bool) {
		s.post(remoteVideoEvent{gen: gen, active: active})
	})

	s.setStatus(StatusConnecting)

	sig, err := s.join.Join(ctx, s.room)
	if err != nil {
		s.fail(ErrClassSignaling, err)
		return err
	}
	s.sig = sig
	go s.pumpSignals(gen, sig)

	if err := peer.AddLocalTracks(stream); err != nil {
		s.fail(ErrClassUnknown, err)
		return err
	}

	if err := sig.Publish(ctx, signal.Message{Kind: signal.KindReady, From: s.self}); err != nil {
		s.fail(ErrClassSignaling, err)
		return err
	}

	log.Printf("CALL [%s]: announced presence as %s", s.room, s.self)
	return nil
}

func (s *Session) pumpSignals(gen int, sig Signaler) {
	for msg := range sig.Messages() {
		select {
		case s.events <- sigEvent{gen: gen, msg: msg}:
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleSignal(msg signal.Message) {
	// Transports already filter self-origin, but an echoing channel
	// configuration must never feed a session its own messages.
	if msg.From == s.self {
		return
	}
	if s.Status().Terminal() && msg.Kind != signal.KindHangup {
		return
	}
	s.noteRemotePeer(msg.From)

	switch msg.Kind {
	case signal.KindReady:
		s.handleReady(msg)

	case signal.KindOffer:
		if err := s.applyRemote("offer", msg.SDP); err != nil {
			return
		}
		answer, err := s.peer.CreateAnswer(context.Background())
		if err != nil {
			s.fail(ErrClassUnknown, err)
			return
		}
		s.publish(signal.Message{Kind: signal.KindAnswer, From: s.self, SDP: answer})
		log.Printf("CALL [%s]: answered offer from %s", s.room, msg.From)

	case signal.KindAnswer:
		_ = s.applyRemote("answer", msg.SDP)

	case signal.KindCandidate:
		if s.peer == nil {
			return
		}
		if err := s.peer.AddICECandidate(*msg.Candidate); err != nil && !errors.Is(err, rtc.ErrClosed) {
			log.Printf("CALL [%s]: candidate from %s: %v", s.room, msg.From, err)
		}

	case signal.KindHangup:
		s.handleRemoteHangup(msg.From)
	}
}

// handleReady resolves glare deterministically: the lexicographically lower
// identity offers, exactly once per attempt; the higher side re-announces
// its presence once so a lower peer that subscribed late still learns of it.
// A duplicate Ready (at-least-once delivery) is harmless on both paths.
func (s *Session) handleReady(msg signal.Message) {
	if s.peer == nil {
		return
	}
	if s.self < msg.From {
		if s.offerInitiated {
			return
		}
		s.offerInitiated = true
		offer, err := s.peer.CreateOffer(context.Background())
		if err != nil {
			s.fail(ErrClassUnknown, err)
			return
		}
		s.publish(signal.Message{Kind: signal.KindOffer, From: s.self, SDP: offer})
		log.Printf("CALL [%s]: offering to %s", s.room, msg.From)
		return
	}
	if !s.readyEchoed {
		s.readyEchoed = true
		s.publish(signal.Message{Kind: signal.KindReady, From: s.self})
	}
}

func (s *Session) applyRemote(kind, sdp string) error {
	if s.peer == nil {
		return errors.New("call: no peer connection")
	}
	if err := s.peer.SetRemoteDescription(kind, sdp); err != nil {
		log.Printf("CALL [%s]: apply remote %s: %v", s.room, kind, err)
		return err
	}
	return nil
}

// publishCandidate forwards a locally gathered candidate regardless of the
// current negotiation stage — candidates may legitimately cross SDP on the
// wire and the receiver buffers them.
func (s *Session) publishCandidate(c signal.Candidate) {
	cand := c
	s.publish(signal.Message{Kind: signal.KindCandidate, From: s.self, Candidate: &cand})
}

func (s *Session) publish(msg signal.Message) {
	if s.sig == nil {
		return
	}
	if err := s.sig.Publish(context.Background(), msg); err != nil {
		log.Printf("CALL [%s]: publish %s: %v", s.room, msg.Kind, err)
	}
}

func (s *Session) handlePhase(p rtc.Phase) {
	st := s.Status()
	switch p {
	case rtc.PhaseConnected:
		if st == StatusConnecting || st == StatusReconnecting {
			s.setStatus(StatusConnected)
		}
	case rtc.PhaseDisconnected:
		// ICE may self-heal; not fatal.
		if st == StatusConnected {
			s.setStatus(StatusReconnecting)
		}
	case rtc.PhaseFailed:
		if !st.Terminal() {
			s.fail(ErrClassNetwork, errors.New("call: peer unreachable (ice failed)"))
		}
	case rtc.PhaseClosed:
		if !st.Terminal() {
			s.setStatus(StatusDisconnected)
			s.cleanup()
			s.notifyEnded()
		}
	}
}

func (s *Session) handleRemoteTrack(t rtc.RemoteTrack) {
	s.mu.Lock()
	if s.remoteStream == nil {
		s.remoteStream = &RemoteStream{ID: t.StreamID}
	}
	if t.Kind.String() == "video" {
		s.remoteStream.HasVideo = true
		s.remoteVideoOff = false
	} else {
		s.remoteStream.HasAudio = true
	}
	s.mu.Unlock()
	log.Printf("CALL [%s]: remote %s track (stream %s)", s.room, t.Kind, t.StreamID)
}

// handleRemoteHangup is idempotent: a duplicate hangup after teardown has
// begun neither errors nor re-fires the ended notification.
func (s *Session) handleRemoteHangup(from string) {
	if s.Status().Terminal() {
		return
	}
	log.Printf("CALL [%s]: hangup from %s", s.room, from)
	s.setStatus(StatusDisconnected)
	s.cleanup()
	s.notifyEnded()
}

// endCall publishes a best-effort hangup (a publish failure is not itself an
// error — the local side still tears down) and completes the attempt.
func (s *Session) endCall() {
	st := s.Status()
	if st == StatusIdle || st.Terminal() {
		return
	}
	s.publish(signal.Message{Kind: signal.KindHangup, From: s.self})
	log.Printf("CALL [%s]: hangup sent", s.room)
	s.setStatus(StatusDisconnected)
	s.cleanup()
	s.notifyEnded()
}

// fail surfaces a classified error and tears the attempt down. Nothing is
// thrown past the session boundary; callers observe status.
func (s *Session) fail(class ErrorClass, err error) {
	log.Printf("CALL [%s]: %s error: %v", s.room, class, err)
	s.cleanup()
	s.mu.Lock()
	s.status = StatusError
	s.errClass = class
	s.errMsg = err.Error()
	s.mu.Unlock()
	if s.onStatus != nil {
		s.onStatus(StatusError)
	}
}

// cleanup releases everything an attempt owns, on every exit path, exactly
// once per resource. It never fails the call: release errors are logged and
// swallowed, since retrying an already-failed teardown offers no recovery.
func (s *Session) cleanup() {
	s.gen++ // discard late events from this attempt

	if s.stream != nil {
		s.stream.Release()
		s.stream = nil
	}
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			log.Printf("CALL [%s]: close peer: %v", s.room, err)
		}
		s.peer = nil
	}
	if s.sig != nil {
		if err := s.sig.Close(); err != nil {
			log.Printf("CALL [%s]: close channel: %v", s.room, err)
		}
		s.sig = nil
	}
	s.offerInitiated = false
	s.readyEchoed = false
}

func (s *Session) notifyEnded() {
	if s.endedNotified {
		return
	}
	s.endedNotified = true
	if s.onEnded != nil {
		s.onEnded()
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

func (s *Session) noteRemotePeer(from string) {
	s.mu.Lock()
	if s.remotePeer == "" {
		s.remotePeer = from
	}
	s.mu.Unlock()
}

func classifyMediaError(err error) ErrorClass {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return ErrClassPermissionDenied
	case errors.Is(err, media.ErrDeviceUnavailable):
		return ErrClassDeviceUnavailable
	default:
		return ErrClassUnknown
	}
}
