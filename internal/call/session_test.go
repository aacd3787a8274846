package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/assistlink/callkit/internal/media"
	"github.com/assistlink/callkit/internal/rtc"
	"github.com/assistlink/callkit/internal/signal"
)

// hub is an in-memory broadcast channel. Unlike the real transports it
// echoes every message back to the sender too, so the session's own
// self-origin filtering is exercised.
type hub struct {
	mu    sync.Mutex
	chans []*hubChannel
	joins int
}

func (h *hub) join(context.Context, string) (Signaler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joins++
	ch := &hubChannel{hub: h, out: make(chan signal.Message, 64)}
	h.chans = append(h.chans, ch)
	return ch, nil
}

func (h *hub) joiner() Joiner { return JoinFunc(h.join) }

func (h *hub) broadcast(msg signal.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.chans {
		select {
		case ch.out <- msg:
		default:
		}
	}
}

type hubChannel struct {
	hub    *hub
	out    chan signal.Message
	closed bool
}

func (c *hubChannel) Publish(_ context.Context, msg signal.Message) error {
	c.hub.mu.Lock()
	if c.closed {
		c.hub.mu.Unlock()
		return errors.New("channel closed")
	}
	c.hub.mu.Unlock()
	c.hub.broadcast(msg)
	return nil
}

func (c *hubChannel) Messages() <-chan signal.Message { return c.out }

func (c *hubChannel) Close() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for i, ch := range c.hub.chans {
		if ch == c {
			c.hub.chans = append(c.hub.chans[:i], c.hub.chans[i+1:]...)
			break
		}
	}
	close(c.out)
	return nil
}

type fakeTrack struct {
	mu      sync.Mutex
	kind    webrtc.RTPCodecType
	enabled bool
	closed  bool
}

func newFakeTrack(kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{kind: kind, enabled: true}
}

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// fakeSource hands out a fresh stream per acquire, or queued errors first.
type fakeSource struct {
	mu      sync.Mutex
	errs    []error
	streams []*media.Stream
}

func (f *fakeSource) Acquire(context.Context, media.Constraints) (*media.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	st := media.NewStream(
		newFakeTrack(webrtc.RTPCodecTypeAudio),
		newFakeTrack(webrtc.RTPCodecTypeVideo),
	)
	f.streams = append(f.streams, st)
	return st, nil
}

// fakePeer scripts the negotiation surface: creating a description emits one
// local candidate, and a completed exchange reports a connected phase plus
// remote audio/video tracks.
type fakePeer struct {
	mu      sync.Mutex
	onCand  func(signal.Candidate)
	onPhase func(rtc.Phase)
	onTrack func(rtc.RemoteTrack)

	name       string
	offers     int
	answers    int
	remoteSet  bool
	candidates []signal.Candidate
	closed     bool
}

func (p *fakePeer) OnICECandidate(fn func(signal.Candidate)) { p.onCand = fn }
func (p *fakePeer) OnPhaseChange(fn func(rtc.Phase))         { p.onPhase = fn }
func (p *fakePeer) OnRemoteTrack(fn func(rtc.RemoteTrack))   { p.onTrack = fn }
func (p *fakePeer) OnRemoteVideo(func(active bool))          {}

func (p *fakePeer) AddLocalTracks(*media.Stream) error { return nil }

func (p *fakePeer) CreateOffer(context.Context) (string, error) {
	p.mu.Lock()
	p.offers++
	p.mu.Unlock()
	p.onCand(signal.Candidate{Candidate: "cand-" + p.name + "-offer", SDPMid: "0"})
	return "sdp-offer-" + p.name, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (string, error) {
	p.mu.Lock()
	p.answers++
	p.mu.Unlock()
	p.onCand(signal.Candidate{Candidate: "cand-" + p.name + "-answer", SDPMid: "0"})
	p.connect()
	return "sdp-answer-" + p.name, nil
}

func (p *fakePeer) SetRemoteDescription(kind, _ string) error {
	p.mu.Lock()
	p.remoteSet = true
	p.mu.Unlock()
	if kind == "answer" {
		p.connect()
	}
	return nil
}

func (p *fakePeer) AddICECandidate(c signal.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return rtc.ErrClosed
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) connect() {
	p.onPhase(rtc.PhaseConnected)
	p.onTrack(rtc.RemoteTrack{Kind: webrtc.RTPCodecTypeAudio, ID: "a0", StreamID: "remote-" + p.name})
	p.onTrack(rtc.RemoteTrack{Kind: webrtc.RTPCodecTypeVideo, ID: "v0", StreamID: "remote-" + p.name})
}

func (p *fakePeer) phase(ph rtc.Phase) { p.onPhase(ph) }

func (p *fakePeer) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *fakePeer) remoteCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type peerFactory struct {
	mu    sync.Mutex
	name  string
	peers []*fakePeer
}

func (f *peerFactory) new() (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{name: fmt.Sprintf("%s-%d", f.name, len(f.peers))}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *peerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fixture struct {
	sess  *Session
	src   *fakeSource
	peers *peerFactory
	ended *atomic.Int32
}

func newFixture(t *testing.T, h *hub, identity string) *fixture {
	t.Helper()
	f := &fixture{
		src:   &fakeSource{},
		peers: &peerFactory{name: identity},
		ended: &atomic.Int32{},
	}
	f.sess = NewSession(Options{
		Room:     "room-1",
		Identity: identity,
		Join:     h.joiner(),
		Media:    f.src,
		NewPeer:  f.peers.new,
		OnEnded:  func() { f.ended.Add(1) },
	})
	t.Cleanup(f.sess.Close)
	return f
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, status is %s", want, s.Status())
}

func TestTwoPeersConnectDespiteSimultaneousStart(t *testing.T) {
	h := &hub{}
	alice := newFixture(t, h, "alice")
	bob := newFixture(t, h, "bob")

	if err := alice.sess.StartCall(); err != nil {
		t.Fatalf("alice start: %v", err)
	}
	if err := bob.sess.StartCall(); err != nil {
		t.Fatalf("bob start: %v", err)
	}

	waitStatus(t, alice.sess, StatusConnected)
	waitStatus(t, bob.sess, StatusConnected)

	// Lexicographic tie-break: the lower identity offers, exactly once.
	if got := alice.peers.last().offerCount(); got != 1 {
		t.Fatalf("alice made %d offers, want 1", got)
	}
	if got := bob.peers.last().offerCount(); got != 0 {
		t.Fatalf("bob made %d offers, want 0", got)
	}

	for _, f := range []*fixture{alice, bob} {
		rs := f.sess.RemoteStream()
		if rs == nil || !rs.HasVideo || !rs.HasAudio {
			t.Fatalf("remote stream incomplete: %+v", rs)
		}
		if f.peers.last().remoteCandidates() == 0 {
			t.Fatal("no remote candidates applied")
		}
	}
	if alice.sess.RemotePeer() != "bob" || bob.sess.RemotePeer() != "alice" {
		t.Fatalf("remote peers %q / %q", alice.sess.RemotePeer(), bob.sess.RemotePeer())
	}
}

func TestEndCallReleasesEverythingOnce(t *testing.T) {
	h := &hub{}
	f := newFixture(t, h, "alice")

	if err := f.sess.StartCall(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, f.sess, StatusConnecting)

	if err := f.sess.EndCall(); err != nil {
		t.Fatalf("end: %v", err)
	}
	waitStatus(t, f.sess, StatusDisconnected)

	if !f.src.streams[0].Released() {
		t.Fatal("media stream not released")
	}
	if !f.peers.last().isClosed() {
		t.Fatal("peer connection not closed")
	}
	if got := f.ended.Load(); got != 1 {
		t.Fatalf("ended fired %d times, want 1", got)
	}

	// Repeated hangup is a no-op.
	if err := f.sess.EndCall(); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if got := f.ended.Load(); got != 1 {
		t.Fatalf("ended fired %d times after repeat, want 1", got)
	}
}

func TestMediaPermissionFailureNeverTouchesSignaling(t *testing.T) {
	h := &hub{}
	f := newFixture(t, h, "alice")
	f.src.errs = []error{fmt.Errorf("%w: cam blocked", media.ErrPermissionDenied)}

	if err := f.sess.StartCall(); err == nil {
		t.Fatal("expected start to fail")
	}
	if f.sess.Status() != StatusError {
		t.Fatalf("status %s, want error", f.sess.Status())
	}
	class, msg := f.sess.ErrorInfo()
	if class != ErrClassPermissionDenied {
		t.Fatalf("class %q, want permission_denied", class)
	}
	if msg == "" {
		t.Fatal("expected an error message")
	}
	if h.joins != 0 {
		t.Fatalf("signaling joined %d times despite media failure", h.joins)
	}
}

func TestOwnMessagesAreIgnored(t *testing.T) {
	h := &hub{}
	f := newFixture(t, h, "alice")

	if err := f.sess.StartCall(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, f.sess, StatusConnecting)

	// The hub echoes alice's own presence announcement back to her. She must
	// not negotiate with herself.
	time.Sleep(50 * time.Millisecond)
	if got := f.peers.last().offerCount(); got != 0 {
		t.Fatalf("offered %d times to self", got)
	}
	if f.sess.Status() != StatusConnecting {
		t.Fatalf("status %s, want connecting", f.sess.Status())
	}
}

func TestTransientDisconnectRecoversWithoutTeardown(t *testing.T) {
	h := &hub{}
	alice := newFixture(t, h, "alice")
	bob := newFixture(t, h, "bob")
	if err := alice.sess.StartCall(); err != nil {
		t.Fatal(err)
	}
	if err := bob.sess.StartCall(); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, alice.sess, StatusConnected)

	peer := alice.peers.last()
	peer.phase(rtc.PhaseDisconnected)
	waitStatus(t, alice.sess, StatusReconnecting)

	peer.phase(rtc.PhaseConnected)
	waitStatus(t, alice.sess, StatusConnected)

	if alice.ended.Load() != 0 {
		t.Fatal("ended fired during a transient disconnect")
	}
	if alice.src.streams[0].Released() {
		t.Fatal("media released during a transient disconnect")
	}
}

func TestIceFailureBecomesRetryableError(t *testing.T) {
	h := &hub{}
	f := newFixture(t, h, "alice")
	if err := f.sess.StartCall(); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.sess, StatusConnecting)

	f.peers.last().phase(rtc.PhaseFailed)
	waitStatus(t, f.sess, StatusError)

	class, _ := f.sess.ErrorInfo()
	if class != ErrClassNetwork {
		t.Fatalf("class %q, want network", class)
	}

	// Retry builds a brand-new attempt.
	if err := f.sess.Retry(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitStatus(t, f.sess, StatusConnecting)
	if len(f.peers.peers) != 2 {
		t.Fatalf("retry reused the old peer connection, %d peers built", len(f.peers.peers))
	}
}

func TestRetryOnlyValidFromError(t *testing.T) {
	h := &hub{}
	f := newFixture(t, h, "alice")
	if err := f.sess.Retry(); err == nil {
		t.Fatal("expected retry from idle to be rejected")
	}

	if err := f.sess.StartCall(); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.sess, StatusConnecting)
	if err := f.sess.Retry(); err == nil {
		t.Fatal("expected retry while connecting to be rejected")
	}
	if err := f.sess.StartCall(); err == nil {
		t.Fatal("expected second start to be rejected")
	}
}

func TestRemoteHangupEndsCall(t *testing.T) {
	h := &hub{}
	alice := newFixture(t, h, "alice")
	bob := newFixture(t, h, "bob")
	if err := alice.sess.StartCall(); err != nil {
		t.Fatal(err)
	}
	if err := bob.sess.StartCall(); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, alice.sess, StatusConnected)
	waitStatus(t, bob.sess, StatusConnected)

	if err := bob.sess.EndCall(); err != nil {
		t.Fatalf("bob end: %v", err)
	}
	waitStatus(t, alice.sess, StatusDisconnected)
	waitStatus(t, bob.sess, StatusDisconnected)

	if alice.ended.Load() != 1 || bob.ended.Load() != 1 {
		t.Fatalf("ended counts alice=%d bob=%d, want 1/1", alice.ended.Load(), bob.ended.Load())
	}
	if !alice.src.streams[0].Released() {
		t.Fatal("alice's media not released after remote hangup")
	}
}

func TestTogglesFlipFlagsWithoutRenegotiation(t *testing.T) {
	h := &hub{}
	f := newFixture(t, h, "alice")
	if err := f.sess.StartCall(); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.sess, StatusConnecting)
	stream := f.src.streams[0]
	offersBefore := f.peers.last().offerCount()

	if err := f.sess.ToggleMute(); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if !f.sess.IsMuted() || stream.AudioEnabled() {
		t.Fatal("mute did not disable audio")
	}
	if stream.VideoEnabled() == false {
		t.Fatal("mute must not touch video")
	}
	if err := f.sess.ToggleMute(); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if f.sess.IsMuted() || !stream.AudioEnabled() {
		t.Fatal("unmute did not restore audio")
	}

	if err := f.sess.ToggleCamera(); err != nil {
		t.Fatalf("camera off: %v", err)
	}
	if !f.sess.IsVideoOff() || stream.VideoEnabled() {
		t.Fatal("camera toggle did not disable video")
	}

	if got := f.peers.last().offerCount(); got != offersBefore {
		t.Fatalf("toggles triggered renegotiation, offers %d -> %d", offersBefore, got)
	}
}

func TestDuplicateRemoteHangupIsIdempotent(t *testing.T) {
	h := &hub{}
	f := newFixture(t, h, "alice")
	if err := f.sess.StartCall(); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.sess, StatusConnecting)

	// A second participant delivers the same hangup twice; at-least-once
	// transports may duplicate any message.
	remote, err := h.join(context.Background(), "room-1")
	if err != nil {
		t.Fatal(err)
	}
	hang := signal.Message{Kind: signal.KindHangup, From: "bob"}
	if err := remote.Publish(context.Background(), hang); err != nil {
		t.Fatal(err)
	}
	if err := remote.Publish(context.Background(), hang); err != nil {
		t.Fatal(err)
	}

	waitStatus(t, f.sess, StatusDisconnected)
	time.Sleep(50 * time.Millisecond)

	if f.sess.Status() != StatusDisconnected {
		t.Fatalf("status %s after duplicate hangup, want disconnected", f.sess.Status())
	}
	if got := f.ended.Load(); got != 1 {
		t.Fatalf("ended fired %d times, want 1", got)
	}
	if !f.src.streams[0].Released() {
		t.Fatal("media not released after remote hangup")
	}
}

func TestRetryReportsIdleBeforeNewAttempt(t *testing.T) {
	h := &hub{}
	var (
		mu       sync.Mutex
		observed []Status
	)
	src := &fakeSource{errs: []error{fmt.Errorf("%w: cam blocked", media.ErrPermissionDenied)}}
	peers := &peerFactory{name: "alice"}
	sess := NewSession(Options{
		Room:     "room-1",
		Identity: "alice",
		Join:     h.joiner(),
		Media:    src,
		NewPeer:  peers.new,
		OnStatus: func(st Status) {
			mu.Lock()
			observed = append(observed, st)
			mu.Unlock()
		},
	})
	t.Cleanup(sess.Close)

	if err := sess.StartCall(); err == nil {
		t.Fatal("expected start to fail")
	}
	waitStatus(t, sess, StatusError)

	if err := sess.Retry(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitStatus(t, sess, StatusConnecting)

	mu.Lock()
	got := append([]Status(nil), observed...)
	mu.Unlock()
	want := []Status{StatusAcquiringMedia, StatusError, StatusIdle, StatusAcquiringMedia, StatusConnecting}
	if len(got) != len(want) {
		t.Fatalf("observed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("observed %v, want %v", got, want)
		}
	}
}

func TestOperationsAfterCloseReturnSessionClosed(t *testing.T) {
	h := &hub{}
	f := newFixture(t, h, "alice")
	f.sess.Close()

	if err := f.sess.StartCall(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("start after close: %v", err)
	}
	if err := f.sess.ToggleMute(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("toggle after close: %v", err)
	}
}
