// Package rtc wraps a single pion ICE/SDP negotiation session. One Peer
// exists per call attempt; a retry builds a brand-new Peer rather than
// reusing a closed one.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/assistlink/callkit/internal/media"
	"github.com/assistlink/callkit/internal/signal"
)

// ErrClosed is returned when a description or candidate is applied to a
// session that has already been torn down (late signaling after hangup).
var ErrClosed = errors.New("rtc: peer connection closed")

// Phase is the coarse connection lifecycle observed by the call state
// machine. ICE connected and completed collapse into PhaseConnected;
// disconnected is recoverable and distinct from failed.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseChecking
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseChecking:
		return "checking"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func phaseFromICE(s webrtc.ICEConnectionState) Phase {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return PhaseChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return PhaseConnected
	case webrtc.ICEConnectionStateDisconnected:
		return PhaseDisconnected
	case webrtc.ICEConnectionStateFailed:
		return PhaseFailed
	case webrtc.ICEConnectionStateClosed:
		return PhaseClosed
	default:
		return PhaseNew
	}
}

// RemoteTrack describes a newly attached remote media track.
type RemoteTrack struct {
	Kind     webrtc.RTPCodecType
	ID       string
	StreamID string
}

// EnginePopulator registers codecs on the media engine backing the peer
// connection. The device media source provides one so capture codecs and the
// connection always agree.
type EnginePopulator interface {
	PopulateEngine(*webrtc.MediaEngine) error
}

// Peer wraps one pion PeerConnection: local/remote descriptions, candidate
// gathering and application, and connection-phase exposure. Candidates that
// arrive before the remote description are buffered and drained in arrival
// order once it is set.
type Peer struct {
	pc  *webrtc.PeerConnection
	buf candidateBuffer

	onCandidate   func(signal.Candidate)
	onPhase       func(Phase)
	onRemoteTrack func(RemoteTrack)
	onRemoteVideo func(active bool)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPeer builds a PeerConnection against the given STUN/ICE server URLs.
func NewPeer(iceServers []string, pop EnginePopulator) (*Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if pop != nil {
		if err := pop.PopulateEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("rtc: populate media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("rtc: register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5s — too short
	// for paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("rtc: create peer connection: %w", err)
	}

	p := &Peer{
		pc:     pc,
		closed: make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			log.Printf("RTC: ICE gathering complete")
			return
		}
		j := c.ToJSON()
		cand := signal.Candidate{Candidate: j.Candidate}
		if j.SDPMid != nil {
			cand.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *j.SDPMLineIndex
		}
		if p.onCandidate != nil {
			p.onCandidate(cand)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("RTC: ICE connection state: %s", state)
		if p.onPhase != nil {
			p.onPhase(phaseFromICE(state))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Printf("RTC: remote track: kind=%s id=%s", track.Kind(), track.ID())
		if p.onRemoteTrack != nil {
			p.onRemoteTrack(RemoteTrack{
				Kind:     track.Kind(),
				ID:       track.ID(),
				StreamID: track.StreamID(),
			})
		}
		go p.watchRemoteTrack(track)
	})

	return p, nil
}

// OnICECandidate registers the callback for locally gathered candidates.
// Must be set before negotiation begins.
func (p *Peer) OnICECandidate(fn func(signal.Candidate)) { p.onCandidate = fn }

// OnPhaseChange registers the connection-phase callback.
func (p *Peer) OnPhaseChange(fn func(Phase)) { p.onPhase = fn }

// OnRemoteTrack registers the remote-track callback.
func (p *Peer) OnRemoteTrack(fn func(RemoteTrack)) { p.onRemoteTrack = fn }

// OnRemoteVideo registers the remote video liveness callback, fed by the
// track monitor.
func (p *Peer) OnRemoteVideo(fn func(active bool)) { p.onRemoteVideo = fn }

// AddLocalTracks attaches every capture track to the session. Must run
// before any offer/answer exchange. With no local tracks the session still
// produces valid m-lines by adding recvonly transceivers.
func (p *Peer) AddLocalTracks(s *media.Stream) error {
	added := 0
	if s != nil {
		for _, t := range s.Tracks() {
			local := t.Local()
			if local == nil {
				continue
			}
			if _, err := p.pc.AddTrack(local); err != nil {
				return fmt.Errorf("rtc: add track: %w", err)
			}
			added++
		}
	}
	if added == 0 {
		return p.addRecvOnlyTransceivers()
	}
	return nil
}

func (p *Peer) addRecvOnlyTransceivers() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("rtc: add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	if p.isClosed() {
		return "", ErrClosed
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("rtc: set local description: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *Peer) CreateAnswer(ctx context.Context) (string, error) {
	if p.isClosed() {
		return "", ErrClosed
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("rtc: set local description: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteDescription applies the peer's SDP. The first successful call
// flips the session's remote-description-ready flag and drains the candidate
// buffer in arrival order.
func (p *Peer) SetRemoteDescription(kind, sdp string) error {
	if p.isClosed() {
		return ErrClosed
	}
	sdpType := webrtc.SDPTypeOffer
	if kind == "answer" {
		sdpType = webrtc.SDPTypeAnswer
	}
	desc := webrtc.SessionDescription{Type: sdpType, SDP: sdp}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("rtc: set remote description: %w", err)
	}
	return p.buf.MarkReady(p.applyCandidate)
}

// AddICECandidate applies a remote candidate, or buffers it if the remote
// description is not set yet. Duplicate deliveries are tolerated.
func (p *Peer) AddICECandidate(c signal.Candidate) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.buf.Add(c, p.applyCandidate)
}

func (p *Peer) applyCandidate(c signal.Candidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		// A duplicate or stale candidate must not kill the session.
		log.Printf("RTC: add ice candidate: %v", err)
	}
	return nil
}

func (p *Peer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Close releases native resources. Idempotent.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.pc.Close()
	})
	return err
}
