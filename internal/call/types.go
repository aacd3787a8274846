package call

import (
	"context"

	"github.com/assistlink/callkit/internal/media"
	"github.com/assistlink/callkit/internal/rtc"
	"github.com/assistlink/callkit/internal/signal"
)

// Signaler is the broadcast-channel surface the call package needs from the
// transport layer: room-scoped, at-least-once delivery to all other
// subscribers. Both the pubsub and websocket channels satisfy it.
type Signaler interface {
	Publish(ctx context.Context, msg signal.Message) error
	Messages() <-chan signal.Message
	Close() error
}

// Joiner opens the Signaler for a room. The returned channel must be
// subscribed before Join returns, so the presence announcement published
// right after cannot be lost.
type Joiner interface {
	Join(ctx context.Context, room string) (Signaler, error)
}

// JoinFunc adapts a closure to Joiner.
type JoinFunc func(ctx context.Context, room string) (Signaler, error)

func (f JoinFunc) Join(ctx context.Context, room string) (Signaler, error) {
	return f(ctx, room)
}

// PeerConn is the negotiation-session surface (implemented by rtc.Peer).
// Callbacks must be registered before negotiation begins; the session
// marshals them onto its event loop before touching shared state.
type PeerConn interface {
	OnICECandidate(func(signal.Candidate))
	OnPhaseChange(func(rtc.Phase))
	OnRemoteTrack(func(rtc.RemoteTrack))
	OnRemoteVideo(func(active bool))

	AddLocalTracks(*media.Stream) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(kind, sdp string) error
	AddICECandidate(signal.Candidate) error
	Close() error
}

// PeerFactory builds a fresh PeerConn for each call attempt.
type PeerFactory func() (PeerConn, error)

// RemoteStream is the handle exposed for rendering the remote side.
type RemoteStream struct {
	ID       string
	HasVideo bool
	HasAudio bool
}
