package rtc

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	// pliInterval is how often a keyframe is requested on a remote video
	// track so a viewer joining mid-stream gets a decodable picture quickly.
	pliInterval = 3 * time.Second

	// videoStallAfter is how long a remote video track may go silent before
	// it is reported as off. Cleared again on the next packet.
	videoStallAfter = 3 * time.Second
)

// watchRemoteTrack drains a remote track and, for video, requests periodic
// keyframes and reports liveness through the OnRemoteVideo callback.
func (p *Peer) watchRemoteTrack(track *webrtc.TrackRemote) {
	isVideo := track.Kind() == webrtc.RTPCodecTypeVideo

	var lastPacket atomic.Int64
	if isVideo {
		go p.sendPLI(track)
		go p.watchVideoLiveness(&lastPacket)
	}

	var lastSeq uint16
	haveSeq := false
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if isVideo {
				p.reportRemoteVideo(false)
			}
			return
		}
		p.observePacket(pkt, &lastSeq, &haveSeq)
		if isVideo {
			first := lastPacket.Swap(time.Now().UnixNano()) == 0
			if first {
				p.reportRemoteVideo(true)
			}
		}
	}
}

// observePacket tracks sequence continuity for diagnostics. Loss here is
// informational — recovery is the job of the NACK/PLI interceptors.
func (p *Peer) observePacket(pkt *rtp.Packet, lastSeq *uint16, haveSeq *bool) {
	if *haveSeq && pkt.SequenceNumber != *lastSeq+1 {
		log.Printf("RTC: remote track seq jump %d -> %d", *lastSeq, pkt.SequenceNumber)
	}
	*lastSeq = pkt.SequenceNumber
	*haveSeq = true
}

func (p *Peer) sendPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

func (p *Peer) watchVideoLiveness(lastPacket *atomic.Int64) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	stalled := false
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			last := lastPacket.Load()
			if last == 0 {
				continue
			}
			silent := time.Since(time.Unix(0, last)) > videoStallAfter
			if silent && !stalled {
				stalled = true
				p.reportRemoteVideo(false)
			} else if !silent && stalled {
				stalled = false
				p.reportRemoteVideo(true)
			}
		}
	}
}

func (p *Peer) reportRemoteVideo(active bool) {
	if p.onRemoteVideo != nil {
		p.onRemoteVideo(active)
	}
}
