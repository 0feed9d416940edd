package webrtc

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"rillcall/internal/core/domain"
)

// linkStats accumulates the cumulative counters the telemetry sampler differentiates.
type linkStats struct {
	mu sync.Mutex

	bytesSent       uint64
	packetsSent     uint64
	bytesReceived   uint64
	packetsReceived uint64

	// per outbound SSRC, as reported by the remote receiver
	clockRates map[uint32]uint32
	totalLost  map[uint32]uint32
	jitterMs   map[uint32]float64
}

func newLinkStats() *linkStats {
	return &linkStats{
		clockRates: make(map[uint32]uint32),
		totalLost:  make(map[uint32]uint32),
		jitterMs:   make(map[uint32]float64),
	}
}

func (s *linkStats) registerOutbound(ssrc, clockRate uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockRates[ssrc] = clockRate
}

func (s *linkStats) sent(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packetsSent++
	s.bytesSent += uint64(pkt.MarshalSize())
}

func (s *linkStats) received(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packetsReceived++
	s.bytesReceived += uint64(pkt.MarshalSize())
}

// applyRTCP records loss and jitter from receiver reports about our own streams.
func (s *linkStats) applyRTCP(packets []rtcp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range packets {
		var reports []rtcp.ReceptionReport
		switch rr := p.(type) {
		case *rtcp.ReceiverReport:
			reports = rr.Reports
		case *rtcp.SenderReport:
			reports = rr.Reports
		default:
			continue
		}
		for _, r := range reports {
			rate, ok := s.clockRates[r.SSRC]
			if !ok || rate == 0 {
				continue
			}
			s.totalLost[r.SSRC] = r.TotalLost
			s.jitterMs[r.SSRC] = float64(r.Jitter) / float64(rate) * 1000
		}
	}
}

func (s *linkStats) snapshot() domain.MediaCounters {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := domain.MediaCounters{
		BytesSent:       s.bytesSent,
		BytesReceived:   s.bytesReceived,
		PacketsSent:     s.packetsSent,
		PacketsReceived: s.packetsReceived,
	}
	for _, lost := range s.totalLost {
		c.PacketsLost += int64(lost)
	}
	for _, j := range s.jitterMs {
		if j > c.JitterMs {
			c.JitterMs = j
		}
	}
	return c
}

// keyframeWatcher asks for a keyframe when inbound video has gone too long without one.
type keyframeWatcher struct {
	timeout      time.Duration
	lastKeyframe time.Time
	lastRequest  time.Time
}

func newKeyframeWatcher(timeout time.Duration) *keyframeWatcher {
	return &keyframeWatcher{timeout: timeout}
}

// observe returns true when a PLI should be sent now. Requests are spaced by timeout.
func (w *keyframeWatcher) observe(pkt *rtp.Packet, now time.Time) bool {
	if w.lastKeyframe.IsZero() {
		w.lastKeyframe = now
	}
	if isVP8Keyframe(pkt.Payload) {
		w.lastKeyframe = now
		return false
	}
	if now.Sub(w.lastKeyframe) < w.timeout || now.Sub(w.lastRequest) < w.timeout {
		return false
	}
	w.lastRequest = now
	return true
}

// isVP8Keyframe parses the VP8 payload descriptor (RFC 7741) and checks the P bit of the
// first partition's payload header.
func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	first := payload[0]
	i := 1
	if first&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		i = 2
		if ext&0x80 != 0 {
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 {
			i++
		}
		if ext&0x30 != 0 {
			i++
		}
	}
	// start of partition 0
	if first&0x10 == 0 || first&0x0f != 0 {
		return false
	}
	if len(payload) <= i {
		return false
	}
	return payload[i]&0x01 == 0
}
