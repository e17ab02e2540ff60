package wsengine

import (
	"fmt"

	"layeh.com/gopus"
)

// opusFrameMs is the duration of one encoded Opus packet.
const opusFrameMs = 20

// opusRates are the sample rates libopus accepts.
var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// opusEncoder wraps a mono gopus encoder. Encoder state carries across
// packets, so one encoder serves one client for its whole lifetime.
type opusEncoder struct {
	enc       *gopus.Encoder
	frameSize int // samples per packet
}

func newOpusEncoder(sampleRate int) (*opusEncoder, error) {
	if !opusRates[sampleRate] {
		return nil, fmt.Errorf("wsengine: opus does not support %d Hz", sampleRate)
	}
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("wsengine: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, frameSize: sampleRate * opusFrameMs / 1000}, nil
}

// encode splits mono PCM into fixed-size packets. The final packet is padded
// with silence.
func (e *opusEncoder) encode(pcm []byte) ([][]byte, error) {
	samples := bytesToInt16s(pcm)
	var packets [][]byte
	for start := 0; start < len(samples); start += e.frameSize {
		frame := samples[start:min(start+e.frameSize, len(samples))]
		if len(frame) < e.frameSize {
			padded := make([]int16, e.frameSize)
			copy(padded, frame)
			frame = padded
		}
		pkt, err := e.enc.Encode(frame, e.frameSize, e.frameSize*2)
		if err != nil {
			return nil, fmt.Errorf("wsengine: opus encode: %w", err)
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
