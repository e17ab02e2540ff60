package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// bitsPerSample is fixed at 16 for all PCM handled by agentvox.
const bitsPerSample = 16

// ErrInvalidWAV is returned by [DecodeWAV] for payloads that are not 16-bit
// PCM RIFF/WAVE data.
var ErrInvalidWAV = errors.New("audio: invalid WAV payload")

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container, suitable for multipart uploads to batch recognisers.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV extracts the PCM payload and its format from a RIFF/WAVE file.
// Only uncompressed 16-bit PCM is accepted. Chunks other than "fmt " and
// "data" are skipped.
func DecodeWAV(wav []byte) (pcm []byte, format Format, err error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var haveFmt bool
	pos := 12
	for pos+8 <= len(wav) {
		id := string(wav[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(wav[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(wav) {
			// Streaming encoders often write a bogus data size; take what is there.
			end = len(wav)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, Format{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			if tag := binary.LittleEndian.Uint16(wav[body : body+2]); tag != 1 {
				return nil, Format{}, fmt.Errorf("%w: unsupported format tag %d", ErrInvalidWAV, tag)
			}
			format.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			if bits := binary.LittleEndian.Uint16(wav[body+14 : body+16]); bits != bitsPerSample {
				return nil, Format{}, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, bits)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			return wav[body:end], format, nil
		}

		// Chunks are word aligned.
		pos = end + size%2
	}
	return nil, Format{}, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
}
