package audio

import (
	"mime"
	"strconv"
	"strings"
)

// DefaultBlobSampleRate is assumed for PCM blobs whose mime type carries no
// rate hint.
const DefaultBlobSampleRate = 24000

// PCMMimeType returns the mime type agentvox uses for raw PCM blobs at rate.
func PCMMimeType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseSampleRate extracts the rate=<n> hint from a blob mime type such as
// "audio/pcm;rate=24000" or "audio/L16; rate=16000". It reports false when the
// hint is missing or not a positive integer.
func ParseSampleRate(mimeType string) (int, bool) {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		// Fall back to a plain scan; some providers emit non-RFC parameters.
		for _, part := range strings.Split(mimeType, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && strings.EqualFold(k, "rate") {
				return parsePositive(v)
			}
		}
		return 0, false
	}
	v, ok := params["rate"]
	if !ok {
		return 0, false
	}
	return parsePositive(v)
}

// IsWAV reports whether mimeType declares a RIFF/WAVE payload.
func IsWAV(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt, _, _ = strings.Cut(mimeType, ";")
	}
	switch strings.ToLower(strings.TrimSpace(mt)) {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return true
	}
	return false
}

// DecodeBlob returns the mono PCM payload of b and its sample rate. WAV blobs
// are unwrapped and down-mixed; raw PCM blobs take their rate from the mime
// type hint, defaulting to [DefaultBlobSampleRate].
func DecodeBlob(b Blob) ([]byte, int, error) {
	if IsWAV(b.MimeType) {
		pcm, f, err := DecodeWAV(b.Data)
		if err != nil {
			return nil, 0, err
		}
		if f.Channels == 2 {
			pcm = StereoToMono(pcm)
		}
		return pcm, f.SampleRate, nil
	}
	rate, ok := ParseSampleRate(b.MimeType)
	if !ok {
		rate = DefaultBlobSampleRate
	}
	return b.Data, rate, nil
}

func parsePositive(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
