package voice

import (
	"time"

	"github.com/MrWong99/agentvox/pkg/audio"
	"github.com/MrWong99/agentvox/pkg/audio/segmenter"
)

func testSegmenterConfig() segmenter.Config {
	return segmenter.Config{
		VolumeThreshold:      0.3,
		SpeechConfirmation:   100 * time.Millisecond,
		DetectionGracePeriod: 50 * time.Millisecond,
		SilenceDuration:      200 * time.Millisecond,
		PCMSampleRate:        16000,
	}
}

func audioSegment() audio.AudioSegment {
	return audio.AudioSegment{Data: make([]byte, 320), IsLast: true}
}
