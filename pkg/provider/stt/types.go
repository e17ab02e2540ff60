package stt

import "time"

// Transcript is one recognition result. Interim hypotheses arrive on a
// session's partial channel with IsFinal false; the text a voice session acts
// on arrives on the final channel.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence in [0, 1]. Backends that do not score results leave it 0.
	Confidence float64

	// Words is nil unless the backend reports word timings.
	Words []WordDetail

	// Timestamp is the utterance start as an offset into the stream, and
	// Duration the length of audio it covers.
	Timestamp time.Duration
	Duration  time.Duration
}

// WordDetail is the timing and score of a single recognised word.
type WordDetail struct {
	Word       string
	Start, End time.Duration
	Confidence float64
}

// KeywordBoost biases recognition towards a term such as an agent name, so
// that "tell frontend ..." is not heard as "tell front end ...".
type KeywordBoost struct {
	Keyword string

	// Boost uses the backend's own scale; Deepgram accepts roughly -10..10.
	Boost float64
}
