// Package voicecmd turns final transcripts into remote-control commands for
// coding agents.
//
// Recognised phrases (case-insensitive, surrounding punctuation ignored):
//
//	stop talking | be quiet       silence playback
//	start <agent>                 start an agent
//	stop <agent>                  stop an agent
//	attach [to] <agent>           send later free speech to the agent
//	tell <agent> <message>        send one message to the agent
//
// Anything else is free speech and goes to the attached agent. A command
// phrase whose agent name does not resolve is treated as free speech too,
// so "stop the server" reaches the attached agent unchanged.
package voicecmd

import (
	"regexp"
	"strings"
)

// Kind identifies a command.
type Kind string

const (
	// KindNone means the transcript was not acted upon.
	KindNone    Kind = ""
	KindSilence Kind = "silence"
	KindStart   Kind = "start"
	KindStop    Kind = "stop"
	KindAttach  Kind = "attach"
	KindTell    Kind = "tell"
	// KindMessage is free speech for the attached agent.
	KindMessage Kind = "message"
)

// Command is a parsed transcript.
type Command struct {
	Kind Kind `json:"kind"`

	// Agent is the configured agent name. Empty for silence and for messages
	// before an agent was attached.
	Agent string `json:"agent,omitempty"`

	// Text is the message for tell and message commands.
	Text string `json:"text,omitempty"`

	// Match tells how Agent was resolved.
	Match MatchKind `json:"-"`
}

// maxAgentWords bounds how many words after "tell" are tried as agent name.
const maxAgentWords = 3

var (
	silenceRe = regexp.MustCompile(`(?i)^(?:please\s+)?(?:stop\s+talking|be\s+quiet|shut\s+up|quiet)(?:\s+please)?$`)
	startRe   = regexp.MustCompile(`(?i)^start\s+(?:the\s+)?(.+?)(?:\s+agent)?$`)
	stopRe    = regexp.MustCompile(`(?i)^stop\s+(?:the\s+)?(.+?)(?:\s+agent)?$`)
	attachRe  = regexp.MustCompile(`(?i)^attach\s+(?:to\s+)?(?:the\s+)?(.+?)(?:\s+agent)?$`)
	tellRe    = regexp.MustCompile(`(?i)^tell\s+(?:the\s+)?(.+)$`)
)

// Parser recognises commands. It is immutable and safe for concurrent use.
type Parser struct {
	resolver *Resolver
}

// NewParser returns a Parser resolving agent names with r. A nil r uses
// [DefaultFuzzyThreshold].
func NewParser(r *Resolver) *Parser {
	if r == nil {
		r = NewResolver(DefaultFuzzyThreshold)
	}
	return &Parser{resolver: r}
}

// Parse classifies text against the configured agents. Text that is blank
// after trimming yields [KindNone]; other unrecognised text yields
// [KindMessage] with Agent left empty.
func (p *Parser) Parse(text string, agents []string) Command {
	t := clean(text)
	if t == "" {
		return Command{}
	}
	if silenceRe.MatchString(t) {
		return Command{Kind: KindSilence}
	}

	simple := []struct {
		re   *regexp.Regexp
		kind Kind
	}{
		{startRe, KindStart},
		{stopRe, KindStop},
		{attachRe, KindAttach},
	}
	for _, s := range simple {
		m := s.re.FindStringSubmatch(t)
		if m == nil {
			continue
		}
		if name, kind, _ := p.resolver.Resolve(m[1], agents); kind != MatchNone {
			return Command{Kind: s.kind, Agent: name, Match: kind}
		}
	}

	if m := tellRe.FindStringSubmatch(t); m != nil {
		if cmd, ok := p.parseTell(m[1], agents); ok {
			return cmd
		}
	}
	return Command{Kind: KindMessage, Text: strings.TrimSpace(text)}
}

// parseTell splits "<agent> [to] <message>". Prefixes of up to
// maxAgentWords words are tried as the agent name; the shortest exact match
// wins, otherwise the best scoring one.
func (p *Parser) parseTell(rest string, agents []string) (Command, bool) {
	words := strings.Fields(rest)
	var (
		best      Command
		bestN     int
		bestScore float64
	)
	for n := 1; n <= maxAgentWords && n < len(words); n++ {
		name, kind, score := p.resolver.Resolve(strings.Join(words[:n], " "), agents)
		if kind == MatchNone {
			continue
		}
		if kind == MatchExact {
			best, bestN = Command{Kind: KindTell, Agent: name, Match: kind}, n
			break
		}
		if score > bestScore {
			best, bestN, bestScore = Command{Kind: KindTell, Agent: name, Match: kind}, n, score
		}
	}
	if bestN == 0 {
		return Command{}, false
	}
	msg := words[bestN:]
	for _, filler := range []string{"agent", "to"} {
		if len(msg) > 1 && strings.EqualFold(msg[0], filler) {
			msg = msg[1:]
		}
	}
	best.Text = strings.Join(msg, " ")
	return best, true
}

// clean trims whitespace and sentence punctuation that recognisers append.
func clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ".!?,; ")
	s = strings.TrimLeft(s, ".!?,; ")
	return strings.Join(strings.Fields(s), " ")
}
