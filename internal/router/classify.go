package router

import (
	"regexp"
	"strings"
	"unicode"
)

// Tier is the routing class assigned to an inbound message.
type Tier int

const (
	TierReflex   Tier = 1 // pure acknowledgements, answered without a model call
	TierSimple   Tier = 2 // short factual queries, fast model
	TierStandard Tier = 3 // default, primary model
	TierComplex  Tier = 4 // long or planning-heavy, strongest model
	TierVoice    Tier = 5 // audio transcription origin, latency-weighted fast model
)

func (t Tier) String() string {
	switch t {
	case TierReflex:
		return "reflex"
	case TierSimple:
		return "simple"
	case TierStandard:
		return "standard"
	case TierComplex:
		return "complex"
	case TierVoice:
		return "voice"
	}
	return "unknown"
}

var ackWords = map[string]bool{
	"ok": true, "okay": true, "k": true, "kk": true,
	"thanks": true, "thank": true, "thx": true, "ty": true,
	"got": true, "it": true, "yes": true, "yep": true, "yeah": true,
	"no": true, "nope": true, "cool": true, "nice": true, "great": true,
	"sure": true, "done": true, "noted": true, "👍": true, "🙏": true,
}

var simpleQuery = regexp.MustCompile(`(?i)^(what|when|who|where|which|how (much|many|long))\b|\b(time|date|today|tomorrow)\b`)

var planningVerbs = regexp.MustCompile(`(?i)\b(plan|design|architect|implement|refactor|rewrite|rework|write|compose|build|create|analy[sz]e|compare|evaluate|organi[sz]e|draft|outline|strategy|strategi[sz]e|research)\b`)

// Classify assigns a tier to a message. isVoice marks messages that
// originated from audio transcription.
func Classify(text string, isVoice bool) Tier {
	if isVoice {
		return TierVoice
	}

	trimmed := strings.TrimSpace(text)
	words := strings.Fields(trimmed)

	if isReflex(trimmed, words) {
		return TierReflex
	}

	interrogative := strings.Contains(trimmed, "?") || simpleQuery.MatchString(trimmed)

	if len(words) > 80 || planningVerbs.MatchString(trimmed) || clauseCount(trimmed) >= 3 {
		return TierComplex
	}

	if interrogative && len(words) <= 12 && !planningVerbs.MatchString(trimmed) {
		return TierSimple
	}

	return TierStandard
}

// isReflex reports pure acknowledgements: emoji-only, or at most three
// tokens that are all ack words, with no question mark.
func isReflex(trimmed string, words []string) bool {
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, "?") {
		return false
	}
	if emojiOnly(trimmed) {
		return true
	}
	if len(words) > 3 {
		return false
	}
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,!"))
		if !ackWords[w] {
			return false
		}
	}
	return true
}

func emojiOnly(s string) bool {
	seen := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if r < 0x2190 { // below arrows/symbols/emoji planes
			return false
		}
		seen = true
	}
	return seen
}

func clauseCount(s string) int {
	n := 1
	for _, sep := range []string{",", ";", " and ", " then ", " also "} {
		n += strings.Count(strings.ToLower(s), sep)
	}
	return n
}
