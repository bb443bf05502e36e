package chorus

import (
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Detection is a positive abort-detector result: the stream is truncated at
// Index (byte offset into the accumulated text) and Reason is recorded.
type Detection struct {
	Index  int
	Reason string
}

// DetectContext carries the context a detector may consult: the other known
// agent names, recent message contents, and the rolling SoC sample.
type DetectContext struct {
	AgentNames []string
	Recent     []string
	SoC        string
}

// AbortDetector is a pluggable stream-text policy. Check runs on the full
// accumulated assistant text after every chunk; the first non-nil Detection
// wins. Implementations must be safe for concurrent use.
type AbortDetector interface {
	Name() string
	Check(text string, dctx DetectContext) *Detection
}

// DetectorRegistry holds the ordered set of registered detectors.
type DetectorRegistry struct {
	mu        sync.RWMutex
	detectors []AbortDetector
}

// NewDetectorRegistry creates an empty registry.
func NewDetectorRegistry() *DetectorRegistry {
	return &DetectorRegistry{}
}

// Add appends a detector; order is evaluation order.
func (r *DetectorRegistry) Add(d ...AbortDetector) {
	r.mu.Lock()
	r.detectors = append(r.detectors, d...)
	r.mu.Unlock()
}

// All returns a snapshot of the registered detectors.
func (r *DetectorRegistry) All() []AbortDetector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AbortDetector, len(r.detectors))
	copy(out, r.detectors)
	return out
}

// Empty reports whether no detector is registered.
func (r *DetectorRegistry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.detectors) == 0
}

// DefaultDetectors is the fallback panel used when the registry is empty.
func DefaultDetectors(maxContentLen int) []AbortDetector {
	return []AbortDetector{
		MetaTagLeakDetector{},
		AgentQuoteDetector{},
		ToolEchoFloodDetector{Max: 3},
		RepetitionDetector{},
		CrossTurnRepetitionDetector{},
		MaxLengthDetector{Max: maxContentLen},
		SpiralPhraseDetector{},
	}
}

// --- MetaTagLeak ---

// metaTokenRe matches control/meta markers leaked from the chat template:
// <|start|>, <|assistant|>, <channel|commentary ...> and the like.
var metaTokenRe = regexp.MustCompile(`<\|[a-zA-Z_:./ -]{1,48}\|>|<channel\|[^>\n]{0,96}>`)

// MetaTagLeakDetector cuts the stream when a control/meta marker appears
// outside a code fence. Inside fences the model is quoting, not leaking.
type MetaTagLeakDetector struct{}

func (MetaTagLeakDetector) Name() string { return "meta-tag-leak" }

func (MetaTagLeakDetector) Check(text string, _ DetectContext) *Detection {
	for _, loc := range metaTokenRe.FindAllStringIndex(text, -1) {
		if !insideFence(text, loc[0]) {
			return &Detection{Index: loc[0], Reason: "meta tag leak: " + text[loc[0]:loc[1]]}
		}
	}
	return nil
}

// insideFence reports whether byte offset idx falls inside a ``` code fence.
// Odd fence parity before idx = inside.
func insideFence(text string, idx int) bool {
	return strings.Count(text[:idx], "```")%2 == 1
}

// --- AgentQuote ---

// AgentQuoteDetector cuts when a line starts with another known agent's name
// followed by ":" — the model is forging someone else's turn.
type AgentQuoteDetector struct{}

func (AgentQuoteDetector) Name() string { return "agent-quote" }

func (AgentQuoteDetector) Check(text string, dctx DetectContext) *Detection {
	lineStart := 0
	for {
		lineEnd := strings.IndexByte(text[lineStart:], '\n')
		line := text[lineStart:]
		if lineEnd >= 0 {
			line = text[lineStart : lineStart+lineEnd]
		}
		trimmed := strings.TrimLeft(line, " \t")
		for _, name := range dctx.AgentNames {
			if name != "" && strings.HasPrefix(trimmed, name+":") {
				return &Detection{Index: lineStart, Reason: "role forgery: line speaks as " + name}
			}
		}
		if lineEnd < 0 {
			return nil
		}
		lineStart += lineEnd + 1
	}
}

// --- ToolEchoFlood ---

const toolEchoMarker = `"tool_calls":[`

// ToolEchoFloodDetector cuts when the assistant keeps echoing tool-call JSON
// instead of acting on it.
type ToolEchoFloodDetector struct {
	Max int // occurrences allowed; cut at the start of occurrence Max+1
}

func (ToolEchoFloodDetector) Name() string { return "tool-echo-flood" }

func (d ToolEchoFloodDetector) Check(text string, _ DetectContext) *Detection {
	max := d.Max
	if max <= 0 {
		max = 3
	}
	count, from := 0, 0
	for {
		i := strings.Index(text[from:], toolEchoMarker)
		if i < 0 {
			return nil
		}
		count++
		if count > max {
			return &Detection{Index: from + i, Reason: "tool-call echo flood"}
		}
		from += i + len(toolEchoMarker)
	}
}

// --- Repetition ---

const (
	repetitionTailTokens   = 6
	repetitionMinRepeats   = 3
	repetitionNoveltyMin   = 0.25
	repetitionNoveltyAfter = 400 // runes
)

// RepetitionDetector cuts looping output: either the tail phrase (last W
// tokens) already occurred ≥ K times, or the overall token novelty collapsed
// past a minimum length.
type RepetitionDetector struct{}

func (RepetitionDetector) Name() string { return "repetition" }

func (RepetitionDetector) Check(text string, _ DetectContext) *Detection {
	if tail, ok := tailSubstring(text, repetitionTailTokens); ok {
		if strings.Count(text, tail) >= repetitionMinRepeats {
			first := strings.Index(text, tail)
			second := strings.Index(text[first+1:], tail)
			if second >= 0 {
				return &Detection{Index: first + 1 + second, Reason: "tail phrase repetition"}
			}
		}
	}
	if len([]rune(text)) > repetitionNoveltyAfter {
		if noveltyRatio(text) < repetitionNoveltyMin {
			return &Detection{Index: len(text), Reason: "novelty collapse"}
		}
	}
	return nil
}

// tailSubstring returns the raw substring of text spanning its last n
// whitespace-separated tokens. ok is false when the text is too short for a
// meaningful phrase.
func tailSubstring(text string, n int) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) < n*2 { // need room for at least two occurrences
		return "", false
	}
	tail := strings.Join(fields[len(fields)-n:], " ")
	if len(tail) < 12 {
		return "", false
	}
	// Locate the raw span so indexes refer to the original text.
	idx := strings.LastIndex(text, tail)
	if idx < 0 {
		// Original spacing differs from single-space join; fall back to the
		// joined form, which strings.Count still finds when spacing matches.
		return tail, true
	}
	return text[idx:], true
}

// noveltyRatio is unique/total tokens after NFKC folding, so homoglyph
// padding does not inflate novelty.
func noveltyRatio(text string) float64 {
	fields := strings.Fields(norm.NFKC.String(strings.ToLower(text)))
	if len(fields) == 0 {
		return 1
	}
	uniq := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		uniq[f] = struct{}{}
	}
	return float64(len(uniq)) / float64(len(fields))
}

// --- CrossTurnRepetition ---

const (
	crossTurnTailTokens  = 8
	crossTurnOverlapMin  = 0.9
	crossTurnOverlapAfter = 200 // runes
)

// CrossTurnRepetitionDetector cuts output that replays this agent's own
// recent turns: the tail n-gram appears verbatim in the rolling SoC sample,
// or the token overlap against the SoC exceeds the threshold.
type CrossTurnRepetitionDetector struct{}

func (CrossTurnRepetitionDetector) Name() string { return "cross-turn-repetition" }

func (CrossTurnRepetitionDetector) Check(text string, dctx DetectContext) *Detection {
	if dctx.SoC == "" {
		return nil
	}
	if tail, ok := tailSubstring(text, crossTurnTailTokens); ok && len(tail) >= 24 {
		if strings.Contains(dctx.SoC, tail) {
			idx := strings.LastIndex(text, tail)
			if idx < 0 {
				idx = len(text)
			}
			return &Detection{Index: idx, Reason: "cross-turn tail repetition"}
		}
	}
	if len([]rune(text)) > crossTurnOverlapAfter {
		if overlapRatio(text, dctx.SoC) > crossTurnOverlapMin {
			return &Detection{Index: len(text), Reason: "cross-turn novelty overlap"}
		}
	}
	return nil
}

// overlapRatio is the fraction of text tokens already present in sample.
func overlapRatio(text, sample string) float64 {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return 0
	}
	seen := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(sample)) {
		seen[f] = struct{}{}
	}
	hits := 0
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(fields))
}

// --- MaxLength ---

// MaxLengthDetector cuts content exceeding the configured character cap.
type MaxLengthDetector struct {
	Max int // runes; <=0 disables
}

func (MaxLengthDetector) Name() string { return "max-length" }

func (d MaxLengthDetector) Check(text string, _ DetectContext) *Detection {
	if d.Max <= 0 {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= d.Max {
		return nil
	}
	return &Detection{Index: len(string(runes[:d.Max])), Reason: "content length cap"}
}

// --- SpiralPhrase ---

// spiralPhrases are openings that in practice precede unrecoverable apology
// or restatement spirals. Matched at line starts only.
var spiralPhrases = []string{
	"I apologize for the repeated",
	"As I mentioned previously, as I mentioned",
	"To summarize the summary",
	"I notice I am repeating",
	"Let me try again. Let me try again",
}

// SpiralPhraseDetector cuts known spiral phrases at the start of a line.
type SpiralPhraseDetector struct{}

func (SpiralPhraseDetector) Name() string { return "spiral-phrase" }

func (SpiralPhraseDetector) Check(text string, _ DetectContext) *Detection {
	lineStart := 0
	for {
		lineEnd := strings.IndexByte(text[lineStart:], '\n')
		line := text[lineStart:]
		if lineEnd >= 0 {
			line = text[lineStart : lineStart+lineEnd]
		}
		for _, p := range spiralPhrases {
			if strings.HasPrefix(line, p) {
				return &Detection{Index: lineStart, Reason: "spiral phrase"}
			}
		}
		if lineEnd < 0 {
			return nil
		}
		lineStart += lineEnd + 1
	}
}

// compile-time checks
var (
	_ AbortDetector = MetaTagLeakDetector{}
	_ AbortDetector = AgentQuoteDetector{}
	_ AbortDetector = ToolEchoFloodDetector{}
	_ AbortDetector = RepetitionDetector{}
	_ AbortDetector = CrossTurnRepetitionDetector{}
	_ AbortDetector = MaxLengthDetector{}
	_ AbortDetector = SpiralPhraseDetector{}
)
