package chorus

import (
	"strings"
	"testing"
)

func TestMetaTagLeakDetector(t *testing.T) {
	d := MetaTagLeakDetector{}

	tests := []struct {
		name string
		text string
		cut  bool
	}{
		{"leak outside fence", "hello <|assistant|> world", true},
		{"channel marker", "ok <channel|commentary to=user> more", true},
		{"quoted inside fence", "```\n<|assistant|>\n```\nfine", false},
		{"clean text", "just a normal reply", false},
		{"angle brackets but not meta", "a < b and b > c", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := d.Check(tt.text, DetectContext{})
			if tt.cut && det == nil {
				t.Error("expected cut, got nil")
			}
			if !tt.cut && det != nil {
				t.Errorf("expected pass, got %+v", det)
			}
		})
	}
}

func TestMetaTagLeakDetectorIndex(t *testing.T) {
	det := MetaTagLeakDetector{}.Check("hello <|end|>", DetectContext{})
	if det == nil {
		t.Fatal("expected detection")
	}
	if det.Index != 6 {
		t.Errorf("index = %d, want 6", det.Index)
	}
}

func TestAgentQuoteDetector(t *testing.T) {
	dctx := DetectContext{AgentNames: []string{"Grace", "Linus"}}
	d := AgentQuoteDetector{}

	tests := []struct {
		name string
		text string
		cut  bool
	}{
		{"forged line", "I agree.\nGrace: actually no", true},
		{"forged first line", "Linus: let me answer that", true},
		{"indented forgery", "  Grace: hm", true},
		{"mention mid-line", "I told Grace: hi there", false},
		{"own content", "Here is my answer.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := d.Check(tt.text, dctx)
			if tt.cut && det == nil {
				t.Error("expected cut, got nil")
			}
			if !tt.cut && det != nil {
				t.Errorf("expected pass, got %+v", det)
			}
		})
	}
}

func TestAgentQuoteDetectorCutsAtLineStart(t *testing.T) {
	text := "First line.\nGrace: forged"
	det := AgentQuoteDetector{}.Check(text, DetectContext{AgentNames: []string{"Grace"}})
	if det == nil {
		t.Fatal("expected detection")
	}
	if want := len("First line.\n"); det.Index != want {
		t.Errorf("index = %d, want %d", det.Index, want)
	}
}

func TestToolEchoFloodDetector(t *testing.T) {
	d := ToolEchoFloodDetector{Max: 2}
	echo := `{"tool_calls":[{"type":"function"}]}`

	if det := d.Check(strings.Repeat(echo+" ", 2), DetectContext{}); det != nil {
		t.Errorf("two echoes should pass, got %+v", det)
	}
	if det := d.Check(strings.Repeat(echo+" ", 3), DetectContext{}); det == nil {
		t.Error("three echoes should cut")
	}
}

func TestRepetitionDetectorTailPhrase(t *testing.T) {
	text := strings.Repeat("the quick brown fox jumps over ", 3)
	det := RepetitionDetector{}.Check(text, DetectContext{})
	if det == nil {
		t.Fatal("expected repetition cut")
	}
	if det.Index <= 0 || det.Index >= len(text) {
		t.Errorf("index = %d out of range", det.Index)
	}
}

func TestRepetitionDetectorNoveltyCollapse(t *testing.T) {
	// >400 runes of the same token: novelty ~ 1/N.
	text := strings.Repeat("spam ", 120)
	det := RepetitionDetector{}.Check(text, DetectContext{})
	if det == nil {
		t.Fatal("expected novelty cut")
	}
}

func TestRepetitionDetectorPassesNormalText(t *testing.T) {
	text := "Each of these words appears exactly once in this short and varied reply about testing."
	if det := (RepetitionDetector{}).Check(text, DetectContext{}); det != nil {
		t.Errorf("expected pass, got %+v", det)
	}
}

func TestCrossTurnRepetitionDetector(t *testing.T) {
	phrase := "alpha beta gamma delta epsilon zeta eta theta"
	text := "one two three four five six seven eight " + phrase
	soc := "earlier turn said " + phrase + " and more"

	det := CrossTurnRepetitionDetector{}.Check(text, DetectContext{SoC: soc})
	if det == nil {
		t.Fatal("expected cross-turn cut")
	}

	if det := (CrossTurnRepetitionDetector{}).Check(text, DetectContext{SoC: "nothing shared here"}); det != nil {
		t.Errorf("expected pass without overlap, got %+v", det)
	}
	if det := (CrossTurnRepetitionDetector{}).Check(text, DetectContext{}); det != nil {
		t.Errorf("expected pass with empty SoC, got %+v", det)
	}
}

func TestMaxLengthDetector(t *testing.T) {
	d := MaxLengthDetector{Max: 10}
	if det := d.Check("short", DetectContext{}); det != nil {
		t.Errorf("expected pass, got %+v", det)
	}
	det := d.Check("this is definitely too long", DetectContext{})
	if det == nil {
		t.Fatal("expected length cut")
	}
	if det.Index != 10 {
		t.Errorf("index = %d, want 10", det.Index)
	}

	if det := (MaxLengthDetector{}).Check(strings.Repeat("x", 1000), DetectContext{}); det != nil {
		t.Error("zero max should disable the detector")
	}
}

func TestSpiralPhraseDetector(t *testing.T) {
	d := SpiralPhraseDetector{}
	if det := d.Check("All good here.", DetectContext{}); det != nil {
		t.Errorf("expected pass, got %+v", det)
	}
	det := d.Check("Sure.\nI apologize for the repeated confusion", DetectContext{})
	if det == nil {
		t.Fatal("expected spiral cut")
	}
	if want := len("Sure.\n"); det.Index != want {
		t.Errorf("index = %d, want %d", det.Index, want)
	}
}

func TestDefaultDetectorsPanel(t *testing.T) {
	panel := DefaultDetectors(5000)
	if len(panel) != 7 {
		t.Fatalf("panel size = %d, want 7", len(panel))
	}
	for _, d := range panel {
		if d.Name() == "" {
			t.Error("detector with empty name")
		}
	}
}

func TestDetectorRegistry(t *testing.T) {
	r := NewDetectorRegistry()
	if !r.Empty() {
		t.Error("new registry should be empty")
	}
	r.Add(MaxLengthDetector{Max: 10})
	if r.Empty() {
		t.Error("registry should not be empty after Add")
	}
	if got := len(r.All()); got != 1 {
		t.Errorf("All() = %d detectors, want 1", got)
	}
}
