package chorus

import "strings"

// MetaTagPlaceholder replaces censored control tokens in streamed text.
const MetaTagPlaceholder = "[…]"

// Sanitizer censors leaked control/meta tokens chunk by chunk, before any
// print or accumulation. Code-fence parity is tracked across chunks: text
// inside ``` fences is whitelisted (the model is quoting, not leaking).
//
// Not safe for concurrent use; each stream owns one Sanitizer.
type Sanitizer struct {
	inFence bool
}

// NewSanitizer returns a sanitizer starting outside any code fence.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// Clean replaces meta tokens in chunk with MetaTagPlaceholder outside code
// fences and updates fence parity for the next chunk.
func (s *Sanitizer) Clean(chunk string) string {
	if chunk == "" {
		return chunk
	}
	segments := strings.Split(chunk, "```")
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteString("```")
			s.inFence = !s.inFence
		}
		if s.inFence {
			b.WriteString(seg)
		} else {
			b.WriteString(metaTokenRe.ReplaceAllString(seg, MetaTagPlaceholder))
		}
	}
	return b.String()
}

// InFence reports current fence parity (odd = inside). Exposed for tests.
func (s *Sanitizer) InFence() bool { return s.inFence }
