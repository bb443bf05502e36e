package chorus

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TagKind discriminates parsed tag tokens.
type TagKind int

const (
	// TagAgent addresses another agent: @llm:<name> or @<name>.
	TagAgent TagKind = iota
	// TagFile requests a file write: #file:<path>.
	TagFile
)

// Tag is one parsed tag token with its trailing content span.
type Tag struct {
	Kind TagKind
	// Value is the agent name or file path.
	Value string
	// Content spans from the end of this tag to the start of the next tag
	// (or end of input), trimmed of surrounding whitespace.
	Content string
}

// tagTokenRe matches tag tokens. The @llm: alternative must come first so
// the plain-@ form does not swallow the prefix.
var tagTokenRe = regexp.MustCompile(`@llm:([A-Za-z0-9_.-]+)|@([A-Za-z0-9_.-]+)|#file:(\S+)`)

// ParseTags extracts @agent and #file tags from input. It returns the input
// with tag tokens removed and the ordered tag list. Input with no tags comes
// back unchanged. A token only counts at the start of the input or after
// whitespace, so addresses like user@host in prose stay untouched.
func ParseTags(input string) (string, []Tag) {
	all := tagTokenRe.FindAllStringSubmatchIndex(input, -1)
	locs := make([][]int, 0, len(all))
	for _, loc := range all {
		if loc[0] > 0 {
			if r, _ := utf8.DecodeLastRuneInString(input[:loc[0]]); !unicode.IsSpace(r) {
				continue
			}
		}
		locs = append(locs, loc)
	}
	if len(locs) == 0 {
		return input, nil
	}

	tags := make([]Tag, 0, len(locs))
	var cleaned strings.Builder
	prevEnd := 0
	for i, loc := range locs {
		cleaned.WriteString(input[prevEnd:loc[0]])
		prevEnd = loc[1]

		contentEnd := len(input)
		if i+1 < len(locs) {
			contentEnd = locs[i+1][0]
		}
		content := strings.TrimSpace(input[loc[1]:contentEnd])

		tag := Tag{Content: content}
		switch {
		case loc[2] >= 0: // @llm:<name>
			tag.Kind = TagAgent
			tag.Value = input[loc[2]:loc[3]]
		case loc[4] >= 0: // @<name>
			tag.Kind = TagAgent
			tag.Value = input[loc[4]:loc[5]]
		default: // #file:<path>
			tag.Kind = TagFile
			tag.Value = input[loc[6]:loc[7]]
		}
		tags = append(tags, tag)
	}
	cleaned.WriteString(input[prevEnd:])
	return cleaned.String(), tags
}
