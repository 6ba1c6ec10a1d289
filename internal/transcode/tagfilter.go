package transcode

import "strings"

// TagFilter suppresses text delimited by a configured set of XML-like tags
// (e.g. xaiartifact, xai:tool_usage_card) from a token stream.
//
// Upstream tokenization is arbitrary: the opening '<', the tag name, and the
// closing tag routinely straddle token boundaries. The filter therefore keeps
// a pending prefix of bytes that might still turn into an opening tag and
// only emits them once they are known not to be one.
//
// Known limitation: inside a tag, a '>' inside an attribute value matches the
// same checks as a structural '>', so a literal "/>" or "</name>" inside an
// attribute ends the suppressed region early. Accepted; upstream tags carry
// no such attribute values in practice.
//
// The filter is single-owner, single-threaded. One instance per stream.
type TagFilter struct {
	openTags []string // "<name" for each configured tag
	tagNames []string

	inTag   bool
	tagBuf  strings.Builder
	pending strings.Builder
}

// NewTagFilter creates a filter for the given tag names. With no tags the
// filter is the identity function.
func NewTagFilter(tags []string) *TagFilter {
	f := &TagFilter{}
	for _, t := range tags {
		if t == "" {
			continue
		}
		f.tagNames = append(f.tagNames, t)
		f.openTags = append(f.openTags, "<"+t)
	}
	return f
}

// Filter consumes one token and returns the text that may be emitted.
func (f *TagFilter) Filter(token string) string {
	if len(f.openTags) == 0 {
		return token
	}

	var out strings.Builder
	for _, r := range token {
		f.step(r, &out)
	}
	return out.String()
}

func (f *TagFilter) step(r rune, out *strings.Builder) {
	if f.inTag {
		f.tagBuf.WriteRune(r)
		if r == '>' && f.tagClosed() {
			f.inTag = false
			f.tagBuf.Reset()
		}
		return
	}

	if f.pending.Len() > 0 {
		f.pending.WriteRune(r)
		p := f.pending.String()

		for _, open := range f.openTags {
			if strings.HasPrefix(p, open) {
				// Committed: this is an opening tag.
				f.inTag = true
				f.tagBuf.Reset()
				f.tagBuf.WriteString(p)
				f.pending.Reset()
				return
			}
		}
		for _, open := range f.openTags {
			if strings.HasPrefix(open, p) {
				// Still ambiguous, keep buffering.
				return
			}
		}
		// Not a tag after all.
		out.WriteString(p)
		f.pending.Reset()
		return
	}

	if r == '<' {
		f.pending.WriteRune(r)
		return
	}
	out.WriteRune(r)
}

// tagClosed reports whether tagBuf ends a suppressed region: either a
// self-closing "/>" or a matching "</name>" for any configured tag.
func (f *TagFilter) tagClosed() bool {
	buf := f.tagBuf.String()
	if strings.HasSuffix(buf, "/>") {
		return true
	}
	for _, name := range f.tagNames {
		if strings.Contains(buf, "</"+name+">") {
			return true
		}
	}
	return false
}

// Flush returns any still-pending prefix. Called at stream end so bytes that
// never disambiguated into a tag are not silently dropped.
func (f *TagFilter) Flush() string {
	p := f.pending.String()
	f.pending.Reset()
	return p
}

// Reset clears all state.
func (f *TagFilter) Reset() {
	f.inTag = false
	f.tagBuf.Reset()
	f.pending.Reset()
}
