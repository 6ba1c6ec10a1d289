package transcode

import (
	"strings"
	"testing"
)

func TestTagFilterNoTagsIsIdentity(t *testing.T) {
	f := NewTagFilter(nil)
	in := "hello <world> & </done>"
	if got := f.Filter(in); got != in {
		t.Errorf("expected identity, got %q", got)
	}
}

func TestTagFilterSuppressesTagSplitAcrossTokens(t *testing.T) {
	f := NewTagFilter([]string{"xaiartifact"})

	tokens := []string{"Hello <xa", "iartifact a=\"1\">hidden", "</xaiartifact> world"}
	var out strings.Builder
	for _, tok := range tokens {
		out.WriteString(f.Filter(tok))
	}
	out.WriteString(f.Flush())

	if got := out.String(); got != "Hello  world" {
		t.Errorf("got %q, want %q", got, "Hello  world")
	}
}

func TestTagFilterSelfClosingTag(t *testing.T) {
	f := NewTagFilter([]string{"xai:tool_usage_card"})

	got := f.Filter("a<xai:tool_usage_card id=\"1\"/>b")
	if got != "ab" {
		t.Errorf("got %q, want %q", got, "ab")
	}
}

func TestTagFilterAmbiguousPrefixEmittedVerbatim(t *testing.T) {
	f := NewTagFilter([]string{"xaiartifact"})

	// "<xb" can never become "<xaiartifact"; the whole pending run is
	// released once the ambiguity breaks.
	got := f.Filter("1 <xb 2")
	if got != "1 <xb 2" {
		t.Errorf("got %q, want %q", got, "1 <xb 2")
	}
}

func TestTagFilterFlushReturnsDanglingPrefix(t *testing.T) {
	f := NewTagFilter([]string{"xaiartifact"})

	if got := f.Filter("end <xai"); got != "end " {
		t.Errorf("filter emitted %q before flush", got)
	}
	if got := f.Flush(); got != "<xai" {
		t.Errorf("flush returned %q, want %q", got, "<xai")
	}
	if got := f.Flush(); got != "" {
		t.Errorf("second flush returned %q, want empty", got)
	}
}

func TestTagFilterMultipleTags(t *testing.T) {
	f := NewTagFilter([]string{"xaiartifact", "grok:render"})

	in := "a<grok:render x>y</grok:render>b<xaiartifact/>c"
	if got := f.Filter(in); got != "abc" {
		t.Errorf("got %q, want %q", got, "abc")
	}
}

func TestTagFilterReset(t *testing.T) {
	f := NewTagFilter([]string{"xaiartifact"})

	f.Filter("<xaiartifact>still inside")
	f.Reset()
	if got := f.Filter("visible"); got != "visible" {
		t.Errorf("got %q after reset, want %q", got, "visible")
	}
}
