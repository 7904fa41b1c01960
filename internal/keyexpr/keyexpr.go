package keyexpr

import "strings"

// Wildcard and separator tokens.
const (
	// WildcardSingle matches exactly one segment.
	WildcardSingle = "*"

	// WildcardMulti matches zero or more segments.
	WildcardMulti = "**"

	// Separator separates key segments.
	Separator = "/"
)

// Topic is a concrete hierarchical key such as "sensor/temperature".
// The zero value is the empty topic, which has no segments.
type Topic struct {
	s string
}

// ParseTopic validates s and returns it as a Topic.
func ParseTopic(s string) (Topic, error) {
	if s == "" {
		return Topic{}, topicError(s, "empty")
	}
	for _, seg := range strings.Split(s, Separator) {
		if seg == "" {
			return Topic{}, topicError(s, "empty segment")
		}
		if strings.Contains(seg, WildcardSingle) {
			return Topic{}, topicError(s, "wildcards are not allowed in a topic")
		}
	}
	return Topic{s: s}, nil
}

// MustTopic is like ParseTopic but panics on error.
// Intended for constants and tests.
func MustTopic(s string) Topic {
	t, err := ParseTopic(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Join builds a topic from individual segments.
func Join(segments ...string) (Topic, error) {
	return ParseTopic(strings.Join(segments, Separator))
}

// String returns the topic in its "/"-separated form.
func (t Topic) String() string {
	return t.s
}

// IsEmpty reports whether t is the empty topic.
func (t Topic) IsEmpty() bool {
	return t.s == ""
}

// Segments returns the topic split by the separator.
func (t Topic) Segments() []string {
	if t.s == "" {
		return nil
	}
	return strings.Split(t.s, Separator)
}

// SegmentCount returns the number of segments in the topic.
func (t Topic) SegmentCount() int {
	if t.s == "" {
		return 0
	}
	return strings.Count(t.s, Separator) + 1
}

// Parent returns the topic without its last segment.
//
// Example: "sensor/room/temperature" -> "sensor/room"
func (t Topic) Parent() Topic {
	idx := strings.LastIndex(t.s, Separator)
	if idx < 0 {
		return Topic{}
	}
	return Topic{s: t.s[:idx]}
}

// Child returns a topic with segment appended.
func (t Topic) Child(segment string) (Topic, error) {
	if t.s == "" {
		return ParseTopic(segment)
	}
	return ParseTopic(t.s + Separator + segment)
}

// Base returns the last segment of the topic.
func (t Topic) Base() string {
	idx := strings.LastIndex(t.s, Separator)
	if idx < 0 {
		return t.s
	}
	return t.s[idx+1:]
}

// HasPrefix reports whether t starts with the complete segments of prefix.
func (t Topic) HasPrefix(prefix Topic) bool {
	if prefix.s == "" {
		return true
	}
	if !strings.HasPrefix(t.s, prefix.s) {
		return false
	}
	if len(t.s) == len(prefix.s) {
		return true
	}
	return t.s[len(prefix.s)] == '/'
}

// AsPattern returns the literal pattern that matches exactly t.
func (t Topic) AsPattern() Pattern {
	return Pattern{s: t.s, segs: t.Segments(), multi: -1}
}

// Pattern is a key expression that may contain wildcards.
type Pattern struct {
	s     string
	segs  []string
	multi int // index of the ** segment, -1 if absent
}

// ParsePattern validates s and returns the compiled pattern.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, patternError(s, "empty")
	}
	segs := strings.Split(s, Separator)
	multi := -1
	for i, seg := range segs {
		switch {
		case seg == "":
			return Pattern{}, patternError(s, "empty segment")
		case seg == WildcardMulti:
			if multi >= 0 {
				return Pattern{}, patternError(s, "more than one ** segment")
			}
			multi = i
		case seg == WildcardSingle:
		case strings.Contains(seg, WildcardSingle):
			return Pattern{}, patternError(s, "wildcard mixed with literal text in segment "+seg)
		}
	}
	return Pattern{s: s, segs: segs, multi: multi}, nil
}

// MustPattern is like ParsePattern but panics on error.
func MustPattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the pattern as written.
func (p Pattern) String() string {
	return p.s
}

// Segments returns a copy of the pattern segments.
func (p Pattern) Segments() []string {
	out := make([]string, len(p.segs))
	copy(out, p.segs)
	return out
}

// IsZero reports whether p is the zero Pattern (never parsed).
func (p Pattern) IsZero() bool {
	return p.s == "" && p.segs == nil
}

// HasMultiWildcard reports whether p contains a ** segment.
func (p Pattern) HasMultiWildcard() bool {
	return p.multi >= 0
}

// IsLiteral reports whether p contains no wildcards at all.
func (p Pattern) IsLiteral() bool {
	if p.multi >= 0 {
		return false
	}
	for _, seg := range p.segs {
		if seg == WildcardSingle {
			return false
		}
	}
	return true
}

// Literal returns the topic equivalent of a wildcard-free pattern.
func (p Pattern) Literal() (Topic, bool) {
	if !p.IsLiteral() {
		return Topic{}, false
	}
	return Topic{s: p.s}, true
}

// Includes reports whether t matches p.
func (p Pattern) Includes(t Topic) bool {
	return Matches(p, t)
}
