package natsbus

import (
	"fmt"
	"strings"

	"github.com/dshills/keymesh/internal/keyexpr"
)

// Subject classes under the configured prefix.
const (
	classData  = "d"
	classQuery = "q"
)

// escapeSegment percent-encodes characters that are special in NATS subjects.
func escapeSegment(seg string) string {
	if !strings.ContainsAny(seg, ".*> \t\r\n%") {
		return seg
	}
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch c {
		case '.', '*', '>', ' ', '\t', '\r', '\n', '%':
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// topicSubject maps a concrete topic to its NATS subject.
func topicSubject(prefix, class string, t keyexpr.Topic) string {
	segs := t.Segments()
	parts := make([]string, 0, len(segs)+2)
	parts = append(parts, prefix, class)
	for _, seg := range segs {
		parts = append(parts, escapeSegment(seg))
	}
	return strings.Join(parts, ".")
}

// patternSubjects returns the NATS subjects whose union covers every topic
// matching p. Subjects may over-select when ** is not trailing; receivers
// filter with keyexpr.Matches.
func patternSubjects(prefix, class string, p keyexpr.Pattern) []string {
	segs := p.Segments()
	head := []string{prefix, class}

	multi := -1
	for i, seg := range segs {
		if seg == keyexpr.WildcardMulti {
			multi = i
			break
		}
	}

	mapSeg := func(seg string) string {
		if seg == keyexpr.WildcardSingle {
			return "*"
		}
		return escapeSegment(seg)
	}

	if multi < 0 {
		parts := append([]string{}, head...)
		for _, seg := range segs {
			parts = append(parts, mapSeg(seg))
		}
		return []string{strings.Join(parts, ".")}
	}

	base := append([]string{}, head...)
	for _, seg := range segs[:multi] {
		base = append(base, mapSeg(seg))
	}
	subjects := []string{strings.Join(append(base, ">"), ".")}

	// A trailing ** also matches zero segments, which ">" does not cover.
	if multi == len(segs)-1 && multi > 0 {
		subjects = append(subjects, strings.Join(base, "."))
	}
	return subjects
}
