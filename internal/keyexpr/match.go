package keyexpr

// Matches reports whether topic t is selected by pattern p.
func Matches(p Pattern, t Topic) bool {
	ts := t.Segments()

	if p.multi < 0 {
		if len(p.segs) != len(ts) {
			return false
		}
		for i, seg := range p.segs {
			if !segmentMatches(seg, ts[i]) {
				return false
			}
		}
		return true
	}

	m := matcher{
		pattern: p.segs,
		topic:   ts,
		memo:    make([]int8, (len(p.segs)+1)*(len(ts)+1)),
	}
	return m.match(0, 0)
}

// segmentMatches compares one non-** pattern segment with one topic segment.
func segmentMatches(pattern, segment string) bool {
	return pattern == WildcardSingle || pattern == segment
}

// matcher backtracks over ** split points, memoizing (pattern, topic) positions.
type matcher struct {
	pattern []string
	topic   []string
	memo    []int8 // 0 unknown, 1 match, 2 no match
}

func (m *matcher) match(pi, ti int) bool {
	key := pi*(len(m.topic)+1) + ti
	switch m.memo[key] {
	case 1:
		return true
	case 2:
		return false
	}

	ok := m.compute(pi, ti)
	if ok {
		m.memo[key] = 1
	} else {
		m.memo[key] = 2
	}
	return ok
}

func (m *matcher) compute(pi, ti int) bool {
	if pi == len(m.pattern) {
		return ti == len(m.topic)
	}

	if m.pattern[pi] == WildcardMulti {
		// Shortest split first: ** consumes as few segments as the suffix allows.
		for k := ti; k <= len(m.topic); k++ {
			if m.match(pi+1, k) {
				return true
			}
		}
		return false
	}

	if ti == len(m.topic) {
		return false
	}
	if !segmentMatches(m.pattern[pi], m.topic[ti]) {
		return false
	}
	return m.match(pi+1, ti+1)
}
