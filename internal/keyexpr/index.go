package keyexpr

import "sync"

// Index maps patterns to values and finds every value whose pattern matches a
// concrete topic. Values are stored under an id so the same pattern can hold
// many entries. It is safe for concurrent use.
type Index[V any] struct {
	mu   sync.RWMutex
	root *indexNode[V]
	size int
}

// indexNode is one segment position in the pattern trie.
type indexNode[V any] struct {
	children map[string]*indexNode[V]
	entries  map[string]V // entries whose pattern terminates here, by id
}

func newIndexNode[V any]() *indexNode[V] {
	return &indexNode[V]{children: make(map[string]*indexNode[V])}
}

func (n *indexNode[V]) isEmpty() bool {
	return len(n.children) == 0 && len(n.entries) == 0
}

// NewIndex creates an empty index.
func NewIndex[V any]() *Index[V] {
	return &Index[V]{root: newIndexNode[V]()}
}

// Insert stores v under pattern p with the given id.
// It returns false if the id is already present for p.
func (x *Index[V]) Insert(p Pattern, id string, v V) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.root == nil {
		x.root = newIndexNode[V]()
	}

	node := x.root
	for _, seg := range p.segs {
		child := node.children[seg]
		if child == nil {
			child = newIndexNode[V]()
			node.children[seg] = child
		}
		node = child
	}

	if node.entries == nil {
		node.entries = make(map[string]V)
	}
	if _, exists := node.entries[id]; exists {
		return false
	}
	node.entries[id] = v
	x.size++
	return true
}

// indexPath records the key used to reach a node, for pruning.
type indexPath[V any] struct {
	node *indexNode[V]
	key  string
}

// Delete removes the entry stored under p with the given id and prunes empty
// nodes. It returns false if no such entry exists.
func (x *Index[V]) Delete(p Pattern, id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.root == nil {
		return false
	}

	path := make([]indexPath[V], 0, len(p.segs)+1)
	path = append(path, indexPath[V]{node: x.root})

	node := x.root
	for _, seg := range p.segs {
		child := node.children[seg]
		if child == nil {
			return false
		}
		path = append(path, indexPath[V]{node: child, key: seg})
		node = child
	}

	if _, exists := node.entries[id]; !exists {
		return false
	}
	delete(node.entries, id)
	x.size--

	for i := len(path) - 1; i > 0; i-- {
		if !path[i].node.isEmpty() {
			break
		}
		delete(path[i-1].node.children, path[i].key)
	}
	return true
}

// visit is a memoization key for (node, depth) pairs during matching.
type visit[V any] struct {
	node  *indexNode[V]
	depth int
}

// Match returns every value whose pattern matches t. Each entry appears once.
func (x *Index[V]) Match(t Topic) []V {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.root == nil || x.size == 0 {
		return nil
	}

	st := &indexMatch[V]{
		segments: t.Segments(),
		visited:  make(map[visit[V]]struct{}),
		seen:     make(map[*indexNode[V]]struct{}),
	}
	st.walk(x.root, 0)
	return st.out
}

type indexMatch[V any] struct {
	segments []string
	visited  map[visit[V]]struct{}
	seen     map[*indexNode[V]]struct{}
	out      []V
}

func (st *indexMatch[V]) collect(node *indexNode[V]) {
	if _, done := st.seen[node]; done {
		return
	}
	st.seen[node] = struct{}{}
	for _, v := range node.entries {
		st.out = append(st.out, v)
	}
}

func (st *indexMatch[V]) walk(node *indexNode[V], depth int) {
	key := visit[V]{node: node, depth: depth}
	if _, done := st.visited[key]; done {
		return
	}
	st.visited[key] = struct{}{}

	if depth == len(st.segments) {
		st.collect(node)
		// ** may match zero remaining segments.
		if child := node.children[WildcardMulti]; child != nil {
			st.walk(child, depth)
		}
		return
	}

	if child := node.children[st.segments[depth]]; child != nil {
		st.walk(child, depth+1)
	}
	if child := node.children[WildcardSingle]; child != nil {
		st.walk(child, depth+1)
	}
	if child := node.children[WildcardMulti]; child != nil {
		for i := depth; i <= len(st.segments); i++ {
			st.walk(child, i)
		}
	}
}

// Len returns the number of stored entries.
func (x *Index[V]) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.size
}

// All returns every stored value.
func (x *Index[V]) All() []V {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []V
	var walk func(n *indexNode[V])
	walk = func(n *indexNode[V]) {
		for _, v := range n.entries {
			out = append(out, v)
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	if x.root != nil {
		walk(x.root)
	}
	return out
}

// Clear removes every entry.
func (x *Index[V]) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.root = newIndexNode[V]()
	x.size = 0
}
