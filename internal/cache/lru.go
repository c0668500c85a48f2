package cache

// lruNode links one cache key into a recency ring.
type lruNode[K comparable] struct {
	key        K
	newer      *lruNode[K]
	older      *lruNode[K]
	ringMember bool
}

// lruList is a circular list around a sentinel: root.older is the most
// recently used node and root.newer the least recently used one. The zero
// value is not usable; create lists with newLRUList. Not safe for
// concurrent use.
type lruList[K comparable] struct {
	root lruNode[K]
	n    int
}

func newLRUList[K comparable]() *lruList[K] {
	l := &lruList[K]{}
	l.root.newer, l.root.older = &l.root, &l.root
	return l
}

func (l *lruList[K]) Len() int { return l.n }

// PushFront links key in as the most recently used entry.
func (l *lruList[K]) PushFront(key K) *lruNode[K] {
	n := &lruNode[K]{key: key}
	l.insertNewest(n)
	return n
}

// MoveToFront marks n as used now.
func (l *lruList[K]) MoveToFront(n *lruNode[K]) {
	if n == nil || !n.ringMember || l.root.older == n {
		return
	}
	l.detach(n)
	l.insertNewest(n)
}

func (l *lruList[K]) Remove(n *lruNode[K]) {
	if n != nil && n.ringMember {
		l.detach(n)
	}
}

// RemoveOldest detaches the least recently used key.
func (l *lruList[K]) RemoveOldest() (K, bool) {
	n := l.Oldest()
	if n == nil {
		var zero K
		return zero, false
	}
	l.detach(n)
	return n.key, true
}

// Oldest returns the least recently used node, nil when empty. Walk the
// ring towards recent use with Newer.
func (l *lruList[K]) Oldest() *lruNode[K] {
	if l.n == 0 {
		return nil
	}
	return l.root.newer
}

// Newer returns the node used right after n, nil at the newest node.
func (n *lruNode[K]) Newer() *lruNode[K] {
	if n.newer == nil || !n.newer.ringMember {
		return nil
	}
	return n.newer
}

// Clear empties the ring. Nodes still held by callers become inert.
func (l *lruList[K]) Clear() {
	for n := l.root.newer; n != &l.root; {
		next := n.newer
		n.newer, n.older, n.ringMember = nil, nil, false
		n = next
	}
	l.root.newer, l.root.older = &l.root, &l.root
	l.n = 0
}

// insertNewest splices n between the current newest node and the root.
func (l *lruList[K]) insertNewest(n *lruNode[K]) {
	prev := l.root.older
	n.older, n.newer = prev, &l.root
	prev.newer = n
	l.root.older = n
	n.ringMember = true
	l.n++
}

func (l *lruList[K]) detach(n *lruNode[K]) {
	n.newer.older = n.older
	n.older.newer = n.newer
	n.newer, n.older, n.ringMember = nil, nil, false
	l.n--
}
