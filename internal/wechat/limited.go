package wechat

// rebuildSlack is how far the membership set may outgrow its order queue
// before it is intersected back to the queue's contents. Rebuilding in
// batches keeps the hot path cheap.
const rebuildSlack = 100

// limitedSet is a string set with strict FIFO eviction. Insertion order is
// tracked in a bounded queue; once the queue is full the oldest entries fall
// off and the set is periodically rebuilt from the queue.
type limitedSet struct {
	members map[string]struct{}
	order   []string
	cap     int
}

func newLimitedSet(capacity int) *limitedSet {
	return &limitedSet{
		members: make(map[string]struct{}, capacity),
		cap:     capacity,
	}
}

func (s *limitedSet) Add(value string) {
	if _, ok := s.members[value]; ok {
		return
	}
	s.members[value] = struct{}{}
	s.order = append(s.order, value)
	if len(s.order) > s.cap {
		s.order = s.order[len(s.order)-s.cap:]
	}
	if len(s.members) > s.cap+rebuildSlack {
		s.rebuild()
	}
}

func (s *limitedSet) Has(value string) bool {
	_, ok := s.members[value]
	return ok
}

func (s *limitedSet) Len() int { return len(s.members) }

func (s *limitedSet) rebuild() {
	kept := make(map[string]struct{}, len(s.order))
	for _, v := range s.order {
		kept[v] = struct{}{}
	}
	s.members = kept
}

// limitedMap is a string-keyed map with the same FIFO eviction discipline as
// limitedSet.
type limitedMap[V any] struct {
	items map[string]V
	order []string
	cap   int
}

func newLimitedMap[V any](capacity int) *limitedMap[V] {
	return &limitedMap[V]{
		items: make(map[string]V, capacity),
		cap:   capacity,
	}
}

func (m *limitedMap[V]) Set(key string, value V) {
	m.items[key] = value
	m.order = append(m.order, key)
	if len(m.order) > m.cap {
		m.order = m.order[len(m.order)-m.cap:]
	}
	if len(m.items) > m.cap+rebuildSlack {
		m.rebuild()
	}
}

func (m *limitedMap[V]) Get(key string) (V, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *limitedMap[V]) Len() int { return len(m.items) }

func (m *limitedMap[V]) rebuild() {
	kept := make(map[string]struct{}, len(m.order))
	for _, k := range m.order {
		kept[k] = struct{}{}
	}
	for k := range m.items {
		if _, ok := kept[k]; !ok {
			delete(m.items, k)
		}
	}
}

// msgRing is a bounded FIFO of normalized messages, newest last.
type msgRing struct {
	items []Message
	cap   int
}

func newMsgRing(capacity int) *msgRing {
	return &msgRing{cap: capacity}
}

func (r *msgRing) Append(msgs ...Message) {
	r.items = append(r.items, msgs...)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

// Tail returns up to n newest messages, oldest first.
func (r *msgRing) Tail(n int) []Message {
	if n <= 0 || len(r.items) == 0 {
		return nil
	}
	if n > len(r.items) {
		n = len(r.items)
	}
	out := make([]Message, n)
	copy(out, r.items[len(r.items)-n:])
	return out
}
