package ledger

// queue is the settlement queue: an ordered collection of authorization
// ids awaiting batching. Append order is preserved, but batching groups
// by (agent, merchant) and takes all matching entries at once, so the
// order is not load-bearing.
//
// The queue is owned by the Ledger and accessed only under its mutex.
type queue struct {
	ids     []string
	members map[string]struct{}
}

func newQueue() *queue {
	return &queue{members: make(map[string]struct{})}
}

func (q *queue) append(id string) {
	if _, ok := q.members[id]; ok {
		return
	}
	q.ids = append(q.ids, id)
	q.members[id] = struct{}{}
}

func (q *queue) contains(id string) bool {
	_, ok := q.members[id]
	return ok
}

func (q *queue) remove(id string) {
	if _, ok := q.members[id]; !ok {
		return
	}
	delete(q.members, id)
	for i, v := range q.ids {
		if v == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			break
		}
	}
}

func (q *queue) len() int {
	return len(q.ids)
}

// snapshot returns a copy of the queued ids in append order.
func (q *queue) snapshot() []string {
	out := make([]string, len(q.ids))
	copy(out, q.ids)
	return out
}
