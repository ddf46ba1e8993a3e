package coordinator

// waitQueue holds the checks waiting on one prefix's full-hash response,
// in registration order.
type waitQueue struct {
	ids []CheckID
}

func (q *waitQueue) push(id CheckID) { q.ids = append(q.ids, id) }

func (q *waitQueue) len() int { return len(q.ids) }

// drain returns the waiters first-registered first and empties the queue.
func (q *waitQueue) drain() []CheckID {
	ids := q.ids
	q.ids = nil
	return ids
}
