package traffic

import "container/list"

// priorityQueues holds one FIFO per priority level. Removal during a
// timeout sweep is O(1) via the request's stashed list.Element, so sweeping
// never degrades with queue depth.
type priorityQueues struct {
	lists [numPriorities]*list.List
}

func newPriorityQueues() *priorityQueues {
	pq := &priorityQueues{}
	for i := range pq.lists {
		pq.lists[i] = list.New()
	}
	return pq
}

func (pq *priorityQueues) push(req *Request) {
	l := pq.lists[int(req.Priority())]
	req.listElem = l.PushBack(req)
}

// remove detaches req from whichever queue currently holds it. Safe to call
// even if req is not queued (listElem nil).
func (pq *priorityQueues) remove(req *Request) {
	if req.listElem == nil {
		return
	}
	pq.lists[int(req.Priority())].Remove(req.listElem)
	req.listElem = nil
}

// peekFront returns the head of the given priority's queue without
// dequeuing it.
func (pq *priorityQueues) peekFront(p Priority) *Request {
	e := pq.lists[int(p)].Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Request)
}

// popFront dequeues and returns the head of the given priority's queue.
func (pq *priorityQueues) popFront(p Priority) *Request {
	l := pq.lists[int(p)]
	e := l.Front()
	if e == nil {
		return nil
	}
	l.Remove(e)
	req := e.Value.(*Request)
	req.listElem = nil
	return req
}

func (pq *priorityQueues) len(p Priority) int {
	return pq.lists[int(p)].Len()
}

func (pq *priorityQueues) totalLen() int {
	n := 0
	for i := range pq.lists {
		n += pq.lists[i].Len()
	}
	return n
}
