package notification

import "container/heap"

type queued struct {
	n    *Notification
	rank int
	seq  uint64
}

// priorityQueue pops the highest severity first, FIFO within a severity
type priorityQueue []*queued

var _ heap.Interface = (*priorityQueue)(nil)

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].rank != q[j].rank {
		return q[i].rank > q[j].rank
	}
	return q[i].seq < q[j].seq
}

func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *priorityQueue) Push(x any) { *q = append(*q, x.(*queued)) }

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
