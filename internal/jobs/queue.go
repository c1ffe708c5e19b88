package jobs

// queueSet holds the three bounded FIFO queues of one job kind. Buffered
// channels give per-priority FIFO order and a hard capacity without locks.
type queueSet struct {
	high   chan *Job
	medium chan *Job
	low    chan *Job
}

func newQueueSet(capacity int) *queueSet {
	return &queueSet{
		high:   make(chan *Job, capacity),
		medium: make(chan *Job, capacity),
		low:    make(chan *Job, capacity),
	}
}

func (q *queueSet) channel(p Priority) chan *Job {
	switch p {
	case PriorityHigh:
		return q.high
	case PriorityMedium:
		return q.medium
	default:
		return q.low
	}
}

// push enqueues without blocking; a full queue is the caller's problem.
func (q *queueSet) push(j *Job) error {
	select {
	case q.channel(j.Priority) <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// pop takes the next job, highest priority first, nil when all three queues
// are empty.
func (q *queueSet) pop() *Job {
	select {
	case j := <-q.high:
		return j
	default:
	}
	select {
	case j := <-q.medium:
		return j
	default:
	}
	select {
	case j := <-q.low:
		return j
	default:
	}
	return nil
}

func (q *queueSet) depth(p Priority) int {
	return len(q.channel(p))
}
