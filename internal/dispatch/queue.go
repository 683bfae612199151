package dispatch

// Priority orders jobs in the queue. Lower values run first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a name to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (p Priority) valid() bool { return p >= PriorityHigh && p <= PriorityLow }

// queue is a three-level FIFO. It is not safe for concurrent use; the
// dispatcher guards it.
type queue struct {
	levels [3][]*job
}

func (q *queue) push(j *job) {
	q.levels[j.priority] = append(q.levels[j.priority], j)
}

// pop removes the oldest job of the highest non-empty level.
func (q *queue) pop() *job {
	for p := range q.levels {
		if len(q.levels[p]) > 0 {
			j := q.levels[p][0]
			q.levels[p][0] = nil
			q.levels[p] = q.levels[p][1:]
			return j
		}
	}
	return nil
}

// remove drops j from its level. It reports whether j was queued.
func (q *queue) remove(j *job) bool {
	level := q.levels[j.priority]
	for i, c := range level {
		if c == j {
			q.levels[j.priority] = append(level[:i], level[i+1:]...)
			return true
		}
	}
	return false
}

func (q *queue) len() int {
	return len(q.levels[0]) + len(q.levels[1]) + len(q.levels[2])
}
