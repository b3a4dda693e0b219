package scheduler

// Semaphore caps how many jobs of one category run at once.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with n slots (at least one).
func NewSemaphore(n int) *Semaphore {
	return &Semaphore{slots: make(chan struct{}, max(n, 1))}
}

// TryAcquire takes a slot without blocking and reports whether it got one.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot taken by TryAcquire.
func (s *Semaphore) Release() { <-s.slots }

// Available returns the number of free slots.
func (s *Semaphore) Available() int { return cap(s.slots) - len(s.slots) }
