package store

// LockSlots reports how many keys the locker is tracking.
func LockSlots(l *Locker) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
