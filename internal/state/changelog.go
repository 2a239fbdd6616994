package state

// ChangeLog is an undo journal shared by every store the engine mutates
// (ledger, signer registry, nonce sets, counters, fill tracking, output
// buffers). A strict failure reverts to mark 0; a soft failure reverts to the
// mark taken before the item.
//
// Not thread-safe: the engine holds its lock for the whole batch.
type ChangeLog struct {
	undo []func()
}

func NewChangeLog() *ChangeLog {
	return &ChangeLog{}
}

// Record registers the inverse of a mutation that has just been applied.
func (l *ChangeLog) Record(undo func()) {
	l.undo = append(l.undo, undo)
}

// Mark returns a position that RevertTo can roll back to.
func (l *ChangeLog) Mark() int {
	return len(l.undo)
}

// RevertTo undoes every mutation recorded after mark, newest first.
func (l *ChangeLog) RevertTo(mark int) {
	for i := len(l.undo) - 1; i >= mark; i-- {
		l.undo[i]()
		l.undo[i] = nil
	}
	l.undo = l.undo[:mark]
}

// Commit forgets all recorded mutations, making them permanent.
func (l *ChangeLog) Commit() {
	for i := range l.undo {
		l.undo[i] = nil
	}
	l.undo = l.undo[:0]
}

func (l *ChangeLog) Len() int {
	return len(l.undo)
}
