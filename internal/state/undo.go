package state

// UndoLog records the inverse of every effect applied during one command so
// a failed external interaction can restore the pre-command state.
// A nil *UndoLog is valid and records nothing (replay path).
type UndoLog struct {
	ops []func()
}

func NewUndoLog() *UndoLog {
	return &UndoLog{}
}

func (u *UndoLog) Record(op func()) {
	if u == nil {
		return
	}
	u.ops = append(u.ops, op)
}

// Rollback applies recorded inverses newest first and clears the log.
func (u *UndoLog) Rollback() {
	if u == nil {
		return
	}
	for i := len(u.ops) - 1; i >= 0; i-- {
		u.ops[i]()
	}
	u.ops = u.ops[:0]
}

// Commit discards the recorded inverses.
func (u *UndoLog) Commit() {
	if u == nil {
		return
	}
	u.ops = u.ops[:0]
}

func (u *UndoLog) Len() int {
	if u == nil {
		return 0
	}
	return len(u.ops)
}
