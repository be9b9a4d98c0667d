package txn

// LockMode selects the concurrency control of a transaction.
type LockMode uint8

const (
	// Pessimistic locks every key on first access and holds the locks until the end.
	Pessimistic LockMode = iota
	// Optimistic records versions on access and validates them at commit.
	Optimistic
)

func (m LockMode) String() string {
	if m == Optimistic {
		return "OPTIMISTIC"
	}
	return "PESSIMISTIC"
}

// State is the position of a transaction in its life cycle:
//
//	BEFORE_BEGIN -> BEGIN -> COMMIT -> COMMITTED
//	                      -> ROLLBACK -> ROLLBACKED | ROLLBACK_FAILED
//
// A failed commit passes through ROLLBACK as well.
type State uint8

const (
	StateBeforeBegin State = iota
	StateBegin
	StateCommit
	StateCommitted
	StateRollback
	StateRollbacked
	StateRollbackFailed
)

func (s State) String() string {
	switch s {
	case StateBeforeBegin:
		return "BEFORE_BEGIN"
	case StateBegin:
		return "BEGIN"
	case StateCommit:
		return "COMMIT"
	case StateCommitted:
		return "COMMITTED"
	case StateRollback:
		return "ROLLBACK"
	case StateRollbacked:
		return "ROLLBACKED"
	case StateRollbackFailed:
		return "ROLLBACK_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal returns whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRollbacked || s == StateRollbackFailed
}
