package engine

// ChangeKind classifies one observed change on the source side.
type ChangeKind int

const (
	KindAdd ChangeKind = iota
	KindModify
	KindMove
	KindDelete
)

func (k ChangeKind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindModify:
		return "modify"
	case KindMove:
		return "move"
	default:
		return "delete"
	}
}

// ChangeRecord is one observed change, produced by the poller and
// consumed exactly once by the engine. It is never mutated after
// creation.
type ChangeRecord struct {
	ForeignID []byte
	DN        string

	// OldDN is set for renames: a Move when the parent changed, or a
	// modify-with-rename when the RDN itself changed.
	OldDN string

	Kind ChangeKind

	USN        uint64
	USNCreated uint64
	USNChanged uint64

	Attributes map[string][][]byte

	// TombstoneDN is the marker path a soft-deleted entry was read from.
	// For deletes DN holds the reconstructed pre-deletion DN instead,
	// recovered by walking lastKnownParent.
	TombstoneDN string
}
