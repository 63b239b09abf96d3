package directory

import "context"

type Scope int

const (
	ScopeBase Scope = iota
	ScopeOne
	ScopeSub
)

// Entry is one directory object as returned by a search. Values are kept
// raw: binary attributes (objectGUID, objectSid, unicodePwd) must not go
// through a string round-trip.
type Entry struct {
	DN         string
	Attributes map[string][][]byte
}

func (e *Entry) GetValue(attr string) []byte {
	vals := e.Attributes[attr]
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

func (e *Entry) GetString(attr string) string {
	return string(e.GetValue(attr))
}

func (e *Entry) GetStrings(attr string) []string {
	vals := e.Attributes[attr]
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, string(v))
	}
	return out
}

type ModOp int

const (
	ModAdd ModOp = iota
	ModDelete
	ModReplace
)

type Modification struct {
	Op        ModOp
	Attribute string
	Values    [][]byte
}

type SearchRequest struct {
	BaseDN     string
	Scope      Scope
	Filter     string
	Attributes []string

	// PageSize 0 disables the paging control. When the server rejects the
	// control the implementation falls back to an unpaged search and
	// reports it via ErrPagingUnsupported after delivering the results.
	PageSize    uint32
	ShowDeleted bool
}

// Client is the wire-level capability the engine consumes, one instance
// per directory side. Implementations map protocol result codes onto the
// sentinel errors in errors.go; the engine only ever matches with
// errors.Is.
type Client interface {
	Search(ctx context.Context, req SearchRequest) ([]Entry, error)
	Get(ctx context.Context, dn string, attrs []string) (*Entry, error)
	Add(ctx context.Context, dn string, attrs map[string][][]byte) error
	Modify(ctx context.Context, dn string, mods []Modification) error
	Delete(ctx context.Context, dn string) error
	Rename(ctx context.Context, oldDN, newDN string) error
	Close() error
}

// USNReader is implemented by sides that expose a replication watermark
// (the AD rootDSE highestCommittedUSN).
type USNReader interface {
	HighestUSN(ctx context.Context) (uint64, error)
}

// RangedReader is implemented by sides whose servers truncate large
// multi-valued attributes into range continuations.
type RangedReader interface {
	GetRanged(ctx context.Context, dn, attr string) ([][]byte, error)
}
