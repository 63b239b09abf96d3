package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codeberg.org/dirbridge/dirbridge/pkg/config"
	"codeberg.org/dirbridge/dirbridge/pkg/directory"
)

// Poller queries the source directory for everything changed past the
// cursor and normalizes the results into ChangeRecords.
type Poller struct {
	client     directory.Client
	usnReader  directory.USNReader
	partitions []string
	pageSize   uint32
	cursor     *Cursor
	dns        *DNCache
	logger     *zap.Logger
}

func NewPoller(client directory.Client, cfg config.DirectoryConfig, cursor *Cursor, dns *DNCache, logger *zap.Logger) *Poller {
	partitions := cfg.Partitions
	if len(partitions) == 0 {
		partitions = []string{cfg.BaseDN}
	}

	p := &Poller{
		client:     client,
		partitions: partitions,
		pageSize:   cfg.PageSize,
		cursor:     cursor,
		dns:        dns,
		logger:     logger,
	}
	if r, ok := client.(directory.USNReader); ok {
		p.usnReader = r
	}
	return p
}

// Poll returns all changes past the cursor across every configured
// partition, ordered so that created objects plausibly precede the
// objects referencing them.
func (p *Poller) Poll(ctx context.Context, showDeleted bool) ([]ChangeRecord, error) {
	lower := p.cursor.Get() + 1

	var upper uint64
	if p.usnReader != nil {
		high, err := p.usnReader.HighestUSN(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read watermark: %w", err)
		}
		upper = high
	}

	var entries []directory.Entry
	for _, partition := range p.partitions {
		es, err := p.searchRange(ctx, partition, lower, upper, showDeleted)
		if err != nil {
			return nil, fmt.Errorf("poll of partition %s failed: %w", partition, err)
		}
		entries = append(entries, es...)
	}

	records := make([]ChangeRecord, 0, len(entries))
	for i := range entries {
		rec, err := p.recordFromEntry(ctx, &entries[i])
		if err != nil {
			// Per-record failure: drop with a warning, keep polling.
			p.logger.Warn("Dropping unprocessable entry",
				zap.String("dn", entries[i].DN),
				zap.Error(err))
			continue
		}
		records = append(records, *rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		a, b := &records[i], &records[j]
		if a.USNCreated != b.USNCreated {
			return a.USNCreated < b.USNCreated
		}
		if a.USNChanged != b.USNChanged {
			return a.USNChanged < b.USNChanged
		}
		return a.Kind == KindAdd && b.Kind != KindAdd
	})

	return records, nil
}

// searchRange narrows the USN window on size-limit errors instead of
// skipping results; a sub-range is never silently dropped.
func (p *Poller) searchRange(ctx context.Context, base string, low, high uint64, showDeleted bool) ([]directory.Entry, error) {
	entries, err := p.client.Search(ctx, directory.SearchRequest{
		BaseDN:      base,
		Scope:       directory.ScopeSub,
		Filter:      usnRangeFilter(low, high),
		PageSize:    p.pageSize,
		ShowDeleted: showDeleted,
	})

	if errors.Is(err, directory.ErrPagingUnsupported) {
		p.logger.Warn("Server does not support paging, results were unbounded",
			zap.String("partition", base))
		err = nil
	}

	if errors.Is(err, directory.ErrSizeLimit) {
		if high == 0 || high <= low {
			return nil, fmt.Errorf("size limit on unsplittable range [%d,%d]: %w", low, high, err)
		}
		mid := low + (high-low)/2
		left, lerr := p.searchRange(ctx, base, low, mid, showDeleted)
		if lerr != nil {
			return nil, lerr
		}
		right, rerr := p.searchRange(ctx, base, mid+1, high, showDeleted)
		if rerr != nil {
			return nil, rerr
		}
		return append(left, right...), nil
	}

	if err != nil {
		return nil, err
	}
	return entries, nil
}

func usnRangeFilter(low, high uint64) string {
	if high == 0 {
		return fmt.Sprintf("(|(uSNChanged>=%d)(uSNCreated>=%d))", low, low)
	}
	return fmt.Sprintf(
		"(|(&(uSNChanged>=%d)(uSNChanged<=%d))(&(uSNCreated>=%d)(uSNCreated<=%d)))",
		low, high, low, high,
	)
}

// recordFromEntry normalizes one raw entry; also used by the reject
// resync path, which re-fetches by USN.
func (p *Poller) recordFromEntry(ctx context.Context, entry *directory.Entry) (*ChangeRecord, error) {
	guid := entry.GetValue("objectGUID")
	if len(guid) == 0 {
		return nil, fmt.Errorf("entry has no objectGUID")
	}
	if _, err := uuid.FromBytes(guid); err != nil {
		return nil, fmt.Errorf("malformed objectGUID: %w", err)
	}

	usnCreated := parseUSN(entry.GetString("uSNCreated"))
	usnChanged := parseUSN(entry.GetString("uSNChanged"))
	usn := usnCreated
	if usnChanged > usn {
		usn = usnChanged
	}

	rec := &ChangeRecord{
		ForeignID:  guid,
		DN:         entry.DN,
		USN:        usn,
		USNCreated: usnCreated,
		USNChanged: usnChanged,
		Attributes: entry.Attributes,
	}

	if strings.EqualFold(entry.GetString("isDeleted"), "TRUE") {
		recovered, err := p.recoverTombstoneDN(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("cannot recover pre-deletion DN: %w", err)
		}
		rec.Kind = KindDelete
		rec.TombstoneDN = entry.DN
		rec.DN = recovered
		return rec, nil
	}

	prev, known := p.dns.Get(guid)
	switch {
	case !known:
		rec.Kind = KindAdd
	case strings.EqualFold(prev, entry.DN):
		rec.Kind = KindModify
	case sameRDN(prev, entry.DN):
		rec.Kind = KindMove
		rec.OldDN = prev
	default:
		// RDN changed: a modify carrying a rename.
		rec.Kind = KindModify
		rec.OldDN = prev
	}

	return rec, nil
}

// Lookup re-fetches a single object for reject resync: by DN when it is
// still live, otherwise by its recorded USN with tombstones visible. A
// nil record with nil error means the object is gone for good.
func (p *Poller) Lookup(ctx context.Context, dn string, usn uint64) (*ChangeRecord, error) {
	entry, err := p.client.Get(ctx, dn, nil)
	if err == nil {
		return p.recordFromEntry(ctx, entry)
	}
	if !errors.Is(err, directory.ErrNotFound) {
		return nil, err
	}

	filter := fmt.Sprintf("(|(uSNChanged=%d)(uSNCreated=%d))", usn, usn)
	for _, partition := range p.partitions {
		entries, serr := p.client.Search(ctx, directory.SearchRequest{
			BaseDN:      partition,
			Scope:       directory.ScopeSub,
			Filter:      filter,
			PageSize:    p.pageSize,
			ShowDeleted: true,
		})
		if serr != nil && !errors.Is(serr, directory.ErrPagingUnsupported) {
			return nil, serr
		}

		if len(entries) == 1 {
			return p.recordFromEntry(ctx, &entries[0])
		}
		for i := range entries {
			if strings.EqualFold(entries[i].DN, dn) {
				return p.recordFromEntry(ctx, &entries[i])
			}
		}
	}
	return nil, nil
}

// recoverTombstoneDN rebuilds the DN a soft-deleted entry had before
// deletion by walking lastKnownParent until a live ancestor appears.
func (p *Poller) recoverTombstoneDN(ctx context.Context, entry *directory.Entry) (string, error) {
	rdn := cleanTombstoneRDN(entry.DN)
	parent := entry.GetString("lastKnownParent")

	for depth := 0; depth < 10; depth++ {
		if parent == "" {
			return "", fmt.Errorf("no lastKnownParent on %s", entry.DN)
		}

		ancestors, err := p.client.Search(ctx, directory.SearchRequest{
			BaseDN:      parent,
			Scope:       directory.ScopeBase,
			Filter:      "(objectClass=*)",
			Attributes:  []string{"isDeleted", "lastKnownParent"},
			ShowDeleted: true,
		})
		if err != nil || len(ancestors) == 0 {
			return "", fmt.Errorf("parent %s not found: %w", parent, err)
		}

		ancestor := &ancestors[0]
		if !strings.EqualFold(ancestor.GetString("isDeleted"), "TRUE") {
			return rdn + "," + parent, nil
		}

		rdn = rdn + "," + cleanTombstoneRDN(ancestor.DN)
		parent = ancestor.GetString("lastKnownParent")
	}

	return "", fmt.Errorf("deleted-parent chain too deep under %s", entry.DN)
}

// cleanTombstoneRDN strips the 0x0A-DEL marker the server appends to a
// tombstone's naming value.
func cleanTombstoneRDN(dn string) string {
	// The marker sits before the first comma; the raw string is used so
	// the 0x0A byte survives in whatever form the server rendered it.
	rdn := dn
	if i := strings.IndexByte(dn, ','); i >= 0 {
		rdn = dn[:i]
	}
	if i := strings.Index(rdn, "\nDEL:"); i >= 0 {
		return rdn[:i]
	}
	if i := strings.Index(strings.ToUpper(rdn), `\0ADEL:`); i >= 0 {
		return rdn[:i]
	}
	return rdn
}

func sameRDN(a, b string) bool {
	ra, _, erra := directory.SplitDN(a)
	rb, _, errb := directory.SplitDN(b)
	if erra != nil || errb != nil {
		return false
	}
	return strings.EqualFold(ra, rb)
}

func parseUSN(s string) uint64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
