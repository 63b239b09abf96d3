package engine

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codeberg.org/dirbridge/dirbridge/pkg/config"
	"codeberg.org/dirbridge/dirbridge/pkg/directory"
)

const testPartition = "DC=ad,DC=example,DC=org"

func testGUID(b byte) []byte {
	g := make([]byte, 16)
	for i := range g {
		g[i] = b
	}
	return g
}

func newTestPoller(t *testing.T, client directory.Client) (*Poller, *DNCache) {
	t.Helper()
	cursor, err := NewCursor(context.Background(), newFakeStore(), zap.NewNop())
	require.NoError(t, err)

	dns := NewDNCache()
	p := NewPoller(client, config.DirectoryConfig{BaseDN: testPartition}, cursor, dns, zap.NewNop())
	return p, dns
}

func sourceEntry(f *fakeClient, dn string, guid []byte, usnCreated, usnChanged uint64, extra map[string][]string) {
	attrs := map[string][]string{
		"objectClass": {"top", "user"},
		"uSNCreated":  {strconv.FormatUint(usnCreated, 10)},
		"uSNChanged":  {strconv.FormatUint(usnChanged, 10)},
	}
	for k, v := range extra {
		attrs[k] = v
	}
	f.put(dn, attrs)

	f.mu.Lock()
	f.entries[normDN(dn)].Attributes["objectGUID"] = [][]byte{guid}
	f.mu.Unlock()
}

func TestPoll_OrdersByCreationThenChange(t *testing.T) {
	f := newFakeClient()
	sourceEntry(f, "CN=c,"+testPartition, testGUID(3), 5, 9, nil)
	sourceEntry(f, "CN=a,"+testPartition, testGUID(1), 3, 3, nil)
	sourceEntry(f, "CN=b,"+testPartition, testGUID(2), 3, 8, nil)

	p, _ := newTestPoller(t, f)
	records, err := p.Poll(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "CN=a,"+testPartition, records[0].DN)
	assert.Equal(t, "CN=b,"+testPartition, records[1].DN)
	assert.Equal(t, "CN=c,"+testPartition, records[2].DN)
	assert.Equal(t, uint64(9), records[2].USN)
}

func TestPoll_ClassifiesKinds(t *testing.T) {
	f := newFakeClient()
	sourceEntry(f, "CN=fresh,"+testPartition, testGUID(1), 10, 10, nil)
	sourceEntry(f, "CN=known,"+testPartition, testGUID(2), 5, 11, nil)
	sourceEntry(f, "CN=moved,OU=Staff,"+testPartition, testGUID(3), 5, 12, nil)
	sourceEntry(f, "CN=renamed.new,"+testPartition, testGUID(4), 5, 13, nil)

	p, dns := newTestPoller(t, f)
	dns.Set(testGUID(2), "CN=known,"+testPartition)
	dns.Set(testGUID(3), "CN=moved,"+testPartition)
	dns.Set(testGUID(4), "CN=renamed.old,"+testPartition)

	records, err := p.Poll(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, records, 4)

	byDN := map[string]*ChangeRecord{}
	for i := range records {
		byDN[records[i].DN] = &records[i]
	}

	assert.Equal(t, KindAdd, byDN["CN=fresh,"+testPartition].Kind)
	assert.Equal(t, KindModify, byDN["CN=known,"+testPartition].Kind)

	moved := byDN["CN=moved,OU=Staff,"+testPartition]
	assert.Equal(t, KindMove, moved.Kind)
	assert.Equal(t, "CN=moved,"+testPartition, moved.OldDN)

	renamed := byDN["CN=renamed.new,"+testPartition]
	assert.Equal(t, KindModify, renamed.Kind)
	assert.Equal(t, "CN=renamed.old,"+testPartition, renamed.OldDN)
}

func TestPoll_DropsMalformedGUID(t *testing.T) {
	f := newFakeClient()
	sourceEntry(f, "CN=good,"+testPartition, testGUID(1), 10, 10, nil)
	sourceEntry(f, "CN=broken,"+testPartition, []byte{1, 2, 3}, 11, 11, nil)

	p, _ := newTestPoller(t, f)
	records, err := p.Poll(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "CN=good,"+testPartition, records[0].DN)
}

func TestPoll_RecoversTombstoneDN(t *testing.T) {
	f := newFakeClient()
	f.put("CN=Users,"+testPartition, map[string][]string{"objectClass": {"container"}})
	sourceEntry(f, "CN=alice\nDEL:1234,CN=Deleted Objects,"+testPartition, testGUID(7), 10, 20,
		map[string][]string{
			"isDeleted":       {"TRUE"},
			"lastKnownParent": {"CN=Users," + testPartition},
		})

	p, _ := newTestPoller(t, f)
	records, err := p.Poll(context.Background(), true)
	require.NoError(t, err)

	var del *ChangeRecord
	for i := range records {
		if records[i].Kind == KindDelete {
			del = &records[i]
		}
	}
	require.NotNil(t, del)
	assert.Equal(t, "CN=alice,CN=Users,"+testPartition, del.DN)
	assert.Equal(t, "CN=alice\nDEL:1234,CN=Deleted Objects,"+testPartition, del.TombstoneDN)
}

func TestPoll_DropsTombstoneWithoutParent(t *testing.T) {
	f := newFakeClient()
	sourceEntry(f, "CN=lost\nDEL:9,CN=Deleted Objects,"+testPartition, testGUID(8), 10, 20,
		map[string][]string{"isDeleted": {"TRUE"}})

	p, _ := newTestPoller(t, f)
	records, err := p.Poll(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, records)
}

// usnWindowClient rejects wide windows the way a server with a size
// limit would, and records the windows it was asked for.
type usnWindowClient struct {
	*fakeClient
	highest  uint64
	maxWidth uint64
	windows  [][2]uint64
}

func (c *usnWindowClient) HighestUSN(ctx context.Context) (uint64, error) {
	return c.highest, nil
}

func (c *usnWindowClient) Search(ctx context.Context, req directory.SearchRequest) ([]directory.Entry, error) {
	var low, high, low2, high2 uint64
	n, _ := fmt.Sscanf(req.Filter,
		"(|(&(uSNChanged>=%d)(uSNChanged<=%d))(&(uSNCreated>=%d)(uSNCreated<=%d)))",
		&low, &high, &low2, &high2)
	if n != 4 {
		return nil, fmt.Errorf("unexpected filter %q", req.Filter)
	}

	c.windows = append(c.windows, [2]uint64{low, high})
	if high-low+1 > c.maxWidth {
		return nil, directory.ErrSizeLimit
	}
	return nil, nil
}

func TestPoll_SplitsWindowOnSizeLimit(t *testing.T) {
	c := &usnWindowClient{fakeClient: newFakeClient(), highest: 400, maxWidth: 100}

	p, _ := newTestPoller(t, c)
	records, err := p.Poll(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, records)

	// Every leaf window fits under the limit and the union covers the
	// whole range without gaps.
	var leaves [][2]uint64
	for _, w := range c.windows {
		if w[1]-w[0]+1 <= c.maxWidth {
			leaves = append(leaves, w)
		}
	}
	require.NotEmpty(t, leaves)

	covered := uint64(0)
	for _, w := range leaves {
		covered += w[1] - w[0] + 1
	}
	assert.Equal(t, uint64(400), covered)
}

func TestUSNRangeFilter(t *testing.T) {
	assert.Equal(t,
		"(|(uSNChanged>=5)(uSNCreated>=5))",
		usnRangeFilter(5, 0))
	assert.Equal(t,
		"(|(&(uSNChanged>=5)(uSNChanged<=9))(&(uSNCreated>=5)(uSNCreated<=9)))",
		usnRangeFilter(5, 9))
}
