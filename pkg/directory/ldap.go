package directory

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"codeberg.org/dirbridge/dirbridge/pkg/config"
)

// LDAP_SERVER_SHOW_DELETED_OID makes tombstoned entries visible to a
// search against an Active Directory partition.
const controlShowDeletedOID = "1.2.840.113556.1.4.417"

type LDAPClient struct {
	cfg    config.DirectoryConfig
	conn   *ldap.Conn
	logger *zap.Logger
}

func NewLDAPClient(cfg config.DirectoryConfig, logger *zap.Logger) *LDAPClient {
	return &LDAPClient{
		cfg:    cfg,
		logger: logger.With(zap.String("directory", cfg.URL)),
	}
}

func (c *LDAPClient) Connect(ctx context.Context) error {
	conn, err := ldap.DialURL(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.cfg.URL, wrapLDAPError(err))
	}

	if c.cfg.Timeout > 0 {
		conn.SetTimeout(c.cfg.Timeout)
	}

	if c.cfg.StartTLS {
		if err := conn.StartTLS(&tls.Config{}); err != nil {
			conn.Close()
			return fmt.Errorf("failed to start TLS: %w", wrapLDAPError(err))
		}
	}

	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		conn.Close()
		return fmt.Errorf("bind as %s failed: %w", c.cfg.BindDN, wrapLDAPError(err))
	}

	c.conn = conn
	return nil
}

// reconnect redials after a broken connection. Callers retry the failed
// operation exactly once on success.
func (c *LDAPClient) reconnect(ctx context.Context) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.logger.Warn("Reconnecting after network error")
	return c.Connect(ctx)
}

func (c *LDAPClient) Search(ctx context.Context, req SearchRequest) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var controls []ldap.Control
	if req.ShowDeleted {
		controls = append(controls, ldap.NewControlString(controlShowDeletedOID, true, ""))
	}

	searchReq := ldap.NewSearchRequest(
		req.BaseDN,
		ldapScope(req.Scope),
		ldap.NeverDerefAliases,
		0, 0, false,
		req.Filter,
		req.Attributes,
		controls,
	)

	var (
		sr         *ldap.SearchResult
		err        error
		unpagedFor error
	)

	if req.PageSize > 0 {
		sr, err = c.conn.SearchWithPaging(searchReq, req.PageSize)
		if err != nil && ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailableCriticalExtension) {
			// Server refused the paging control, fall back to a full
			// fetch and let the caller know it was unbounded.
			sr, err = c.conn.Search(searchReq)
			unpagedFor = ErrPagingUnsupported
		}
	} else {
		sr, err = c.conn.Search(searchReq)
	}

	if err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		if rerr := c.reconnect(ctx); rerr != nil {
			return nil, rerr
		}
		if req.PageSize > 0 {
			sr, err = c.conn.SearchWithPaging(searchReq, req.PageSize)
		} else {
			sr, err = c.conn.Search(searchReq)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("search under %s failed: %w", req.BaseDN, wrapLDAPError(err))
	}

	entries := make([]Entry, 0, len(sr.Entries))
	for _, e := range sr.Entries {
		entries = append(entries, fromLDAPEntry(e))
	}

	if unpagedFor != nil {
		return entries, unpagedFor
	}
	return entries, nil
}

func (c *LDAPClient) Get(ctx context.Context, dn string, attrs []string) (*Entry, error) {
	entries, err := c.Search(ctx, SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBase,
		Filter:     "(objectClass=*)",
		Attributes: attrs,
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("get %s: %w", dn, ErrNotFound)
	}
	return &entries[0], nil
}

// GetRanged reads a multi-valued attribute following the server's range
// retrieval continuation (member;range=0-1499 and friends), so large
// group member lists come back complete.
func (c *LDAPClient) GetRanged(ctx context.Context, dn, attr string) ([][]byte, error) {
	var values [][]byte
	request := attr

	for {
		entry, err := c.Get(ctx, dn, []string{request})
		if err != nil {
			return nil, err
		}

		name, vals := findRangedAttribute(entry, attr)
		values = append(values, vals...)

		if name == attr || strings.HasSuffix(name, "-*") || name == "" {
			return values, nil
		}

		end, err := rangeEnd(name)
		if err != nil {
			return nil, fmt.Errorf("bad range continuation %q on %s: %w", name, dn, err)
		}
		request = fmt.Sprintf("%s;range=%d-*", attr, end+1)
	}
}

func (c *LDAPClient) Add(ctx context.Context, dn string, attrs map[string][][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := ldap.NewAddRequest(dn, nil)
	for name, vals := range attrs {
		req.Attribute(name, byteValuesToStrings(vals))
	}

	err := c.conn.Add(req)
	if err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		if rerr := c.reconnect(ctx); rerr != nil {
			return rerr
		}
		err = c.conn.Add(req)
	}
	if err != nil {
		return fmt.Errorf("add %s failed: %w", dn, wrapLDAPError(err))
	}
	return nil
}

func (c *LDAPClient) Modify(ctx context.Context, dn string, mods []Modification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(mods) == 0 {
		return nil
	}

	req := ldap.NewModifyRequest(dn, nil)
	for _, m := range mods {
		vals := byteValuesToStrings(m.Values)
		switch m.Op {
		case ModAdd:
			req.Add(m.Attribute, vals)
		case ModDelete:
			req.Delete(m.Attribute, vals)
		case ModReplace:
			req.Replace(m.Attribute, vals)
		}
	}

	err := c.conn.Modify(req)
	if err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		if rerr := c.reconnect(ctx); rerr != nil {
			return rerr
		}
		err = c.conn.Modify(req)
	}
	if err != nil {
		return fmt.Errorf("modify %s failed: %w", dn, wrapLDAPError(err))
	}
	return nil
}

func (c *LDAPClient) Delete(ctx context.Context, dn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := ldap.NewDelRequest(dn, nil)
	err := c.conn.Del(req)
	if err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		if rerr := c.reconnect(ctx); rerr != nil {
			return rerr
		}
		err = c.conn.Del(req)
	}
	if err != nil {
		return fmt.Errorf("delete %s failed: %w", dn, wrapLDAPError(err))
	}
	return nil
}

func (c *LDAPClient) Rename(ctx context.Context, oldDN, newDN string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rdn, superior, err := SplitDN(newDN)
	if err != nil {
		return fmt.Errorf("rename %s: %w", oldDN, err)
	}

	req := ldap.NewModifyDNRequest(oldDN, rdn, true, superior)
	err = c.conn.ModifyDN(req)
	if err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		if rerr := c.reconnect(ctx); rerr != nil {
			return rerr
		}
		err = c.conn.ModifyDN(req)
	}
	if err != nil {
		return fmt.Errorf("rename %s to %s failed: %w", oldDN, newDN, wrapLDAPError(err))
	}
	return nil
}

// HighestUSN reads the rootDSE replication watermark.
func (c *LDAPClient) HighestUSN(ctx context.Context) (uint64, error) {
	entries, err := c.Search(ctx, SearchRequest{
		BaseDN:     "",
		Scope:      ScopeBase,
		Filter:     "(objectClass=*)",
		Attributes: []string{"highestCommittedUSN"},
	})
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("rootDSE returned no entry: %w", ErrNotFound)
	}

	raw := entries[0].GetString("highestCommittedUSN")
	if raw == "" {
		return 0, fmt.Errorf("rootDSE has no highestCommittedUSN")
	}
	usn, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad highestCommittedUSN %q: %w", raw, err)
	}
	return usn, nil
}

func (c *LDAPClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func ldapScope(s Scope) int {
	switch s {
	case ScopeBase:
		return ldap.ScopeBaseObject
	case ScopeOne:
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

func fromLDAPEntry(e *ldap.Entry) Entry {
	attrs := make(map[string][][]byte, len(e.Attributes))
	for _, a := range e.Attributes {
		vals := make([][]byte, len(a.ByteValues))
		copy(vals, a.ByteValues)
		attrs[a.Name] = vals
	}
	return Entry{DN: e.DN, Attributes: attrs}
}

func byteValuesToStrings(vals [][]byte) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

func findRangedAttribute(entry *Entry, attr string) (string, [][]byte) {
	if vals, ok := entry.Attributes[attr]; ok {
		return attr, vals
	}
	prefix := attr + ";range="
	for name, vals := range entry.Attributes {
		if strings.HasPrefix(name, prefix) {
			return name, vals
		}
	}
	return "", nil
}

func rangeEnd(name string) (int, error) {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return 0, fmt.Errorf("missing range end")
	}
	return strconv.Atoi(name[idx+1:])
}

// SplitDN separates a DN into its leading RDN and the superior DN,
// honoring escaped separators.
func SplitDN(dn string) (rdn, superior string, err error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", "", fmt.Errorf("unparseable DN %q: %w", dn, err)
	}
	if len(parsed.RDNs) == 0 {
		return "", "", fmt.Errorf("empty DN")
	}

	rdn = parsed.RDNs[0].String()
	rest := &ldap.DN{RDNs: parsed.RDNs[1:]}
	return rdn, rest.String(), nil
}

func wrapLDAPError(err error) error {
	switch {
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNotAllowedOnNonLeaf):
		return fmt.Errorf("%w: %v", ErrNotAllowedOnNonLeaf, err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded):
		return fmt.Errorf("%w: %v", ErrSizeLimit, err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultConstraintViolation),
		ldap.IsErrorWithCode(err, ldap.LDAPResultObjectClassViolation),
		ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidAttributeSyntax),
		ldap.IsErrorWithCode(err, ldap.LDAPResultNamingViolation):
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultBusy),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable),
		ldap.IsErrorWithCode(err, ldap.ErrorNetwork):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}
