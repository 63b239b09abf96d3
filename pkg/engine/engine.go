package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"codeberg.org/dirbridge/dirbridge/pkg/config"
	"codeberg.org/dirbridge/dirbridge/pkg/directory"
	"codeberg.org/dirbridge/dirbridge/pkg/mapping"
	"codeberg.org/dirbridge/dirbridge/pkg/state"
)

// Result is the final disposition of one change record.
type Result int

const (
	ResultApplied Result = iota
	ResultIgnored
	ResultRejected
	ResultDropped
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultIgnored:
		return "ignored"
	case ResultRejected:
		return "rejected"
	default:
		return "dropped"
	}
}

// errIgnored short-circuits apply paths that decide a record needs no
// write at all.
var errIgnored = errors.New("engine: record ignored")

// Engine applies change records from one source side onto the target
// directory. Every apply path is idempotent: replaying a record that
// already took effect converges to the same target state.
type Engine struct {
	direction  mapping.Direction
	target     directory.Client
	classifier *mapping.Classifier
	mapper     *mapping.Mapper
	store      state.Store

	dns     *DNCache
	raws    *RawCache
	members *MembershipCache
	groups  *Reconciler

	dryRun     bool
	retryLimit int
	retryDelay time.Duration

	logger *zap.Logger
}

func NewEngine(
	direction mapping.Direction,
	target directory.Client,
	classifier *mapping.Classifier,
	mapper *mapping.Mapper,
	store state.Store,
	dns *DNCache,
	raws *RawCache,
	members *MembershipCache,
	cfg config.ConnectorConfig,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		direction:  direction,
		target:     target,
		classifier: classifier,
		mapper:     mapper,
		store:      store,
		dns:        dns,
		raws:       raws,
		members:    members,
		dryRun:     cfg.DryRun,
		retryLimit: cfg.RetryLimit,
		retryDelay: cfg.RetryDelay,
		logger:     logger.With(zap.String("direction", direction.String())),
	}
}

// SetReconciler wires the group membership reconciler in after
// construction; both depend on the same caches.
func (e *Engine) SetReconciler(r *Reconciler) {
	e.groups = r
}

// SyncRecord consumes one change record: classify, translate, write,
// and either succeed, reject for later, or drop. Transient directory
// failures retry in place up to the configured limit and then escalate
// as ErrDirectoryUnavailable so the process can exit for a restart.
func (e *Engine) SyncRecord(ctx context.Context, rec *ChangeRecord) (Result, error) {
	log := e.logger.With(
		zap.String("dn", rec.DN),
		zap.String("kind", rec.Kind.String()),
		zap.Uint64("usn", rec.USN))

	rule := e.classifier.Classify(rec.Attributes)
	if rule == nil {
		e.updateCaches(rec)
		log.Debug("No property type matches, ignoring")
		return ResultIgnored, nil
	}
	if !rule.SyncMode.Allows(e.direction) {
		// Cache-only bookkeeping keeps later move and membership
		// decisions accurate even for unwritten objects.
		e.updateCaches(rec)
		e.trackMembership(rec, rule)
		log.Debug("Sync mode excludes this direction, ignoring",
			zap.String("propertyType", rule.Name))
		return ResultIgnored, nil
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = e.apply(ctx, rec, rule)
		if err == nil || !errors.Is(err, directory.ErrUnavailable) {
			break
		}
		if attempt >= e.retryLimit {
			return ResultDropped, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
		}
		log.Warn("Target directory unavailable, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ResultDropped, ctx.Err()
		case <-time.After(e.retryDelay):
		}
	}

	switch {
	case err == nil:
		e.updateCaches(rec)
		log.Info("Applied change", zap.String("propertyType", rule.Name))
		return ResultApplied, nil

	case errors.Is(err, errIgnored):
		e.updateCaches(rec)
		return ResultIgnored, nil
	}

	switch Classify(err) {
	case ClassDependency, ClassConflict:
		if rerr := e.store.PutReject(ctx, rec.USN, rec.DN); rerr != nil {
			return ResultDropped, fmt.Errorf("failed to enqueue reject for %s: %w", rec.DN, rerr)
		}
		log.Warn("Change rejected, queued for resync", zap.Error(err))
		return ResultRejected, nil
	default:
		log.Error("Dropping unapplicable change", zap.Error(err))
		return ResultDropped, nil
	}
}

func (e *Engine) apply(ctx context.Context, rec *ChangeRecord, rule *mapping.PropertyTypeRule) error {
	switch rec.Kind {
	case KindDelete:
		return e.applyDelete(ctx, rec, rule)
	case KindAdd:
		return e.applyAdd(ctx, rec, rule)
	case KindMove:
		return e.applyMove(ctx, rec, rule)
	default:
		return e.applyModify(ctx, rec, rule)
	}
}

func (e *Engine) applyAdd(ctx context.Context, rec *ChangeRecord, rule *mapping.PropertyTypeRule) error {
	if existing, err := e.store.Resolve(ctx, rule.Name, rec.ForeignID); err == nil {
		// Replay of an already synced add: converge via the modify path.
		return e.modifyAt(ctx, rec, rule, existing)
	} else if !errors.Is(err, state.ErrNotFound) {
		return err
	}

	targetDN, err := e.deriveTargetDN(rule, rec)
	if err != nil {
		return err
	}

	mapped, err := e.mapper.MapObject(rule, targetDN, nil, rec.Attributes, e.direction)
	if err != nil {
		return err
	}

	err = e.write(ctx, "add", targetDN, func() error {
		return e.target.Add(ctx, targetDN, mapped.Attributes)
	})
	if errors.Is(err, directory.ErrAlreadyExists) {
		// Reanimation: an entry with this DN already lives on the target
		// (a tombstone revived, or a half-applied earlier run). Converge
		// by replacing its mapped attributes instead of failing.
		e.logger.Info("Target entry exists, converging in place",
			zap.String("targetDN", targetDN))
		err = e.replaceAttributes(ctx, targetDN, mapped.Attributes)
	}
	if err != nil {
		return err
	}

	if err := e.recordMapping(ctx, rule.Name, rec.ForeignID, targetDN); err != nil {
		return err
	}
	return e.reconcileGroups(ctx, rec, rule, targetDN)
}

func (e *Engine) applyModify(ctx context.Context, rec *ChangeRecord, rule *mapping.PropertyTypeRule) error {
	targetDN, err := e.store.Resolve(ctx, rule.Name, rec.ForeignID)
	if errors.Is(err, state.ErrNotFound) {
		// Modify for an object never synced, typically after the object
		// started matching the filter. Upgrade to a creation.
		return e.applyAdd(ctx, rec, rule)
	}
	if err != nil {
		return err
	}
	return e.modifyAt(ctx, rec, rule, targetDN)
}

func (e *Engine) modifyAt(ctx context.Context, rec *ChangeRecord, rule *mapping.PropertyTypeRule, targetDN string) error {
	// A modify can carry a rename when the naming attribute changed.
	desired, err := e.deriveTargetDN(rule, rec)
	if err != nil {
		return err
	}
	if !strings.EqualFold(desired, targetDN) {
		if err := e.renameTarget(ctx, rec, rule, targetDN, desired); err != nil {
			return err
		}
		targetDN = desired
	}

	if old, ok := e.raws.Get(rec.ForeignID); ok {
		mapped, err := e.mapper.MapObject(rule, targetDN, old, rec.Attributes, e.direction)
		if err != nil {
			return err
		}
		if len(mapped.Mods) == 0 {
			return e.reconcileGroups(ctx, rec, rule, targetDN)
		}
		if err := e.write(ctx, "modify", targetDN, func() error {
			return e.target.Modify(ctx, targetDN, mapped.Mods)
		}); err != nil {
			return err
		}
		return e.reconcileGroups(ctx, rec, rule, targetDN)
	}

	// No previous raw attributes (fresh restart): fall back to replacing
	// every mapped attribute, which is idempotent.
	mapped, err := e.mapper.MapObject(rule, targetDN, nil, rec.Attributes, e.direction)
	if err != nil {
		return err
	}
	if err := e.replaceAttributes(ctx, targetDN, mapped.Attributes); err != nil {
		return err
	}
	return e.reconcileGroups(ctx, rec, rule, targetDN)
}

func (e *Engine) applyMove(ctx context.Context, rec *ChangeRecord, rule *mapping.PropertyTypeRule) error {
	targetDN, err := e.store.Resolve(ctx, rule.Name, rec.ForeignID)
	if errors.Is(err, state.ErrNotFound) {
		return e.applyAdd(ctx, rec, rule)
	}
	if err != nil {
		return err
	}
	return e.modifyAt(ctx, rec, rule, targetDN)
}

func (e *Engine) applyDelete(ctx context.Context, rec *ChangeRecord, rule *mapping.PropertyTypeRule) error {
	targetDN, err := e.store.Resolve(ctx, rule.Name, rec.ForeignID)
	if errors.Is(err, state.ErrNotFound) {
		// Never synced; nothing to delete on the target.
		return errIgnored
	}
	if err != nil {
		return err
	}

	err = e.write(ctx, "delete", targetDN, func() error {
		return e.target.Delete(ctx, targetDN)
	})
	switch {
	case errors.Is(err, directory.ErrNotFound):
		// Already gone, replay or out-of-band deletion.
	case errors.Is(err, directory.ErrNotAllowedOnNonLeaf):
		if serr := e.deleteSubtree(ctx, targetDN, rule); serr != nil {
			return serr
		}
	case err != nil:
		return err
	}

	// A dry run deleted nothing, so the mapping and the caches keep the
	// state later records are diffed against.
	if e.dryRun {
		return nil
	}
	if err := e.store.Forget(ctx, rec.ForeignID); err != nil {
		return err
	}
	e.members.Forget(e.targetSide(), targetDN)
	e.members.Forget(e.sourceSide(), rec.DN)
	return nil
}

// deleteSubtree collapses a non-leaf delete, but only when every child
// carries an object class the property type explicitly allows.
func (e *Engine) deleteSubtree(ctx context.Context, dn string, rule *mapping.PropertyTypeRule) error {
	if len(rule.SubtreeDeleteAllow) == 0 {
		return fmt.Errorf("%s has children and subtree deletion is not allowed for %s: %w",
			dn, rule.Name, directory.ErrNotAllowedOnNonLeaf)
	}

	children, err := e.target.Search(ctx, directory.SearchRequest{
		BaseDN:     dn,
		Scope:      directory.ScopeOne,
		Filter:     "(objectClass=*)",
		Attributes: []string{"objectClass"},
	})
	if err != nil {
		return err
	}

	allowed := make(map[string]bool, len(rule.SubtreeDeleteAllow))
	for _, oc := range rule.SubtreeDeleteAllow {
		allowed[strings.ToLower(oc)] = true
	}

	for i := range children {
		ok := false
		for _, oc := range children[i].GetStrings("objectClass") {
			if allowed[strings.ToLower(oc)] {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("child %s blocks subtree deletion of %s: %w",
				children[i].DN, dn, directory.ErrNotAllowedOnNonLeaf)
		}
	}

	for i := range children {
		child := children[i].DN
		if err := e.write(ctx, "delete", child, func() error {
			return e.target.Delete(ctx, child)
		}); err != nil && !errors.Is(err, directory.ErrNotFound) {
			return err
		}
	}

	err = e.write(ctx, "delete", dn, func() error {
		return e.target.Delete(ctx, dn)
	})
	if errors.Is(err, directory.ErrNotFound) {
		return nil
	}
	return err
}

func (e *Engine) renameTarget(ctx context.Context, rec *ChangeRecord, rule *mapping.PropertyTypeRule, oldDN, newDN string) error {
	if err := e.write(ctx, "rename", newDN, func() error {
		return e.target.Rename(ctx, oldDN, newDN)
	}); err != nil && !errors.Is(err, directory.ErrNotFound) {
		return err
	}

	if err := e.recordMapping(ctx, rule.Name, rec.ForeignID, newDN); err != nil {
		return err
	}
	e.members.Rename(e.targetSide(), oldDN, newDN)
	if rec.OldDN != "" {
		e.members.Rename(e.sourceSide(), rec.OldDN, rec.DN)
	}
	e.logger.Info("Renamed target entry",
		zap.String("from", oldDN),
		zap.String("to", newDN))
	return nil
}

// replaceAttributes converges an existing target entry onto the mapped
// attribute set without a per-value diff. objectClass stays untouched.
func (e *Engine) replaceAttributes(ctx context.Context, dn string, attrs map[string][][]byte) error {
	mods := make([]directory.Modification, 0, len(attrs))
	for attr, values := range attrs {
		if strings.EqualFold(attr, "objectClass") {
			continue
		}
		mods = append(mods, directory.Modification{
			Op:        directory.ModReplace,
			Attribute: attr,
			Values:    values,
		})
	}
	if len(mods) == 0 {
		return nil
	}
	return e.write(ctx, "modify", dn, func() error {
		return e.target.Modify(ctx, dn, mods)
	})
}

// deriveTargetDN combines the naming attribute with either the mapped
// source container or the property type's default position.
func (e *Engine) deriveTargetDN(rule *mapping.PropertyTypeRule, rec *ChangeRecord) (string, error) {
	dn, err := e.mapper.DeriveDN(rule, rec.Attributes, e.direction)
	if err != nil {
		return "", err
	}

	if _, parent, perr := directory.SplitDN(rec.DN); perr == nil {
		if mapped := e.mapper.MapContainer(parent, e.direction); mapped != "" {
			rdn, _, serr := directory.SplitDN(dn)
			if serr == nil {
				dn = rdn + "," + mapped
			}
		}
	}
	return dn, nil
}

func (e *Engine) reconcileGroups(ctx context.Context, rec *ChangeRecord, rule *mapping.PropertyTypeRule, targetDN string) error {
	if e.groups == nil || rule.MemberAttribute == "" {
		return nil
	}
	return e.groups.Reconcile(ctx, rec, rule, targetDN)
}

func (e *Engine) recordMapping(ctx context.Context, propertyType string, foreignID []byte, dn string) error {
	if e.dryRun {
		return nil
	}
	return e.store.Record(ctx, propertyType, foreignID, dn)
}

// trackMembership records the member list of a group that is never
// written in this direction. The edges stay in the cache unwritten so
// diffs against the group stay correct once it becomes writable.
func (e *Engine) trackMembership(rec *ChangeRecord, rule *mapping.PropertyTypeRule) {
	attr := rule.RemoteMemberAttribute
	if e.direction == mapping.LocalToRemote {
		attr = rule.MemberAttribute
	}
	if attr == "" {
		return
	}
	if rec.Kind == KindDelete {
		if !e.dryRun {
			e.members.Forget(e.sourceSide(), rec.DN)
		}
		return
	}

	members := valuesToStrings(rec.Attributes[attr])
	for key, vals := range rec.Attributes {
		if strings.HasPrefix(strings.ToLower(key), strings.ToLower(attr)+";range=") {
			members = append(members, valuesToStrings(vals)...)
		}
	}
	e.members.Replace(e.sourceSide(), rec.DN, members)
}

func (e *Engine) updateCaches(rec *ChangeRecord) {
	if rec.Kind == KindDelete {
		if e.dryRun {
			return
		}
		e.dns.Delete(rec.ForeignID)
		e.raws.Delete(rec.ForeignID)
		return
	}
	e.dns.Set(rec.ForeignID, rec.DN)
	e.raws.Set(rec.ForeignID, rec.Attributes)
}

// write runs one target directory operation unless dry-run is active.
func (e *Engine) write(ctx context.Context, op, dn string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.dryRun {
		e.logger.Info("Dry run, write skipped",
			zap.String("op", op),
			zap.String("dn", dn))
		return nil
	}
	return fn()
}

func (e *Engine) targetSide() Side {
	if e.direction == mapping.RemoteToLocal {
		return SideLocal
	}
	return SideRemote
}

func (e *Engine) sourceSide() Side {
	if e.direction == mapping.RemoteToLocal {
		return SideRemote
	}
	return SideLocal
}
