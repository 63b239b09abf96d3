package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"codeberg.org/dirbridge/dirbridge/pkg/directory"
	"codeberg.org/dirbridge/dirbridge/pkg/mapping"
	"codeberg.org/dirbridge/dirbridge/pkg/state"
)

// Reconciler keeps group member lists aligned across the two sides.
//
// The safety rule for removals: a member is only ever removed from the
// target group when this process has previously confirmed that exact
// membership edge as synced. Members added concurrently on the target
// side are invisible to the source and must survive.
type Reconciler struct {
	direction mapping.Direction
	source    directory.Client
	target    directory.Client
	store     state.Store
	dns       *DNCache
	members   *MembershipCache
	dryRun    bool
	logger    *zap.Logger
}

func NewReconciler(
	direction mapping.Direction,
	source, target directory.Client,
	store state.Store,
	dns *DNCache,
	members *MembershipCache,
	dryRun bool,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		direction: direction,
		source:    source,
		target:    target,
		store:     store,
		dns:       dns,
		members:   members,
		dryRun:    dryRun,
		logger:    logger.With(zap.String("direction", direction.String())),
	}
}

// Reconcile aligns the target group's member list with the record's.
// Unresolvable members (not yet synced) surface as a dependency error so
// the whole group change lands in the reject queue and is retried after
// its members arrive.
func (r *Reconciler) Reconcile(ctx context.Context, rec *ChangeRecord, rule *mapping.PropertyTypeRule, targetDN string) error {
	srcAttr, tgtAttr := r.memberAttributes(rule)
	if srcAttr == "" || tgtAttr == "" {
		return nil
	}

	srcMembers, err := r.sourceMembers(ctx, rec, srcAttr)
	if err != nil {
		return err
	}
	if !r.members.Changed(r.sourceSide(), rec.DN, srcMembers) {
		return nil
	}

	desired, unresolved, err := r.translateMembers(ctx, srcMembers)
	if err != nil {
		return err
	}

	current, err := r.readTargetMembers(ctx, targetDN, tgtAttr)
	if err != nil {
		return err
	}

	toAdd, toRemove := r.diffMembers(targetDN, desired, current)
	toAdd, err = r.dropPrimaryMembers(ctx, rule, targetDN, toAdd)
	if err != nil {
		return err
	}

	if len(toAdd)+len(toRemove) > 0 {
		mods := membershipMods(tgtAttr, toAdd, toRemove)
		if r.dryRun {
			r.logger.Info("Dry run, membership write skipped",
				zap.String("group", targetDN),
				zap.Int("add", len(toAdd)),
				zap.Int("remove", len(toRemove)))
		} else if err := r.target.Modify(ctx, targetDN, mods); err != nil {
			return fmt.Errorf("membership update of %s failed: %w", targetDN, err)
		}
	}

	// Confirm only the edges actually established on the target. A dry
	// run established nothing, so it confirms nothing either.
	if !r.dryRun {
		confirmed := make([]string, 0, len(current)+len(toAdd))
		for m := range current {
			if _, removed := toRemove[m]; !removed {
				confirmed = append(confirmed, m)
			}
		}
		confirmed = append(confirmed, toAdd...)
		r.members.Replace(r.targetSide(), targetDN, confirmed)
	}

	if len(unresolved) > 0 {
		// The source list stays unconfirmed so the retry runs the full
		// reconciliation again once the missing members have synced.
		r.logger.Warn("Group has members not yet synced, queuing retry",
			zap.String("group", rec.DN),
			zap.Int("pending", len(unresolved)))
		return fmt.Errorf("%d members of %s not yet synced (first: %s): %w",
			len(unresolved), rec.DN, unresolved[0], directory.ErrNotFound)
	}
	if !r.dryRun {
		r.members.Replace(r.sourceSide(), rec.DN, srcMembers)
	}
	return nil
}

// sourceMembers reads the record's member list. Servers truncate large
// lists into a range continuation (member;range=0-1499), in which case
// the record's plain attribute is absent and the full list has to be
// re-read from the source before any diff.
func (r *Reconciler) sourceMembers(ctx context.Context, rec *ChangeRecord, attr string) ([]string, error) {
	if vals, ok := rec.Attributes[attr]; ok {
		return valuesToStrings(vals), nil
	}
	if !hasRangedAttribute(rec.Attributes, attr) {
		return nil, nil
	}

	ranged, ok := r.source.(directory.RangedReader)
	if !ok {
		return nil, fmt.Errorf("member list of %s is truncated and the source does not support range retrieval", rec.DN)
	}
	values, err := ranged.GetRanged(ctx, rec.DN, attr)
	if err != nil {
		return nil, fmt.Errorf("failed to read full member list of %s: %w", rec.DN, err)
	}
	return valuesToStrings(values), nil
}

func hasRangedAttribute(attrs map[string][][]byte, attr string) bool {
	prefix := strings.ToLower(attr) + ";range="
	for key := range attrs {
		if strings.HasPrefix(strings.ToLower(key), prefix) {
			return true
		}
	}
	return false
}

// translateMembers maps source-side member DNs to target-side DNs via
// the identity map. Members deleted on the source mid-flight are skipped.
func (r *Reconciler) translateMembers(ctx context.Context, srcMembers []string) (desired []string, unresolved []string, err error) {
	for _, m := range srcMembers {
		id, ok := r.dns.Reverse(m)
		if !ok {
			entry, gerr := r.source.Get(ctx, m, []string{"objectGUID"})
			if errors.Is(gerr, directory.ErrNotFound) {
				r.logger.Debug("Member vanished from source, skipping",
					zap.String("member", m))
				continue
			}
			if gerr != nil {
				return nil, nil, fmt.Errorf("failed to identify member %s: %w", m, gerr)
			}
			id = entry.GetValue("objectGUID")
			if len(id) == 0 {
				unresolved = append(unresolved, m)
				continue
			}
			r.dns.Set(id, m)
		}

		targetDN, rerr := r.store.Resolve(ctx, "", id)
		if errors.Is(rerr, state.ErrNotFound) {
			unresolved = append(unresolved, m)
			continue
		}
		if rerr != nil {
			return nil, nil, rerr
		}
		desired = append(desired, targetDN)
	}
	return desired, unresolved, nil
}

func (r *Reconciler) readTargetMembers(ctx context.Context, groupDN, attr string) (map[string]string, error) {
	var values [][]byte
	if ranged, ok := r.target.(directory.RangedReader); ok {
		vals, err := ranged.GetRanged(ctx, groupDN, attr)
		if err != nil {
			return nil, fmt.Errorf("failed to read members of %s: %w", groupDN, err)
		}
		values = vals
	} else {
		entry, err := r.target.Get(ctx, groupDN, []string{attr})
		if err != nil {
			return nil, fmt.Errorf("failed to read members of %s: %w", groupDN, err)
		}
		values = entry.Attributes[attr]
	}

	// Keyed by normalized DN, value keeps the server's original spelling.
	current := make(map[string]string, len(values))
	for _, v := range values {
		current[normDN(string(v))] = string(v)
	}
	return current, nil
}

// diffMembers computes additions and cache-gated removals.
func (r *Reconciler) diffMembers(targetDN string, desired []string, current map[string]string) (toAdd []string, toRemove map[string]string) {
	desiredSet := make(map[string]struct{}, len(desired))
	for _, d := range desired {
		key := normDN(d)
		desiredSet[key] = struct{}{}
		if _, present := current[key]; !present {
			toAdd = append(toAdd, d)
		}
	}

	toRemove = make(map[string]string)
	for key, original := range current {
		if _, wanted := desiredSet[key]; wanted {
			continue
		}
		if !r.members.Contains(r.targetSide(), targetDN, original) {
			// Never confirmed by us: added on the target side, keep it.
			continue
		}
		toRemove[key] = original
	}
	return toAdd, toRemove
}

// dropPrimaryMembers filters out members whose primary group on the
// target is this group. That linkage lives in the primary-group
// attribute, not the member list, and the server refuses a redundant
// member write for it.
func (r *Reconciler) dropPrimaryMembers(ctx context.Context, rule *mapping.PropertyTypeRule, groupDN string, candidates []string) ([]string, error) {
	if rule.PrimaryGroupAttribute == "" || len(candidates) == 0 {
		return candidates, nil
	}

	group, err := r.target.Get(ctx, groupDN, []string{"objectSid"})
	if err != nil {
		return nil, fmt.Errorf("failed to read group identifier of %s: %w", groupDN, err)
	}
	rid := sidRID(mapping.NormalizeSID(group.GetValue("objectSid")))
	if rid == "" {
		return candidates, nil
	}

	kept := candidates[:0]
	for _, m := range candidates {
		entry, err := r.target.Get(ctx, m, []string{rule.PrimaryGroupAttribute})
		if errors.Is(err, directory.ErrNotFound) {
			kept = append(kept, m)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read primary group of %s: %w", m, err)
		}
		if entry.GetString(rule.PrimaryGroupAttribute) == rid {
			r.logger.Debug("Member linked through primary group, skipping",
				zap.String("group", groupDN),
				zap.String("member", m))
			continue
		}
		kept = append(kept, m)
	}
	return kept, nil
}

// sidRID returns the relative identifier, the last sub-authority of a
// textual SID.
func sidRID(sid string) string {
	i := strings.LastIndexByte(sid, '-')
	if i < 0 || i == len(sid)-1 {
		return ""
	}
	return sid[i+1:]
}

func membershipMods(attr string, toAdd []string, toRemove map[string]string) []directory.Modification {
	var mods []directory.Modification
	if len(toRemove) > 0 {
		values := make([][]byte, 0, len(toRemove))
		for _, original := range toRemove {
			values = append(values, []byte(original))
		}
		mods = append(mods, directory.Modification{Op: directory.ModDelete, Attribute: attr, Values: values})
	}
	if len(toAdd) > 0 {
		values := make([][]byte, 0, len(toAdd))
		for _, m := range toAdd {
			values = append(values, []byte(m))
		}
		mods = append(mods, directory.Modification{Op: directory.ModAdd, Attribute: attr, Values: values})
	}
	return mods
}

func (r *Reconciler) memberAttributes(rule *mapping.PropertyTypeRule) (src, tgt string) {
	if r.direction == mapping.RemoteToLocal {
		return rule.RemoteMemberAttribute, rule.MemberAttribute
	}
	return rule.MemberAttribute, rule.RemoteMemberAttribute
}

func (r *Reconciler) sourceSide() Side {
	if r.direction == mapping.RemoteToLocal {
		return SideRemote
	}
	return SideLocal
}

func (r *Reconciler) targetSide() Side {
	if r.direction == mapping.RemoteToLocal {
		return SideLocal
	}
	return SideRemote
}

func valuesToStrings(vals [][]byte) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, string(v))
	}
	return out
}
