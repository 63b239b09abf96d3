package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"codeberg.org/dirbridge/dirbridge/pkg/directory"
	"codeberg.org/dirbridge/dirbridge/pkg/mapping/script"
)

// Mapper is the pure attribute translation layer: no I/O, fully driven
// by the ruleset tables plus optional Starlark hooks.
type Mapper struct {
	rules   *Ruleset
	scripts *script.Engine
}

func NewMapper(rules *Ruleset, scripts *script.Engine) *Mapper {
	return &Mapper{rules: rules, scripts: scripts}
}

// MapObject translates one observed change into the target side's terms.
// A nil old record means creation; otherwise a modification list is
// computed from the stored previous raw attributes.
func (m *Mapper) MapObject(rule *PropertyTypeRule, targetDN string, old, new map[string][][]byte, dir Direction) (*MappedObject, error) {
	mapped := &MappedObject{DN: targetDN}

	if old == nil {
		attrs, err := m.buildCreation(rule, new, dir)
		if err != nil {
			return nil, err
		}
		mapped.Attributes = attrs
		return mapped, nil
	}

	mods, err := m.buildModifications(rule, old, new, dir)
	if err != nil {
		return nil, err
	}
	mapped.Mods = mods
	return mapped, nil
}

func (m *Mapper) buildCreation(rule *PropertyTypeRule, new map[string][][]byte, dir Direction) (map[string][][]byte, error) {
	attrs := make(map[string][][]byte)
	if dir == RemoteToLocal && len(rule.CreationObjectClasses) > 0 {
		attrs["objectClass"] = stringsToBytes(rule.CreationObjectClasses)
	}
	if dir == LocalToRemote && len(rule.RemoteCreationObjectClasses) > 0 {
		attrs["objectClass"] = stringsToBytes(rule.RemoteCreationObjectClasses)
	}

	for _, ar := range rule.Attributes {
		if !ar.SyncMode.Allows(dir) {
			continue
		}

		values, err := m.transformAll(ar, m.sourceValues(ar, new, dir), dir)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			continue
		}

		if dir == LocalToRemote && ar.OverflowAttribute != "" {
			primary, overflow := SplitOverflow(nil, values)
			attrs[ar.RemoteAttribute] = primary
			if len(overflow) > 0 {
				attrs[ar.OverflowAttribute] = overflow
			}
			continue
		}

		if ar.SingleValue {
			values = values[:1]
		}
		attrs[m.targetAttribute(ar, dir)] = values
	}

	return attrs, nil
}

func (m *Mapper) buildModifications(rule *PropertyTypeRule, old, new map[string][][]byte, dir Direction) ([]directory.Modification, error) {
	var mods []directory.Modification

	for _, ar := range rule.Attributes {
		if !ar.SyncMode.Allows(dir) {
			continue
		}

		oldRaw := m.sourceValues(ar, old, dir)
		newRaw := m.sourceValues(ar, new, dir)
		if len(oldRaw) == 0 && len(newRaw) == 0 {
			continue
		}

		equal, err := m.valuesEqual(ar, oldRaw, newRaw)
		if err != nil {
			return nil, err
		}
		if equal {
			continue
		}

		oldVals, err := m.transformAll(ar, oldRaw, dir)
		if err != nil {
			return nil, err
		}
		newVals, err := m.transformAll(ar, newRaw, dir)
		if err != nil {
			return nil, err
		}

		if dir == LocalToRemote && ar.OverflowAttribute != "" {
			primary, overflow := SplitOverflow(oldVals, newVals)
			mods = append(mods, replaceOrClear(ar.RemoteAttribute, primary))
			mods = append(mods, replaceOrClear(ar.OverflowAttribute, overflow))
			continue
		}

		target := m.targetAttribute(ar, dir)
		if ar.SingleValue {
			if len(newVals) > 1 {
				newVals = newVals[:1]
			}
			mods = append(mods, replaceOrClear(target, newVals))
			continue
		}

		toAdd, toRemove := diffValues(oldVals, newVals)
		if len(toRemove) > 0 {
			mods = append(mods, directory.Modification{Op: directory.ModDelete, Attribute: target, Values: toRemove})
		}
		if len(toAdd) > 0 {
			mods = append(mods, directory.Modification{Op: directory.ModAdd, Attribute: target, Values: toAdd})
		}
	}

	return mods, nil
}

// SplitOverflow distributes a multi-valued attribute over a
// single-valued primary slot plus an overflow attribute. The previous
// primary is kept as long as it survives in the new value set; otherwise
// a new primary is picked deterministically. Invariant: primary union
// overflow equals the new set, they are disjoint, and the primary holds
// at most one value.
func SplitOverflow(old, new [][]byte) (primary, overflow [][]byte) {
	if len(new) == 0 {
		return nil, nil
	}

	prev := pickPrimary(old)
	chosen := ""
	if prev != "" && containsValue(new, prev) {
		chosen = prev
	} else {
		chosen = pickPrimary(new)
	}

	for _, v := range new {
		if string(v) == chosen && len(primary) == 0 {
			primary = append(primary, v)
		} else {
			overflow = append(overflow, v)
		}
	}
	return primary, overflow
}

func pickPrimary(vals [][]byte) string {
	if len(vals) == 0 {
		return ""
	}
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = string(v)
	}
	sort.Strings(strs)
	return strs[0]
}

// DeriveDN builds the target DN for a record from the naming attribute
// and the configured position of its property type.
func (m *Mapper) DeriveDN(rule *PropertyTypeRule, attrs map[string][][]byte, dir Direction) (string, error) {
	var rdnAttr, position string
	if dir == RemoteToLocal {
		rdnAttr, position = rule.LocalRDNAttribute, rule.LocalPosition
	} else {
		rdnAttr, position = rule.RemoteRDNAttribute, rule.RemotePosition
	}
	if rdnAttr == "" || position == "" {
		return "", fmt.Errorf("property type %q has no %s position configured", rule.Name, dir)
	}

	value := m.namingValue(rule, attrs, dir, rdnAttr)
	if value == "" {
		return "", fmt.Errorf("property type %q: no value for naming attribute %s", rule.Name, rdnAttr)
	}

	return fmt.Sprintf("%s=%s,%s", rdnAttr, ldap.EscapeDN(value), position), nil
}

// MapContainer translates a parent container through the ruleset's
// container map; empty means unmapped and the caller falls back to the
// property type's default position.
// Lookups walk the keys in sorted order so case-folding collisions
// resolve the same way on every run.
func (m *Mapper) MapContainer(parent string, dir Direction) string {
	keys := make([]string, 0, len(m.rules.ContainerMap))
	for remote := range m.rules.ContainerMap {
		keys = append(keys, remote)
	}
	sort.Strings(keys)

	if dir == RemoteToLocal {
		for _, remote := range keys {
			if strings.EqualFold(remote, parent) {
				return m.rules.ContainerMap[remote]
			}
		}
		return ""
	}
	for _, remote := range keys {
		if strings.EqualFold(m.rules.ContainerMap[remote], parent) {
			return remote
		}
	}
	return ""
}

// namingValue resolves the source-side attribute feeding the target RDN.
func (m *Mapper) namingValue(rule *PropertyTypeRule, attrs map[string][][]byte, dir Direction, rdnAttr string) string {
	for _, ar := range rule.Attributes {
		if dir == RemoteToLocal && strings.EqualFold(ar.LocalAttribute, rdnAttr) {
			if vals := attributeValues(attrs, ar.RemoteAttribute); len(vals) > 0 {
				return string(vals[0])
			}
		}
		if dir == LocalToRemote && strings.EqualFold(ar.RemoteAttribute, rdnAttr) {
			if vals := attributeValues(attrs, ar.LocalAttribute); len(vals) > 0 {
				return string(vals[0])
			}
		}
	}
	if vals := attributeValues(attrs, rdnAttr); len(vals) > 0 {
		return string(vals[0])
	}
	return ""
}

func (m *Mapper) sourceValues(ar AttributeRule, attrs map[string][][]byte, dir Direction) [][]byte {
	if attrs == nil {
		return nil
	}
	if dir == RemoteToLocal {
		values := attributeValues(attrs, ar.RemoteAttribute)
		if ar.OverflowAttribute != "" {
			values = append(values, attributeValues(attrs, ar.OverflowAttribute)...)
		}
		return values
	}
	return attributeValues(attrs, ar.LocalAttribute)
}

func (m *Mapper) targetAttribute(ar AttributeRule, dir Direction) string {
	if dir == RemoteToLocal {
		return ar.LocalAttribute
	}
	return ar.RemoteAttribute
}

func (m *Mapper) valuesEqual(ar AttributeRule, old, new [][]byte) (bool, error) {
	name := ar.Compare
	if name == "" {
		name = "exact"
	}

	if fn, ok := strings.CutPrefix(name, "script:"); ok {
		if m.scripts == nil {
			return false, fmt.Errorf("rule %s/%s needs scripts but none are loaded", ar.LocalAttribute, ar.RemoteAttribute)
		}
		return m.scripts.Compare(fn, bytesToStrings(old), bytesToStrings(new))
	}

	cmp, ok := builtinCompares[name]
	if !ok {
		return false, fmt.Errorf("unknown compare function %q", name)
	}
	return cmp(old, new), nil
}

func (m *Mapper) transformAll(ar AttributeRule, values [][]byte, dir Direction) ([][]byte, error) {
	if ar.Transform == "" || len(values) == 0 {
		return values, nil
	}

	if fn, ok := strings.CutPrefix(ar.Transform, "script:"); ok {
		if m.scripts == nil {
			return nil, fmt.Errorf("rule %s/%s needs scripts but none are loaded", ar.LocalAttribute, ar.RemoteAttribute)
		}
		out := make([][]byte, 0, len(values))
		for _, v := range values {
			res, err := m.scripts.Transform(fn, string(v), dir.String())
			if err != nil {
				return nil, err
			}
			out = append(out, []byte(res))
		}
		return out, nil
	}

	tf, ok := builtinTransforms[ar.Transform]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", ar.Transform)
	}

	out := make([][]byte, 0, len(values))
	for _, v := range values {
		res, err := tf(v, dir)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func replaceOrClear(attr string, values [][]byte) directory.Modification {
	if len(values) == 0 {
		return directory.Modification{Op: directory.ModReplace, Attribute: attr}
	}
	return directory.Modification{Op: directory.ModReplace, Attribute: attr, Values: values}
}

func diffValues(old, new [][]byte) (toAdd, toRemove [][]byte) {
	oldSet := make(map[string]bool, len(old))
	for _, v := range old {
		oldSet[string(v)] = true
	}
	newSet := make(map[string]bool, len(new))
	for _, v := range new {
		newSet[string(v)] = true
	}

	for _, v := range new {
		if !oldSet[string(v)] {
			toAdd = append(toAdd, v)
		}
	}
	for _, v := range old {
		if !newSet[string(v)] {
			toRemove = append(toRemove, v)
		}
	}
	return toAdd, toRemove
}

func containsValue(vals [][]byte, s string) bool {
	for _, v := range vals {
		if string(v) == s {
			return true
		}
	}
	return false
}

func stringsToBytes(strs []string) [][]byte {
	out := make([][]byte, len(strs))
	for i, s := range strs {
		out[i] = []byte(s)
	}
	return out
}

func bytesToStrings(vals [][]byte) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}
