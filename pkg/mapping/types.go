package mapping

import "codeberg.org/dirbridge/dirbridge/pkg/directory"

// Direction is the side a change is being written to. Remote is the
// foreign (AD-compatible) directory, local is the LDAP-backed one.
type Direction int

const (
	RemoteToLocal Direction = iota
	LocalToRemote
)

func (d Direction) String() string {
	if d == RemoteToLocal {
		return "remote-to-local"
	}
	return "local-to-remote"
}

// SyncMode gates a rule per direction. "read" pulls remote changes into
// the local directory only, "write" pushes local changes out only,
// "sync" does both and "none" disables writes entirely.
type SyncMode string

const (
	SyncModeNone  SyncMode = "none"
	SyncModeRead  SyncMode = "read"
	SyncModeWrite SyncMode = "write"
	SyncModeSync  SyncMode = "sync"
)

func (m SyncMode) Allows(d Direction) bool {
	switch m {
	case SyncModeSync:
		return true
	case SyncModeRead:
		return d == RemoteToLocal
	case SyncModeWrite:
		return d == LocalToRemote
	default:
		return false
	}
}

func (m SyncMode) Valid() bool {
	switch m {
	case SyncModeNone, SyncModeRead, SyncModeWrite, SyncModeSync:
		return true
	}
	return false
}

// AttributeRule maps one local attribute onto one or two remote
// attributes. Overflow handles the case where a local multi-valued
// attribute lands on a remote schema that forces single-valuedness on
// the primary slot.
type AttributeRule struct {
	LocalAttribute    string   `yaml:"localAttribute"`
	RemoteAttribute   string   `yaml:"remoteAttribute"`
	OverflowAttribute string   `yaml:"overflowAttribute,omitempty"`
	SingleValue       bool     `yaml:"singleValue,omitempty"`
	SyncMode          SyncMode `yaml:"syncMode,omitempty"`

	// Compare and Transform name a builtin ("case-insensitive", "sid",
	// "windows-filetime-days") or a Starlark function ("script:<name>").
	Compare   string `yaml:"compare,omitempty"`
	Transform string `yaml:"transform,omitempty"`
}

// PropertyTypeRule is the static per-category configuration (user,
// group, computer, ...). Declaration order is classification order.
type PropertyTypeRule struct {
	Name         string   `yaml:"name"`
	SearchFilter string   `yaml:"searchFilter"`
	SyncMode     SyncMode `yaml:"syncMode"`

	// Object classes stamped onto newly created entries, per side.
	CreationObjectClasses       []string `yaml:"creationObjectClasses"`
	RemoteCreationObjectClasses []string `yaml:"remoteCreationObjectClasses,omitempty"`

	LocalPosition      string `yaml:"localPosition"`
	LocalRDNAttribute  string `yaml:"localRDNAttribute"`
	RemotePosition     string `yaml:"remotePosition"`
	RemoteRDNAttribute string `yaml:"remoteRDNAttribute"`

	Attributes []AttributeRule `yaml:"attributes"`

	// SubtreeDeleteAllow lists object classes of children that may be
	// collapsed when a non-leaf delete arrives.
	SubtreeDeleteAllow []string `yaml:"subtreeDeleteAllow,omitempty"`

	// Group wiring, only meaningful for the group property type.
	// MemberAttribute names the local member list, RemoteMemberAttribute
	// the remote one.
	MemberAttribute       string `yaml:"memberAttribute,omitempty"`
	RemoteMemberAttribute string `yaml:"remoteMemberAttribute,omitempty"`
	PrimaryGroupAttribute string `yaml:"primaryGroupAttribute,omitempty"`
}

// Ruleset is the full declarative mapping table, loaded from YAML.
type Ruleset struct {
	PropertyTypes []PropertyTypeRule `yaml:"propertyTypes"`

	// ContainerMap translates remote parent containers into local ones
	// (and is consulted in reverse for the outbound direction).
	ContainerMap map[string]string `yaml:"containerMap,omitempty"`

	// Scripts points at a Starlark file providing custom transform and
	// compare hooks referenced as "script:<function>".
	Scripts string `yaml:"scripts,omitempty"`
}

func (r *Ruleset) PropertyType(name string) *PropertyTypeRule {
	for i := range r.PropertyTypes {
		if r.PropertyTypes[i].Name == name {
			return &r.PropertyTypes[i]
		}
	}
	return nil
}

// MappedObject is the translation result for one change: the target DN
// plus either a creation attribute set or a modification list.
type MappedObject struct {
	DN         string
	Attributes map[string][][]byte
	Mods       []directory.Modification
}
