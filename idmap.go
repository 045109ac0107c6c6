package idmapped

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/lxc/mount-idmapped/pkg/specki"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// MaxIDMapLen is the maximum payload size the kernel accepts
// for a single write to /proc/<pid>/{u,g}id_map.
const MaxIDMapLen = 4096

// IDType is the kind of ID an IDMap translates.
type IDType int

const (
	TypeUID IDType = iota
	TypeGID
)

func (t IDType) String() string {
	switch t {
	case TypeUID:
		return "uid"
	case TypeGID:
		return "gid"
	default:
		return fmt.Sprintf("IDType(%d)", int(t))
	}
}

// mapFile is the name of the per-process control file in /proc/<pid>.
func (t IDType) mapFile() string {
	return t.String() + "_map"
}

// IDMap maps Range consecutive IDs starting at NsID
// inside the namespace to IDs starting at HostID outside.
type IDMap struct {
	Type   IDType
	NsID   uint32
	HostID uint32
	Range  uint32
}

func (m IDMap) String() string {
	return fmt.Sprintf("%s:%d:%d:%d", m.Type.String()[:1], m.NsID, m.HostID, m.Range)
}

// ParseIDMap parses an idmap of the form <kind>:<nsid>:<hostid>:<range>.
// The kind is either 'u' (uid), 'g' (gid) or 'b' (both).
// For 'b' a uid mapping followed by a gid mapping is returned.
func ParseIDMap(spec string) ([]IDMap, error) {
	if spec == "" {
		return nil, usageErrorf("empty idmap")
	}
	fields := strings.Split(spec, ":")
	if len(fields) != 4 {
		return nil, usageErrorf("invalid idmap %q: expected <b|u|g>:<nsid>:<hostid>:<range>", spec)
	}

	var types []IDType
	switch fields[0] {
	case "b":
		types = []IDType{TypeUID, TypeGID}
	case "u":
		types = []IDType{TypeUID}
	case "g":
		types = []IDType{TypeGID}
	default:
		return nil, usageErrorf("invalid idmap %q: unknown kind %q", spec, fields[0])
	}

	var nums [3]uint32
	for i, name := range []string{"nsid", "hostid", "range"} {
		n, err := parseID(fields[i+1])
		if err != nil {
			return nil, usageErrorf("invalid idmap %q: invalid %s: %s", spec, name, err)
		}
		nums[i] = n
	}
	if nums[2] == 0 {
		return nil, usageErrorf("invalid idmap %q: range must not be zero", spec)
	}

	maps := make([]IDMap, 0, len(types))
	for _, t := range types {
		maps = append(maps, IDMap{Type: t, NsID: nums[0], HostID: nums[1], Range: nums[2]})
	}
	return maps, nil
}

// parseID only accepts plain decimal digits, no sign and no prefix.
func parseID(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%q is not an unsigned decimal number", s)
		}
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	return uint32(n), nil
}

// IDMapSet is an ordered list of idmaps.
// Entries are never reordered or merged.
type IDMapSet struct {
	maps []IDMap
}

// Add appends the given maps.
func (set *IDMapSet) Add(maps ...IDMap) {
	set.maps = append(set.maps, maps...)
}

// AddSpec parses the given idmap spec and appends the result.
// The set is unchanged if parsing fails.
func (set *IDMapSet) AddSpec(spec string) error {
	maps, err := ParseIDMap(spec)
	if err != nil {
		return err
	}
	set.Add(maps...)
	return nil
}

// AddLinuxIDMappings appends the given runtime spec mappings as maps of type t.
func (set *IDMapSet) AddLinuxIDMappings(t IDType, mappings []specs.LinuxIDMapping) error {
	maps := make([]IDMap, 0, len(mappings))
	for _, m := range mappings {
		if m.Size == 0 {
			return usageErrorf("invalid %s mapping %d:%d: size must not be zero", t, m.ContainerID, m.HostID)
		}
		maps = append(maps, IDMap{Type: t, NsID: m.ContainerID, HostID: m.HostID, Range: m.Size})
	}
	set.Add(maps...)
	return nil
}

func (set *IDMapSet) Empty() bool {
	return set == nil || len(set.maps) == 0
}

func (set *IDMapSet) Len() int {
	if set == nil {
		return 0
	}
	return len(set.maps)
}

// Entries returns a copy of all maps in insertion order.
func (set *IDMapSet) Entries() []IDMap {
	if set == nil {
		return nil
	}
	return append([]IDMap(nil), set.maps...)
}

// Filter returns all maps of type t in insertion order.
func (set *IDMapSet) Filter(t IDType) []IDMap {
	var maps []IDMap
	for _, m := range set.Entries() {
		if m.Type == t {
			maps = append(maps, m)
		}
	}
	return maps
}

// Has returns true if the set contains at least one map of type t.
func (set *IDMapSet) Has(t IDType) bool {
	for _, m := range set.Entries() {
		if m.Type == t {
			return true
		}
	}
	return false
}

// LinuxIDMappings converts the maps of type t to runtime spec mappings.
func (set *IDMapSet) LinuxIDMappings(t IDType) []specs.LinuxIDMapping {
	var mappings []specs.LinuxIDMapping
	for _, m := range set.Filter(t) {
		mappings = append(mappings, specs.LinuxIDMapping{ContainerID: m.NsID, HostID: m.HostID, Size: m.Range})
	}
	return mappings
}

// ToHost returns the host ID the namespace ID id of type t is mapped to.
// The first matching map wins. ok is false if id is not mapped.
func (set *IDMapSet) ToHost(t IDType, id uint32) (hostID uint32, ok bool) {
	mappings := set.LinuxIDMappings(t)
	for i, m := range mappings {
		if id >= m.ContainerID && id-m.ContainerID < m.Size {
			return specki.UnmapContainerID(id, mappings[i:i+1]), true
		}
	}
	return id, false
}

// Marshal formats all maps of type t in the format expected by
// /proc/<pid>/{u,g}id_map, one "<nsid> <hostid> <range>\n" line per map.
// An error wrapping ErrTooManyMappings is returned if the result
// is not shorter than MaxIDMapLen.
func (set *IDMapSet) Marshal(t IDType) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range set.Filter(t) {
		fmt.Fprintf(&buf, "%d %d %d\n", m.NsID, m.HostID, m.Range)
		// The kernel only takes < 4k for writes to /proc/<pid>/{u,g}id_map
		if buf.Len() >= MaxIDMapLen {
			return nil, fmt.Errorf("%w: %s mappings exceed %d bytes", ErrTooManyMappings, t, MaxIDMapLen)
		}
	}
	return buf.Bytes(), nil
}

func (set *IDMapSet) String() string {
	entries := set.Entries()
	s := make([]string, 0, len(entries))
	for _, m := range entries {
		s = append(s, m.String())
	}
	return strings.Join(s, ",")
}
