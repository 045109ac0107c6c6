package idmapped

import (
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// State is the state of a mount within Mounter.Mount.
type State int

const (
	// Unattached is the initial state.
	Unattached State = iota
	// Detached means a detached clone of the source mount exists.
	Detached
	// Shifted means the detached mount is idmapped.
	Shifted
	// Attached means the mount is attached to the target.
	Attached
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Detached:
		return "detached"
	case Shifted:
		return "shifted"
	case Attached:
		return "attached"
	}
	return "unknown"
}

// mountAPI is the subset of the kernel mount API used by Mounter.
type mountAPI interface {
	OpenTree(dirfd int, path string, flags uint) (int, error)
	MountSetattr(dirfd int, path string, flags uint, attr *unix.MountAttr) error
	MoveMount(fromDirfd int, fromPath string, toDirfd int, toPath string, flags int) error
	Close(fd int) error
}

// MountAttrs are mount attributes applied to the detached mount
// in addition to MOUNT_ATTR_IDMAP.
type MountAttrs struct {
	Set uint64
	Clr uint64
}

// IsZero returns true if no attributes are changed.
func (a MountAttrs) IsZero() bool {
	return a.Set == 0 && a.Clr == 0
}

var mountAttrNames = map[string]uint64{
	"ro":          unix.MOUNT_ATTR_RDONLY,
	"nosuid":      unix.MOUNT_ATTR_NOSUID,
	"nodev":       unix.MOUNT_ATTR_NODEV,
	"noexec":      unix.MOUNT_ATTR_NOEXEC,
	"nodiratime":  unix.MOUNT_ATTR_NODIRATIME,
	"relatime":    unix.MOUNT_ATTR_RELATIME,
	"noatime":     unix.MOUNT_ATTR_NOATIME,
	"strictatime": unix.MOUNT_ATTR_STRICTATIME,
}

func isAtimeOption(name string) bool {
	return name == "relatime" || name == "noatime" || name == "strictatime"
}

// ParseMountAttrs parses a comma separated list of mount attributes
// e.g "ro,nosuid,noatime". Only one of relatime, noatime and strictatime
// may be given.
func ParseMountAttrs(s string) (MountAttrs, error) {
	var attrs MountAttrs
	if s == "" {
		return attrs, nil
	}
	atime := ""
	for _, name := range strings.Split(s, ",") {
		attr, ok := mountAttrNames[name]
		if !ok {
			return MountAttrs{}, usageErrorf("unsupported mount attribute %q", name)
		}
		if isAtimeOption(name) {
			if atime != "" && atime != name {
				return MountAttrs{}, usageErrorf("conflicting mount attributes %q and %q", atime, name)
			}
			atime = name
			// The atime mode is a value within MOUNT_ATTR__ATIME, not a flag.
			attrs.Clr |= unix.MOUNT_ATTR__ATIME
		}
		attrs.Set |= attr
	}
	return attrs, nil
}

// Mounter creates idmapped mounts.
type Mounter struct {
	Log zerolog.Logger
	// Userns provisions the user namespace for non-empty idmap sets.
	// A UsernsProvisioner for the running binary is used if nil.
	Userns Provisioner
	// Attrs are set together with the idmap.
	Attrs MountAttrs
	// Recursive clones the whole mount tree below the source,
	// instead of the source mount only.
	Recursive bool
	// Hook is called after each completed state transition.
	Hook func(State)

	sys mountAPI
}

// NewMounter returns a Mounter that uses the given provisioner
// to create user namespaces.
func NewMounter(log zerolog.Logger, userns Provisioner) *Mounter {
	return &Mounter{Log: log, Userns: userns, sys: kernelMountAPI{}}
}

func (m *Mounter) transition(s State) {
	m.Log.Debug().Stringer("state", s).Msg("mount state changed")
	if m.Hook != nil {
		m.Hook(s)
	}
}

// Mount attaches a detached clone of the mount at source to target.
// If set is not empty, the clone is idmapped with a new user namespace
// created from set before it is attached.
func (m *Mounter) Mount(source string, target string, set *IDMapSet) error {
	if m.sys == nil {
		m.sys = kernelMountAPI{}
	}
	if m.Userns == nil {
		m.Userns = NewUsernsProvisioner(m.Log, "")
	}

	tree, err := m.detach(source)
	if err != nil {
		return err
	}
	defer m.closeTree(tree)
	m.transition(Detached)

	if !set.Empty() || !m.Attrs.IsZero() {
		if err := m.shift(tree, set); err != nil {
			return err
		}
		m.transition(Shifted)
	}

	if err := m.attach(tree, target); err != nil {
		return err
	}
	m.Log.Info().Str("source", source).Str("target", target).Int("idmaps", set.Len()).Str("idmap", set.String()).Msg("mount attached")
	m.transition(Attached)
	return nil
}

func (m *Mounter) detach(source string) (int, error) {
	flags := uint(unix.OPEN_TREE_CLONE | unix.OPEN_TREE_CLOEXEC | unix.AT_EMPTY_PATH)
	if m.Recursive {
		flags |= unix.AT_RECURSIVE
	}
	tree, err := m.sys.OpenTree(unix.AT_FDCWD, source, flags)
	if err != nil {
		return -1, opError(ErrKernel, "failed to open", source, err)
	}
	return tree, nil
}

func (m *Mounter) closeTree(tree int) {
	if err := m.sys.Close(tree); err != nil {
		m.Log.Warn().Err(err).Int("fd", tree).Msg("failed to close detached mount")
	}
}

// shift applies the idmap and the mount attributes to the detached mount tree.
func (m *Mounter) shift(tree int, set *IDMapSet) error {
	attr := unix.MountAttr{
		Attr_set: m.Attrs.Set,
		Attr_clr: m.Attrs.Clr,
	}

	if !set.Empty() {
		userns, err := m.Userns.Provision(set)
		if err != nil {
			return err
		}
		// #nosec
		defer userns.Close()

		attr.Attr_set |= unix.MOUNT_ATTR_IDMAP
		attr.Userns_fd = uint64(userns.Fd())
	}

	err := m.sys.MountSetattr(tree, "", unix.AT_EMPTY_PATH|unix.AT_RECURSIVE, &attr)
	if err != nil {
		return opError(ErrKernel, "failed to change mount attributes", "", err)
	}
	return nil
}

func (m *Mounter) attach(tree int, target string) error {
	err := m.sys.MoveMount(tree, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH)
	if err != nil {
		return opError(ErrKernel, "failed to attach mount to", target, err)
	}
	return nil
}
