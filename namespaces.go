package idmapped

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// namespace is a mapping from the namespace name
// as used in /proc/{pid}/ns and the namespace clone flag,
// as defined in `man 2 clone`.
type namespace struct {
	Name      string
	CloneFlag int
}

var (
	mountNamespace = namespace{"mnt", unix.CLONE_NEWNS}
	userNamespace  = namespace{"user", unix.CLONE_NEWUSER}

	// anchorNamespaces are the namespaces the userns anchor process is cloned into.
	// The mount namespace keeps the anchor from pinning the callers mount tree.
	anchorNamespaces = []namespace{userNamespace, mountNamespace}
)

// Path returns the /proc path of the namespace of the process with the given pid.
func (ns namespace) Path(pid int) string {
	return fmt.Sprintf("/proc/%d/ns/%s", pid, ns.Name)
}

func cloneFlags(namespaces []namespace) uintptr {
	flags := 0
	for _, ns := range namespaces {
		flags |= ns.CloneFlag
	}
	return uintptr(flags)
}

// procPath returns the path of the given file in /proc/<pid>.
func procPath(pid int, name string) string {
	return fmt.Sprintf("/proc/%d/%s", pid, name)
}
