package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	idmapped "github.com/lxc/mount-idmapped"
	"github.com/lxc/mount-idmapped/pkg/specki"
	"golang.org/x/sys/unix"
)

// collectIDMaps creates the idmap set from the --map-mount values
// followed by the mappings of the OCI spec at specPath (if not empty).
func collectIDMaps(mapMount []string, specPath string) (*idmapped.IDMapSet, error) {
	set := &idmapped.IDMapSet{}
	for _, spec := range mapMount {
		if err := set.AddSpec(spec); err != nil {
			return nil, err
		}
	}
	if specPath == "" {
		return set, nil
	}

	spec, err := specki.ReadSpecJSON(specPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load OCI spec: %s", idmapped.ErrUsage, err)
	}
	uidMappings, gidMappings := specki.IDMappings(spec)
	if err := set.AddLinuxIDMappings(idmapped.TypeUID, uidMappings); err != nil {
		return nil, err
	}
	if err := set.AddLinuxIDMappings(idmapped.TypeGID, gidMappings); err != nil {
		return nil, err
	}
	return set, nil
}

// usernsexecArgs returns the argv that runs cmd (or the configured shell)
// with the caller idmap spec. argv[0] is the resolved executable path.
func usernsexecArgs(exe executables, spec string, cmd []string) ([]string, error) {
	path, err := exec.LookPath(exe.UsernsExec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", idmapped.ErrResource, err)
	}
	if len(cmd) == 0 {
		cmd = []string{exe.Shell}
	}
	argv := []string{path, "-m", spec, "--"}
	return append(argv, cmd...), nil
}

// execUsernsexec replaces the running process with argv.
// It only returns on error.
func execUsernsexec(argv []string) error {
	// #nosec
	err := unix.Exec(argv[0], argv, os.Environ())
	return fmt.Errorf("%w: failed to exec %s: %s", idmapped.ErrResource, argv[0], err)
}

// printPlan writes the idmaps and the operations Mounter.Mount would perform.
func printPlan(out io.Writer, source, target string, set *idmapped.IDMapSet, attrs idmapped.MountAttrs, recursive bool, usernsexec []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "idmaps: %d\n", set.Len())
	for _, t := range []idmapped.IDType{idmapped.TypeUID, idmapped.TypeGID} {
		if !set.Has(t) {
			continue
		}
		buf, err := set.Marshal(t)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "%s_map:\n%s", t, buf)
		if hostID, ok := set.ToHost(t, 0); ok {
			fmt.Fprintf(&b, "%s 0 is host %s %d\n", t, t, hostID)
		} else {
			fmt.Fprintf(&b, "%s 0 is not mapped\n", t)
		}
	}

	tree := "open_tree " + source
	if recursive {
		tree += " (recursive)"
	}
	fmt.Fprintln(&b, tree)
	if !set.Empty() || !attrs.IsZero() {
		fmt.Fprintf(&b, "mount_setattr idmap=%t set=%#x clr=%#x\n", !set.Empty(), attrs.Set, attrs.Clr)
	}
	fmt.Fprintf(&b, "move_mount %s\n", target)
	if usernsexec != nil {
		fmt.Fprintf(&b, "exec %s\n", strings.Join(usernsexec, " "))
	}

	_, err := io.WriteString(out, b.String())
	return err
}
