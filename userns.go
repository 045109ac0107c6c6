package idmapped

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// AnchorArg0 is the process name (argv[0]) of the user namespace anchor process.
const AnchorArg0 = "mount-idmapped-anchor"

// DefaultAnchorExecutable re-executes the running binary as anchor.
const DefaultAnchorExecutable = "/proc/self/exe"

// RunAnchor must be called first thing in main (and TestMain) of every
// binary that is used as anchor executable. If the process was started as
// anchor it stops itself and never returns. Otherwise RunAnchor is a noop.
func RunAnchor() {
	if os.Args[0] != AnchorArg0 {
		return
	}
	// Wait (stopped) until the parent has configured the namespace and kills us.
	_ = unix.Kill(unix.Getpid(), unix.SIGSTOP)
	os.Exit(1)
}

// Provisioner creates a user namespace with the mappings from the given set
// and returns a file descriptor referring to it.
type Provisioner interface {
	Provision(set *IDMapSet) (*os.File, error)
}

// UsernsProvisioner creates user namespaces with the help of an anchor process.
// The anchor is cloned into a new user and mount namespace, stops itself,
// has its uid_map/gid_map written by us and is killed once
// the namespace file descriptor is open.
type UsernsProvisioner struct {
	Log zerolog.Logger
	// Anchor is the executable started as anchor process.
	// It must call RunAnchor on startup.
	Anchor string
}

// NewUsernsProvisioner returns a provisioner that re-executes
// the running binary as anchor, if anchor is empty.
func NewUsernsProvisioner(log zerolog.Logger, anchor string) *UsernsProvisioner {
	if anchor == "" {
		anchor = DefaultAnchorExecutable
	}
	return &UsernsProvisioner{Log: log, Anchor: anchor}
}

// Provision implements Provisioner.
// The anchor process is always killed and reaped before Provision returns.
func (p *UsernsProvisioner) Provision(set *IDMapSet) (*os.File, error) {
	cmd, err := p.startAnchor()
	if err != nil {
		return nil, err
	}
	defer p.killAnchor(cmd)

	pid := cmd.Process.Pid
	if err := p.writeIDMaps(set, pid); err != nil {
		return nil, err
	}

	nsPath := userNamespace.Path(pid)
	// The descriptor references the namespace, not the process,
	// so it stays valid after the anchor is reaped.
	userns, err := os.Open(nsPath)
	if err != nil {
		return nil, opError(ErrResource, "open user namespace", nsPath, err)
	}
	p.Log.Debug().Int("pid", pid).Str("path", nsPath).Msg("opened user namespace")
	return userns, nil
}

func (p *UsernsProvisioner) startAnchor() (*exec.Cmd, error) {
	// #nosec
	cmd := &exec.Cmd{
		Path: p.Anchor,
		Args: []string{AnchorArg0},
		Env:  []string{},
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags: cloneFlags(anchorNamespaces),
		},
	}
	if err := cmd.Start(); err != nil {
		return nil, opError(ErrResource, "start user namespace anchor", p.Anchor, err)
	}

	pid := cmd.Process.Pid
	if err := waitStopped(pid); err != nil {
		p.killAnchor(cmd)
		return nil, opError(ErrResource, "wait for user namespace anchor", "", err)
	}
	p.Log.Debug().Int("pid", pid).Str("anchor", p.Anchor).Msg("user namespace anchor is stopped")
	return cmd, nil
}

// killAnchor kills and reaps the anchor process.
// Errors are logged only, since the anchor may already be gone.
func (p *UsernsProvisioner) killAnchor(cmd *exec.Cmd) {
	pid := cmd.Process.Pid
	if err := cmd.Process.Kill(); err != nil {
		p.Log.Debug().Err(err).Int("pid", pid).Msg("failed to kill user namespace anchor")
	}
	// Wait returns an error for a killed process.
	err := cmd.Wait()
	p.Log.Trace().Err(err).Int("pid", pid).Msg("user namespace anchor reaped")
}

// writeIDMaps writes the uid and gid mappings of set for the process pid.
func (p *UsernsProvisioner) writeIDMaps(set *IDMapSet, pid int) error {
	// An unprivileged process must deny setgroups before it may write gid_map.
	if os.Geteuid() != 0 && set.Has(TypeGID) {
		path := procPath(pid, "setgroups")
		written, err := writeControlFile(path, []byte("deny\n"), true)
		if err != nil {
			return opError(ErrPrivilege, "deny setgroups", path, err)
		}
		if !written {
			p.Log.Debug().Str("path", path).Msg("setgroups control file does not exist")
		}
	}

	for _, t := range []IDType{TypeUID, TypeGID} {
		if !set.Has(t) {
			continue
		}
		buf, err := set.Marshal(t)
		if err != nil {
			return opError(ErrResource, fmt.Sprintf("format %s mappings", t), "", err)
		}
		path := procPath(pid, t.mapFile())
		if _, err := writeControlFile(path, buf, false); err != nil {
			return opError(ErrPrivilege, fmt.Sprintf("write %s mappings", t), path, err)
		}
		p.Log.Debug().Str("path", path).Bytes("mappings", buf).Msg("wrote mappings")
	}
	return nil
}
