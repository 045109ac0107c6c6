package idmapped

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// writeNointr writes buf to fd with a single write(2),
// which is retried only if it was interrupted.
func writeNointr(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// writeControlFile opens the (kernel) control file at path and writes buf
// with a single write(2). Short writes are an error.
// Returned errors do not include the path, callers name it.
// If tolerateMissing is true and the file does not exist, nothing is written
// and written is false.
func writeControlFile(path string, buf []byte, tolerateMissing bool) (written bool, err error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC|unix.O_NOCTTY|unix.O_NOFOLLOW, 0)
	if err != nil {
		if tolerateMissing && err == unix.ENOENT {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to open")
	}
	// #nosec
	defer unix.Close(fd)

	n, err := writeNointr(fd, buf)
	if err != nil {
		return false, errors.Wrap(err, "failed to write")
	}
	if n != len(buf) {
		return false, errors.Wrapf(unix.EIO, "short write (%d of %d bytes)", n, len(buf))
	}
	return true, nil
}

// waitStopped waits until the process with the given pid is stopped by a signal.
// An error is returned if the process terminated instead.
func waitStopped(pid int) error {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, unix.WUNTRACED, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "failed to wait for process %d", pid)
		}
		break
	}
	if ws.Stopped() {
		return nil
	}
	if ws.Exited() {
		return errors.Errorf("process %d exited with status %d before it stopped", pid, ws.ExitStatus())
	}
	if ws.Signaled() {
		return errors.Errorf("process %d was terminated by signal %s before it stopped", pid, ws.Signal())
	}
	return errors.Errorf("unexpected wait status %#x for process %d", uint32(ws), pid)
}

// kernelMountAPI calls the new mount API of the running kernel.
type kernelMountAPI struct{}

func (kernelMountAPI) OpenTree(dirfd int, path string, flags uint) (int, error) {
	return unix.OpenTree(dirfd, path, flags)
}

func (kernelMountAPI) MountSetattr(dirfd int, path string, flags uint, attr *unix.MountAttr) error {
	return unix.MountSetattr(dirfd, path, flags, attr)
}

func (kernelMountAPI) MoveMount(fromDirfd int, fromPath string, toDirfd int, toPath string, flags int) error {
	return unix.MoveMount(fromDirfd, fromPath, toDirfd, toPath, flags)
}

func (kernelMountAPI) Close(fd int) error {
	return unix.Close(fd)
}

// KernelSupportsIDMappedMounts returns true if the running kernel
// supports idmapped mounts. A clone of the root mount is shifted with
// an O_PATH file descriptor for /dev/null as user namespace.
// Kernels that know MOUNT_ATTR_IDMAP reject this with EBADF.
func KernelSupportsIDMappedMounts() bool {
	tree, err := unix.OpenTree(unix.AT_FDCWD, "/", unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC)
	if err != nil {
		return false
	}
	defer unix.Close(tree)

	devnull, err := os.OpenFile("/dev/null", unix.O_PATH|unix.O_CLOEXEC|unix.O_NOFOLLOW|unix.O_NOCTTY, 0)
	if err != nil {
		return false
	}
	defer devnull.Close()

	attr := unix.MountAttr{
		Attr_set:  unix.MOUNT_ATTR_IDMAP,
		Userns_fd: uint64(devnull.Fd()),
	}
	err = unix.MountSetattr(tree, "", unix.AT_EMPTY_PATH, &attr)
	return err == unix.EBADF
}
