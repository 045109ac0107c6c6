package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	idmapped "github.com/lxc/mount-idmapped"
	"github.com/lxc/mount-idmapped/pkg/log"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const ociSpec = `{
  "ociVersion": "1.0.2",
  "linux": {
    "uidMappings": [{"containerID": 0, "hostID": 200000, "size": 65536}],
    "gidMappings": [
      {"containerID": 0, "hostID": 200000, "size": 1000},
      {"containerID": 1000, "hostID": 1000, "size": 1}
    ]
  }
}`

func writeFile(t *testing.T, name string, content string) string {
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0640))
	return p
}

func TestCollectIDMaps(t *testing.T) {
	set, err := collectIDMaps([]string{"b:0:100000:65536", "u:1000:1000:1"}, "")
	require.NoError(t, err)
	require.Equal(t, "u:0:100000:65536,g:0:100000:65536,u:1000:1000:1", set.String())

	set, err = collectIDMaps(nil, "")
	require.NoError(t, err)
	require.True(t, set.Empty())

	_, err = collectIDMaps([]string{"b:0:100000:65536", "x:0:0:1"}, "")
	require.ErrorIs(t, err, idmapped.ErrUsage)
}

func TestCollectIDMaps_spec(t *testing.T) {
	p := writeFile(t, "config.json", ociSpec)

	set, err := collectIDMaps([]string{"u:1:1:1"}, p)
	require.NoError(t, err)
	// spec mappings are appended after the command line mappings
	require.Equal(t, "u:1:1:1,u:0:200000:65536,g:0:200000:1000,g:1000:1000:1", set.String())

	_, err = collectIDMaps(nil, filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, idmapped.ErrUsage)
}

func TestUsernsexecArgs(t *testing.T) {
	exe := writeFile(t, "lxc-usernsexec", "#!/bin/sh\n")
	require.NoError(t, os.Chmod(exe, 0750))

	cfg := executables{UsernsExec: exe, Shell: "bash"}
	argv, err := usernsexecArgs(cfg, "b:0:100000:65536", nil)
	require.NoError(t, err)
	require.Equal(t, []string{exe, "-m", "b:0:100000:65536", "--", "bash"}, argv)

	argv, err = usernsexecArgs(cfg, "u:0:1000:1", []string{"ls", "-l", "/mnt"})
	require.NoError(t, err)
	require.Equal(t, []string{exe, "-m", "u:0:1000:1", "--", "ls", "-l", "/mnt"}, argv)

	cfg.UsernsExec = filepath.Join(t.TempDir(), "missing")
	_, err = usernsexecArgs(cfg, "u:0:1000:1", nil)
	require.ErrorIs(t, err, idmapped.ErrResource)
}

func TestPrintPlan(t *testing.T) {
	set, err := collectIDMaps([]string{"b:0:100000:65536"}, "")
	require.NoError(t, err)
	attrs, err := idmapped.ParseMountAttrs("ro")
	require.NoError(t, err)

	var buf bytes.Buffer
	err = printPlan(&buf, "/src", "/dst", set, attrs, true, []string{"/usr/bin/lxc-usernsexec", "-m", "b:0:0:1", "--", "bash"})
	require.NoError(t, err)
	require.Equal(t, `idmaps: 2
uid_map:
0 100000 65536
uid 0 is host uid 100000
gid_map:
0 100000 65536
gid 0 is host gid 100000
open_tree /src (recursive)
mount_setattr idmap=true set=0x1 clr=0x0
move_mount /dst
exec /usr/bin/lxc-usernsexec -m b:0:0:1 -- bash
`, buf.String())

	buf.Reset()
	err = printPlan(&buf, "/src", "/dst", &idmapped.IDMapSet{}, idmapped.MountAttrs{}, false, nil)
	require.NoError(t, err)
	require.Equal(t, "idmaps: 0\nopen_tree /src\nmove_mount /dst\n", buf.String())

	// root of the namespace is not mapped
	set, err = collectIDMaps([]string{"u:1000:1000:1"}, "")
	require.NoError(t, err)
	buf.Reset()
	err = printPlan(&buf, "/src", "/dst", set, idmapped.MountAttrs{}, false, nil)
	require.NoError(t, err)
	require.Equal(t, `idmaps: 1
uid_map:
1000 1000 1
uid 0 is not mapped
open_tree /src
mount_setattr idmap=true set=0x0 clr=0x0
move_mount /dst
`, buf.String())
}

func TestLoadConfigFile(t *testing.T) {
	p := writeFile(t, "config.yaml", `
LogConfig:
  Level: debug
  File: /var/log/mount-idmapped.log
Executables:
  UsernsExec: /usr/local/bin/lxc-usernsexec
`)
	a := defaultApp
	require.NoError(t, a.loadConfigFile(p, false))
	require.Equal(t, "debug", a.LogConfig.Level)
	require.Equal(t, "/var/log/mount-idmapped.log", a.LogConfig.File)
	require.True(t, a.LogConfig.Console)
	require.Equal(t, "/usr/local/bin/lxc-usernsexec", a.Executables.UsernsExec)
	require.Equal(t, "bash", a.Executables.Shell)

	missing := filepath.Join(t.TempDir(), "missing.yaml")
	a = defaultApp
	require.NoError(t, a.loadConfigFile(missing, true))
	require.Error(t, a.loadConfigFile(missing, false))

	invalid := writeFile(t, "invalid.yaml", "LogConfig: [")
	require.Error(t, a.loadConfigFile(invalid, false))
}

func TestShowConfig(t *testing.T) {
	var buf bytes.Buffer
	a := defaultApp
	require.NoError(t, doShowConfig(&buf, &a))
	require.Contains(t, buf.String(), "UsernsExec: lxc-usernsexec")
	require.Contains(t, buf.String(), "Level: warn")
	require.NotContains(t, buf.String(), "Anchor")
}

func TestReportError(t *testing.T) {
	err := fmt.Errorf("failed to attach mount to /mnt: %w", os.ErrNotExist)

	// console logging shares stderr with the diagnostic
	var stderr bytes.Buffer
	a := defaultApp
	a.Log = zerolog.New(zerolog.ConsoleWriter{Out: &stderr, NoColor: true}).Level(zerolog.WarnLevel)
	require.Equal(t, 1, a.reportError(&stderr, err, time.Second))
	require.Equal(t, "failed to attach mount to /mnt: file does not exist\n", stderr.String())

	// the file logger keeps the error record
	var logFile bytes.Buffer
	stderr.Reset()
	a.LogConfig.Console = false
	a.Log = log.NewLogger(&logFile, zerolog.WarnLevel).Logger()
	require.Equal(t, 1, a.reportError(&stderr, err, time.Second))
	require.Equal(t, "failed to attach mount to /mnt: file does not exist\n", stderr.String())
	require.Contains(t, logFile.String(), `"m":"cmd failed"`)
	require.Contains(t, logFile.String(), `"l":"error"`)
}
