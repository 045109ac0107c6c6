package specki

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"
)

func TestUnmapContainerID(t *testing.T) {
	idmaps := []specs.LinuxIDMapping{
		{ContainerID: 0, HostID: 100000, Size: 1000},
		{ContainerID: 0, HostID: 500000, Size: 1000},
		{ContainerID: 2000, HostID: 200000, Size: 0},
		{ContainerID: 4294967290, HostID: 10, Size: 6},
	}

	require.Equal(t, uint32(100000), UnmapContainerID(0, idmaps))
	require.Equal(t, uint32(100999), UnmapContainerID(999, idmaps))
	// not mapped
	require.Equal(t, uint32(1000), UnmapContainerID(1000, idmaps))
	// zero sized mappings are ignored
	require.Equal(t, uint32(2000), UnmapContainerID(2000, idmaps))
	require.Equal(t, uint32(15), UnmapContainerID(4294967295, idmaps))
}

func TestReadSpecJSON(t *testing.T) {
	tmpdir := t.TempDir()
	p := filepath.Join(tmpdir, "config.json")

	data := `{
  "ociVersion": "1.0.2",
  "linux": {
    "uidMappings": [{"containerID": 0, "hostID": 100000, "size": 65536}],
    "gidMappings": [{"containerID": 0, "hostID": 200000, "size": 65536}, {"containerID": 65536, "hostID": 5, "size": 1}]
  }
}`
	require.NoError(t, os.WriteFile(p, []byte(data), 0640))

	spec, err := ReadSpecJSON(p)
	require.NoError(t, err)

	uidMappings, gidMappings := IDMappings(spec)
	require.Equal(t, []specs.LinuxIDMapping{{ContainerID: 0, HostID: 100000, Size: 65536}}, uidMappings)
	require.Len(t, gidMappings, 2)
	require.Equal(t, uint32(5), gidMappings[1].HostID)
}

func TestReadSpecJSON_invalid(t *testing.T) {
	tmpdir := t.TempDir()
	p := filepath.Join(tmpdir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte("{"), 0640))

	_, err := ReadSpecJSON(p)
	require.Error(t, err)

	_, err = ReadSpecJSON(filepath.Join(tmpdir, "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestIDMappings_noLinux(t *testing.T) {
	uidMappings, gidMappings := IDMappings(&specs.Spec{})
	require.Nil(t, uidMappings)
	require.Nil(t, gidMappings)
}
