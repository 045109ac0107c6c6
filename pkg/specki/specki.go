// Package specki contains helper functions that operate
// on the id mappings of the runtime spec (specs.Spec).
package specki

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opencontainers/runtime-spec/specs-go"
)

// UnmapContainerID returns the host ID the given container ID
// is mapped to by the given idmaps. The first matching idmap wins.
// The returned id will be equal to the given id
// if it is not mapped by the given idmaps.
func UnmapContainerID(id uint32, idmaps []specs.LinuxIDMapping) uint32 {
	for _, idmap := range idmaps {
		if idmap.Size < 1 {
			continue
		}
		// compare the offset to avoid an overflow of ContainerID + Size
		if id >= idmap.ContainerID && id-idmap.ContainerID < idmap.Size {
			return idmap.HostID + (id - idmap.ContainerID)
		}
	}
	return id
}

// DecodeJSONFile reads the next JSON-encoded value from
// the file with the given filename and stores it in the value pointed to by v.
func DecodeJSONFile(filename string, v interface{}) error {
	// #nosec
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	// #nosec
	err = json.NewDecoder(f).Decode(v)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to decode JSON from %s: %w", filename, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", filename, err)
	}
	return nil
}

// ReadSpecJSON reads the JSON encoded OCI
// spec from the given path.
func ReadSpecJSON(p string) (*specs.Spec, error) {
	spec := new(specs.Spec)
	err := DecodeJSONFile(p, spec)
	return spec, err
}

// IDMappings returns the uid and gid mappings of the given spec.
// Both are nil if the spec has no linux section.
func IDMappings(spec *specs.Spec) (uidMappings []specs.LinuxIDMapping, gidMappings []specs.LinuxIDMapping) {
	if spec == nil || spec.Linux == nil {
		return nil, nil
	}
	return spec.Linux.UIDMappings, spec.Linux.GIDMappings
}
