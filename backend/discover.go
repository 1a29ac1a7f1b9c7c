package backend

import (
	"fmt"
	"path"
	"strconv"
)

// StoreDiscoverer is the default discovery strategy: enumerate live domains
// from the store and report every device instance of the engine's class whose
// frontend has announced itself by writing its state node, the presence
// marker.
type StoreDiscoverer struct {
	Store interface {
		ReadDirectory(path string) ([]string, error)
		DomainPath(domID uint32) (string, error)
		Exists(path string) bool
	}
	DeviceClass string
}

// Candidates implements Discoverer.
func (d *StoreDiscoverer) Candidates() ([]Key, error) {
	dom0Path, err := d.Store.DomainPath(0)
	if err != nil {
		return nil, fmt.Errorf("backend: discover: resolve domain root: %w", err)
	}
	domains, err := d.Store.ReadDirectory(path.Dir(dom0Path))
	if err != nil {
		return nil, fmt.Errorf("backend: discover: list domains: %w", err)
	}

	var keys []Key
	for _, name := range domains {
		domID, err := strconv.ParseUint(name, 10, 32)
		if err != nil || domID == 0 {
			continue
		}
		domPath, err := d.Store.DomainPath(uint32(domID))
		if err != nil {
			continue
		}
		classPath := domPath + "/device/" + d.DeviceClass
		devices, err := d.Store.ReadDirectory(classPath)
		if err != nil {
			continue
		}
		for _, dev := range devices {
			devID, err := strconv.ParseUint(dev, 10, 16)
			if err != nil {
				continue
			}
			if !d.Store.Exists(classPath + "/" + dev + "/" + nodeState) {
				continue
			}
			keys = append(keys, Key{DomID: uint32(domID), DevID: uint16(devID)})
		}
	}
	return keys, nil
}
