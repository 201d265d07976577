package keyValStore

import (
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// DiskUsage describes the filesystem a store path lives on and how much
// of it the store takes.
type DiskUsage struct {
	Path       string
	Filesystem string
	Total      uint64
	Used       uint64
	Free       uint64
	StoreBytes int64
}

// DiskUsage reports usage for every store path. In-memory stores have
// none.
func (k *KeyValStore) DiskUsage() ([]DiskUsage, error) {
	if k.config.InMemory {
		return nil, nil
	}
	out := make([]DiskUsage, 0, len(k.config.Paths))
	for _, path := range k.config.Paths {
		u, err := usageOf(path)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func usageOf(path string) (DiskUsage, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, err
	}
	size, err := directorySize(path)
	if err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{
		Path:       path,
		Filesystem: usage.Fstype,
		Total:      usage.Total,
		Used:       usage.Used,
		Free:       usage.Free,
		StoreBytes: size,
	}, nil
}

func directorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

func (k *KeyValStore) logDiskUsage() error {
	usages, err := k.DiskUsage()
	if err != nil {
		k.log.WithError(err).Error("Error retrieving disk usage")
		return err
	}
	for _, u := range usages {
		k.log.WithFields(logrus.Fields{
			"path":        u.Path,
			"filesystem":  u.Filesystem,
			"free_bytes":  u.Free,
			"store_bytes": u.StoreBytes,
		}).Info("Disk usage")
	}
	return nil
}
