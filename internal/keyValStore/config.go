package keyValStore

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
)

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}

	if len(sc.Paths) == 0 {
		return errors.New("keyValStore: no path configured")
	}

	path := sc.Paths[0] // Currently only the first path is utilized
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("keyValStore: path %s does not exist", path)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("keyValStore: %s is not a directory", path)
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("keyValStore: disk usage of %s: %w", path, err)
	}

	availableSpaceInGB := usage.Free / (1024 * 1024 * 1024)
	if int(availableSpaceInGB) < sc.MinimumFreeSpace {
		return fmt.Errorf("keyValStore: %d GB free on %s, need %d", availableSpaceInGB, path, sc.MinimumFreeSpace)
	}

	return nil
}
