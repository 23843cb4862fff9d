package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Storage locations.
const (
	PlatformRecordsBase = "https://api.apify.com/v2/key-value-stores"
	DefaultStorageDir   = "storage"
	LegacyStorageDir    = "crawlee_storage"
	KeyValueStoresDir   = "key_value_stores"
	DefaultStoreName    = "default"
)

// locations holds the record URL templates. The local storage directory is
// resolved once, on first use.
type locations struct {
	workDir     string
	explicitDir string

	once     sync.Once
	localDir string
}

func newLocations(workDir, explicitDir string) *locations {
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		workDir = wd
	}
	return &locations{workDir: workDir, explicitDir: strings.TrimSpace(explicitDir)}
}

// storageDir returns the absolute storage root for local runs.
func (l *locations) storageDir() string {
	l.once.Do(func() {
		dir := l.explicitDir
		if dir == "" {
			dir = DefaultStorageDir
			if dirExists(filepath.Join(l.workDir, LegacyStorageDir)) {
				dir = LegacyStorageDir
			}
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(l.workDir, dir)
		}
		l.localDir = filepath.Clean(dir)
	})
	return l.localDir
}

// localBase is the file:// prefix of every local record URL.
func (l *locations) localBase() string {
	return "file://" + filepath.ToSlash(filepath.Join(l.storageDir(), KeyValueStoresDir))
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
