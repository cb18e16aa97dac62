// Package catalog reads the exchange instrument universe from a shared-memory
// segment maintained by the upstream data recorder. The segment holds a record
// count followed by fixed-size NUL-padded instrument keys; the catalog attaches
// read-only and never mutates it.
package catalog

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	headerSize = 8
	keySize    = 32

	// Size of a freshly created segment when no recorder has run yet.
	createSize = 32 * 1024 * 1024
)

var shmDir = "/dev/shm"

// Catalog is the read-only instrument universe. Instruments are loaded once at
// attach time; all lookups are pure.
type Catalog struct {
	instruments []string
	data        []byte
	empty       bool
}

// Attach opens the named POSIX shared-memory segment in open-only mode. If the
// segment does not exist a fresh one of fixed size is created and the catalog
// serves an empty map; that is not a fatal condition.
func Attach(name string) (*Catalog, error) {
	return attachPath(filepath.Join(shmDir, name))
}

func attachPath(path string) (*Catalog, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		logrus.Warnf("failed to attach instrument catalog at %s: %v", path, err)
		return createEmpty(path)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat catalog segment: %w", err)
	}
	if st.Size < headerSize {
		logrus.Warn("instrument catalog segment too small, serving empty map")
		return &Catalog{empty: true}, nil
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap catalog segment: %w", err)
	}

	c := &Catalog{data: data}
	c.load()
	logrus.WithField("instruments", len(c.instruments)).Info("attached to instrument catalog")

	return c, nil
}

func createEmpty(path string) (*Catalog, error) {
	logrus.Infof("creating new instrument catalog segment at %s", path)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		logrus.Warnf("failed to create catalog segment: %v", err)
		return &Catalog{empty: true}, nil
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, createSize); err != nil {
		logrus.Warnf("failed to size catalog segment: %v", err)
	}

	return &Catalog{empty: true}, nil
}

// load decodes the record count and the fixed-size keys. Keys are trimmed at
// the first NUL; records carrying non-printable bytes before the first NUL are
// skipped rather than truncated.
func (c *Catalog) load() {
	count := binary.LittleEndian.Uint32(c.data[:4])
	maxRecords := uint32((len(c.data) - headerSize) / keySize)
	if count > maxRecords {
		logrus.Warnf("catalog header claims %d records, segment holds %d; clamping", count, maxRecords)
		count = maxRecords
	}

	seen := make(map[string]struct{}, count)
	for i := uint32(0); i < count; i++ {
		off := headerSize + int(i)*keySize
		key, ok := trimKey(c.data[off : off+keySize])
		if !ok || key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		c.instruments = append(c.instruments, key)
	}

	// The map's natural ordering is byte order on the fixed-length key.
	sort.Strings(c.instruments)
}

func trimKey(raw []byte) (string, bool) {
	end := len(raw)
	for i, b := range raw {
		if b == 0 {
			end = i
			break
		}
		if b < 0x20 || b > 0x7e {
			return "", false
		}
	}

	return string(raw[:end]), true
}

// Instruments returns every known instrument in natural order.
func (c *Catalog) Instruments() []string {
	out := make([]string, len(c.instruments))
	copy(out, c.instruments)
	return out
}

// Search returns instruments whose symbol contains pattern, case-insensitive.
func (c *Catalog) Search(pattern string) []string {
	needle := strings.ToLower(pattern)
	matches := make([]string, 0)
	for _, ins := range c.instruments {
		if strings.Contains(strings.ToLower(ins), needle) {
			matches = append(matches, ins)
		}
	}

	return matches
}

func (c *Catalog) Len() int {
	return len(c.instruments)
}

// Close unmaps the segment. Release order: mapping first, then the catalog
// pointer is dead; the fd was closed at attach time.
func (c *Catalog) Close() error {
	if c.data == nil {
		return nil
	}

	data := c.data
	c.data = nil
	c.instruments = nil
	return unix.Munmap(data)
}
