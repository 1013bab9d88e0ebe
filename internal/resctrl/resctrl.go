// Package resctrl adapts the Linux resctrl filesystem (LLC / CAT
// partitioning) for the LLC isolator. It mirrors the original CAT helper's
// shape: read the mask bounds once at startup, expose pure mask-generation
// helpers, and write schemata/tasks files as thin, checked I/O.
package resctrl

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/isoctl/isoctl/internal/isoerr"
)

// MountPoint is the standard resctrl mount point.
const MountPoint = "/sys/fs/resctrl"

// resctrlMagic is the RDTGROUP_SUPER_MAGIC superblock magic number.
const resctrlMagic = 0x01021994

// Info holds the LLC mask bounds read once from info/L3 at startup.
type Info struct {
	MinBits int
	MaxBits int // total bit-width of the CBM
}

// Discover verifies resctrl is mounted and reads the CBM bit-width bounds.
// A missing mount or unreadable info file is host-structural.
func Discover() (*Info, error) {
	return discoverAt(MountPoint)
}

func discoverAt(mountPoint string) (*Info, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(mountPoint, &stat); err != nil {
		return nil, isoerr.Host(fmt.Errorf("statfs %s: %w (mount with: mount -t resctrl resctrl %s)", mountPoint, err, mountPoint))
	}
	if int64(stat.Type) != resctrlMagic {
		return nil, isoerr.Host(fmt.Errorf("%s is not a resctrl mount (magic=0x%x, expected=0x%x)", mountPoint, stat.Type, resctrlMagic))
	}

	minBits, err := readHexBitCount(filepath.Join(mountPoint, "info", "L3", "min_cbm_bits"), false)
	if err != nil {
		return nil, isoerr.Host(fmt.Errorf("reading min_cbm_bits: %w", err))
	}
	maxBits, err := readHexBitCount(filepath.Join(mountPoint, "info", "L3", "cbm_mask"), true)
	if err != nil {
		return nil, isoerr.Host(fmt.Errorf("reading cbm_mask: %w", err))
	}
	return &Info{MinBits: minBits, MaxBits: maxBits}, nil
}

// readHexBitCount reads a one-line file; if isMask, the value is a hex
// bitmask and the bit-width of the mask is returned; otherwise the value
// is parsed as a plain decimal count.
func readHexBitCount(path string, isMask bool) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line := strings.TrimSpace(string(data))
	if !isMask {
		return strconv.Atoi(line)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(line, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing mask %q: %w", line, err)
	}
	bits := 0
	for v != 0 {
		bits++
		v >>= 1
	}
	return bits, nil
}

// GenMask builds a contiguous bitmask occupying bits [start, end). A zero
// result means no bits selected (used for a fully-yielded isolator step).
func GenMask(start, end int) uint64 {
	if end <= start {
		return 0
	}
	return ((uint64(1) << uint(end-start)) - 1) << uint(start)
}

// FullMask returns the all-ones mask spanning the full CBM width, written
// to a socket that is not currently being isolated.
func (i *Info) FullMask() uint64 {
	return GenMask(0, i.MaxBits)
}

// Group is one resctrl control group directory (one per isolated Policy).
type Group struct {
	Name string
	base string
}

// NewGroup creates the control group directory under the resctrl mount.
func NewGroup(name string) (*Group, error) {
	path := filepath.Join(MountPoint, name)
	if err := os.Mkdir(path, 0o755); err != nil && !os.IsExist(err) {
		return nil, isoerr.Host(fmt.Errorf("creating resctrl group %s: %w", name, err))
	}
	return &Group{Name: name, base: path}, nil
}

// NewGroupAt wraps an already-existing directory as a Group, bypassing
// the resctrl mount point. Exported for tests that exercise schemata/
// tasks I/O against a temp directory instead of a real resctrl mount.
func NewGroupAt(path string) (*Group, error) {
	return &Group{Name: filepath.Base(path), base: path}, nil
}

// Remove deletes the control group directory.
func (g *Group) Remove() error {
	if err := os.Remove(g.base); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing resctrl group %s: %w", g.Name, err)
	}
	return nil
}

// AddTask assigns a PID to this group. ESRCH (process gone) is transient.
func (g *Group) AddTask(pid int) error {
	err := os.WriteFile(filepath.Join(g.base, "tasks"), []byte(strconv.Itoa(pid)), 0o644)
	if err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such process") {
			return isoerr.Transient(err)
		}
		return fmt.Errorf("writing tasks for group %s: %w", g.Name, err)
	}
	return nil
}

// SocketMask pairs a socket ID with the mask to assign it.
type SocketMask struct {
	Socket int
	Mask   uint64
}

// WriteSchemata writes the L3 schemata line, one mask per socket, e.g.
// "L3:0=ff00;1=ff" (masks in hex, without leading zeros).
func (g *Group) WriteSchemata(masks []SocketMask) error {
	parts := make([]string, 0, len(masks))
	for _, m := range masks {
		parts = append(parts, fmt.Sprintf("%d=%x", m.Socket, m.Mask))
	}
	line := "L3:" + strings.Join(parts, ";") + "\n"
	if err := os.WriteFile(filepath.Join(g.base, "schemata"), []byte(line), 0o644); err != nil {
		return fmt.Errorf("writing schemata for group %s: %w", g.Name, err)
	}
	return nil
}
