// Package numatopology discovers NUMA node (socket) layout from sysfs at
// startup. Core ranges are never hard-coded; every socket→core mapping is
// derived here, once, and handed to the rest of the controller.
package numatopology

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/isoctl/isoctl/internal/isoerr"
)

const nodeRoot = "/sys/devices/system/node"

// Node describes one NUMA node (treated as one socket).
type Node struct {
	ID        int
	HasMemory bool
	Cores     []int // sorted, ascending
}

// Topology is the discovered set of online NUMA nodes, including nodes
// without memory (see Node.HasMemory).
type Topology struct {
	Nodes []Node
}

// Discover reads /sys/devices/system/node at process start. Any I/O failure
// here is host-structural: the controller cannot run without a topology.
func Discover() (*Topology, error) {
	return discoverAt(nodeRoot)
}

func discoverAt(root string) (*Topology, error) {
	onlineIDs, err := readNodeList(filepath.Join(root, "online"))
	if err != nil {
		return nil, isoerr.Host(fmt.Errorf("reading online nodes: %w", err))
	}

	t := &Topology{}
	for _, id := range onlineIDs {
		nodeDir := filepath.Join(root, fmt.Sprintf("node%d", id))

		hasMemory := false
		if _, err := os.Stat(filepath.Join(nodeDir, "has_memory")); err == nil {
			hasMemory = true
		} else if !os.IsNotExist(err) {
			return nil, isoerr.Host(fmt.Errorf("stat has_memory for node%d: %w", id, err))
		}

		cores, err := readNodeList(filepath.Join(nodeDir, "cpulist"))
		if err != nil {
			return nil, isoerr.Host(fmt.Errorf("reading cpulist for node%d: %w", id, err))
		}

		t.Nodes = append(t.Nodes, Node{ID: id, HasMemory: hasMemory, Cores: cores})
	}

	if len(t.Nodes) == 0 {
		return nil, isoerr.Host(fmt.Errorf("no online NUMA nodes found under %s", root))
	}
	return t, nil
}

// NodeByID returns the node with the given ID, or false if absent.
func (t *Topology) NodeByID(id int) (Node, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// SocketCores returns the full core list for a socket ID, the set against
// which Workload.CurrentCores is validated to be a subset.
func (t *Topology) SocketCores(socket int) ([]int, error) {
	n, ok := t.NodeByID(socket)
	if !ok {
		return nil, fmt.Errorf("unknown socket %d", socket)
	}
	return n.Cores, nil
}

// readNodeList parses a kernel list-format file, e.g. "0-3,7,9-11".
func readNodeList(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var line string
	if scanner.Scan() {
		line = strings.TrimSpace(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ParseList(line)
}

// ParseList parses the kernel's list format ("0-3,7,9-11") into a sorted
// slice of ints.
func ParseList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err := strconv.Atoi(part[:dash])
			if err != nil {
				return nil, fmt.Errorf("parsing range %q: %w", part, err)
			}
			hi, err := strconv.Atoi(part[dash+1:])
			if err != nil {
				return nil, fmt.Errorf("parsing range %q: %w", part, err)
			}
			for v := lo; v <= hi; v++ {
				out = append(out, v)
			}
		} else {
			v, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("parsing value %q: %w", part, err)
			}
			out = append(out, v)
		}
	}
	return out, nil
}
