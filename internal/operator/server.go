// Package operator serves a read/admin protocol over a Unix domain socket
// at /run/isoctl/operator.sock, one JSON object per line in, one JSON
// object per line out. Three commands: "status" (controller-wide
// snapshot), "list" (one entry per active group), and "resolorun"
// (force a named group's fg through a fresh solorun window).
//
// The socket is created 0600, owner-only: it carries no authentication of
// its own and relies on filesystem permissions plus /run's ownership.
package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/isoctl/isoctl/internal/policy"
)

const (
	DefaultSocketPath = "/run/isoctl/operator.sock"

	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Registry is the read/admin surface a Controller exposes to the operator
// socket. Controller already satisfies this: Groups is its existing
// inspection accessor, and Resolorun forces a named group's next solorun.
type Registry interface {
	Groups() []*policy.Group
	Resolorun(fgIdentifier string) error
}

// Request is one line of operator-socket input.
type Request struct {
	Cmd   string `json:"cmd"`             // "status", "list", or "resolorun"
	Group string `json:"group,omitempty"` // fg identifier, required for "resolorun"
}

// GroupEntry is one active group's snapshot, returned by "list".
type GroupEntry struct {
	FG        string   `json:"fg"`
	BGs       []string `json:"bgs"`
	Socket    int      `json:"socket"`
	Isolator  string   `json:"isolator"` // "IDLE" or a ResourceType name
	InSolorun bool     `json:"in_solorun"`
}

// Response is one line of operator-socket output.
type Response struct {
	OK           bool         `json:"ok"`
	Error        string       `json:"error,omitempty"`
	ActiveGroups int          `json:"active_groups,omitempty"`
	Groups       []GroupEntry `json:"groups,omitempty"`
}

// Server accepts connections on a Unix domain socket and dispatches each
// newline-delimited request against a Registry.
type Server struct {
	socketPath string
	registry   Registry
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer constructs a Server. socketPath is normally DefaultSocketPath;
// tests pass a temp-dir path instead.
func NewServer(socketPath string, registry Registry, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe removes any stale socket file, listens, chmods the
// socket 0600, and accepts connections until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator socket dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator socket cleanup: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator socket listen: %w", err)
	}
	defer ln.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator socket chmod: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("operator socket accept: %w", err)
			}
		}

		select {
		case s.sem <- struct{}{}:
			go func() {
				defer func() { <-s.sem }()
				s.handleConn(conn)
			}()
		default:
			_ = conn.Close()
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxRequestBytes), maxRequestBytes)

	if !scanner.Scan() {
		return
	}

	var req Request
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		resp = Response{Error: fmt.Sprintf("malformed request: %v", err)}
	} else {
		resp = s.dispatch(req)
	}

	s.writeResponse(conn, resp)
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.log.Warn("operator: response marshal failed", zap.Error(err))
		return
	}
	body = append(body, '\n')
	if _, err := conn.Write(body); err != nil {
		s.log.Warn("operator: response write failed", zap.Error(err))
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "list":
		return s.cmdList()
	case "resolorun":
		return s.cmdResolorun(req.Group)
	default:
		return Response{Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	groups := s.registry.Groups()
	return Response{OK: true, ActiveGroups: len(groups)}
}

func (s *Server) cmdList() Response {
	groups := s.registry.Groups()
	entries := make([]GroupEntry, 0, len(groups))
	for _, g := range groups {
		entries = append(entries, groupEntry(g))
	}
	return Response{OK: true, ActiveGroups: len(groups), Groups: entries}
}

func groupEntry(g *policy.Group) GroupEntry {
	bgs := make([]string, 0, len(g.BGs))
	for _, bg := range g.BGs {
		bgs = append(bgs, bg.Identifier())
	}
	isolatorName := "IDLE"
	if !g.NewIsolatorNeeded() {
		isolatorName = g.CurrentIsolator().Kind().String()
	}
	return GroupEntry{
		FG:        g.FG.Identifier(),
		BGs:       bgs,
		Socket:    g.Socket,
		Isolator:  isolatorName,
		InSolorun: g.InSolorun(),
	}
}

func (s *Server) cmdResolorun(identifier string) Response {
	if identifier == "" {
		return Response{Error: "resolorun requires a group identifier"}
	}
	if err := s.registry.Resolorun(identifier); err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true}
}
