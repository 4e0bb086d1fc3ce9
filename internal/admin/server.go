package admin

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/logging"
	"github.com/wudi/restgate/internal/plugin"
)

// Backend is the gateway surface the control plane drives. Implemented by
// internal/gateway.
type Backend interface {
	Version() string
	Shutdown()

	GenUserToken(username, acl string) (string, error)
	GenAppToken(table, acl string) (string, error)

	ConfigJSON() ([]byte, error)
	RulesJSON() ([]byte, error)
	NodeInfo(routeOrTable, routeType string) ([]byte, error)
	RequestLog(id string) ([]byte, bool)
	RoutesText() string

	Reload() error
	ValidateConfig() error
	BuildFromDB(dbType, connection, routePrefix string) ([]byte, error)

	LoadPlugin(name string) error
	UnloadPlugin(name string) error
	ReloadPlugin(name string) error
	ReloadAllPlugins() error
	Plugins() []plugin.Info
	AvailablePlugins() []string
	ActionNames() []string
}

const lockPrefix = "config-lock:"

// Server is the TCP admin control plane: newline-delimited commands, free
// textual responses. Config-lock commands run on their own Redis client so
// they never contend with the event queue's connection.
type Server struct {
	addr    string
	backend Backend
	locks   *redis.Client

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// New creates an admin server. locks may be nil when Redis is not
// configured; lock commands then report unavailability.
func New(addr string, backend Backend, locks *redis.Client) *Server {
	return &Server{
		addr:    addr,
		backend: backend,
		locks:   locks,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins accepting connections. Returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)
	logging.Info("admin control plane listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, for tests using port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and all live connections.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				logging.Warn("admin accept failed", zap.Error(err))
			}
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		if cmd == "exit" {
			fmt.Fprintln(conn, "bye")
			return
		}

		reply := s.dispatch(cmd, args)
		if !strings.HasSuffix(reply, "\n") {
			reply += "\n"
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(cmd string, args []string) string {
	switch cmd {
	case "version":
		return s.backend.Version()

	case "shutdown":
		go s.backend.Shutdown()
		return "shutting down"

	case "userGenToken":
		if len(args) < 2 {
			return "usage: userGenToken <username> <acl>"
		}
		token, err := s.backend.GenUserToken(args[0], args[1])
		if err != nil {
			return "error: " + err.Error()
		}
		return token

	case "appGenToken":
		if len(args) < 2 {
			return "usage: appGenToken <table> <acl>"
		}
		token, err := s.backend.GenAppToken(args[0], args[1])
		if err != nil {
			return "error: " + err.Error()
		}
		return token

	case "showConfig":
		data, err := s.backend.ConfigJSON()
		if err != nil {
			return "error: " + err.Error()
		}
		return string(data)

	case "showRules":
		data, err := s.backend.RulesJSON()
		if err != nil {
			return "error: " + err.Error()
		}
		return string(data)

	case "nodeInfo":
		if len(args) < 2 {
			return "usage: nodeInfo <route|table> <routeType>"
		}
		data, err := s.backend.NodeInfo(args[0], args[1])
		if err != nil {
			return "error: " + err.Error()
		}
		return string(data)

	case "configReload":
		if err := s.backend.Reload(); err != nil {
			return "reload failed: " + err.Error()
		}
		return "reloaded"

	case "validate-config":
		if err := s.backend.ValidateConfig(); err != nil {
			return "invalid: " + err.Error()
		}
		return "valid"

	case "buildConfig":
		if len(args) < 2 {
			return "usage: buildConfig <dbType> <connection> [routePrefix]"
		}
		prefix := "/"
		if len(args) > 2 {
			prefix = args[2]
		}
		data, err := s.backend.BuildFromDB(args[0], args[1], prefix)
		if err != nil {
			return "error: " + err.Error()
		}
		return string(data)

	case "load", "unload", "reload":
		if len(args) < 1 {
			return "usage: " + cmd + " <plugin>"
		}
		var err error
		switch cmd {
		case "load":
			err = s.backend.LoadPlugin(args[0])
		case "unload":
			err = s.backend.UnloadPlugin(args[0])
		case "reload":
			err = s.backend.ReloadPlugin(args[0])
		}
		if err != nil {
			return "error: " + err.Error()
		}
		return "ok"

	case "reloadall":
		if err := s.backend.ReloadAllPlugins(); err != nil {
			return "error: " + err.Error()
		}
		return "ok"

	case "list":
		names := s.backend.AvailablePlugins()
		if len(names) == 0 {
			return "(none)"
		}
		return strings.Join(names, "\n")

	case "listPlugins":
		infos := s.backend.Plugins()
		if len(infos) == 0 {
			return "(none)"
		}
		lines := make([]string, len(infos))
		for i, p := range infos {
			lines[i] = fmt.Sprintf("%s %s routes=%d actions=%d",
				p.Name, p.Version, p.Routes, p.Actions)
		}
		return strings.Join(lines, "\n")

	case "listActions":
		names := s.backend.ActionNames()
		if len(names) == 0 {
			return "(none)"
		}
		return strings.Join(names, "\n")

	case "routes":
		return s.backend.RoutesText()

	case "requestLog":
		if len(args) < 1 {
			return "usage: requestLog <id>"
		}
		data, ok := s.backend.RequestLog(args[0])
		if !ok {
			return "not found"
		}
		return string(data)

	case "unlock":
		if len(args) < 1 {
			return "usage: unlock <file>"
		}
		return s.unlock(args[0])

	case "permalock":
		if len(args) < 2 {
			return "usage: permalock <file> <user>"
		}
		return s.permalock(args[0], args[1])

	case "listlocks":
		return s.listLocks()

	case "help":
		return helpText

	default:
		return "unknown command: " + cmd + " (try help)"
	}
}

func (s *Server) lockCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func (s *Server) unlock(file string) string {
	if s.locks == nil {
		return "locks unavailable: no redis"
	}
	ctx, cancel := s.lockCtx()
	defer cancel()
	n, err := s.locks.Del(ctx, lockPrefix+file).Result()
	if err != nil {
		return "error: " + err.Error()
	}
	if n == 0 {
		return "no lock on " + file
	}
	return "unlocked " + file
}

func (s *Server) permalock(file, user string) string {
	if s.locks == nil {
		return "locks unavailable: no redis"
	}
	ctx, cancel := s.lockCtx()
	defer cancel()
	// Permanent lock: no TTL, held until an explicit unlock.
	if err := s.locks.Set(ctx, lockPrefix+file, user, 0).Err(); err != nil {
		return "error: " + err.Error()
	}
	return "locked " + file + " for " + user
}

func (s *Server) listLocks() string {
	if s.locks == nil {
		return "locks unavailable: no redis"
	}
	ctx, cancel := s.lockCtx()
	defer cancel()

	var lines []string
	var cursor uint64
	for {
		keys, next, err := s.locks.Scan(ctx, cursor, lockPrefix+"*", 100).Result()
		if err != nil {
			return "error: " + err.Error()
		}
		for _, key := range keys {
			holder, err := s.locks.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			lines = append(lines, strings.TrimPrefix(key, lockPrefix)+" -> "+holder)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(lines) == 0 {
		return "(none)"
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

const helpText = `commands:
  version                         server version
  shutdown                        graceful shutdown
  userGenToken <username> <acl>   issue a user JWT
  appGenToken <table> <acl>       issue an app JWT
  showConfig                      active config as JSON
  showRules                       active ruleset as JSON
  nodeInfo <route|table> <type>   descriptor detail as JSON
  configReload                    reload config and rules
  validate-config                 dry-run config load
  buildConfig <dbType> <conn> [prefix]  descriptors from a live schema
  load|unload|reload <plugin>     plugin lifecycle
  reloadall                       reload every loaded plugin
  list                            plugins available on disk
  listPlugins                     loaded plugins
  listActions                     registered rule actions
  routes                          active route table
  requestLog <id>                 one request record as JSON
  unlock <file>                   drop a config lock
  permalock <file> <user>         hold a config lock without TTL
  listlocks                       list config locks
  help                            this text
  exit                            close the connection`
