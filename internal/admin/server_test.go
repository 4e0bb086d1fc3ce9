package admin

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wudi/restgate/internal/plugin"
)

type fakeBackend struct {
	reloads   int
	shutdowns chan struct{}
	plugins   map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{shutdowns: make(chan struct{}, 1), plugins: map[string]bool{}}
}

func (b *fakeBackend) Version() string { return "restgate test" }

func (b *fakeBackend) Shutdown() { b.shutdowns <- struct{}{} }

func (b *fakeBackend) GenUserToken(username, acl string) (string, error) {
	return "user-token-" + username + "-" + acl, nil
}

func (b *fakeBackend) GenAppToken(table, acl string) (string, error) {
	return "app-token-" + table, nil
}

func (b *fakeBackend) ConfigJSON() ([]byte, error) { return []byte(`[{"route":"/x"}]`), nil }
func (b *fakeBackend) RulesJSON() ([]byte, error)  { return []byte(`[]`), nil }

func (b *fakeBackend) NodeInfo(key, routeType string) ([]byte, error) {
	if key == "/missing" {
		return nil, fmt.Errorf("no descriptor for %s", key)
	}
	return []byte(`{"route":"` + key + `"}`), nil
}

func (b *fakeBackend) RequestLog(id string) ([]byte, bool) {
	if id == "known" {
		return []byte(`{"id":"known"}`), true
	}
	return nil, false
}

func (b *fakeBackend) RoutesText() string { return "GET /x" }

func (b *fakeBackend) Reload() error { b.reloads++; return nil }

func (b *fakeBackend) ValidateConfig() error { return nil }

func (b *fakeBackend) BuildFromDB(dbType, connection, routePrefix string) ([]byte, error) {
	if connection == "missing" {
		return nil, fmt.Errorf("unknown connection %s", connection)
	}
	return []byte(`[{"routeType":"database","route":"` + routePrefix + `users"}]`), nil
}

func (b *fakeBackend) LoadPlugin(name string) error {
	b.plugins[name] = true
	return nil
}

func (b *fakeBackend) UnloadPlugin(name string) error {
	if !b.plugins[name] {
		return fmt.Errorf("not loaded")
	}
	delete(b.plugins, name)
	return nil
}

func (b *fakeBackend) ReloadPlugin(name string) error { return nil }
func (b *fakeBackend) ReloadAllPlugins() error        { return nil }

func (b *fakeBackend) Plugins() []plugin.Info {
	var out []plugin.Info
	for name := range b.plugins {
		out = append(out, plugin.Info{Name: name, Version: "1"})
	}
	return out
}

func (b *fakeBackend) AvailablePlugins() []string { return []string{"billing"} }
func (b *fakeBackend) ActionNames() []string      { return []string{"NOW", "UUID"} }

func startServer(t *testing.T, backend Backend, locks *redis.Client) (*Server, *bufio.Reader, net.Conn) {
	t.Helper()
	srv := New("127.0.0.1:0", backend, locks)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Stop)

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, bufio.NewReader(conn), conn
}

func send(t *testing.T, conn net.Conn, r *bufio.Reader, cmd string) string {
	t.Helper()
	if _, err := fmt.Fprintln(conn, cmd); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return line[:len(line)-1]
}

func TestBasicCommands(t *testing.T) {
	backend := newFakeBackend()
	_, r, conn := startServer(t, backend, nil)

	if got := send(t, conn, r, "version"); got != "restgate test" {
		t.Errorf("version = %q", got)
	}
	if got := send(t, conn, r, "userGenToken alice publicAccess"); got != "user-token-alice-publicAccess" {
		t.Errorf("userGenToken = %q", got)
	}
	if got := send(t, conn, r, "showConfig"); got != `[{"route":"/x"}]` {
		t.Errorf("showConfig = %q", got)
	}
	if got := send(t, conn, r, "configReload"); got != "reloaded" {
		t.Errorf("configReload = %q", got)
	}
	if backend.reloads != 1 {
		t.Errorf("reloads = %d", backend.reloads)
	}
	if got := send(t, conn, r, "nodeInfo /missing database"); got != "error: no descriptor for /missing" {
		t.Errorf("nodeInfo = %q", got)
	}
	if got := send(t, conn, r, "requestLog unknown"); got != "not found" {
		t.Errorf("requestLog = %q", got)
	}
	if got := send(t, conn, r, "buildConfig sqlite main"); got != `[{"routeType":"database","route":"/users"}]` {
		t.Errorf("buildConfig = %q", got)
	}
	if got := send(t, conn, r, "buildConfig sqlite missing"); got != "error: unknown connection missing" {
		t.Errorf("buildConfig error = %q", got)
	}
	if got := send(t, conn, r, "bogus"); got != "unknown command: bogus (try help)" {
		t.Errorf("bogus = %q", got)
	}
}

func TestPluginCommands(t *testing.T) {
	backend := newFakeBackend()
	_, r, conn := startServer(t, backend, nil)

	if got := send(t, conn, r, "load billing"); got != "ok" {
		t.Fatalf("load = %q", got)
	}
	if !backend.plugins["billing"] {
		t.Error("backend did not load plugin")
	}
	if got := send(t, conn, r, "unload billing"); got != "ok" {
		t.Errorf("unload = %q", got)
	}
	if got := send(t, conn, r, "unload billing"); got != "error: not loaded" {
		t.Errorf("second unload = %q", got)
	}
	if got := send(t, conn, r, "list"); got != "billing" {
		t.Errorf("list = %q", got)
	}
}

func TestLockCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	locks := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	_, r, conn := startServer(t, newFakeBackend(), locks)

	if got := send(t, conn, r, "listlocks"); got != "(none)" {
		t.Errorf("listlocks = %q", got)
	}
	if got := send(t, conn, r, "permalock endpoints.json alice"); got != "locked endpoints.json for alice" {
		t.Errorf("permalock = %q", got)
	}
	if got := send(t, conn, r, "listlocks"); got != "endpoints.json -> alice" {
		t.Errorf("listlocks = %q", got)
	}
	if got := send(t, conn, r, "unlock endpoints.json"); got != "unlocked endpoints.json" {
		t.Errorf("unlock = %q", got)
	}
	if got := send(t, conn, r, "unlock endpoints.json"); got != "no lock on endpoints.json" {
		t.Errorf("second unlock = %q", got)
	}
}

func TestExitClosesConnection(t *testing.T) {
	_, r, conn := startServer(t, newFakeBackend(), nil)

	if got := send(t, conn, r, "exit"); got != "bye" {
		t.Fatalf("exit = %q", got)
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("connection should be closed after exit")
	}
}

func TestShutdownCommand(t *testing.T) {
	backend := newFakeBackend()
	_, r, conn := startServer(t, backend, nil)

	if got := send(t, conn, r, "shutdown"); got != "shutting down" {
		t.Fatalf("shutdown = %q", got)
	}
	select {
	case <-backend.shutdowns:
	case <-time.After(time.Second):
		t.Error("backend shutdown not invoked")
	}
}
