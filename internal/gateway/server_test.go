package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawd-io/clawd/internal/accounts"
	"github.com/clawd-io/clawd/internal/authtoken"
	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/config"
	"github.com/clawd-io/clawd/internal/sessions"
	"github.com/clawd-io/clawd/internal/store"
	"github.com/clawd-io/clawd/internal/tasks"
	"github.com/clawd-io/clawd/internal/worktree"
	"github.com/clawd-io/clawd/pkg/protocol"
)

func startTestServer(t *testing.T) (addr string, auth *authtoken.Watcher) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dataDir := t.TempDir()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	b := bus.NewBroadcaster(log)
	cfg := config.Default()
	cfg.Gateway.DataDir = dataDir
	cfg.Gateway.PerIPConnRatePerMinute = 0
	cfg.Gateway.PerConnRPCRatePerMinute = 0

	pool := accounts.NewPool(db, b)
	taskLog := tasks.NewLog(db, cfg.Tasks.CheckpointEveryNEvents)
	taskSvc := tasks.NewService(taskLog, db, b)
	wm := worktree.NewManager(db, dataDir)
	sm := sessions.NewManager(db, b, pool, cfg, log, taskSvc, wm)

	tok, err := authtoken.Load(dataDir, log)
	if err != nil {
		t.Fatalf("load auth token: %v", err)
	}
	t.Cleanup(func() { tok.Close() })

	srv := NewServer(cfg, log, b, db, sm, taskSvc, wm, pool, tok, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)

	return ln.Addr().String(), tok
}

func TestGatewayAuthAndPing(t *testing.T) {
	addr, tok := startTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	authReq := protocol.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: protocol.MethodDaemonAuth, Params: mustJSON(map[string]string{"token": tok.CurrentToken()})}
	if err := conn.WriteJSON(authReq); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var authResp protocol.Response
	if err := conn.ReadJSON(&authResp); err != nil {
		t.Fatalf("read auth resp: %v", err)
	}
	if authResp.Error != nil {
		t.Fatalf("auth rejected: %+v", authResp.Error)
	}

	pingReq := protocol.Request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: protocol.MethodDaemonPing}
	if err := conn.WriteJSON(pingReq); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pingResp protocol.Response
	if err := conn.ReadJSON(&pingResp); err != nil {
		t.Fatalf("read ping resp: %v", err)
	}
	if pingResp.Error != nil {
		t.Fatalf("ping failed: %+v", pingResp.Error)
	}
}

func TestGatewayRejectsBadToken(t *testing.T) {
	addr, _ := startTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	authReq := protocol.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: protocol.MethodDaemonAuth, Params: mustJSON(map[string]string{"token": "wrong"})}
	conn.WriteJSON(authReq)

	var authResp protocol.Response
	if err := conn.ReadJSON(&authResp); err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	if authResp.Error == nil || authResp.Error.Code != protocol.CodeUnauthorized {
		t.Fatalf("expected unauthorized error frame, got %+v", authResp)
	}

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close after failed auth")
	}
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
