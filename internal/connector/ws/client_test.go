package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func wsTestServer(t *testing.T, ctx context.Context, msgCh chan opMessage) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg opMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			select {
			case msgCh <- msg:
			default:
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClientSendsPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msgCh := make(chan opMessage, 4)
	url := wsTestServer(t, ctx, msgCh)

	client := New(url, 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() { _ = client.Run(runCtx, nil) }()

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-msgCh:
			if msg.Op == "ping" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for ping")
		}
	}
}

func TestSubscribeSendsTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msgCh := make(chan opMessage, 4)
	url := wsTestServer(t, ctx, msgCh)

	client := New(url, 10*time.Millisecond, time.Minute, zap.NewNop())
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.Subscribe(ctx, "tickers.BTCUSDT"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case msg := <-msgCh:
		if msg.Op != "subscribe" || len(msg.Args) != 1 || msg.Args[0] != "tickers.BTCUSDT" {
			t.Fatalf("message = %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for subscribe")
	}
}

func TestSubscribeRequiresConnection(t *testing.T) {
	client := New("ws://unused", time.Millisecond, time.Minute, zap.NewNop())
	if err := client.Subscribe(context.Background(), "tickers.BTCUSDT"); err == nil {
		t.Fatal("expected error before connect")
	}
}
