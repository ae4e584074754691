package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"funding-bot/internal/config"
	"funding-bot/internal/events"

	"go.uber.org/zap"
)

func TestSendDisabledIsNoop(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: false}, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestSendRequiresTokenAndChat(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: true}, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for missing token/chat_id")
	}
}

func TestSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("path = %s, want /bottoken/sendMessage", gotPath)
	}
	if gotPayload["chat_id"] != "123" || gotPayload["text"] != "hello" {
		t.Fatalf("payload = %v", gotPayload)
	}
}

func TestSendSurfacesAPIRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	err := client.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v, want chat not found", err)
	}
}

func TestFormatEventSelectsAlertWorthyKinds(t *testing.T) {
	if formatEvent(events.Countdown{StrategyID: "s1"}) != "" {
		t.Fatal("countdowns must not page anyone")
	}
	if formatEvent(events.PositionOpening{StrategyID: "s1"}) != "" {
		t.Fatal("opening intents must not page anyone")
	}
	msg := formatEvent(events.StrategyError{StrategyID: "s1", Action: "open_position_1", Err: "boom"})
	if !strings.Contains(msg, "open_position_1") || !strings.Contains(msg, "boom") {
		t.Fatalf("error message = %q", msg)
	}
	if formatEvent(events.FundingCollected{StrategyID: "s1", Amount: 20, FundingRate: 0.01}) == "" {
		t.Fatal("funding collections should alert")
	}
}

func TestWatchForwardsBusEvents(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		texts = append(texts, payload["text"])
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	bus := events.NewBus(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Watch(ctx, bus)

	bus.Publish(events.Countdown{StrategyID: "s1", SecondsRemaining: 30})
	bus.Publish(events.StrategyError{StrategyID: "s1", Action: "open_position_1", Err: "boom"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(texts)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("forwarded = %d messages, want 1", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(texts[0], "boom") {
		t.Fatalf("forwarded text = %q", texts[0])
	}
}
