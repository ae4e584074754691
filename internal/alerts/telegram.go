package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"funding-bot/internal/config"
	"funding-bot/internal/events"

	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

// Watch forwards alert-worthy events from the bus until ctx is cancelled.
// Send failures are logged and never propagate to the publisher.
func (t *Telegram) Watch(ctx context.Context, bus *events.Bus) {
	if !t.enabled || bus == nil {
		return
	}
	ch, cancel := bus.Subscribe(64)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case envelope, ok := <-ch:
				if !ok {
					return
				}
				message := formatEvent(envelope.Event)
				if message == "" {
					continue
				}
				if err := t.Send(ctx, message); err != nil && t.log != nil {
					t.log.Warn("telegram alert failed", zap.Error(err))
				}
			}
		}
	}()
}

// formatEvent renders the events worth a push notification. High-frequency
// events (countdowns, opening intents) stay in the log only.
func formatEvent(e events.Event) string {
	switch ev := e.(type) {
	case events.PositionOpened:
		return fmt.Sprintf("📈 [%s] position %d opened %s @ %.4f (TP %.4f / SL %.4f)",
			ev.StrategyID, ev.PositionNumber, ev.Side, ev.EntryPrice, ev.TakeProfit, ev.StopLoss)
	case events.PositionClosed:
		return fmt.Sprintf("📉 [%s] position %d closed (%s, %s)",
			ev.StrategyID, ev.PositionNumber, ev.Side, ev.Reason)
	case events.FundingCollected:
		return fmt.Sprintf("💰 [%s] funding settled: ~%.2f USD at rate %.6f",
			ev.StrategyID, ev.Amount, ev.FundingRate)
	case events.StrategyError:
		return fmt.Sprintf("🚨 [%s] %s failed: %s", ev.StrategyID, ev.Action, ev.Err)
	default:
		return ""
	}
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	body, err := json.Marshal(map[string]string{"chat_id": t.chatID, "text": message})
	if err != nil {
		return err
	}
	url := t.baseURL + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &result); err == nil && !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "request rejected"
		}
		return fmt.Errorf("telegram: %s", desc)
	}
	return nil
}
