package journal

import (
	"testing"

	"funding-bot/internal/config"

	"go.uber.org/zap"
)

func TestDisabledJournalIsNil(t *testing.T) {
	writer, err := New(config.JournalConfig{Enabled: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("disabled journal: %v", err)
	}
	if writer != nil {
		t.Fatal("disabled journal must be nil")
	}
	// Nil writer methods are no-ops.
	writer.Start(nil, nil)
	if err := writer.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestEnabledJournalRequiresDSN(t *testing.T) {
	if _, err := New(config.JournalConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatal("expected error for enabled journal without dsn")
	}
}
