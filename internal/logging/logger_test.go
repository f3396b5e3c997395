package logging

import (
	"context"
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	logger := New("test-service")
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.service != "test-service" {
		t.Errorf("service = %q, want %q", logger.service, "test-service")
	}
}

func TestEntryFluentFields(t *testing.T) {
	logger := New("walletbridge-test")
	entry := logger.Plain().
		WithEvent("deposit.successful").
		WithEventKey("deposit:D1").
		WithDeposit("D1").
		WithWallet("W1").
		WithField("amount", "10")

	if entry.Event != "deposit.successful" {
		t.Errorf("Event = %q", entry.Event)
	}
	if entry.EventKey != "deposit:D1" {
		t.Errorf("EventKey = %q", entry.EventKey)
	}
	if entry.DepositID != "D1" {
		t.Errorf("DepositID = %q", entry.DepositID)
	}
	if entry.WalletID != "W1" {
		t.Errorf("WalletID = %q", entry.WalletID)
	}
	if entry.Fields["amount"] != "10" {
		t.Errorf("Fields[amount] = %v", entry.Fields["amount"])
	}
}

func TestWithError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField bool
	}{
		{
			name:      "non-nil error recorded",
			err:       errors.New("boom"),
			wantField: true,
		},
		{
			name:      "nil error ignored",
			err:       nil,
			wantField: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &LogEntry{}
			entry.WithError(tt.err)
			_, ok := entry.Fields["error"]
			if ok != tt.wantField {
				t.Errorf("error field present = %v, want %v", ok, tt.wantField)
			}
		})
	}
}

func TestWithFieldsMerges(t *testing.T) {
	entry := &LogEntry{}
	entry.WithFields(map[string]any{"a": 1}).WithFields(map[string]any{"b": 2})
	if entry.Fields["a"] != 1 || entry.Fields["b"] != 2 {
		t.Errorf("Fields = %v, want both a and b", entry.Fields)
	}
}

func TestWithContextWithoutSpan(t *testing.T) {
	entry := New("svc").WithContext(context.Background())
	if entry.TraceID != "" {
		t.Errorf("TraceID = %q, want empty without an active span", entry.TraceID)
	}
	if entry.Service != "svc" {
		t.Errorf("Service = %q", entry.Service)
	}
}
