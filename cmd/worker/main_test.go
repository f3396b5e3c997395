package main

import (
	"testing"
	"time"
)

func TestClampDelay(t *testing.T) {
	tests := []struct {
		name     string
		in       time.Duration
		expected time.Duration
	}{
		{"within cap", 5 * time.Minute, 5 * time.Minute},
		{"at cap", maxRequeueDelay, maxRequeueDelay},
		{"above cap", 24 * time.Hour, maxRequeueDelay},
		{"zero", 0, 0},
		{"negative", -time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clampDelay(tt.in); got != tt.expected {
				t.Errorf("clampDelay(%v) = %v, want %v", tt.in, got, tt.expected)
			}
		})
	}
}
