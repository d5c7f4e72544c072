package model

import (
	"testing"
	"time"
)

func TestTruncateShortString(t *testing.T) {
	got := Truncate("hello", 10)
	if got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestTruncateLongString(t *testing.T) {
	got := Truncate("hello world", 8)
	if got != "hello..." {
		t.Fatalf("expected 'hello...', got %q", got)
	}
}

func TestTruncateVerySmallMaxLen(t *testing.T) {
	got := Truncate("hello", 2)
	if got != "he" {
		t.Fatalf("expected 'he', got %q", got)
	}
}

func TestTruncateUnicode(t *testing.T) {
	got := Truncate("こんにちは世界", 6)
	if got != "こんに..." {
		t.Fatalf("expected 'こんに...', got %q", got)
	}
}

func TestTailKeepsEnd(t *testing.T) {
	if got := Tail("abcdef", 3); got != "def" {
		t.Fatalf("expected 'def', got %q", got)
	}
	if got := Tail("ab", 3); got != "ab" {
		t.Fatalf("expected 'ab', got %q", got)
	}
}

func TestDurationStats(t *testing.T) {
	tests := []struct {
		name  string
		in    []time.Duration
		total time.Duration
		avg   time.Duration
	}{
		{"empty", nil, 0, 0},
		{"single", []time.Duration{5}, 5, 5},
		{"integer division", []time.Duration{3, 4}, 7, 3},
		{"three", []time.Duration{10, 20, 31}, 61, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewDurationStats(tt.in)
			if got.Total != tt.total {
				t.Fatalf("total: expected %d, got %d", tt.total, got.Total)
			}
			if got.Avg != tt.avg {
				t.Fatalf("avg: expected %d, got %d", tt.avg, got.Avg)
			}
			if len(got.Attempts) != len(tt.in) {
				t.Fatalf("attempts: expected %d, got %d", len(tt.in), len(got.Attempts))
			}
		})
	}
}

func TestEventTerminal(t *testing.T) {
	if !(&Event{Type: EventComplete}).Terminal() {
		t.Fatal("complete should be terminal")
	}
	if (&Event{Type: EventError}).Terminal() {
		t.Fatal("error should not be terminal")
	}
}
