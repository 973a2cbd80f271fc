package config

import (
	"testing"
	"time"
)

func TestMinutesList(t *testing.T) {
	t.Setenv("TEST_OFFSETS", "1440,60")
	got := MinutesList("TEST_OFFSETS", "")
	if len(got) != 2 || got[0] != 24*time.Hour || got[1] != time.Hour {
		t.Fatalf("MinutesList(1440,60) = %v", got)
	}

	t.Setenv("TEST_OFFSETS", " 30 , junk, -5 ")
	got = MinutesList("TEST_OFFSETS", "1440,60")
	if len(got) != 1 || got[0] != 30*time.Minute {
		t.Fatalf("MinutesList with junk = %v", got)
	}

	t.Setenv("TEST_OFFSETS", "")
	got = MinutesList("TEST_OFFSETS", "1440,60")
	if len(got) != 2 || got[0] != 24*time.Hour || got[1] != time.Hour {
		t.Fatalf("MinutesList should fall back to default, got %v", got)
	}
}
