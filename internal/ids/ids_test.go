package ids

import (
	"strings"
	"testing"
)

func TestNewIsMonotonicAndPrefixed(t *testing.T) {
	prev := ""
	for i := 0; i < 100; i++ {
		id := New("led")
		if !strings.HasPrefix(id, "led_") {
			t.Fatalf("missing prefix: %s", id)
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %s <= %s", id, prev)
		}
		prev = id
	}
	if strings.Contains(New(""), "_") {
		t.Fatal("unprefixed id must not contain separator")
	}
}
