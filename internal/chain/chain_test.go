package chain

import (
	"context"
	"testing"
	"time"
)

func TestLocalBlockNumber(t *testing.T) {
	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal(genesis, 12*time.Second)
	l.now = func() time.Time { return genesis.Add(125 * time.Second) }

	n, err := l.BlockNumber(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("height = %d, want 10", n)
	}

	l.now = func() time.Time { return genesis.Add(-time.Hour) }
	if n, _ := l.BlockNumber(context.Background()); n != 0 {
		t.Fatalf("height before genesis = %d, want 0", n)
	}
}

func TestLocalBlockTimeTruncates(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 5, 900_000_000, time.UTC)
	l := NewLocal(at, 0)
	l.now = func() time.Time { return at }
	got, _ := l.BlockTime(context.Background())
	if !got.Equal(at.Truncate(time.Second)) {
		t.Fatalf("got %v", got)
	}
}

func TestManualAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	m := NewManual(start, 100)
	m.Advance(time.Minute, 5)

	ts, _ := m.BlockTime(context.Background())
	h, _ := m.BlockNumber(context.Background())
	if !ts.Equal(start.Add(time.Minute)) || h != 105 {
		t.Fatalf("got %v @ %d", ts, h)
	}
}
