package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	cfg := ReconnectConfig{RetryDelay: time.Second, MaxRetryDelay: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func fastReconnect() ReconnectConfig {
	return ReconnectConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}
}

func TestReconnectingReopensAfterExhaustion(t *testing.T) {
	opens := 0
	open := func(context.Context) (Source, error) {
		opens++
		return NewSynthetic(4, 4, 0, 2), nil
	}

	r, err := NewReconnecting(context.Background(), open, fastReconnect())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Next(ctx); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	// The first source is exhausted: the outage cycle is a timeout.
	if _, err := r.Next(ctx); !errors.Is(err, ErrFrameTimeout) {
		t.Fatalf("outage err = %v, want ErrFrameTimeout", err)
	}
	if _, err := r.Next(ctx); err != nil {
		t.Fatalf("after reconnect: %v", err)
	}
	if opens != 2 {
		t.Errorf("opens = %d, want 2", opens)
	}
}

func TestReconnectingGivesUp(t *testing.T) {
	calls := 0
	open := func(context.Context) (Source, error) {
		calls++
		return nil, errors.New("camera unplugged")
	}

	_, err := NewReconnecting(context.Background(), open, fastReconnect())
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 4 {
		t.Errorf("open calls = %d, want 4 (1 + 3 retries)", calls)
	}
}

func TestReconnectingRetriesThenSucceeds(t *testing.T) {
	calls := 0
	open := func(context.Context) (Source, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("not yet")
		}
		return NewSynthetic(4, 4, 0, 0), nil
	}

	r, err := NewReconnecting(context.Background(), open, fastReconnect())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Reconnects() != 2 {
		t.Errorf("reconnects = %d, want 2", r.Reconnects())
	}
}

func TestReconnectingClose(t *testing.T) {
	r, err := NewReconnecting(context.Background(), func(context.Context) (Source, error) {
		return NewSynthetic(4, 4, 0, 0), nil
	}, fastReconnect())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(context.Background()); !errors.Is(err, ErrSourceExhausted) {
		t.Errorf("err = %v, want ErrSourceExhausted", err)
	}
}
