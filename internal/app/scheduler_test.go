package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type sweeperStub struct {
	calls int
	err   error
}

func (s *sweeperStub) SweepExpired(ctx context.Context) (int64, error) {
	s.calls++
	return 3, s.err
}

func TestScheduler_SweepExpiredPayments(t *testing.T) {
	sweeper := &sweeperStub{}
	s := NewScheduler(sweeper, discardLogger(), "@every 1m")

	s.SweepExpiredPayments()
	sweeper.err = errors.New("db down")
	s.SweepExpiredPayments()

	if sweeper.calls != 2 {
		t.Fatalf("expected 2 sweeps, got %d", sweeper.calls)
	}
}

func TestScheduler_StartRejectsInvalidSchedule(t *testing.T) {
	s := NewScheduler(&sweeperStub{}, discardLogger(), "not a schedule")
	if err := s.Start(); err == nil {
		t.Fatal("expected invalid schedule to be rejected")
	}
}

func TestScheduler_StartAndStop(t *testing.T) {
	s := NewScheduler(&sweeperStub{}, discardLogger(), "@every 1h")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRetryTransient(t *testing.T) {
	transient := errors.New("transient")
	permanent := errors.New("permanent")
	isTransient := func(err error) bool { return errors.Is(err, transient) }

	calls := 0
	err := retryTransient(context.Background(), 3, time.Millisecond, isTransient, nil, func() error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got %v after %d calls", err, calls)
	}

	calls = 0
	err = retryTransient(context.Background(), 3, time.Millisecond, isTransient, nil, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected permanent error after one call, got %v after %d calls", err, calls)
	}

	calls = 0
	retries := 0
	err = retryTransient(context.Background(), 2, time.Millisecond, isTransient,
		func(error, time.Duration) { retries++ },
		func() error {
			calls++
			return transient
		})
	if !errors.Is(err, transient) || calls != 3 || retries != 2 {
		t.Fatalf("expected exhaustion after 3 calls and 2 retries, got %v, %d calls, %d retries", err, calls, retries)
	}
}

func TestRedisPollLimiter_DisabledWithoutClient(t *testing.T) {
	var nilLimiter *RedisPollLimiter
	if count, _, err := nilLimiter.ConsumeRateLimit(context.Background(), "s", "u", 1, time.Minute); err != nil || count != 0 {
		t.Fatalf("nil limiter should allow, got %d %v", count, err)
	}

	l := NewRedisPollLimiter(nil, " custom:prefix: ")
	if got := l.windowKey("payment_status", "ana"); got != "custom:prefix:payment_status:ana" {
		t.Fatalf("unexpected window key %q", got)
	}
	if NewRedisPollLimiter(nil, "").prefix != "tokenex:rate_limit" {
		t.Fatal("expected default prefix")
	}

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	l = NewRedisPollLimiter(client, "")
	if count, _, err := l.ConsumeRateLimit(context.Background(), "", "u", 5, time.Minute); err != nil || count != 0 {
		t.Fatalf("blank scope should be ignored, got %d %v", count, err)
	}
	if count, _, err := l.ConsumeRateLimit(context.Background(), "s", "u", 0, time.Minute); err != nil || count != 0 {
		t.Fatalf("zero limit should be ignored, got %d %v", count, err)
	}
	if count, _, err := l.ConsumeRateLimit(context.Background(), "s", "u", 5, time.Millisecond); err != nil || count != 0 {
		t.Fatalf("sub-second window should be ignored, got %d %v", count, err)
	}
}

func TestSecondsUntil(t *testing.T) {
	cases := map[int64]int{-5: 1, 0: 1, 1: 1, 999: 1, 1000: 1, 1001: 2, 40000: 40}
	for ms, want := range cases {
		if got := secondsUntil(ms); got != want {
			t.Errorf("secondsUntil(%d) = %d, want %d", ms, got, want)
		}
	}
}
