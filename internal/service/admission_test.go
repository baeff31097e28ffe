package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAdmissionTryAcquire(t *testing.T) {
	a := newAdmission(1, 0)
	release, err := a.acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := a.acquire(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second acquire = %v, want ErrBusy", err)
	}
	release()
	if _, err := a.acquire(context.Background()); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestAdmissionWaitsForRelease(t *testing.T) {
	a := newAdmission(1, time.Second)
	release, err := a.acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()
	if _, err := a.acquire(context.Background()); err != nil {
		t.Errorf("waiting acquire: %v", err)
	}
}

func TestAdmissionCallerCanceled(t *testing.T) {
	a := newAdmission(1, time.Minute)
	if _, err := a.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("acquire = %v, want context.Canceled", err)
	}
}
