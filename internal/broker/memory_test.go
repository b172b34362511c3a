package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loom/internal/broker"
	"loom/internal/config"
)

func TestMemoryPushPopAck(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	ctx := context.Background()
	if err := b.Push(ctx, "script", []byte("first")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := b.Push(ctx, "script", []byte("second")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	d1, err := b.Pop(ctx, "script", time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if d1 == nil || string(d1.Payload) != "first" {
		t.Fatalf("expected first payload, got %#v", d1)
	}

	d2, err := b.Pop(ctx, "script", time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if string(d2.Payload) != "second" {
		t.Fatalf("expected second payload, got %q", d2.Payload)
	}

	if err := b.Ack(ctx, d1); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	requeued, err := b.Requeue(ctx, d1)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if requeued {
		t.Fatal("acked delivery must not be requeued")
	}
}

func TestMemoryPopTimesOutEmpty(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	start := time.Now()
	d, err := b.Pop(context.Background(), "empty", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if d != nil {
		t.Fatalf("expected timeout, got %#v", d)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("Pop returned before the timeout elapsed")
	}
}

func TestMemoryPopBlocksUntilPush(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Push(context.Background(), "script", []byte("late"))
	}()

	d, err := b.Pop(context.Background(), "script", 5*time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if d == nil || string(d.Payload) != "late" {
		t.Fatalf("expected late payload, got %#v", d)
	}
}

func TestMemoryPopHonorsContext(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := b.Pop(ctx, "script", 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryRequeueGoesToBackOfQueue(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	ctx := context.Background()
	if err := b.Push(ctx, "script", []byte("paused")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	d, err := b.Pop(ctx, "script", time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if err := b.Push(ctx, "script", []byte("waiting")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	requeued, err := b.Requeue(ctx, d)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if !requeued {
		t.Fatal("expected held delivery to requeue")
	}

	next, err := b.Pop(ctx, "script", time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if string(next.Payload) != "waiting" {
		t.Fatalf("requeued delivery jumped the line: got %q", next.Payload)
	}
	last, err := b.Pop(ctx, "script", time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if string(last.Payload) != "paused" {
		t.Fatalf("expected requeued payload last, got %q", last.Payload)
	}
}

func TestMemoryRecoverProcessing(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	ctx := context.Background()
	if err := b.Push(ctx, "video", []byte("crashed")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if _, err := b.Pop(ctx, "video", time.Second); err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if err := b.Push(ctx, "video", []byte("fresh")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	moved, err := b.RecoverProcessing(ctx, []string{"video", "script"})
	if err != nil {
		t.Fatalf("RecoverProcessing failed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 recovered entry, got %d", moved)
	}

	d, err := b.Pop(ctx, "video", time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if string(d.Payload) != "crashed" {
		t.Fatalf("recovered entry should be redelivered first, got %q", d.Payload)
	}

	moved, err = b.RecoverProcessing(ctx, []string{"video"})
	if err != nil {
		t.Fatalf("RecoverProcessing failed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("unacked pop should be recoverable again, got %d", moved)
	}
}

func TestMemoryDepths(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	ctx := context.Background()
	for range 3 {
		if err := b.Push(ctx, "chunks", []byte("x")); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	if err := b.Push(ctx, "script", []byte("y")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	depths, err := b.Depths(ctx, []string{"chunks", "script", "idle"})
	if err != nil {
		t.Fatalf("Depths failed: %v", err)
	}
	if depths["chunks"] != 3 || depths["script"] != 1 || depths["idle"] != 0 {
		t.Fatalf("unexpected depths: %v", depths)
	}
}

func TestMemoryCloseWakesBlockedPop(t *testing.T) {
	b := broker.NewMemory()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Pop(context.Background(), "script", time.Minute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, broker.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pop did not return after Close")
	}
}

func TestMemoryFlagsSetOnce(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	ctx := context.Background()
	won, err := b.SetFlag(ctx, "enqueued:job1:video", time.Minute)
	if err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}
	if !won {
		t.Fatal("first SetFlag must win")
	}

	won, err = b.SetFlag(ctx, "enqueued:job1:video", time.Minute)
	if err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}
	if won {
		t.Fatal("second SetFlag must lose while the flag is live")
	}

	held, err := b.HasFlag(ctx, "enqueued:job1:video")
	if err != nil {
		t.Fatalf("HasFlag failed: %v", err)
	}
	if !held {
		t.Fatal("flag should be held")
	}

	if err := b.ClearFlag(ctx, "enqueued:job1:video"); err != nil {
		t.Fatalf("ClearFlag failed: %v", err)
	}
	held, err = b.HasFlag(ctx, "enqueued:job1:video")
	if err != nil {
		t.Fatalf("HasFlag failed: %v", err)
	}
	if held {
		t.Fatal("cleared flag should not be held")
	}

	won, err = b.SetFlag(ctx, "enqueued:job1:video", time.Minute)
	if err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}
	if !won {
		t.Fatal("SetFlag after clear must win again")
	}
}

func TestMemoryFlagsExpire(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	ctx := context.Background()
	if _, err := b.SetFlag(ctx, "paused:job2", 10*time.Millisecond); err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	held, err := b.HasFlag(ctx, "paused:job2")
	if err != nil {
		t.Fatalf("HasFlag failed: %v", err)
	}
	if held {
		t.Fatal("expired flag should not be held")
	}

	won, err := b.SetFlag(ctx, "paused:job2", time.Minute)
	if err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}
	if !won {
		t.Fatal("SetFlag over an expired flag must win")
	}
}

func TestOpenSelectsImplementationByScheme(t *testing.T) {
	cfg := config.Default()

	cfg.Broker.URL = "memory://"
	b, err := broker.Open(&cfg)
	if err != nil {
		t.Fatalf("Open memory broker failed: %v", err)
	}
	if _, ok := b.(*broker.Memory); !ok {
		t.Fatalf("expected memory broker, got %T", b)
	}
	_ = b.Close()

	cfg.Broker.URL = "redis://localhost:6379/0"
	b, err = broker.Open(&cfg)
	if err != nil {
		t.Fatalf("Open redis broker failed: %v", err)
	}
	if _, ok := b.(*broker.Redis); !ok {
		t.Fatalf("expected redis broker, got %T", b)
	}
	_ = b.Close()

	cfg.Broker.URL = "amqp://localhost"
	if _, err := broker.Open(&cfg); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}
