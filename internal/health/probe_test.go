package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "ignored").Check(context.Background()); err != nil {
		t.Fatalf("ok probe failed: %v", err)
	}
	if err := Fixed(false, "token not loaded").Check(context.Background()); err == nil || err.Error() != "token not loaded" {
		t.Fatalf("err = %v", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("default reason err = %v", err)
	}
}

func TestNamed(t *testing.T) {
	if err := Named("gate", Fixed(false, "draining")).Check(context.Background()); err == nil || err.Error() != "gate: draining" {
		t.Fatalf("err = %v", err)
	}
	if err := Named("gate", Fixed(true, "")).Check(context.Background()); err != nil {
		t.Fatalf("err = %v", err)
	}
	if err := Named("nil", nil).Check(context.Background()); err != nil {
		t.Fatalf("nil probe err = %v", err)
	}
}

func TestAll(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	fail := func(e error) Probe { return CheckFunc(func(context.Context) error { return e }) }
	ok := Fixed(true, "")

	tests := []struct {
		name  string
		probe CheckFunc
		want  error
	}{
		{"empty", All(), nil},
		{"all pass", All(ok, nil, ok), nil},
		{"first failure wins", All(ok, fail(errA), fail(errB)), errA},
	}
	for _, tt := range tests {
		if err := tt.probe.Check(context.Background()); !errors.Is(err, tt.want) && err != tt.want {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}

	calls := 0
	counting := CheckFunc(func(context.Context) error { calls++; return nil })
	_ = All(fail(errA), counting).Check(context.Background())
	if calls != 0 {
		t.Fatal("All should stop at the first failure")
	}
}

func TestAny(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	fail := func(e error) Probe { return CheckFunc(func(context.Context) error { return e }) }

	if err := Any(fail(errA), Fixed(true, "")).Check(context.Background()); err != nil {
		t.Fatalf("one passing: %v", err)
	}
	if err := Any(fail(errA), fail(errB)).Check(context.Background()); err != errB {
		t.Fatalf("all failing: err = %v, want last", err)
	}
	if err := Any(nil, nil).Check(context.Background()); err == nil {
		t.Fatal("no probes should fail")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	if err := p.Check(context.Background()); err != nil || g.Draining() {
		t.Fatalf("zero gate should be open: %v", err)
	}

	g.Set("")
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("err = %v", err)
	}
	g.Set("sigterm")
	if err := p.Check(context.Background()); err == nil || err.Error() != "sigterm" {
		t.Fatalf("err = %v", err)
	}
	g.Clear()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("cleared gate: %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.Set("x"); g.Clear() }()
		go func() { defer wg.Done(); _ = g.Probe().Check(context.Background()) }()
	}
	wg.Wait()
}
