package connectivity

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakePinger struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *recorder) record(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, online)
}

func (r *recorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func TestManual_NotifiesOnTransitionsOnly(t *testing.T) {
	m := NewManual(false)
	rec := &recorder{}
	cancel := m.Subscribe(rec.record)

	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)
	cancel()
	m.Set(true)

	got := rec.get()
	want := []bool{true, false}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
	if !m.Online() {
		t.Error("Online() = false after Set(true)")
	}
}

func TestProber_Check(t *testing.T) {
	pinger := &fakePinger{}
	p := NewProber(pinger, ProberConfig{Logger: log.New(io.Discard, "", 0)})
	rec := &recorder{}
	p.Subscribe(rec.record)

	if p.Online() {
		t.Fatal("prober should start offline")
	}

	if !p.Check(context.Background()) {
		t.Error("Check() = false with a healthy remote")
	}
	pinger.fail.Store(true)
	if p.Check(context.Background()) {
		t.Error("Check() = true with a failing remote")
	}
	p.Check(context.Background())

	got := rec.get()
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("transitions = %v, want [true false]", got)
	}
}

func TestProber_StartStop(t *testing.T) {
	pinger := &fakePinger{}
	p := NewProber(pinger, ProberConfig{
		Interval: 10 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	})

	online := make(chan bool, 4)
	p.Subscribe(func(o bool) { online <- o })

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	select {
	case o := <-online:
		if !o {
			t.Error("first transition should be online")
		}
	case <-time.After(time.Second):
		t.Fatal("prober never reported online")
	}

	pinger.fail.Store(true)
	select {
	case o := <-online:
		if o {
			t.Error("second transition should be offline")
		}
	case <-time.After(time.Second):
		t.Fatal("prober never reported offline")
	}

	p.Stop()
	calls := pinger.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if pinger.calls.Load() != calls {
		t.Error("prober kept probing after Stop()")
	}
	p.Stop()
}
