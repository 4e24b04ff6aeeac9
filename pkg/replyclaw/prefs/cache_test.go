package prefs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSettings struct {
	mu    sync.Mutex
	prefs *GlobalPreferences
	err   error
	calls atomic.Int32
}

func (f *fakeSettings) GlobalPreferences(ctx context.Context) (*GlobalPreferences, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.prefs == nil {
		return nil, nil
	}
	p := *f.prefs
	return &p, nil
}

func (f *fakeSettings) set(p *GlobalPreferences, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefs, f.err = p, err
}

type fakeChats struct {
	mu    sync.Mutex
	chats []ChatSettings
	err   error
	calls atomic.Int32
}

func (f *fakeChats) EnabledChats(ctx context.Context) ([]ChatSettings, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats, f.err
}

func (f *fakeChats) set(c []ChatSettings, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats, f.err = c, err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(s SettingsSource, ch ChatSource, clk *clock) *Cache {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	return NewCache(s, ch, Config{MaxStaleness: 10 * time.Second, RefreshInterval: time.Hour}, logger, WithClock(clk.Now))
}

func TestCache_StalenessWindow(t *testing.T) {
	settings := &fakeSettings{prefs: &GlobalPreferences{Enabled: true, MaxTokens: 150}}
	chats := &fakeChats{chats: []ChatSettings{{ChatID: "C1", AutoReply: true}}}
	clk := &clock{now: time.Unix(1000, 0)}
	c := newTestCache(settings, chats, clk)
	ctx := context.Background()

	snap := c.Get(ctx)
	if !snap.Enabled() || !snap.Chats.Contains("acc", "C1") {
		t.Fatalf("unexpected first snapshot: %+v", snap)
	}
	if settings.calls.Load() != 1 || chats.calls.Load() != 1 {
		t.Fatalf("expected one fetch per source, got %d/%d", settings.calls.Load(), chats.calls.Load())
	}

	t.Run("fresh snapshot served from cache", func(t *testing.T) {
		clk.Advance(5 * time.Second)
		c.Get(ctx)
		if settings.calls.Load() != 1 {
			t.Errorf("expected no refetch within window, got %d calls", settings.calls.Load())
		}
	})

	t.Run("stale snapshot refetched", func(t *testing.T) {
		settings.set(&GlobalPreferences{Enabled: false}, nil)
		clk.Advance(6 * time.Second)
		snap := c.Get(ctx)
		if settings.calls.Load() != 2 || chats.calls.Load() != 2 {
			t.Errorf("expected refetch of both sources, got %d/%d", settings.calls.Load(), chats.calls.Load())
		}
		if snap.Enabled() {
			t.Error("expected refreshed preferences to be disabled")
		}
	})
}

func TestCache_FailureKeepsPreviousValue(t *testing.T) {
	settings := &fakeSettings{prefs: &GlobalPreferences{Enabled: true, SystemPrompt: "be nice"}}
	chats := &fakeChats{chats: []ChatSettings{{ChatID: "C1", AutoReply: true}}}
	clk := &clock{now: time.Unix(1000, 0)}
	c := newTestCache(settings, chats, clk)
	ctx := context.Background()

	first := c.Get(ctx)

	settings.set(nil, errors.New("db down"))
	chats.set([]ChatSettings{{ChatID: "C2", AutoReply: true}}, nil)
	clk.Advance(11 * time.Second)

	snap := c.Get(ctx)
	if snap.Preferences == nil || snap.Preferences.SystemPrompt != "be nice" {
		t.Errorf("expected previous preferences to be kept, got %+v", snap.Preferences)
	}
	if !snap.Chats.Contains("", "C2") || snap.Chats.Contains("", "C1") {
		t.Error("expected chat set to be updated independently of preferences failure")
	}
	if !snap.RefreshedAt.Equal(first.RefreshedAt) {
		t.Error("partial refresh must not advance RefreshedAt")
	}

	// The failed attempt still counts for staleness.
	clk.Advance(time.Second)
	c.Get(ctx)
	if settings.calls.Load() != 2 {
		t.Errorf("expected no immediate retry after failure, got %d calls", settings.calls.Load())
	}
}

func TestCache_AbsentPreferences(t *testing.T) {
	settings := &fakeSettings{}
	chats := &fakeChats{chats: []ChatSettings{{ChatID: "C1", AutoReply: true}}}
	c := newTestCache(settings, chats, &clock{now: time.Unix(1, 0)})

	snap := c.Get(context.Background())
	if snap.Enabled() {
		t.Error("absent preferences must mean disabled")
	}
	if _, ok := snap.Policy("acc", "C1"); ok {
		t.Error("no policy expected while disabled")
	}
}

func TestCache_ConcurrentGetSharesFetch(t *testing.T) {
	settings := &fakeSettings{prefs: &GlobalPreferences{Enabled: true}}
	chats := &fakeChats{}
	c := newTestCache(settings, chats, &clock{now: time.Unix(1, 0)})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Get(context.Background())
		}()
	}
	wg.Wait()

	if n := settings.calls.Load(); n < 1 || n > 20 {
		t.Errorf("unexpected fetch count %d", n)
	}
	if !c.Get(context.Background()).Enabled() {
		t.Error("expected enabled snapshot")
	}
}

func TestCache_StartStop(t *testing.T) {
	settings := &fakeSettings{prefs: &GlobalPreferences{Enabled: true}}
	chats := &fakeChats{}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	c := NewCache(settings, chats, Config{RefreshInterval: 10 * time.Millisecond}, logger)

	c.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for settings.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	if settings.calls.Load() < 3 {
		t.Errorf("expected background refreshes, got %d", settings.calls.Load())
	}
	after := settings.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if settings.calls.Load() != after {
		t.Error("refresh loop still running after Stop")
	}
}

func TestCache_StopWithoutStart(t *testing.T) {
	c := NewCache(&fakeSettings{}, &fakeChats{}, Config{}, nil)

	done := make(chan struct{})
	go func() {
		c.Stop()
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop without Start blocked")
	}
}
