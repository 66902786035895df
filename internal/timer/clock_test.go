package timer

import (
	"testing"
	"time"
)

func TestFakeClock_FiresInDeadlineOrder(t *testing.T) {
	clock := NewFakeClock(epoch)
	var order []string

	clock.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	clock.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	clock.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	clock.AfterFunc(2*time.Second, func() { order = append(order, "b2") })

	clock.Advance(5 * time.Second)

	want := []string{"a", "b", "b2", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if !clock.Now().Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("Now() = %v", clock.Now())
	}
}

func TestFakeClock_NowDuringCallback(t *testing.T) {
	clock := NewFakeClock(epoch)
	var seen time.Time
	clock.AfterFunc(2*time.Second, func() { seen = clock.Now() })

	clock.Advance(10 * time.Second)
	if want := epoch.Add(2 * time.Second); !seen.Equal(want) {
		t.Errorf("Now() inside callback = %v, want %v", seen, want)
	}
}

func TestFakeClock_CallbackSchedulesCallback(t *testing.T) {
	clock := NewFakeClock(epoch)
	fired := 0
	clock.AfterFunc(time.Second, func() {
		fired++
		clock.AfterFunc(time.Second, func() { fired++ })
		clock.AfterFunc(time.Hour, func() { fired++ })
	})

	clock.Advance(5 * time.Second)
	if fired != 2 {
		t.Errorf("fired = %d, want 2", fired)
	}
	if clock.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", clock.Pending())
	}
}

func TestFakeClock_Stop(t *testing.T) {
	clock := NewFakeClock(epoch)
	fired := false
	h := clock.AfterFunc(time.Second, func() { fired = true })

	if !h.Stop() {
		t.Fatal("Stop() = false on pending callback")
	}
	if h.Stop() {
		t.Error("second Stop() = true")
	}
	clock.Advance(time.Minute)
	if fired {
		t.Error("stopped callback ran")
	}

	h = clock.AfterFunc(time.Second, func() {})
	clock.Advance(time.Second)
	if h.Stop() {
		t.Error("Stop() after run = true")
	}
}

func TestFakeClock_SetBackwardsDoesNotRewind(t *testing.T) {
	clock := NewFakeClock(epoch)
	clock.Set(epoch.Add(-time.Hour))
	if !clock.Now().Equal(epoch) {
		t.Errorf("Now() = %v, want %v", clock.Now(), epoch)
	}
}
