package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/core/service"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xredis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAddresses []string

func (f fakeAddresses) ListAddresses(context.Context) ([]*domain.DerivedAddress, error) {
	out := make([]*domain.DerivedAddress, 0, len(f))
	for i, a := range f {
		out = append(out, &domain.DerivedAddress{Index: uint32(i), Address: a})
	}
	return out, nil
}

type fakeBalances struct {
	mu   sync.Mutex
	sats map[string]int64
	errs map[string]error
}

func (f *fakeBalances) GetAddressBalance(_ context.Context, a string) (domain.AddressBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[a]; err != nil {
		return domain.AddressBalance{}, err
	}
	return domain.AddressBalance{BalanceSats: f.sats[a]}, nil
}

type fakeSweeper struct {
	mu        sync.Mutex
	swept     []string
	inflight  map[string]bool
	failOn    map[string]bool
	confirmed int
	confirms  int
}

func (f *fakeSweeper) Sweep(_ context.Context, a string) (*service.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept = append(f.swept, a)
	if f.failOn[a] {
		return &service.SweepResult{Address: a}, errors.New("broadcast rejected")
	}
	return &service.SweepResult{Success: true, Address: a, TxHash: "tx-" + a}, nil
}

func (f *fakeSweeper) ConfirmSweeps(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	return f.confirmed, nil
}

func (f *fakeSweeper) InFlight() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for a := range f.inflight {
		out = append(out, a)
	}
	return out
}

func (f *fakeSweeper) IsInFlight(a string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[a]
}

func (f *fakeSweeper) sweptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.swept)
}

type fakeVerifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeVerifier) VerifyAllPending(context.Context) service.VerifySummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return service.VerifySummary{Checked: 2, Confirmed: 1}
}

func newMockClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return c
}

func TestForceSweepAll(t *testing.T) {
	sw := &fakeSweeper{
		inflight:  map[string]bool{"busy": true},
		failOn:    map[string]bool{"bad": true},
		confirmed: 2,
	}
	bal := &fakeBalances{
		sats: map[string]int64{"a": 1000, "empty": 0, "busy": 500, "bad": 700, "b": 3000},
		errs: map[string]error{"down": errors.New("all chain data sources failed")},
	}
	ver := &fakeVerifier{}
	m := New(Config{SweepDelay: -1}, Deps{
		Payments:  ver,
		Addresses: fakeAddresses{"a", "empty", "busy", "down", "bad", "b"},
		Chain:     bal,
		Sweeper:   sw,
		Clock:     newMockClock(),
	})

	rep := m.ForceSweepAll(context.Background())

	assert.Equal(t, TriggerForce, rep.Trigger)
	assert.Equal(t, 6, rep.Checked)
	assert.Equal(t, 2, rep.Swept)
	assert.Equal(t, 2, rep.Failed) // down + bad
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 2, rep.ConfirmedSweeps)
	assert.Equal(t, 1, rep.Verify.Confirmed)
	assert.Len(t, rep.Results, 3)
	// 按列表顺序串行
	assert.Equal(t, []string{"a", "bad", "b"}, sw.swept)
	assert.Equal(t, 1, ver.calls)
	assert.Equal(t, 1, sw.confirms)

	st := m.GetStatus()
	assert.False(t, st.Active)
	assert.EqualValues(t, 1, st.Passes)
	assert.Equal(t, []string{"busy"}, st.InFlightAddresses)
	require.NotNil(t, st.LastReport)
	assert.Equal(t, 2, st.LastReport.Swept)
	assert.True(t, st.Leader)
}

func TestSweepDelayBetweenAttempts(t *testing.T) {
	clk := newMockClock()
	sw := &fakeSweeper{}
	m := New(Config{SweepDelay: time.Second}, Deps{
		Addresses: fakeAddresses{"a", "b"},
		Chain:     &fakeBalances{sats: map[string]int64{"a": 1, "b": 1}},
		Sweeper:   sw,
		Clock:     clk,
	})

	done := make(chan PassReport, 1)
	go func() { done <- m.ForceSweepAll(context.Background()) }()

	require.Eventually(t, func() bool { return sw.sweptCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sw.sweptCount())

	require.Eventually(t, func() bool {
		clk.Add(250 * time.Millisecond)
		return sw.sweptCount() == 2
	}, time.Second, 5*time.Millisecond)

	rep := <-done
	assert.Equal(t, 2, rep.Swept)
}

func TestStartStop(t *testing.T) {
	clk := newMockClock()
	sw := &fakeSweeper{}
	m := New(Config{Interval: 30 * time.Second, SweepDelay: -1}, Deps{
		Payments:  &fakeVerifier{},
		Addresses: fakeAddresses{"a"},
		Chain:     &fakeBalances{sats: map[string]int64{}},
		Sweeper:   sw,
		Clock:     clk,
	})

	m.Start(context.Background())
	m.Start(context.Background())
	assert.True(t, m.GetStatus().Active)

	// 启动后立刻跑一轮
	require.Eventually(t, func() bool { return m.GetStatus().Passes == 1 }, time.Second, 5*time.Millisecond)

	clk.Add(30 * time.Second)
	require.Eventually(t, func() bool { return m.GetStatus().Passes >= 2 }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	st := m.GetStatus()
	assert.False(t, st.Active)
	assert.Equal(t, 30*time.Second, st.Interval)
	require.NotNil(t, st.LastRunAt)
}

func TestLeaderLease(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	newMonitor := func(sw *fakeSweeper) *Monitor {
		return New(Config{SweepDelay: -1}, Deps{
			Addresses: fakeAddresses{"a"},
			Chain:     &fakeBalances{sats: map[string]int64{"a": 10}},
			Sweeper:   sw,
			Leader:    xredis.NewLeaderLease(rdb, "payment:monitor:leader", time.Minute),
			Clock:     newMockClock(),
		})
	}
	sw1, sw2 := &fakeSweeper{}, &fakeSweeper{}
	m1, m2 := newMonitor(sw1), newMonitor(sw2)

	m1.tick(ctx)
	m2.tick(ctx)
	assert.Equal(t, 1, sw1.sweptCount())
	assert.Equal(t, 0, sw2.sweptCount())
	assert.True(t, m1.GetStatus().Leader)
	assert.False(t, m2.GetStatus().Leader)

	// 手动触发不看 leader
	m2.ForceSweepAll(ctx)
	assert.Equal(t, 1, sw2.sweptCount())

	// leader 让位后另一个实例接手
	require.NoError(t, m1.deps.Leader.Release(ctx))
	m2.tick(ctx)
	assert.Equal(t, 2, sw2.sweptCount())
	assert.True(t, m2.GetStatus().Leader)
}
