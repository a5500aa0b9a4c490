package middleware

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"

	"playbooks.ai/playbooks/runtime/executor"
	"playbooks.ai/playbooks/runtime/message"
)

type runFunc func(ctx context.Context, req *executor.Request) (*executor.RunResult, error)

func (f runFunc) Run(ctx context.Context, req *executor.Request) (*executor.RunResult, error) {
	return f(ctx, req)
}

type fakeMap struct {
	mu     sync.Mutex
	values map[string]string
	events chan rmap.EventKind
}

func newFakeMap() *fakeMap {
	return &fakeMap{
		values: make(map[string]string),
		events: make(chan rmap.EventKind, 16),
	}
}

func (m *fakeMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

func (m *fakeMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.values[key]
	if prev == test {
		m.values[key] = value
	}
	return prev, nil
}

func (m *fakeMap) Subscribe() <-chan rmap.EventKind { return m.events }

func (m *fakeMap) set(key, value string) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	m.events <- rmap.EventChange
}

func (l *AdaptiveRateLimiter) tpm() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func reqWithContent(content string) *executor.Request {
	return &executor.Request{
		AgentID: "1000",
		Messages: []*message.Message{
			{Content: content},
		},
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	require.Equal(t, 500, estimateTokens(&executor.Request{}))
	require.Equal(t, 501, estimateTokens(reqWithContent("ab")))
	require.Equal(t, 600, estimateTokens(reqWithContent(strings.Repeat("x", 300))))
}

func TestNewAdaptiveRateLimiterDefaults(t *testing.T) {
	t.Parallel()

	l := newAdaptiveRateLimiter(0, 0)
	require.Equal(t, float64(60000), l.tpm())
	require.Equal(t, float64(60000), l.maxTPM)

	l = newAdaptiveRateLimiter(1000, 500)
	require.Equal(t, float64(1000), l.maxTPM)
}

func TestMiddlewareDelegates(t *testing.T) {
	t.Parallel()

	l := newAdaptiveRateLimiter(600000, 600000)
	called := false
	exec := l.Middleware()(runFunc(func(_ context.Context, req *executor.Request) (*executor.RunResult, error) {
		called = true
		require.Equal(t, "1000", req.AgentID)
		return &executor.RunResult{ExitCode: 0}, nil
	}))

	res, err := exec.Run(context.Background(), reqWithContent("hello"))
	require.NoError(t, err)
	require.NotNil(t, res)
	require.True(t, called)
}

func TestMiddlewareNilNext(t *testing.T) {
	t.Parallel()

	l := newAdaptiveRateLimiter(600000, 600000)
	require.Nil(t, l.Middleware()(nil))
}

func TestBackoffHalvesBudget(t *testing.T) {
	t.Parallel()

	l := newAdaptiveRateLimiter(60000, 60000)
	exec := l.Middleware()(runFunc(func(context.Context, *executor.Request) (*executor.RunResult, error) {
		return nil, executor.ErrRateLimited
	}))

	_, err := exec.Run(context.Background(), reqWithContent("hi"))
	require.ErrorIs(t, err, executor.ErrRateLimited)
	require.Equal(t, float64(30000), l.tpm())

	_, err = exec.Run(context.Background(), reqWithContent("hi"))
	require.ErrorIs(t, err, executor.ErrRateLimited)
	require.Equal(t, float64(15000), l.tpm())
}

func TestBackoffClampsToFloor(t *testing.T) {
	t.Parallel()

	l := newAdaptiveRateLimiter(60000, 60000)
	for i := 0; i < 20; i++ {
		l.backoff()
	}
	require.Equal(t, l.minTPM, l.tpm())
}

func TestProbeRecoversAfterSuccess(t *testing.T) {
	t.Parallel()

	l := newAdaptiveRateLimiter(60000, 60000)
	l.backoff()
	require.Equal(t, float64(30000), l.tpm())

	exec := l.Middleware()(runFunc(func(context.Context, *executor.Request) (*executor.RunResult, error) {
		return &executor.RunResult{}, nil
	}))
	_, err := exec.Run(context.Background(), reqWithContent("hi"))
	require.NoError(t, err)
	// Recovery steps by 5% of the initial budget.
	require.Equal(t, float64(33000), l.tpm())
}

func TestProbeClampsToCeiling(t *testing.T) {
	t.Parallel()

	l := newAdaptiveRateLimiter(60000, 61000)
	l.probe()
	require.Equal(t, float64(61000), l.tpm())
	l.probe()
	require.Equal(t, float64(61000), l.tpm())
}

func TestOtherErrorsLeaveBudgetUntouched(t *testing.T) {
	t.Parallel()

	l := newAdaptiveRateLimiter(60000, 60000)
	l.backoff()
	before := l.tpm()

	exec := l.Middleware()(runFunc(func(context.Context, *executor.Request) (*executor.RunResult, error) {
		return nil, errors.New("boom")
	}))
	_, err := exec.Run(context.Background(), reqWithContent("hi"))
	require.Error(t, err)
	require.Equal(t, before, l.tpm())
}

func TestWaitRejectsOversizedRequest(t *testing.T) {
	t.Parallel()

	// Burst of 60 tokens cannot ever satisfy the 500 token floor.
	l := newAdaptiveRateLimiter(60, 60)
	exec := l.Middleware()(runFunc(func(context.Context, *executor.Request) (*executor.RunResult, error) {
		t.Fatal("executor must not run")
		return nil, nil
	}))

	_, err := exec.Run(context.Background(), &executor.Request{AgentID: "1000"})
	require.Error(t, err)
}

func TestReplaceTPMClamps(t *testing.T) {
	t.Parallel()

	l := newAdaptiveRateLimiter(60000, 120000)
	l.replaceTPM(1)
	require.Equal(t, l.minTPM, l.tpm())
	l.replaceTPM(500000)
	require.Equal(t, float64(120000), l.tpm())
	l.replaceTPM(90000)
	require.Equal(t, float64(90000), l.tpm())
}

func TestClusterLimiterSeedsSharedBudget(t *testing.T) {
	t.Parallel()

	m := newFakeMap()
	l := newClusterAdaptiveRateLimiter(context.Background(), m, "tpm", 60000, 120000)
	require.Equal(t, float64(60000), l.tpm())

	v, ok := m.Get("tpm")
	require.True(t, ok)
	require.Equal(t, "60000", v)
}

func TestClusterLimiterAdoptsExistingBudget(t *testing.T) {
	t.Parallel()

	m := newFakeMap()
	m.mu.Lock()
	m.values["tpm"] = "30000"
	m.mu.Unlock()

	l := newClusterAdaptiveRateLimiter(context.Background(), m, "tpm", 60000, 120000)
	require.Equal(t, float64(30000), l.tpm())
}

func TestClusterLimiterReconcilesOnChange(t *testing.T) {
	t.Parallel()

	m := newFakeMap()
	l := newClusterAdaptiveRateLimiter(context.Background(), m, "tpm", 60000, 120000)

	m.set("tpm", "90000")
	require.Eventually(t, func() bool {
		return l.tpm() == 90000
	}, time.Second, 5*time.Millisecond)
}

func TestClusterLimiterFallsBackWithoutKey(t *testing.T) {
	t.Parallel()

	l := newClusterAdaptiveRateLimiter(context.Background(), nil, "", 60000, 120000)
	require.Equal(t, float64(60000), l.tpm())
}

func TestGlobalBackoffHalvesSharedBudget(t *testing.T) {
	t.Parallel()

	m := newFakeMap()
	m.mu.Lock()
	m.values["tpm"] = "60000"
	m.mu.Unlock()

	globalBackoff(context.Background(), m, "tpm", 1000)
	v, _ := m.Get("tpm")
	require.Equal(t, "30000", v)

	// The floor bounds repeated halving.
	for i := 0; i < 10; i++ {
		globalBackoff(context.Background(), m, "tpm", 1000)
	}
	v, _ = m.Get("tpm")
	require.Equal(t, "1000", v)
}

func TestGlobalProbeStepsTowardCeiling(t *testing.T) {
	t.Parallel()

	m := newFakeMap()
	m.mu.Lock()
	m.values["tpm"] = "30000"
	m.mu.Unlock()

	globalProbe(context.Background(), m, "tpm", 3000, 34000)
	v, _ := m.Get("tpm")
	require.Equal(t, "33000", v)

	globalProbe(context.Background(), m, "tpm", 3000, 34000)
	v, _ = m.Get("tpm")
	require.Equal(t, "34000", v)

	globalProbe(context.Background(), m, "tpm", 3000, 34000)
	v, _ = m.Get("tpm")
	require.Equal(t, "34000", v)
}
