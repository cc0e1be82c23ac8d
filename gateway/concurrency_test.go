package gateway

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConcurrency(t *testing.T) (*ConcurrencyChecker, *ReservationManager, func(credID uint, n int)) {
	t.Helper()
	mr, c := setupTestRedis(t)
	r := NewReservationManager(c, DefaultReservationConfig(), nil)
	checker := NewConcurrencyChecker(c, r, newTestMetrics(), nil)
	setInflight := func(credID uint, n int) {
		mr.Set(counterKey(credID), strconv.Itoa(n))
	}
	return checker, r, setInflight
}

func TestConcurrency_NilLimitAlwaysAdmits(t *testing.T) {
	checker, _, _ := newTestConcurrency(t)
	cred := &Credential{ID: 1}

	ok, snap := checker.CheckAvailable(context.Background(), cred, false)
	assert.True(t, ok)
	assert.Nil(t, snap.Limit)
}

func TestConcurrency_NonPositiveLimitDenies(t *testing.T) {
	checker, _, _ := newTestConcurrency(t)
	cred := &Credential{ID: 1, ConcurrencyLimit: intPtr(0)}

	ok, _ := checker.CheckAvailable(context.Background(), cred, false)
	assert.False(t, ok)
}

func TestConcurrency_AdmissionFormula(t *testing.T) {
	checker, _, setInflight := newTestConcurrency(t)
	ctx := context.Background()
	// 探测期预留 0.10：非亲和可用 floor(10*0.9)=9 个槽位
	cred := &Credential{ID: 1, ConcurrencyLimit: intPtr(10)}

	setInflight(1, 8)
	ok, snap := checker.CheckAvailable(ctx, cred, false)
	assert.True(t, ok)
	assert.Equal(t, int64(8), snap.Current)
	assert.Equal(t, 0.10, snap.ReservationRatio)
	assert.Equal(t, PhaseProbe, snap.Phase)

	setInflight(1, 9)
	ok, _ = checker.CheckAvailable(ctx, cred, false)
	assert.False(t, ok)

	// 亲和调用方用满额：9 in-flight 仍放行
	ok, snap = checker.CheckAvailable(ctx, cred, true)
	assert.True(t, ok)
	assert.True(t, snap.CachedCaller)

	setInflight(1, 10)
	ok, _ = checker.CheckAvailable(ctx, cred, true)
	assert.False(t, ok)
}

func TestConcurrency_BackendDownAdmits(t *testing.T) {
	mr, c := setupTestRedis(t)
	r := NewReservationManager(c, DefaultReservationConfig(), nil)
	checker := NewConcurrencyChecker(c, r, newTestMetrics(), nil)
	mr.Close()

	cred := &Credential{ID: 1, ConcurrencyLimit: intPtr(1)}
	ok, _ := checker.CheckAvailable(context.Background(), cred, false)
	assert.True(t, ok)
}

func TestConcurrency_AcquireReleaseMovesCounter(t *testing.T) {
	checker, _, _ := newTestConcurrency(t)
	ctx := context.Background()
	cred := &Credential{ID: 7, ConcurrencyLimit: intPtr(2)}

	require.NoError(t, checker.Acquire(ctx, 7))
	require.NoError(t, checker.Acquire(ctx, 7))

	ok, snap := checker.CheckAvailable(ctx, cred, true)
	assert.False(t, ok)
	assert.Equal(t, int64(2), snap.Current)

	checker.Release(ctx, 7)
	ok, snap = checker.CheckAvailable(ctx, cred, true)
	assert.True(t, ok)
	assert.Equal(t, int64(1), snap.Current)
}

func TestConcurrency_ReleaseNeverGoesNegative(t *testing.T) {
	checker, _, _ := newTestConcurrency(t)
	ctx := context.Background()

	// 未占用就释放：计数保持 0
	checker.Release(ctx, 7)
	checker.Release(ctx, 7)
	require.NoError(t, checker.Acquire(ctx, 7))

	cred := &Credential{ID: 7, ConcurrencyLimit: intPtr(2)}
	_, snap := checker.CheckAvailable(ctx, cred, true)
	assert.Equal(t, int64(1), snap.Current)
}

func TestConcurrency_AdmissionChecksFeedPromotion(t *testing.T) {
	checker, r, setInflight := newTestConcurrency(t)
	ctx := context.Background()
	cred := &Credential{ID: 3, ConcurrencyLimit: intPtr(10)}
	cfg := DefaultReservationConfig()
	setInflight(3, 1)

	// 亲和调用方不施加预留，不产生调整观察
	for i := 0; i < cfg.StablePromoteAdjustments; i++ {
		checker.CheckAvailable(ctx, cred, true)
	}
	for i := 0; i < cfg.StablePromoteSuccesses; i++ {
		r.ReportSuccess(ctx, 3)
	}
	_, phase, _ := r.Ratio(ctx, 3, 0.1)
	assert.Equal(t, PhaseProbe, phase)

	// 非亲和准入检查本身就是调整观察，正常流量即可升入稳定期
	for i := 0; i < cfg.StablePromoteAdjustments; i++ {
		checker.CheckAvailable(ctx, cred, false)
	}
	r.ReportSuccess(ctx, 3)
	_, phase, _ = r.Ratio(ctx, 3, 0.1)
	assert.Equal(t, PhaseStable, phase)
}

func TestConcurrency_LoadFactorFeedsReservation(t *testing.T) {
	checker, r, setInflight := newTestConcurrency(t)
	ctx := context.Background()
	cred := &Credential{ID: 1, ConcurrencyLimit: intPtr(10)}

	// 升入稳定期
	cfg := DefaultReservationConfig()
	for i := 0; i < cfg.StablePromoteAdjustments; i++ {
		r.ReportAdjustment(ctx, 1)
	}
	for i := 0; i < cfg.StablePromoteSuccesses; i++ {
		r.ReportSuccess(ctx, 1)
	}

	setInflight(1, 2)
	_, lowLoad := checker.CheckAvailable(ctx, cred, false)
	setInflight(1, 8)
	_, highLoad := checker.CheckAvailable(ctx, cred, false)

	assert.Equal(t, PhaseStable, lowLoad.Phase)
	assert.Equal(t, PhaseStable, highLoad.Phase)
	// 负载越高预留越大
	assert.Less(t, lowLoad.ReservationRatio, highLoad.ReservationRatio)
}
