package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentpool/pkg/poolerr"
	"github.com/cuemby/agentpool/pkg/types"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  20 * time.Millisecond,
		HalfOpenRequests: 2,
		SuccessThreshold: 2,
		WindowSeconds:    time.Minute,
	}
}

func TestBreakerStartsClosedAndAllows(t *testing.T) {
	b := New(testConfig())
	assert.Equal(t, types.CircuitClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerTripsAfterFailureThreshold(t *testing.T) {
	b := New(testConfig())
	b.RecordFailure(errors.New("boom"))
	b.RecordFailure(errors.New("boom"))
	assert.Equal(t, types.CircuitClosed, b.State())
	b.RecordFailure(errors.New("boom"))
	assert.Equal(t, types.CircuitOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := New(testConfig())
	b.Trip()
	assert.False(t, b.Allow())

	time.Sleep(25 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, types.CircuitHalfOpen, b.State())
}

func TestBreakerHalfOpenLimitsInFlightRequests(t *testing.T) {
	b := New(testConfig())
	b.Trip()
	time.Sleep(25 * time.Millisecond)

	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
}

func TestBreakerClosesAfterSuccessThresholdInHalfOpen(t *testing.T) {
	b := New(testConfig())
	b.Trip()
	time.Sleep(25 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	assert.Equal(t, types.CircuitHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, types.CircuitClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(testConfig())
	b.Trip()
	time.Sleep(25 * time.Millisecond)
	b.Allow()

	b.RecordFailure(errors.New("boom"))
	assert.Equal(t, types.CircuitOpen, b.State())
}

func TestBreakerFailuresOutsideWindowDontAccumulate(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSeconds = 10 * time.Millisecond
	b := New(cfg)

	b.RecordFailure(errors.New("boom"))
	time.Sleep(15 * time.Millisecond)
	b.RecordFailure(errors.New("boom"))
	b.RecordFailure(errors.New("boom"))
	assert.Equal(t, types.CircuitClosed, b.State())
}

func TestRecordFailureIgnoresExcludedErrorKinds(t *testing.T) {
	cfg := testConfig()
	cfg.ExcludedErrorKinds = []poolerr.Kind{poolerr.KindQuotaExceeded}
	b := New(cfg)

	quotaErr := poolerr.New(poolerr.KindQuotaExceeded, poolerr.ErrQuotaExceeded, "over quota")
	b.RecordFailure(quotaErr)
	b.RecordFailure(quotaErr)
	b.RecordFailure(quotaErr)

	assert.Equal(t, types.CircuitClosed, b.State())
	stats := b.Stats()
	assert.Equal(t, int64(0), stats.TotalFailures)
	assert.Equal(t, int64(3), stats.TotalSuccesses)
}

func TestCallRecordsOutcomeAndRejectsWhenOpen(t *testing.T) {
	b := New(testConfig())
	boom := errors.New("boom")

	err := b.Call(func() error { return boom })
	require.ErrorIs(t, err, boom)

	b.Call(func() error { return boom })
	b.Call(func() error { return boom })
	err = b.Call(func() error { return boom })
	require.ErrorIs(t, err, ErrOpen)
}

func TestStatsFailureRate(t *testing.T) {
	b := New(testConfig())
	b.RecordSuccess()
	b.RecordFailure(errors.New("boom"))
	stats := b.Stats()
	assert.Equal(t, int64(2), stats.TotalCalls)
	assert.Equal(t, 0.5, stats.FailureRate())
}

func TestTimeUntilResetZeroWhenNotOpen(t *testing.T) {
	b := New(testConfig())
	assert.Equal(t, time.Duration(0), b.TimeUntilReset())
}

func TestTimeUntilResetCountsDownWhenOpen(t *testing.T) {
	b := New(testConfig())
	b.Trip()
	assert.Greater(t, b.TimeUntilReset(), time.Duration(0))
}

func TestRegistryGetOrCreateAndRemove(t *testing.T) {
	r := NewRegistry(testConfig())
	assert.Nil(t, r.Get("key-1"))

	b1 := r.GetOrCreate("key-1")
	require.NotNil(t, b1)
	b2 := r.GetOrCreate("key-1")
	assert.Same(t, b1, b2)

	r.Remove("key-1")
	assert.Nil(t, r.Get("key-1"))
}

func TestRegistryListAllAndResetAll(t *testing.T) {
	r := NewRegistry(testConfig())
	b1 := r.GetOrCreate("key-1")
	b1.Trip()

	all := r.ListAll()
	require.Len(t, all, 1)

	r.ResetAll()
	assert.Equal(t, types.CircuitClosed, b1.State())
}
