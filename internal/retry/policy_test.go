package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func isBusy(err error) bool { return errors.Is(err, errBusy) }

func TestSpinRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Spin(isBusy).Do(context.Background(), func() error {
		calls++
		if calls < 5 {
			return errBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
}

func TestBoundedGivesUp(t *testing.T) {
	calls := 0
	err := Bounded(3, time.Microsecond, isBusy).Do(context.Background(), func() error {
		calls++
		return errBusy
	})
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 3, calls)
}

func TestRetryIfStopsOnOtherErrors(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Spin(isBusy).Do(context.Background(), func() error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestBlockingHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Blocking(time.Millisecond, 4*time.Millisecond, isBusy).Do(ctx, func() error {
		return errBusy
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOnRetryObservesAttempts(t *testing.T) {
	var seen []uint
	p := Spin(isBusy).WithOnRetry(func(n uint, err error) { seen = append(seen, n) })
	calls := 0
	require.NoError(t, p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	}))
	assert.Len(t, seen, 2)
}
