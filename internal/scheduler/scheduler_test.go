package scheduler

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExpirer struct {
	calls []time.Time
	err   error
}

func (f *fakeExpirer) ExpireCards(_ context.Context, now time.Time) (int, error) {
	f.calls = append(f.calls, now)
	return 2, f.err
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeExpirer{}, "every now and then", quietLogger())
	assert.Error(t, err)
}

func TestSweepPassesCurrentTime(t *testing.T) {
	expirer := &fakeExpirer{}
	s, err := New(expirer, "@daily", quietLogger())
	require.NoError(t, err)
	fixed := time.Date(2027, 5, 1, 0, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.sweep()
	require.Len(t, expirer.calls, 1)
	assert.Equal(t, fixed, expirer.calls[0])
}

func TestSweepFailureIsLogged(t *testing.T) {
	expirer := &fakeExpirer{err: errors.New("store down")}
	s, err := New(expirer, "0 3 * * *", quietLogger())
	require.NoError(t, err)

	assert.NotPanics(t, s.sweep)
	assert.Len(t, expirer.calls, 1)
}

func TestStartStop(t *testing.T) {
	s, err := New(&fakeExpirer{}, "@hourly", quietLogger())
	require.NoError(t, err)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
