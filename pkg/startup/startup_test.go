package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestStartOrderAndStop(t *testing.T) {
	var events []string
	record := func(e string) func(context.Context) error {
		return func(context.Context) error {
			events = append(events, e)
			return nil
		}
	}

	s := NewStartup(getTestLogger(), 1)
	s.AddDependency(&Func{Name: "server", After: []string{"redis", "postgres"}, StartFunc: record("start server"), StopFunc: record("stop server")})
	s.AddDependency(&Func{Name: "postgres", StartFunc: record("start postgres"), StopFunc: record("stop postgres")})
	s.AddDependency(&Func{Name: "redis", StartFunc: record("start redis"), StopFunc: record("stop redis")})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start redis", "start postgres", "start server"}, events)

	events = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop server", "stop postgres", "stop redis"}, events)
	assert.Equal(t, StartupStatusStopped, s.Status("server"))
}

func TestStartRetriesUntilSuccess(t *testing.T) {
	calls := 0
	s := NewStartup(getTestLogger(), 3)
	s.unit = time.Millisecond
	s.AddDependency(&Func{Name: "flaky", StartFunc: func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestStartFailsAfterMaxAttempts(t *testing.T) {
	s := NewStartup(getTestLogger(), 2)
	s.unit = time.Millisecond
	s.AddDependency(&Func{Name: "down", StartFunc: func(context.Context) error { return errors.New("refused") }})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, StartupStatusFailed, s.Status("down"))
}

func TestUnknownDependency(t *testing.T) {
	s := NewStartup(getTestLogger(), 1)
	s.AddDependency(&Func{Name: "server", After: []string{"missing"}})
	assert.Error(t, s.Start(context.Background()))
}
