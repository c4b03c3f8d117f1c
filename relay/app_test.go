//go:build unit

package relay

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelmq/lib-relay/relay/log"
)

type countingApp struct {
	runs int32
	err  error
}

func (a *countingApp) Run(_ *Launcher) error {
	atomic.AddInt32(&a.runs, 1)

	return a.err
}

func TestLauncherRunRequiresLogger(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher()

	require.ErrorIs(t, launcher.Run(), ErrLoggerNil)
}

func TestLauncherAddValidation(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher(WithLogger(log.NewNop()))

	require.ErrorIs(t, launcher.Add("   ", &countingApp{}), ErrEmptyApp)
	require.ErrorIs(t, launcher.Add("projector", nil), ErrNilApp)
	require.NoError(t, launcher.Add("projector", &countingApp{}))

	var nilLauncher *Launcher

	require.ErrorIs(t, nilLauncher.Add("projector", &countingApp{}), ErrNilLauncher)
	require.ErrorIs(t, nilLauncher.Run(), ErrNilLauncher)
}

func TestLauncherRunsEveryApp(t *testing.T) {
	t.Parallel()

	first := &countingApp{}
	second := &countingApp{}

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("first", first),
		RunApp("second", second),
	)

	require.NoError(t, launcher.Run())
	assert.Equal(t, int32(1), atomic.LoadInt32(&first.runs))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second.runs))
}

func TestLauncherRunSwallowsAppErrors(t *testing.T) {
	t.Parallel()

	failing := &countingApp{err: errors.New("poll loop crashed")}

	launcher := NewLauncher(WithLogger(log.NewNop()), RunApp("projector", failing))

	require.NoError(t, launcher.Run())
	assert.Equal(t, int32(1), atomic.LoadInt32(&failing.runs))
}

func TestLauncherSurfacesConfigErrors(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("", &countingApp{}),
	)

	err := launcher.Run()
	require.ErrorIs(t, err, ErrEmptyApp)
}
