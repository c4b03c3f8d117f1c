package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/parcelmq/lib-relay/relay/log"
	"github.com/parcelmq/lib-relay/relay/runtime"
)

var (
	// ErrLoggerNil is returned when the Launcher has no logger configured.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
)

// App represents a long-running component hosted by a Launcher, such as an
// outbox projector.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers an application under name.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs registered apps on supervised goroutines and waits for all
// of them to finish.
type Launcher struct {
	Logger       log.Logger
	apps         map[string]App
	wg           *sync.WaitGroup
	configErrors []error
}

// NewLauncher creates a Launcher with the given options.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		apps: make(map[string]App),
		wg:   new(sync.WaitGroup),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Add registers an application to run.
func (l *Launcher) Add(appName string, app App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if l.wg == nil {
		l.wg = new(sync.WaitGroup)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if app == nil {
		return ErrNilApp
	}

	l.apps[appName] = app

	return nil
}

// Run starts every registered app and blocks until all of them return.
// Configuration errors collected during option application are surfaced
// before anything starts.
func (l *Launcher) Run() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if l.wg == nil {
		l.wg = new(sync.WaitGroup)
	}

	if len(l.configErrors) > 0 {
		return errors.Join(l.configErrors...)
	}

	l.wg.Add(len(l.apps))

	l.Logger.Log(context.Background(), log.LevelInfo, "starting apps", log.Int("count", len(l.apps)))

	for name, app := range l.apps {
		nameCopy := name
		appCopy := app

		runtime.SafeGo(l.Logger, "launcher.run_"+nameCopy, runtime.KeepRunning, func() {
			defer l.wg.Done()

			l.Logger.Log(context.Background(), log.LevelInfo, "app starting", log.String("app", nameCopy))

			if err := appCopy.Run(l); err != nil {
				l.Logger.Log(context.Background(), log.LevelError, "app error", log.String("app", nameCopy), log.Err(err))
			}

			l.Logger.Log(context.Background(), log.LevelInfo, "app finished", log.String("app", nameCopy))
		})
	}

	l.wg.Wait()

	l.Logger.Log(context.Background(), log.LevelInfo, "launcher terminated")

	return nil
}
