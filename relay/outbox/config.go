package outbox

import (
	"time"

	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultBatchSize            = 50
	defaultMaxConcurrentWorkers = 4
	defaultSleepBusy            = 50 * time.Millisecond
	defaultSleepIdle            = 500 * time.Millisecond
	defaultSleepIdleMax         = 10 * time.Second
	defaultErrorRetryDelay      = 5 * time.Second
	defaultMaxRetryAttempts     = 10
	defaultRetryBackoffBase     = 30 * time.Second
	defaultRetryBackoffFactor   = 2.0
	defaultRetryBackoffMaxExp   = 6
	defaultPublishingTimeout    = 10 * time.Minute
)

// ProjectorConfig controls projector polling, claiming, retry, and metric
// behavior.
type ProjectorConfig struct {
	// BatchSize is the max number of records claimed per poll cycle.
	BatchSize int
	// MaxConcurrentWorkers bounds how many aggregate groups publish in parallel.
	MaxConcurrentWorkers int
	// SleepBusy is the pause after a cycle that found work.
	SleepBusy time.Duration
	// SleepIdle is the starting pause after an empty cycle; it doubles up to SleepIdleMax.
	SleepIdle time.Duration
	// SleepIdleMax caps the idle pause growth.
	SleepIdleMax time.Duration
	// ErrorRetryDelay is the pause after a cycle that failed to claim.
	ErrorRetryDelay time.Duration
	// MaxRetryAttempts is the max delivery attempts before a record is marked dead.
	MaxRetryAttempts int
	// RetryBackoffBase is the base delay before a failed record becomes retry-eligible.
	RetryBackoffBase time.Duration
	// RetryBackoffFactor is the per-attempt multiplier applied to RetryBackoffBase.
	RetryBackoffFactor float64
	// RetryBackoffMaxExponent caps the exponent so delays plateau instead of growing unbounded.
	RetryBackoffMaxExponent int
	// PublishingTimeout is the age threshold for reclaiming records stuck in the publishing status.
	PublishingTimeout time.Duration
	// DefaultTenantID scopes claims to one tenant when no tenant source is configured.
	DefaultTenantID string
	// IncludeTenantMetrics enables tenant metric attributes and can increase cardinality.
	IncludeTenantMetrics bool
	// StatusNames overrides the stored status strings.
	StatusNames StatusNames
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultProjectorConfig returns the baseline projector configuration.
func DefaultProjectorConfig() ProjectorConfig {
	return ProjectorConfig{
		BatchSize:               defaultBatchSize,
		MaxConcurrentWorkers:    defaultMaxConcurrentWorkers,
		SleepBusy:               defaultSleepBusy,
		SleepIdle:               defaultSleepIdle,
		SleepIdleMax:            defaultSleepIdleMax,
		ErrorRetryDelay:         defaultErrorRetryDelay,
		MaxRetryAttempts:        defaultMaxRetryAttempts,
		RetryBackoffBase:        defaultRetryBackoffBase,
		RetryBackoffFactor:      defaultRetryBackoffFactor,
		RetryBackoffMaxExponent: defaultRetryBackoffMaxExp,
		PublishingTimeout:       defaultPublishingTimeout,
		DefaultTenantID:         "",
		IncludeTenantMetrics:    false,
		StatusNames:             DefaultStatusNames(),
		MeterProvider:           nil,
	}
}

func (cfg *ProjectorConfig) normalize() {
	defaults := DefaultProjectorConfig()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxConcurrentWorkers <= 0 {
		cfg.MaxConcurrentWorkers = defaults.MaxConcurrentWorkers
	}

	if cfg.SleepBusy <= 0 {
		cfg.SleepBusy = defaults.SleepBusy
	}

	if cfg.SleepIdle <= 0 {
		cfg.SleepIdle = defaults.SleepIdle
	}

	if cfg.SleepIdleMax <= 0 {
		cfg.SleepIdleMax = defaults.SleepIdleMax
	}

	if cfg.SleepIdleMax < cfg.SleepIdle {
		cfg.SleepIdleMax = cfg.SleepIdle
	}

	if cfg.ErrorRetryDelay <= 0 {
		cfg.ErrorRetryDelay = defaults.ErrorRetryDelay
	}

	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = defaults.MaxRetryAttempts
	}

	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaults.RetryBackoffBase
	}

	if cfg.RetryBackoffFactor <= 1 {
		cfg.RetryBackoffFactor = defaults.RetryBackoffFactor
	}

	if cfg.RetryBackoffMaxExponent <= 0 {
		cfg.RetryBackoffMaxExponent = defaults.RetryBackoffMaxExponent
	}

	if cfg.PublishingTimeout <= 0 {
		cfg.PublishingTimeout = defaults.PublishingTimeout
	}

	if cfg.StatusNames.Validate() != nil {
		cfg.StatusNames = defaults.StatusNames
	}
}

// ProjectorOption mutates projector configuration at construction.
type ProjectorOption func(*Projector)

// WithBatchSize sets the maximum records claimed in one poll cycle.
func WithBatchSize(size int) ProjectorOption {
	return func(projector *Projector) {
		if size > 0 {
			projector.cfg.BatchSize = size
		}
	}
}

// WithMaxConcurrentWorkers sets how many aggregate groups publish in parallel.
func WithMaxConcurrentWorkers(workers int) ProjectorOption {
	return func(projector *Projector) {
		if workers > 0 {
			projector.cfg.MaxConcurrentWorkers = workers
		}
	}
}

// WithSleepBusy sets the pause after a productive poll cycle.
func WithSleepBusy(sleep time.Duration) ProjectorOption {
	return func(projector *Projector) {
		if sleep > 0 {
			projector.cfg.SleepBusy = sleep
		}
	}
}

// WithSleepIdle sets the starting pause after an empty poll cycle.
func WithSleepIdle(sleep time.Duration) ProjectorOption {
	return func(projector *Projector) {
		if sleep > 0 {
			projector.cfg.SleepIdle = sleep
		}
	}
}

// WithSleepIdleMax caps the idle pause growth.
func WithSleepIdleMax(sleep time.Duration) ProjectorOption {
	return func(projector *Projector) {
		if sleep > 0 {
			projector.cfg.SleepIdleMax = sleep
		}
	}
}

// WithErrorRetryDelay sets the pause after a failed claim cycle.
func WithErrorRetryDelay(delay time.Duration) ProjectorOption {
	return func(projector *Projector) {
		if delay > 0 {
			projector.cfg.ErrorRetryDelay = delay
		}
	}
}

// WithMaxRetryAttempts sets max delivery attempts before a record is marked dead.
func WithMaxRetryAttempts(attempts int) ProjectorOption {
	return func(projector *Projector) {
		if attempts > 0 {
			projector.cfg.MaxRetryAttempts = attempts
		}
	}
}

// WithRetryBackoff sets the base delay, multiplier, and exponent cap applied
// to failed records before they become retry-eligible.
func WithRetryBackoff(base time.Duration, factor float64, maxExponent int) ProjectorOption {
	return func(projector *Projector) {
		if base > 0 {
			projector.cfg.RetryBackoffBase = base
		}

		if factor > 1 {
			projector.cfg.RetryBackoffFactor = factor
		}

		if maxExponent > 0 {
			projector.cfg.RetryBackoffMaxExponent = maxExponent
		}
	}
}

// WithPublishingTimeout sets the age threshold for reclaiming stuck publishing records.
func WithPublishingTimeout(timeout time.Duration) ProjectorOption {
	return func(projector *Projector) {
		if timeout > 0 {
			projector.cfg.PublishingTimeout = timeout
		}
	}
}

// WithDefaultTenantID scopes claims to a single tenant.
func WithDefaultTenantID(tenantID string) ProjectorOption {
	return func(projector *Projector) {
		projector.cfg.DefaultTenantID = tenantID
	}
}

// WithStatusNames overrides the stored status strings. Invalid sets are
// rejected during normalization and the defaults kept.
func WithStatusNames(names StatusNames) ProjectorOption {
	return func(projector *Projector) {
		projector.cfg.StatusNames = names
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) ProjectorOption {
	return func(projector *Projector) {
		if nilcheck.Interface(classifier) {
			projector.retryClassifier = nil

			return
		}

		projector.retryClassifier = classifier
	}
}

// WithTenantMetricAttributes toggles tenant attributes for projector metrics.
func WithTenantMetricAttributes(enabled bool) ProjectorOption {
	return func(projector *Projector) {
		projector.cfg.IncludeTenantMetrics = enabled
	}
}

// WithMeterProvider injects a custom meter provider for projector metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) ProjectorOption {
	return func(projector *Projector) {
		if nilcheck.Interface(provider) {
			projector.cfg.MeterProvider = nil

			return
		}

		projector.cfg.MeterProvider = provider
	}
}
