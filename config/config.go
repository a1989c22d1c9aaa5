// Package config loads the reactor's ambient configuration knobs from the
// environment and exposes them to the rest of the module as small,
// concern-scoped interfaces.
package config

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
)

type contextKey string

func (c contextKey) String() string {
	return "asynchttp/config/" + string(c)
}

const ctxKeyConfiguration = contextKey("configurationKey")

// ToContext adds the resolved configuration to the supplied context.
func ToContext(ctx context.Context, config any) context.Context {
	return context.WithValue(ctx, ctxKeyConfiguration, config)
}

// FromContext extracts configuration from the supplied context if present.
func FromContext[T any](ctx context.Context) T {
	if cfg, ok := ctx.Value(ctxKeyConfiguration).(T); ok {
		return cfg
	}
	var zero T
	return zero
}

// FromEnv parses environment variables into a new T.
func FromEnv[T any]() (T, error) {
	return env.ParseAs[T]()
}

// FillEnv fills an existing value from the environment.
func FillEnv(v any) error {
	return env.Parse(v)
}

// ConfigurationDefault is the reactor's concrete configuration. Every knob
// named in the interfaces below has a struct tag default so a zero-value
// environment still produces a runnable reactor.
type ConfigurationDefault struct {
	LogLevel      string `env:"LOG_LEVEL"       envDefault:"info"                      yaml:"log_level"`
	LogFormat     string `env:"LOG_FORMAT"      envDefault:"info"                      yaml:"log_format"`
	LogTimeFormat string `env:"LOG_TIME_FORMAT" envDefault:"2006-01-02T15:04:05Z07:00" yaml:"log_time_format"`
	LogColored    bool   `env:"LOG_COLORED"     envDefault:"true"                      yaml:"log_colored"`

	ServiceName        string `env:"SERVICE_NAME"          envDefault:"async-http-reactor" yaml:"service_name"`
	ServiceEnvironment string `env:"SERVICE_ENVIRONMENT"   envDefault:""                   yaml:"service_environment"`
	ServiceVersion     string `env:"SERVICE_VERSION"       envDefault:""                   yaml:"service_version"`
	ServiceIDValue     string `env:"ASYNC_HTTP_PROCESS_ID" envDefault:""                   yaml:"process_id"`

	// Worker pool settings, for the job framework that hosts the reactor.
	WorkerPoolCPUFactorForWorkerCount int    `env:"WORKER_POOL_CPU_FACTOR_FOR_WORKER_COUNT" envDefault:"10"  yaml:"worker_pool_cpu_factor_for_worker_count"`
	WorkerPoolCapacity                int    `env:"WORKER_POOL_CAPACITY"                    envDefault:"100" yaml:"worker_pool_capacity"`
	WorkerPoolCount                   int    `env:"WORKER_POOL_COUNT"                       envDefault:"1"   yaml:"worker_pool_count"`
	WorkerPoolExpiryDuration          string `env:"WORKER_POOL_EXPIRY_DURATION"             envDefault:"1s"  yaml:"worker_pool_expiry_duration"`

	// Job queue, the framework's continuation/retry transport.
	JobQueueName string `env:"ASYNC_HTTP_JOB_QUEUE_NAME" envDefault:"async_http.continuations"       yaml:"job_queue_name"`
	JobQueueURL  string `env:"ASYNC_HTTP_JOB_QUEUE_URL"  envDefault:"mem://async_http.continuations" yaml:"job_queue_url"`

	// Inflight registry KV store.
	InflightStoreDSN    string `env:"ASYNC_HTTP_INFLIGHT_STORE_DSN"    envDefault:"redis://127.0.0.1:6379/0" yaml:"inflight_store_dsn"`
	InflightStoreDriver string `env:"ASYNC_HTTP_INFLIGHT_STORE_DRIVER" envDefault:"redis"                    yaml:"inflight_store_driver"`

	// Large-payload offload store (spec §9). "memory" needs no DSN; "redis"
	// and "valkey" reuse the cache package's client construction.
	ExternalStoreDriver   string `env:"ASYNC_HTTP_EXTERNAL_STORE_DRIVER"    envDefault:"memory" yaml:"external_store_driver"`
	ExternalStoreDSN      string `env:"ASYNC_HTTP_EXTERNAL_STORE_DSN"       envDefault:""        yaml:"external_store_dsn"`
	OffloadThresholdBytes int    `env:"ASYNC_HTTP_OFFLOAD_THRESHOLD_BYTES"  envDefault:"0"       yaml:"offload_threshold_bytes"`

	// Reactor policy knobs.
	MaxConnections          int           `env:"ASYNC_HTTP_MAX_CONNECTIONS"           envDefault:"256"`
	IdleConnectionTimeout   time.Duration `env:"ASYNC_HTTP_IDLE_CONNECTION_TIMEOUT"   envDefault:"60s"`
	DefaultRequestTimeout   time.Duration `env:"ASYNC_HTTP_DEFAULT_REQUEST_TIMEOUT"   envDefault:"60s"`
	ConnectTimeout          time.Duration `env:"ASYNC_HTTP_CONNECT_TIMEOUT"           envDefault:"10s"`
	ShutdownTimeout         time.Duration `env:"ASYNC_HTTP_SHUTDOWN_TIMEOUT"          envDefault:"28s"`
	HeartbeatInterval       time.Duration `env:"ASYNC_HTTP_HEARTBEAT_INTERVAL"        envDefault:"60s"`
	OrphanThreshold         time.Duration `env:"ASYNC_HTTP_ORPHAN_THRESHOLD"          envDefault:"300s"`
	MaxRedirects            int           `env:"ASYNC_HTTP_MAX_REDIRECTS"             envDefault:"5"`
	MaxResponseSizeBytes    int64         `env:"ASYNC_HTTP_MAX_RESPONSE_SIZE_BYTES"   envDefault:"10485760"`
	UserAgent               string        `env:"ASYNC_HTTP_USER_AGENT"                envDefault:"async-http-reactor/1.0"`
	DNSCacheTTL             time.Duration `env:"ASYNC_HTTP_DNS_CACHE_TTL"             envDefault:"300s"`
	RaiseErrorResponses     bool          `env:"ASYNC_HTTP_RAISE_ERROR_RESPONSES"     envDefault:"false"`
	SubmissionQueueCapacity int           `env:"ASYNC_HTTP_SUBMISSION_QUEUE_CAPACITY" envDefault:"1024"`
}

type ConfigurationService interface {
	Name() string
	Environment() string
	Version() string
}

var _ ConfigurationService = new(ConfigurationDefault)

func (c *ConfigurationDefault) Name() string        { return c.ServiceName }
func (c *ConfigurationDefault) Environment() string { return c.ServiceEnvironment }
func (c *ConfigurationDefault) Version() string     { return c.ServiceVersion }
func (c *ConfigurationDefault) ProcessID() string   { return c.ServiceIDValue }

type ConfigurationLogLevel interface {
	LoggingLevel() string
	LoggingFormat() string
	LoggingTimeFormat() string
	LoggingColored() bool
	LoggingLevelIsDebug() bool
}

var _ ConfigurationLogLevel = new(ConfigurationDefault)

func (c *ConfigurationDefault) LoggingLevel() string      { return c.LogLevel }
func (c *ConfigurationDefault) LoggingTimeFormat() string { return c.LogTimeFormat }
func (c *ConfigurationDefault) LoggingFormat() string     { return c.LogFormat }
func (c *ConfigurationDefault) LoggingColored() bool      { return c.LogColored }

func (c *ConfigurationDefault) LoggingLevelIsDebug() bool {
	return c.LoggingLevel() == "debug" || c.LoggingLevel() == "trace"
}

// ConfigurationWorkerPool is consumed by the workerpool package to size the
// ants pool backing the job framework.
type ConfigurationWorkerPool interface {
	GetCPUFactor() int
	GetCapacity() int
	GetCount() int
	GetExpiryDuration() time.Duration
}

var _ ConfigurationWorkerPool = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetCPUFactor() int { return c.WorkerPoolCPUFactorForWorkerCount }
func (c *ConfigurationDefault) GetCapacity() int  { return c.WorkerPoolCapacity }
func (c *ConfigurationDefault) GetCount() int     { return c.WorkerPoolCount }

func (c *ConfigurationDefault) GetExpiryDuration() time.Duration {
	d, err := time.ParseDuration(c.WorkerPoolExpiryDuration)
	if err != nil {
		return time.Second
	}
	return d
}

// ConfigurationJobQueue names the queue the reactor publishes continuation
// jobs onto and the queue re-enqueued originating jobs return to.
type ConfigurationJobQueue interface {
	GetJobQueueName() string
	GetJobQueueURL() string
}

var _ ConfigurationJobQueue = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetJobQueueName() string { return c.JobQueueName }
func (c *ConfigurationDefault) GetJobQueueURL() string  { return c.JobQueueURL }

// ConfigurationInflightStore names the KV store backing the inflight
// registry and which driver (redis, valkey) serves it.
type ConfigurationInflightStore interface {
	GetInflightStoreDSN() string
	GetInflightStoreDriver() string
}

var _ ConfigurationInflightStore = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetInflightStoreDSN() string    { return c.InflightStoreDSN }
func (c *ConfigurationDefault) GetInflightStoreDriver() string { return c.InflightStoreDriver }

// ConfigurationReactor is the policy surface of the Processor itself.
type ConfigurationReactor interface {
	GetMaxConnections() int
	GetIdleConnectionTimeout() time.Duration
	GetDefaultRequestTimeout() time.Duration
	GetConnectTimeout() time.Duration
	GetShutdownTimeout() time.Duration
	GetHeartbeatInterval() time.Duration
	GetOrphanThreshold() time.Duration
	GetMaxRedirects() int
	GetMaxResponseSizeBytes() int64
	GetUserAgent() string
	GetDNSCacheTTL() time.Duration
	GetRaiseErrorResponses() bool
	GetSubmissionQueueCapacity() int
	GetExternalStoreDriver() string
	GetExternalStoreDSN() string
	GetOffloadThresholdBytes() int
}

var _ ConfigurationReactor = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetMaxConnections() int                  { return c.MaxConnections }
func (c *ConfigurationDefault) GetIdleConnectionTimeout() time.Duration { return c.IdleConnectionTimeout }
func (c *ConfigurationDefault) GetDefaultRequestTimeout() time.Duration { return c.DefaultRequestTimeout }
func (c *ConfigurationDefault) GetConnectTimeout() time.Duration       { return c.ConnectTimeout }
func (c *ConfigurationDefault) GetShutdownTimeout() time.Duration      { return c.ShutdownTimeout }
func (c *ConfigurationDefault) GetHeartbeatInterval() time.Duration    { return c.HeartbeatInterval }
func (c *ConfigurationDefault) GetOrphanThreshold() time.Duration      { return c.OrphanThreshold }
func (c *ConfigurationDefault) GetMaxRedirects() int                   { return c.MaxRedirects }
func (c *ConfigurationDefault) GetMaxResponseSizeBytes() int64         { return c.MaxResponseSizeBytes }
func (c *ConfigurationDefault) GetUserAgent() string                   { return c.UserAgent }
func (c *ConfigurationDefault) GetDNSCacheTTL() time.Duration          { return c.DNSCacheTTL }
func (c *ConfigurationDefault) GetRaiseErrorResponses() bool           { return c.RaiseErrorResponses }
func (c *ConfigurationDefault) GetSubmissionQueueCapacity() int        { return c.SubmissionQueueCapacity }
func (c *ConfigurationDefault) GetExternalStoreDriver() string         { return c.ExternalStoreDriver }
func (c *ConfigurationDefault) GetExternalStoreDSN() string            { return c.ExternalStoreDSN }
func (c *ConfigurationDefault) GetOffloadThresholdBytes() int          { return c.OffloadThresholdBytes }
