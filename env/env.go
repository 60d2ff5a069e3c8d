// Package env reads the configuration of the pageload tool from the
// environment.
package env

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/xk6-pageload/common"
)

// Prefix is the prefix of every environment variable read by Parse.
const Prefix = "PAGELOAD"

// DevToolsURL is the DevTools websocket URL of the browser to drive, used
// when none is given on the command line.
const DevToolsURL = "PAGELOAD_DEVTOOLS_URL"

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the default LookupFunc that uses os.LookupEnv.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// EmptyLookup is a LookupFunc that always returns "" and false.
func EmptyLookup(_ string) (string, bool) { return "", false }

// ConstLookup is a LookupFunc that returns the given value if the given key
// matches.
func ConstLookup(k, v string) LookupFunc {
	return func(key string) (string, bool) {
		if key == k {
			return v, true
		}
		return "", false
	}
}

// ParseDevToolsURL returns the DevTools URL from the environment.
func ParseDevToolsURL(lookup LookupFunc) (string, bool) {
	v, ok := lookup(DevToolsURL)
	return v, ok && v != ""
}

// Config is the configuration read from PAGELOAD_* variables.
type Config struct {
	WaitUntil             []string       `envconfig:"WAIT_UNTIL" default:"navigated,load"`
	MaxWaitForLoad        time.Duration  `envconfig:"MAX_WAIT_FOR_LOAD" default:"45s"`
	CPUQuietThreshold     *time.Duration `envconfig:"CPU_QUIET_THRESHOLD"`
	NetworkQuietThreshold *time.Duration `envconfig:"NETWORK_QUIET_THRESHOLD"`
	NetworkIdleBound      int            `envconfig:"NETWORK_IDLE_BOUND" default:"0"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
	LogCategoryFilter string `envconfig:"LOG_CATEGORY_FILTER"`

	// TracesExporter is one of none, stdout or http.
	TracesExporter string            `envconfig:"TRACES_EXPORTER" default:"none"`
	TracesEndpoint string            `envconfig:"TRACES_ENDPOINT" default:"localhost:4318"`
	TracesInsecure bool              `envconfig:"TRACES_INSECURE"`
	TracesMetadata map[string]string `envconfig:"TRACES_METADATA"`

	// MetricsPushURL is the Prometheus Pushgateway the navigation metrics
	// are pushed to. Metrics are not pushed when empty.
	MetricsPushURL string `envconfig:"METRICS_PUSH_URL"`
}

// Parse reads the configuration from the environment.
func Parse() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s_* environment variables: %w", Prefix, err)
	}
	return &cfg, nil
}

// NavigationOptions returns the validated navigation options of the
// configuration.
func (c *Config) NavigationOptions() (*common.NavigationOptions, error) {
	events, err := common.ParseLifecycleEvents(c.WaitUntil)
	if err != nil {
		return nil, fmt.Errorf("parsing %s_WAIT_UNTIL: %w", Prefix, err)
	}

	opts := common.NewNavigationOptions()
	opts.WaitUntil = events
	opts.MaxWaitForLoad = c.MaxWaitForLoad
	opts.NetworkIdleBound = c.NetworkIdleBound
	if c.CPUQuietThreshold != nil {
		opts.CPUQuietThreshold = null.IntFrom(c.CPUQuietThreshold.Milliseconds())
	}
	if c.NetworkQuietThreshold != nil {
		opts.NetworkQuietThreshold = null.IntFrom(c.NetworkQuietThreshold.Milliseconds())
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return opts, nil
}
