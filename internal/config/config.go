package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"

	"github.com/iggydv12/replicaset/internal/devnode"
	"github.com/iggydv12/replicaset/internal/logging"
	"github.com/iggydv12/replicaset/internal/registry"
	"github.com/iggydv12/replicaset/internal/storage"
)

// Config is the root configuration struct
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         logging.Config    `mapstructure:"log"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Selection   SelectionConfig   `mapstructure:"selection"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Convergence ConvergenceConfig `mapstructure:"convergence"`
	Assign      AssignConfig      `mapstructure:"assign"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Storage     storage.Config    `mapstructure:"storage"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	DevNode     devnode.Config    `mapstructure:"devnode"`
}

// ServerConfig holds the REST listener settings
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// RegistryConfig lists the registered service providers and the versions
// the network currently expects, keyed by service type.
type RegistryConfig struct {
	Providers       []registry.Provider `mapstructure:"providers"`
	CurrentVersions map[string]string   `mapstructure:"currentVersions"`
}

// SelectionConfig tunes content node selection
type SelectionConfig struct {
	EquivalencyDelta      time.Duration `mapstructure:"equivalencyDelta"`
	PatchForPrimary       bool          `mapstructure:"patchForPrimary"`
	PatchForSecondaries   bool          `mapstructure:"patchForSecondaries"`
	Allow                 []string      `mapstructure:"allow"`
	Deny                  []string      `mapstructure:"deny"`
	MaxStorageUsedPercent float64       `mapstructure:"maxStorageUsedPercent"`
	ProbeTimeout          time.Duration `mapstructure:"probeTimeout"`
	PerformSyncCheck      bool          `mapstructure:"performSyncCheck"`
}

// DiscoveryConfig tunes indexing node quorum sampling
type DiscoveryConfig struct {
	QuorumSize int `mapstructure:"quorumSize"`
	// IndexURL points at an indexing node. Empty means the built-in ledger index.
	IndexURL string `mapstructure:"indexURL"`
}

// ConvergenceConfig holds the indexing wait settings
type ConvergenceConfig struct {
	PollInterval time.Duration `mapstructure:"pollInterval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	IndexDelay   time.Duration `mapstructure:"indexDelay"`
}

// AssignConfig bounds a single replica set assignment
type AssignConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LedgerConfig selects the ledger backend. An empty Path keeps it in memory.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// ScheduleConfig holds scheduler interval settings
type ScheduleConfig struct {
	HealthSweep time.Duration `mapstructure:"healthSweep"`
}

// ErrNoProviders is returned when a command needs providers but none are configured.
var ErrNoProviders = errors.New("no providers configured")

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.outputPaths", []string{"stderr"})
	v.SetDefault("log.development", false)
	v.SetDefault("registry.currentVersions", map[string]string{})
	v.SetDefault("selection.equivalencyDelta", 200*time.Millisecond)
	v.SetDefault("selection.patchForPrimary", true)
	v.SetDefault("selection.patchForSecondaries", true)
	v.SetDefault("selection.maxStorageUsedPercent", 95.0)
	v.SetDefault("selection.probeTimeout", 7500*time.Millisecond)
	v.SetDefault("selection.performSyncCheck", false)
	v.SetDefault("discovery.quorumSize", 3)
	v.SetDefault("discovery.indexURL", "")
	v.SetDefault("convergence.pollInterval", 500*time.Millisecond)
	v.SetDefault("convergence.timeout", 60*time.Second)
	v.SetDefault("convergence.indexDelay", 0)
	v.SetDefault("assign.timeout", 2*time.Minute)
	v.SetDefault("ledger.path", "")
	v.SetDefault("storage.connectAttempts", 3)
	v.SetDefault("storage.connectDelay", 500*time.Millisecond)
	v.SetDefault("storage.requestTimeout", 10*time.Second)
	v.SetDefault("storage.maxElapsed", 30*time.Second)
	v.SetDefault("storage.requestsPerSecond", 0.0)
	v.SetDefault("storage.requestBurst", 1)
	v.SetDefault("schedule.healthSweep", 30*time.Second)
	v.SetDefault("devnode.version", "0.0.0")
	v.SetDefault("devnode.diskPath", ".")
	v.SetDefault("devnode.maxStorageUsedPercent", 95.0)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Versions converts CurrentVersions into registry form.
func (r RegistryConfig) Versions() map[registry.ServiceType]string {
	out := make(map[registry.ServiceType]string, len(r.CurrentVersions))
	for t, v := range r.CurrentVersions {
		out[registry.ServiceType(t)] = v
	}
	return out
}

// NewRegistry builds a static registry from the configured providers.
func (r RegistryConfig) NewRegistry() (*registry.Static, error) {
	if len(r.Providers) == 0 {
		return nil, ErrNoProviders
	}
	return registry.NewStatic(r.Providers, r.Versions())
}
