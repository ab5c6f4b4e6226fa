package polos

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds the runtime connection settings read from the environment
// variables listed in spec §6.
type Config struct {
	APIURL                 string
	APIKey                 string
	ProjectID              string
	DeploymentID           string
	WorkerPort             int
	MaxConcurrentWorkflows int
	WaitThresholdSeconds   int
}

// LoadConfig reads POLOS_* environment variables, applying the documented
// defaults for anything unset. Grounded on cmd/sandbox/main.go's loadConfig:
// read-with-default per field, no error for missing optional values.
func LoadConfig() Config {
	return Config{
		APIURL:                 envOr("POLOS_API_URL", "https://api.polos.dev"),
		APIKey:                 os.Getenv("POLOS_API_KEY"),
		ProjectID:              os.Getenv("POLOS_PROJECT_ID"),
		DeploymentID:           os.Getenv("POLOS_DEPLOYMENT_ID"),
		WorkerPort:             envInt("POLOS_WORKER_PORT", 8080),
		MaxConcurrentWorkflows: envInt("POLOS_MAX_CONCURRENT_WORKFLOWS", 100),
		WaitThresholdSeconds:   envInt("POLOS_WAIT_THRESHOLD_SECONDS", 10),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// WorkerConfig declares queues, concurrency limits, and sandbox defaults
// ahead of time via a static TOML file, the way internal/config/config.go
// declares a nested toml-tagged Config struct. Optional: a worker can be
// wired entirely from LoadConfig plus programmatic Registry.Register calls.
type WorkerConfig struct {
	Queues  []QueueConfig  `toml:"queue"`
	Sandbox SandboxConfig  `toml:"sandbox"`
}

type QueueConfig struct {
	Name             string `toml:"name"`
	ConcurrencyLimit int    `toml:"concurrency_limit"`
}

type SandboxConfig struct {
	IdleDestroyTimeout string `toml:"idle_destroy_timeout"` // "10m", parsed by package sandbox
	SweepInterval      string `toml:"sweep_interval"`
	OrphanGracePeriod  string `toml:"orphan_grace_period"`
	Image              string `toml:"image"`
}

// LoadWorkerConfig reads a declarative worker config file. A missing file
// is not an error: the zero-value WorkerConfig applies, and callers fall
// back to package defaults (mirroring Load's tolerance of a missing TOML
// file in the teacher's internal/config package).
func LoadWorkerConfig(path string) (WorkerConfig, error) {
	var cfg WorkerConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
