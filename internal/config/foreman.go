package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ForemanConfig is the daemon-specific ambient configuration this spec
// adds on top of the teacher's Config: storage layout, the directories
// Policy/TIM load from, and the realtime/codex provider settings.
type ForemanConfig struct {
	// StorageRoot is the daemon's state directory: sqlite db, chats/,
	// artifacts. Defaults to $FOREMAN_HOME or ~/.foreman.
	StorageRoot string `yaml:"storage_root"`

	// PolicyDir holds sorted-by-filename YAML policy rule files merged
	// by policy.MergeRules.
	PolicyDir string `yaml:"policy_dir"`
	// ShellAllowlistDir holds sorted-by-filename YAML shell allowlist
	// rule files.
	ShellAllowlistDir string `yaml:"shell_allowlist_dir"`
	// ManifestDir holds tool manifest files (*.json/*.yaml/*.yml) TIM
	// loads at startup.
	ManifestDir string `yaml:"manifest_dir"`

	OpenAIAPIKey  string `yaml:"-"`
	OpenAIModel   string `yaml:"openai_model"`
	OpenAISTTModel string `yaml:"openai_stt_model"`

	// RealtimeEndpoint is the RVB's WebSocket events URL.
	RealtimeEndpoint string `yaml:"realtime_endpoint"`
	// RealtimePlaybackGain is the default playback gain (0-1),
	// env-overridable per §4.5.
	RealtimePlaybackGain float64 `yaml:"realtime_playback_gain"`

	// CodexBin selects the Agent Runtime's plan-seeding backend: empty
	// or "openai" uses go-openai; "anthropic" selects the Claude
	// backend instead.
	CodexBin string `yaml:"codex_bin"`
}

func applyForemanDefaults(cfg *ForemanConfig) {
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = defaultForemanHome()
	}
	if cfg.PolicyDir == "" {
		cfg.PolicyDir = filepath.Join(cfg.StorageRoot, "policy")
	}
	if cfg.ShellAllowlistDir == "" {
		cfg.ShellAllowlistDir = filepath.Join(cfg.StorageRoot, "shell-allowlist")
	}
	if cfg.ManifestDir == "" {
		cfg.ManifestDir = filepath.Join(cfg.StorageRoot, "manifests")
	}
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}
	if cfg.OpenAISTTModel == "" {
		cfg.OpenAISTTModel = "whisper-1"
	}
	if cfg.RealtimeEndpoint == "" {
		cfg.RealtimeEndpoint = "https://api.openai.com/v1/realtime"
	}
	if cfg.RealtimePlaybackGain == 0 {
		cfg.RealtimePlaybackGain = 0.25
	}
}

func defaultForemanHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".foreman")
}

// applyForemanEnvOverrides applies the env vars SPEC_FULL.md names for
// the daemon's ambient config, consistent with the teacher's
// NEXUS_*-prefixed override pattern in applyEnvOverrides.
func applyForemanEnvOverrides(cfg *ForemanConfig) {
	if value := strings.TrimSpace(os.Getenv("FOREMAN_HOME")); value != "" {
		cfg.StorageRoot = value
	}
	if value := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); value != "" {
		cfg.OpenAIAPIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("OPENAI_MODEL")); value != "" {
		cfg.OpenAIModel = value
	}
	if value := strings.TrimSpace(os.Getenv("OPENAI_STT_MODEL")); value != "" {
		cfg.OpenAISTTModel = value
	}
	if value := strings.TrimSpace(os.Getenv("REALTIME_PLAYBACK_GAIN")); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			cfg.RealtimePlaybackGain = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CODEX_BIN")); value != "" {
		cfg.CodexBin = value
	}
}

// ForemanConfigPath resolves the config file path: $FOREMAN_CONFIG, else
// "foreman.yaml" in the current directory.
func ForemanConfigPath() string {
	if value := strings.TrimSpace(os.Getenv("FOREMAN_CONFIG")); value != "" {
		return value
	}
	return "foreman.yaml"
}

// LoadForeman loads path through Load, falling back to an all-defaults
// Config when path does not exist: the daemon is expected to run with
// no config file at all in the common case, configured purely through
// the environment.
func LoadForeman(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			applyDefaults(cfg)
			applyForemanEnvOverrides(&cfg.Foreman)
			return cfg, nil
		}
		return nil, err
	}
	return Load(path)
}
