package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileTypes are the per-track audio formats the recording service can
// render a session into.
var FileTypes = []string{"flac", "mp3", "vorbis", "aac", "adpcm", "wav8", "opus", "oggflac", "heaac"}

// Config models voxpipe.yml.
type Config struct {
	OpenAI struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"openai"`
	Discord struct {
		BotToken       string            `yaml:"bot_token"`
		ChannelAliases map[string]string `yaml:"channel_aliases"`
		WebhookAliases map[string]string `yaml:"webhook_aliases"`
	} `yaml:"discord"`
	Craig struct {
		BaseURL      string `yaml:"base_url"`
		PollAttempts int    `yaml:"poll_attempts"`
	} `yaml:"craig"`
	Defaults struct {
		FileType          string `yaml:"file_type"`
		Mix               string `yaml:"mix"`
		FinalFormat       string `yaml:"final_format"`
		OpusBitrate       string `yaml:"opus_bitrate"`
		MP3Bitrate        string `yaml:"mp3_bitrate"`
		TranscribeMode    string `yaml:"transcribe_mode"`
		TranscribeBackend string `yaml:"transcribe_backend"`
		TranscribeModel   string `yaml:"transcribe_model"`
		WhisperModelPath  string `yaml:"whisper_model_path"`
		Language          string `yaml:"language"`
		SummaryStyle      string `yaml:"summary_style"`
	} `yaml:"defaults"`
	Jobs struct {
		Workers      int    `yaml:"workers"`
		StageTimeout string `yaml:"stage_timeout"`
		MaxJobs      int    `yaml:"max_jobs"`
		Retention    string `yaml:"retention"`
	} `yaml:"jobs"`
	Storage struct {
		OutputRoot string `yaml:"output_root"`
		Clobber    bool   `yaml:"clobber"`
	} `yaml:"storage"`
	Watch struct {
		Dir     string   `yaml:"dir"`
		Actions []string `yaml:"actions"`
	} `yaml:"watch"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with vox config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Defaults.FileType != "" && !oneOf(c.Defaults.FileType, FileTypes) {
		return fmt.Errorf("config.defaults.file_type %q is not a known file type", c.Defaults.FileType)
	}
	if c.Defaults.Mix != "" && !oneOf(c.Defaults.Mix, []string{"individual", "mixed"}) {
		return fmt.Errorf("config.defaults.mix must be individual or mixed")
	}
	if c.Defaults.FinalFormat != "" && !oneOf(c.Defaults.FinalFormat, []string{"opus", "mp3"}) {
		return fmt.Errorf("config.defaults.final_format must be opus or mp3")
	}
	if c.Defaults.TranscribeMode != "" && !oneOf(c.Defaults.TranscribeMode, []string{"mixed", "tracks"}) {
		return fmt.Errorf("config.defaults.transcribe_mode must be mixed or tracks")
	}
	if c.Defaults.TranscribeBackend != "" && !oneOf(c.Defaults.TranscribeBackend, []string{"openai", "whisper-cli"}) {
		return fmt.Errorf("config.defaults.transcribe_backend must be openai or whisper-cli")
	}
	if c.Defaults.SummaryStyle != "" && !oneOf(c.Defaults.SummaryStyle, []string{"brief", "points", "actions"}) {
		return fmt.Errorf("config.defaults.summary_style must be brief, points, or actions")
	}
	if c.Craig.PollAttempts < 0 {
		return fmt.Errorf("config.craig.poll_attempts must not be negative")
	}
	if c.Jobs.Workers < 0 {
		return fmt.Errorf("config.jobs.workers must not be negative")
	}
	if c.Jobs.MaxJobs < 0 {
		return fmt.Errorf("config.jobs.max_jobs must not be negative")
	}
	if c.Jobs.StageTimeout != "" {
		if _, err := time.ParseDuration(c.Jobs.StageTimeout); err != nil {
			return fmt.Errorf("config.jobs.stage_timeout: %w", err)
		}
	}
	if c.Jobs.Retention != "" {
		if _, err := time.ParseDuration(c.Jobs.Retention); err != nil {
			return fmt.Errorf("config.jobs.retention: %w", err)
		}
	}
	for alias, id := range c.Discord.ChannelAliases {
		if alias == "" || id == "" {
			return fmt.Errorf("config.discord.channel_aliases contains an empty alias or id")
		}
	}
	for alias, url := range c.Discord.WebhookAliases {
		if alias == "" || url == "" {
			return fmt.Errorf("config.discord.webhook_aliases contains an empty alias or url")
		}
	}
	return nil
}

// StageTimeout returns the parsed per-stage timeout, zero when unset.
func (c *Config) StageTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Jobs.StageTimeout)
	return d
}

// Retention returns the parsed terminal-job retention, zero when unset.
func (c *Config) Retention() time.Duration {
	d, _ := time.ParseDuration(c.Jobs.Retention)
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "voxpipe.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

const defaultTemplate = `openai:
  api_key: ""
  base_url: ""

discord:
  bot_token: ""
  channel_aliases: {}
  webhook_aliases: {}

craig:
  base_url: https://craig.horse
  poll_attempts: 300

defaults:
  file_type: flac
  mix: individual
  final_format: opus
  opus_bitrate: 32k
  mp3_bitrate: 128k
  transcribe_mode: tracks
  transcribe_backend: openai
  transcribe_model: whisper-1
  whisper_model_path: ""
  language: ""
  summary_style: brief

jobs:
  workers: 2
  stage_timeout: 30m
  max_jobs: 50
  retention: 24h

storage:
  output_root: recordings
  clobber: false

watch:
  dir: ""
  actions: [download, convert]
`
