package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/liuscraft/orion-gateway/internal/audio"
	"github.com/liuscraft/orion-gateway/internal/tts"
)

const DefaultPath = "config/gateway.json"

type AppConfig struct {
	Logging LoggingConfig `json:"logging"`
	TTS     TTSConfig     `json:"tts"`
	ASR     ASRConfig     `json:"asr"`
	Metrics MetricsConfig `json:"metrics"`
	Voices  VoicesConfig  `json:"voices"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type TTSConfig struct {
	Listen           string          `json:"listen"`
	PoolCapacity     int             `json:"pool_capacity"`
	ReadyTimeoutMs   int             `json:"ready_timeout_ms"`
	MaxRetries       int             `json:"max_retries"`
	EncodeSampleRate int             `json:"encode_sample_rate"`
	FrameDurationMs  int             `json:"frame_duration_ms"`
	ProtocolVersion  int             `json:"protocol_version"`
	DefaultVoice     string          `json:"default_voice"`
	StripMarkdown    bool            `json:"strip_markdown"`
	Volc             VolcConfig      `json:"volc"`
	DashScope        DashScopeConfig `json:"dashscope"`
}

type VolcConfig struct {
	Endpoint   string `json:"endpoint"`
	AppID      string `json:"app_id"`
	AccessKey  string `json:"access_key"`
	ResourceID string `json:"resource_id"`
}

type DashScopeConfig struct {
	APIKey               string  `json:"api_key"`
	Endpoint             string  `json:"endpoint"`
	Workspace            string  `json:"workspace"`
	Model                string  `json:"model"`
	SampleRate           int     `json:"sample_rate"`
	Volume               int     `json:"volume"`
	Rate                 float64 `json:"rate"`
	Pitch                float64 `json:"pitch"`
	PingIntervalMs       int     `json:"ping_interval_ms"`
	EnableDataInspection *bool   `json:"enable_data_inspection"`
}

type ASRConfig struct {
	FrontendListen   string `json:"frontend_listen"`
	BackendListen    string `json:"backend_listen"`
	PingIntervalMs   int    `json:"ping_interval_ms"`
	DecodeSampleRate int    `json:"decode_sample_rate"`
}

type MetricsConfig struct {
	Listen string `json:"listen"`
}

type VoicesConfig struct {
	// Path of a YAML catalog replacing the builtin one.
	Path string `json:"path"`
}

func DefaultConfig() *AppConfig {
	return &AppConfig{
		Logging: LoggingConfig{},
		TTS: TTSConfig{
			Listen:           ":8083",
			PoolCapacity:     3,
			ReadyTimeoutMs:   10000,
			MaxRetries:       3,
			EncodeSampleRate: 24000,
			FrameDurationMs:  60,
			ProtocolVersion:  2,
			Volc: VolcConfig{
				Endpoint:   tts.DefaultVolcEndpoint,
				ResourceID: tts.DefaultVolcResourceID,
			},
			DashScope: DashScopeConfig{
				Endpoint:       tts.DefaultDashScopeEndpoint,
				Model:          tts.DefaultDashScopeModel,
				SampleRate:     tts.DefaultDashScopeSampleRate,
				Volume:         90,
				Rate:           1.1,
				Pitch:          1.0,
				PingIntervalMs: 10000,
			},
		},
		ASR: ASRConfig{
			FrontendListen:   ":8082",
			BackendListen:    ":8081",
			PingIntervalMs:   30000,
			DecodeSampleRate: 16000,
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

func Load(path string) (*AppConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.ApplyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

func (c *AppConfig) ApplyEnv() {
	if level := strings.TrimSpace(os.Getenv("LOG_LEVEL")); level != "" {
		c.Logging.Level = level
	}
	if format := strings.TrimSpace(os.Getenv("LOG_FORMAT")); format != "" {
		c.Logging.Format = format
	}

	if appID := strings.TrimSpace(os.Getenv("BYTEDANCE_TTS_APP_ID")); appID != "" {
		c.TTS.Volc.AppID = appID
	}
	if key := strings.TrimSpace(os.Getenv("BYTEDANCE_TTS_APP_KEY")); key != "" {
		c.TTS.Volc.AccessKey = key
	}

	if dash := strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY")); dash != "" {
		c.TTS.DashScope.APIKey = dash
	} else if dash := strings.TrimSpace(os.Getenv("DASHSCOPE_TTS_APP_KEY")); dash != "" {
		c.TTS.DashScope.APIKey = dash
	}
}

func (c *AppConfig) Validate() error {
	if c.TTS.PoolCapacity <= 0 {
		return errors.New("tts.pool_capacity must be positive")
	}
	if c.TTS.ReadyTimeoutMs <= 0 {
		return errors.New("tts.ready_timeout_ms must be positive")
	}
	if c.TTS.MaxRetries < 0 {
		return errors.New("tts.max_retries must be non-negative")
	}
	if !audio.ValidSampleRate(c.TTS.EncodeSampleRate) {
		return fmt.Errorf("tts.encode_sample_rate %d is not an opus sample rate", c.TTS.EncodeSampleRate)
	}
	if !audio.ValidFrameDuration(c.TTS.FrameDurationMs) {
		return fmt.Errorf("tts.frame_duration_ms %d must be one of 10, 20, 40, 60", c.TTS.FrameDurationMs)
	}
	if c.TTS.ProtocolVersion < 1 || c.TTS.ProtocolVersion > 3 {
		return fmt.Errorf("tts.protocol_version %d must be 1, 2 or 3", c.TTS.ProtocolVersion)
	}
	if c.TTS.DashScope.SampleRate <= 0 {
		return errors.New("tts.dashscope.sample_rate must be positive")
	}
	if c.TTS.DashScope.PingIntervalMs < 0 {
		return errors.New("tts.dashscope.ping_interval_ms must be non-negative")
	}

	if !audio.ValidSampleRate(c.ASR.DecodeSampleRate) {
		return fmt.Errorf("asr.decode_sample_rate %d is not an opus sample rate", c.ASR.DecodeSampleRate)
	}
	if c.ASR.PingIntervalMs < 0 {
		return errors.New("asr.ping_interval_ms must be non-negative")
	}
	return nil
}

// ValidateKeys checks the credentials of the providers the voice catalog
// routes to.
func (c *AppConfig) ValidateKeys(requireVolc, requireDashScope bool) error {
	if requireVolc && (strings.TrimSpace(c.TTS.Volc.AppID) == "" || strings.TrimSpace(c.TTS.Volc.AccessKey) == "") {
		return errors.New("tts volc app_id and access_key are required")
	}
	if requireDashScope && strings.TrimSpace(c.TTS.DashScope.APIKey) == "" {
		return errors.New("tts dashscope api_key is required")
	}
	return nil
}

func (c TTSConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutMs) * time.Millisecond
}

func (c TTSConfig) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMs) * time.Millisecond
}

func (c VolcConfig) Client() tts.VolcConfig {
	return tts.VolcConfig{
		Endpoint:   c.Endpoint,
		AppID:      c.AppID,
		AccessKey:  c.AccessKey,
		ResourceID: c.ResourceID,
	}
}

func (c DashScopeConfig) Client() tts.DashScopeConfig {
	return tts.DashScopeConfig{
		APIKey:               c.APIKey,
		Endpoint:             c.Endpoint,
		Workspace:            c.Workspace,
		Model:                c.Model,
		SampleRate:           c.SampleRate,
		Volume:               c.Volume,
		Rate:                 c.Rate,
		Pitch:                c.Pitch,
		EnableDataInspection: c.EnableDataInspection,
	}
}

func (c DashScopeConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

func (c ASRConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}
