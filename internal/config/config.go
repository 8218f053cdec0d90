// Package config loads agent settings from the settings file, .env and the environment.
//
// Precedence, lowest first: built-in defaults, settings file, environment.
// The settings file keeps the historical appsettings.json field names and is
// decoded with a YAML parser, so both JSON and YAML files are accepted.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// Default values
const (
	DefaultSettingsFile   = "appsettings.json"
	DefaultsFile          = "default-appsettings.json"
	DefaultDelay          = 10
	DefaultMaxUploadBytes = 10 * 1024 * 1024
	DefaultBaseURL        = "https://connect.prusa3d.com"
	DefaultDecoder        = "ffmpeg"
	DefaultJPEGQuality    = 75
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

// Settings is the complete agent configuration
type Settings struct {
	StreamURL         string `yaml:"StreamURL" json:"StreamURL"`
	Delay             int    `yaml:"Delay" json:"Delay"`
	Token             string `yaml:"Token" json:"Token"`
	BaseUrl           string `yaml:"BaseUrl" json:"BaseUrl"`
	FfmpegPathWindows string `yaml:"FfmpegPathWindows" json:"FfmpegPathWindows"`
	FfmpegPathLinux   string `yaml:"FfmpegPathLinux" json:"FfmpegPathLinux"`

	MaxUploadBytes      int64  `yaml:"MaxUploadBytes,omitempty" json:"MaxUploadBytes,omitempty"`
	Decoder             string `yaml:"Decoder,omitempty" json:"Decoder,omitempty"`
	JpegQuality         int    `yaml:"JpegQuality,omitempty" json:"JpegQuality,omitempty"`
	Fingerprint         string `yaml:"Fingerprint,omitempty" json:"Fingerprint,omitempty"`
	FrameTimeoutSeconds int    `yaml:"FrameTimeoutSeconds,omitempty" json:"FrameTimeoutSeconds,omitempty"`
	HttpAddr            string `yaml:"HttpAddr,omitempty" json:"HttpAddr,omitempty"`
	LogLevel            string `yaml:"LogLevel,omitempty" json:"LogLevel,omitempty"`
	LogFormat           string `yaml:"LogFormat,omitempty" json:"LogFormat,omitempty"`
}

// Defaults returns settings populated with built-in defaults
func Defaults() Settings {
	return Settings{
		Delay:             DefaultDelay,
		BaseUrl:           DefaultBaseURL,
		FfmpegPathWindows: "ffmpeg.exe",
		FfmpegPathLinux:   "ffmpeg",
		MaxUploadBytes:    DefaultMaxUploadBytes,
		Decoder:           DefaultDecoder,
		JpegQuality:       DefaultJPEGQuality,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
	}
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are ignored; variables already set are kept.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// SettingsPath returns the settings file path from SNAPSHOT_CONFIG or the default
func SettingsPath() string {
	if p := os.Getenv("SNAPSHOT_CONFIG"); p != "" {
		return p
	}
	return DefaultSettingsFile
}

// Load builds settings from defaults, the file at path (optional) and the process environment
func Load(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		if err := s.mergeFile(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return s, err
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return s, err
	}
	return s, nil
}

// ReadFile decodes a settings file on top of the defaults
func ReadFile(path string) (Settings, error) {
	s := Defaults()
	err := s.mergeFile(path)
	return s, err
}

func (s *Settings) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fmt.Errorf("settings file %s is empty", path)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, set func(int64)) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		set(n)
	}

	str("SNAPSHOT_STREAM_URL", &s.StreamURL)
	num("SNAPSHOT_DELAY", func(n int64) { s.Delay = int(n) })
	str("SNAPSHOT_TOKEN", &s.Token)
	str("SNAPSHOT_BASE_URL", &s.BaseUrl)
	num("SNAPSHOT_MAX_UPLOAD_BYTES", func(n int64) { s.MaxUploadBytes = n })
	str("SNAPSHOT_DECODER", &s.Decoder)
	if v, ok := lookup("SNAPSHOT_FFMPEG_PATH"); ok && v != "" {
		s.FfmpegPathLinux = v
		s.FfmpegPathWindows = v
	}
	num("SNAPSHOT_JPEG_QUALITY", func(n int64) { s.JpegQuality = int(n) })
	str("SNAPSHOT_FINGERPRINT", &s.Fingerprint)
	num("SNAPSHOT_FRAME_TIMEOUT", func(n int64) { s.FrameTimeoutSeconds = int(n) })
	str("SNAPSHOT_HTTP_ADDR", &s.HttpAddr)
	str("LOG_LEVEL", &s.LogLevel)
	str("LOG_FORMAT", &s.LogFormat)

	return errors.Join(errs...)
}

// ValidateCapture checks the settings the capture cycle needs
func (s Settings) ValidateCapture() error {
	var errs []error
	if s.StreamURL == "" {
		errs = append(errs, errors.New("StreamURL is required"))
	}
	if s.Delay <= 0 {
		errs = append(errs, fmt.Errorf("Delay must be > 0, got %d", s.Delay))
	}
	if s.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("MaxUploadBytes must be > 0, got %d", s.MaxUploadBytes))
	}
	if s.Decoder == "" {
		errs = append(errs, errors.New("Decoder is required"))
	}
	if s.JpegQuality < 1 || s.JpegQuality > 100 {
		errs = append(errs, fmt.Errorf("JpegQuality must be within 1..100, got %d", s.JpegQuality))
	}
	if s.FrameTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("FrameTimeoutSeconds must be >= 0, got %d", s.FrameTimeoutSeconds))
	}
	switch s.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LogFormat must be text or json, got %q", s.LogFormat))
	}
	return errors.Join(errs...)
}

// Validate checks every setting needed to capture and upload
func (s Settings) Validate() error {
	errs := []error{s.ValidateCapture()}
	if s.Token == "" {
		errs = append(errs, errors.New("Token is required"))
	}
	if s.BaseUrl == "" {
		errs = append(errs, errors.New("BaseUrl is required"))
	} else if u, err := url.Parse(s.BaseUrl); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BaseUrl must be an absolute URL, got %q", s.BaseUrl))
	}
	return errors.Join(errs...)
}

// CaptureConfig returns the capture cycle configuration
func (s Settings) CaptureConfig() pipeline.CaptureConfig {
	return pipeline.CaptureConfig{
		SourceURI:           s.StreamURL,
		TickIntervalSeconds: s.Delay,
		MaxUploadBytes:      s.MaxUploadBytes,
	}
}

// FFmpegPath returns the ffmpeg executable for the running OS
func (s Settings) FFmpegPath() string {
	return s.ffmpegPathFor(runtime.GOOS)
}

func (s Settings) ffmpegPathFor(goos string) string {
	if goos == "windows" {
		return s.FfmpegPathWindows
	}
	return s.FfmpegPathLinux
}

// FrameTimeout returns the first-frame timeout; zero means none
func (s Settings) FrameTimeout() time.Duration {
	return time.Duration(s.FrameTimeoutSeconds) * time.Second
}

// Redacted returns a copy safe to log
func (s Settings) Redacted() Settings {
	if s.Token != "" {
		s.Token = "***"
	}
	return s
}
