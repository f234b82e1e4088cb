// Package config reads and watches the annotator configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/a8m/envsubst"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"

	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/utils"
	"go.viam.com/annotator/vision/model"
	"go.viam.com/annotator/vision/objectdetection"
)

// Config is the whole annotator configuration.
type Config struct {
	Smoothing    objectdetection.SmoothingConfig `json:"smoothing"`
	Capture      CaptureConfig                   `json:"capture"`
	Models       []model.Config                  `json:"models"`
	DefaultModel string                          `json:"default_model,omitempty"`
	Log          LogConfig                       `json:"log"`

	// ConfigFilePath is where the config was read from, if anywhere.
	ConfigFilePath string `json:"-"`
}

// CaptureConfig controls the live loop and its output.
type CaptureConfig struct {
	// MaxFPS caps the tick rate. Zero means as fast as frames can be processed.
	MaxFPS float64 `json:"max_fps,omitempty"`
	// MinScore drops raw detections below it before smoothing. Zero keeps everything.
	MinScore float64 `json:"min_score,omitempty"`
	// Labels keeps only the listed classes. Empty keeps every class.
	Labels       []string `json:"labels,omitempty"`
	ColorByClass bool     `json:"color_by_class,omitempty"`
	LineWidth    float64  `json:"line_width,omitempty"`
	FontSize     float64  `json:"font_size,omitempty"`
	SnapshotDir  string   `json:"snapshot_dir,omitempty"`
	// SnapshotEvery saves one of every N rendered frames. Zero saves none.
	SnapshotEvery int `json:"snapshot_every,omitempty"`
	// HTTPTimeout bounds each fetch of an HTTP frame source, e.g. "2s".
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

// LogConfig controls log level, file output and per-logger levels.
type LogConfig struct {
	Level string `json:"level,omitempty"`
	File  string `json:"file,omitempty"`
	// MaxSize is the rotation size of the log file in human form, e.g. "50MB".
	MaxSize    string                        `json:"max_size,omitempty"`
	MaxBackups int                           `json:"max_backups,omitempty"`
	Patterns   []logging.LoggerPatternConfig `json:"patterns,omitempty"`
}

const (
	defaultLogLevel    = "info"
	defaultLogMaxSize  = "100MB"
	defaultHTTPTimeout = 5 * time.Second
)

// Default returns the configuration used when no file is given. It has no models.
func Default() *Config {
	return &Config{
		Smoothing: objectdetection.DefaultSmoothingConfig(),
		Log:       LogConfig{Level: defaultLogLevel, MaxSize: defaultLogMaxSize},
	}
}

// Read reads a config from the given file, substituting ${ENV} references first.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %s", filePath)
	}
	cfg, err := FromBytes(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load config %s", filePath)
	}
	cfg.ConfigFilePath = filePath
	return cfg, nil
}

// FromBytes parses and validates a JSON config. Fields absent from the input keep their defaults.
func FromBytes(buf []byte) (*Config, error) {
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills defaults and checks every section, reporting the path of the first bad field.
func (c *Config) Validate() error {
	c.Smoothing = c.Smoothing.WithDefaults()
	if err := c.Smoothing.Validate(); err != nil {
		return utils.NewConfigValidationError("smoothing", err)
	}
	if err := c.Capture.Validate("capture"); err != nil {
		return err
	}
	names := map[string]struct{}{}
	for i, m := range c.Models {
		path := "models." + strconv.Itoa(i)
		if err := m.Validate(path); err != nil {
			return err
		}
		if _, dup := names[m.Name]; dup {
			return errors.Errorf("%s: duplicate model name %q", path, m.Name)
		}
		names[m.Name] = struct{}{}
	}
	if c.DefaultModel != "" {
		if _, ok := names[c.DefaultModel]; !ok {
			return errors.Errorf("default_model: no model named %q", c.DefaultModel)
		}
	} else if len(c.Models) > 0 {
		c.DefaultModel = c.Models[0].Name
	}
	return c.Log.Validate("log")
}

// Validate checks the capture section.
func (cc *CaptureConfig) Validate(path string) error {
	if cc.MaxFPS < 0 {
		return errors.Errorf("%s: max_fps must not be negative", path)
	}
	if cc.MinScore < 0 || cc.MinScore > 1 {
		return errors.Errorf("%s: min_score must be in [0, 1]", path)
	}
	if cc.SnapshotEvery < 0 {
		return errors.Errorf("%s: snapshot_every must not be negative", path)
	}
	if cc.SnapshotEvery > 0 && cc.SnapshotDir == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "snapshot_dir")
	}
	if _, err := cc.HTTPTimeoutDuration(); err != nil {
		return utils.NewConfigValidationError(path+".http_timeout", err)
	}
	return nil
}

// HTTPTimeoutDuration parses HTTPTimeout, defaulting to five seconds.
func (cc *CaptureConfig) HTTPTimeoutDuration() (time.Duration, error) {
	if cc.HTTPTimeout == "" {
		return defaultHTTPTimeout, nil
	}
	d, err := time.ParseDuration(cc.HTTPTimeout)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.Errorf("timeout must be positive, got %s", d)
	}
	return d, nil
}

// Validate checks the log section.
func (lc *LogConfig) Validate(path string) error {
	if lc.Level == "" {
		lc.Level = defaultLogLevel
	}
	if _, err := logging.LevelFromString(lc.Level); err != nil {
		return utils.NewConfigValidationError(path+".level", err)
	}
	if lc.MaxSize == "" {
		lc.MaxSize = defaultLogMaxSize
	}
	if _, err := lc.MaxSizeMB(); err != nil {
		return utils.NewConfigValidationError(path+".max_size", err)
	}
	if lc.MaxBackups < 0 {
		return errors.Errorf("%s: max_backups must not be negative", path)
	}
	for i, p := range lc.Patterns {
		if err := p.Validate(); err != nil {
			return utils.NewConfigValidationError(path+".patterns."+strconv.Itoa(i), err)
		}
	}
	return nil
}

// MaxSizeMB converts MaxSize to whole megabytes, rounding up, as the file appender expects.
func (lc *LogConfig) MaxSizeMB() (int, error) {
	size, err := units.FromHumanSize(lc.MaxSize)
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, errors.Errorf("size must be positive, got %q", lc.MaxSize)
	}
	mb := (size + units.MB - 1) / units.MB
	return int(mb), nil
}

// FileAppender returns the rotated file appender described by the section, or nil when no file
// is configured.
func (lc *LogConfig) FileAppender() (logging.Appender, error) {
	if lc.File == "" {
		return nil, nil
	}
	mb, err := lc.MaxSizeMB()
	if err != nil {
		return nil, err
	}
	return logging.NewFileAppender(logging.FileAppenderConfig{
		Path:       lc.File,
		MaxSizeMB:  mb,
		MaxBackups: lc.MaxBackups,
	}), nil
}

// Apply sets logger's level and the configured per-logger pattern levels.
func (lc *LogConfig) Apply(logger logging.Logger) error {
	level, err := logging.LevelFromString(lc.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	return logging.ApplyPatternLevels(lc.Patterns)
}

// ModelConfig returns the model config with the given name.
func (c *Config) ModelConfig(name string) (model.Config, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return model.Config{}, false
}

// Write stores the config as indented JSON.
func (c *Config) Write(filePath string) error {
	buf, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, append(buf, '\n'), 0o600)
}
