package hwdec

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DeinterlaceMode controls when the pipeline deinterlaces.
type DeinterlaceMode int

const (
	DeinterlaceOff   DeinterlaceMode = iota // Never deinterlace
	DeinterlaceAuto                         // Deinterlace pictures flagged interlaced
	DeinterlaceForce                        // Deinterlace every picture
)

func (m DeinterlaceMode) String() string {
	switch m {
	case DeinterlaceOff:
		return "off"
	case DeinterlaceAuto:
		return "auto"
	case DeinterlaceForce:
		return "force"
	default:
		return "unknown"
	}
}

// ParseDeinterlaceMode converts a mode name as produced by String.
func ParseDeinterlaceMode(s string) (DeinterlaceMode, bool) {
	for m := DeinterlaceOff; m <= DeinterlaceForce; m++ {
		if m.String() == s {
			return m, true
		}
	}
	return 0, false
}

func (m *DeinterlaceMode) UnmarshalYAML(value *yaml.Node) error {
	v, ok := ParseDeinterlaceMode(value.Value)
	if !ok {
		return fmt.Errorf("%w: deinterlace mode %q", ErrInvalidConfig, value.Value)
	}
	*m = v
	return nil
}

func (m DeinterlaceMode) MarshalYAML() (interface{}, error) { return m.String(), nil }

func (m *DeintMethod) UnmarshalYAML(value *yaml.Node) error {
	v, ok := ParseDeintMethod(value.Value)
	if !ok {
		return fmt.Errorf("%w: deinterlace method %q", ErrInvalidConfig, value.Value)
	}
	*m = v
	return nil
}

func (m DeintMethod) MarshalYAML() (interface{}, error) { return m.String(), nil }

// Default timings.
const (
	DefaultActorTimeout       = 2 * time.Second
	DefaultSurfaceSyncTimeout = time.Second
	DefaultSyncPollInterval   = 10 * time.Millisecond
	DefaultResetWait          = 2 * time.Second
	DefaultMaxSurfaces        = 20
	DefaultOutputSurfaces     = 5
	DefaultDeintTargets       = 9
)

// Config configures a Decoder.
type Config struct {
	// Pools
	MaxSurfaces    int `yaml:"max_surfaces"`    // Decode surface limit
	OutputSurfaces int `yaml:"output_surfaces"` // Renderer-shared surfaces

	// Deinterlacing
	Deinterlace  DeinterlaceMode `yaml:"deinterlace"`
	DeintMethod  DeintMethod     `yaml:"deinterlace_method"`
	DeintTargets int             `yaml:"deinterlace_targets"`

	// Timing
	ActorTimeout       time.Duration `yaml:"actor_timeout"`        // Bound on synchronous actor calls
	SurfaceSyncTimeout time.Duration `yaml:"surface_sync_timeout"` // Bound on per-surface sync at teardown
	SyncPollInterval   time.Duration `yaml:"sync_poll_interval"`
	ResetWait          time.Duration `yaml:"reset_wait"` // Bound on waiting for a lost device

	LogLevel string `yaml:"log_level"`

	Device    Device              `yaml:"-"` // Hardware decode API
	Processor VideoProcessor      `yaml:"-"` // Post-processing API, nil disables deinterlacing
	Registry  *CapabilityRegistry `yaml:"-"` // Shared capability cache, nil creates a private one
	Logger    *logrus.Logger      `yaml:"-"`
}

// DefaultConfig returns a Config with default values and no device.
func DefaultConfig() Config {
	return Config{
		MaxSurfaces:        DefaultMaxSurfaces,
		OutputSurfaces:     DefaultOutputSurfaces,
		Deinterlace:        DeinterlaceAuto,
		DeintMethod:        DeintMotionAdaptive,
		DeintTargets:       DefaultDeintTargets,
		ActorTimeout:       DefaultActorTimeout,
		SurfaceSyncTimeout: DefaultSurfaceSyncTimeout,
		SyncPollInterval:   DefaultSyncPollInterval,
		ResetWait:          DefaultResetWait,
		LogLevel:           "info",
	}
}

// ParseConfig decodes YAML on top of the defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), err
	}
	return ParseConfig(data)
}

// Validate checks value ranges. A zero surface limit is left to session
// creation, which reports it as an allocation failure.
func (c Config) Validate() error {
	switch {
	case c.MaxSurfaces < 0:
		return fmt.Errorf("%w: max_surfaces %d", ErrInvalidConfig, c.MaxSurfaces)
	case c.OutputSurfaces <= 0 || c.OutputSurfaces > NumRenderPictures:
		return fmt.Errorf("%w: output_surfaces %d not in [1,%d]", ErrInvalidConfig, c.OutputSurfaces, NumRenderPictures)
	case c.Deinterlace < DeinterlaceOff || c.Deinterlace > DeinterlaceForce:
		return fmt.Errorf("%w: deinterlace mode %d", ErrInvalidConfig, c.Deinterlace)
	case c.DeintMethod < 0 || c.DeintMethod >= deintMethodCount:
		return fmt.Errorf("%w: deinterlace method %d", ErrInvalidConfig, c.DeintMethod)
	case c.Deinterlace != DeinterlaceOff && c.DeintTargets <= 0:
		return fmt.Errorf("%w: deinterlace_targets %d", ErrInvalidConfig, c.DeintTargets)
	case c.ActorTimeout <= 0:
		return fmt.Errorf("%w: actor_timeout %v", ErrInvalidConfig, c.ActorTimeout)
	case c.SurfaceSyncTimeout <= 0:
		return fmt.Errorf("%w: surface_sync_timeout %v", ErrInvalidConfig, c.SurfaceSyncTimeout)
	case c.SyncPollInterval <= 0:
		return fmt.Errorf("%w: sync_poll_interval %v", ErrInvalidConfig, c.SyncPollInterval)
	case c.ResetWait < 0:
		return fmt.Errorf("%w: reset_wait %v", ErrInvalidConfig, c.ResetWait)
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// StreamParams describes the stream a decoder is opened for.
type StreamParams struct {
	Width       int    // Coded width
	Height      int    // Coded height
	Profile     int    // Backend-specific decode profile
	Level       int    // Backend-specific level
	SurfaceType uint32 // Backend-specific surface format
}

func (p StreamParams) validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: stream size %dx%d", ErrInvalidConfig, p.Width, p.Height)
	}
	return nil
}
