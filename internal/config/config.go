// Package config holds the framebusd configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nmxmxh/framebus/kernel/threads/sab"
)

// Presenter names accepted in EngineConfig.Presenters.
const (
	PresenterImage  = "image"
	PresenterFBDev  = "fbdev"
	PresenterStream = "stream"
)

// Demo scenes the writer can draw.
const (
	DemoShapes = "shapes"
	DemoNoise  = "noise"
)

// Config is the complete daemon configuration.
type Config struct {
	Canvas          CanvasConfig      `json:"canvas"`
	Memory          MemoryConfig      `json:"memory"`
	FrameBuffer     FrameBufferConfig `json:"framebuffer"`
	Engine          EngineConfig      `json:"engine"`
	Stream          StreamConfig      `json:"stream"`
	Log             LogConfig         `json:"log"`
	ShutdownTimeout time.Duration     `json:"shutdown_timeout"`
}

// CanvasConfig describes the drawing surface and the demo writer.
type CanvasConfig struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
	Demo   string `json:"demo"`
	// Frames stops the writer after this many frames; zero runs until signalled.
	Frames int `json:"frames"`
}

// MemoryConfig selects the shared region backend.
type MemoryConfig struct {
	Backend string `json:"backend"`
	Dir     string `json:"dir"`
	Prefix  string `json:"prefix"`
}

// FrameBufferConfig sizes the buffer set.
type FrameBufferConfig struct {
	BufferCount     int `json:"buffer_count"`
	MaxDirtyRegions int `json:"max_dirty_regions"`
}

// EngineConfig configures the reader loop and its presenters.
type EngineConfig struct {
	Idle            time.Duration `json:"idle"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Presenters      []string      `json:"presenters"`
	Scale           int           `json:"scale"`
	FBDevice        string        `json:"fb_device"`
	FBFit           bool          `json:"fb_fit"`
	// SnapshotPath receives a PNG of the image presenter on shutdown.
	SnapshotPath string `json:"snapshot_path"`
}

// StreamConfig configures the WebSocket presenter.
type StreamConfig struct {
	Listen           string        `json:"listen"`
	Path             string        `json:"path"`
	FrameRate        int           `json:"frame_rate"`
	Burst            int           `json:"burst"`
	MaxClients       int           `json:"max_clients"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	FailureThreshold uint32        `json:"failure_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
	Color bool   `json:"color"`
}

// Default returns a configuration that runs the shapes demo into the
// in-memory compositor.
func Default() Config {
	return Config{
		Canvas: CanvasConfig{
			Width:  320,
			Height: 240,
			FPS:    60,
			Demo:   DemoShapes,
		},
		Memory: MemoryConfig{
			Backend: string(sab.BackendMemory),
			Prefix:  "framebus",
		},
		FrameBuffer: FrameBufferConfig{
			BufferCount:     sab.DEFAULT_BUFFER_COUNT,
			MaxDirtyRegions: sab.MAX_DIRTY_REGIONS,
		},
		Engine: EngineConfig{
			Idle:            100 * time.Millisecond,
			ShutdownTimeout: 5 * time.Second,
			Presenters:      []string{PresenterImage},
			Scale:           1,
			FBDevice:        "/dev/fb0",
		},
		Stream: StreamConfig{
			Listen:           "127.0.0.1:8089",
			Path:             "/frames",
			FrameRate:        30,
			MaxClients:       16,
			WriteTimeout:     2 * time.Second,
			FailureThreshold: 3,
			OpenTimeout:      5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads a JSON file over the defaults and validates the result. An
// empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Canvas.FPS <= 0 {
		errs = append(errs, fmt.Errorf("canvas.fps must be positive, got %d", c.Canvas.FPS))
	}
	if c.Canvas.Width <= 0 || c.Canvas.Height <= 0 {
		errs = append(errs, fmt.Errorf("canvas size %dx%d must be positive", c.Canvas.Width, c.Canvas.Height))
	} else if err := sab.ValidateGeometry(
		c.FrameBuffer.BufferCount, c.FrameBuffer.MaxDirtyRegions,
		c.Canvas.Width, c.Canvas.Height); err != nil {
		errs = append(errs, fmt.Errorf("framebuffer: %w", err))
	}
	if c.Canvas.Demo != DemoShapes && c.Canvas.Demo != DemoNoise {
		errs = append(errs, fmt.Errorf("unknown canvas.demo %q", c.Canvas.Demo))
	}
	switch sab.Backend(c.Memory.Backend) {
	case sab.BackendMemory, sab.BackendShm, sab.BackendMemfd:
	default:
		errs = append(errs, fmt.Errorf("unknown memory.backend %q", c.Memory.Backend))
	}
	if len(c.Engine.Presenters) == 0 {
		errs = append(errs, errors.New("engine.presenters is empty"))
	}
	for _, p := range c.Engine.Presenters {
		switch p {
		case PresenterImage, PresenterFBDev:
		case PresenterStream:
			if c.Stream.Listen == "" {
				errs = append(errs, errors.New("stream presenter needs stream.listen"))
			}
			if !strings.HasPrefix(c.Stream.Path, "/") {
				errs = append(errs, fmt.Errorf("stream.path %q must start with /", c.Stream.Path))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown presenter %q", p))
		}
	}
	if c.Engine.Scale < 1 {
		errs = append(errs, fmt.Errorf("engine.scale must be at least 1, got %d", c.Engine.Scale))
	}
	if c.Stream.FrameRate < 0 || c.Stream.MaxClients < 0 {
		errs = append(errs, errors.New("stream limits must not be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Has reports whether the named presenter is enabled.
func (c Config) Has(presenter string) bool {
	for _, p := range c.Engine.Presenters {
		if p == presenter {
			return true
		}
	}
	return false
}
