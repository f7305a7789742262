package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
)

// AppName is used for the per-user config lookup under XDG_CONFIG_HOME.
const AppName = "home-security-camera"

// Config holds all application configuration
type Config struct {
	Camera    CameraConfig
	Motion    MotionConfig
	Recording RecordingConfig
	Upload    UploadConfig
	HTTP      HTTPConfig
	Log       LogConfig
}

// CameraConfig selects and configures the capture device.
type CameraConfig struct {
	// Backends are tried in order until one opens.
	Backends    []string
	Device      string
	Width       int
	Height      int
	FPS         int
	JPEGQuality int
}

// MotionConfig tunes the motion detector.
type MotionConfig struct {
	Enabled         bool
	PixelDiffThresh int
	AreaRatio       float64
	Consecutive     int
	HoldWindow      time.Duration
	BlendAlpha      float64
	Downsample      int
	BlurKernel      int
}

type RecordingConfig struct {
	Dir      string
	Duration time.Duration
	// OnMotion starts a clip whenever the detector triggers.
	OnMotion bool
}

// UploadConfig configures the optional sinks for finished recordings.
// Both are disabled when their endpoint is empty.
type UploadConfig struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
	MinIO   MinIOConfig
}

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
}

type HTTPConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Camera: CameraConfig{
			Backends:    []string{"rpicam", "libcamera", "ffmpeg", "opencv"},
			Device:      "/dev/video0",
			Width:       1920,
			Height:      1080,
			FPS:         30,
			JPEGQuality: 80,
		},
		Motion: MotionConfig{
			Enabled:         true,
			PixelDiffThresh: 40,
			AreaRatio:       0.05,
			Consecutive:     8,
			HoldWindow:      10 * time.Second,
			BlendAlpha:      0.6,
			Downsample:      2,
			BlurKernel:      7,
		},
		Recording: RecordingConfig{
			Dir:      "recordings",
			Duration: 10 * time.Second,
		},
		Upload: UploadConfig{
			Timeout: 30 * time.Second,
			MinIO: MinIOConfig{
				Bucket: "recordings",
				Region: "us-east-1",
			},
		},
		HTTP: HTTPConfig{Addr: ":8000"},
		Log:  LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads .env files and the process environment on top of the defaults.
// A .env in the working directory wins over the per-user camera.env; real
// environment variables win over both.
func Load() (*Config, error) {
	if err := loadEnvFile(".env"); err != nil {
		return nil, err
	}
	if path, err := xdg.SearchConfigFile(AppName + "/camera.env"); err == nil {
		if err := loadEnvFile(path); err != nil {
			return nil, err
		}
	}

	cfg := FromEnv(NewDefaultConfig())
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	// godotenv.Load never overrides variables that are already set.
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// FromEnv overlays environment variables onto base and returns it.
func FromEnv(base *Config) *Config {
	c := base

	if v := getEnv("CAMERA_BACKEND", ""); v != "" {
		c.Camera.Backends = splitList(v)
	}
	c.Camera.Device = getEnv("CAMERA_DEVICE", c.Camera.Device)
	c.Camera.Width = getEnvAsInt("STREAM_WIDTH", c.Camera.Width)
	c.Camera.Height = getEnvAsInt("STREAM_HEIGHT", c.Camera.Height)
	c.Camera.FPS = getEnvAsInt("TARGET_FPS", c.Camera.FPS)
	c.Camera.JPEGQuality = getEnvAsInt("JPEG_QUALITY", c.Camera.JPEGQuality)

	c.Motion.Enabled = getEnvAsBool("MOTION_ENABLED", c.Motion.Enabled)
	c.Motion.PixelDiffThresh = getEnvAsInt("PIXEL_DIFF_THRESH", c.Motion.PixelDiffThresh)
	c.Motion.AreaRatio = getEnvAsFloat("MOTION_AREA_RATIO", c.Motion.AreaRatio)
	c.Motion.Consecutive = getEnvAsInt("MOTION_CONSECUTIVE", c.Motion.Consecutive)
	c.Motion.HoldWindow = getEnvAsSeconds("MOVEMENT_HOLD_SECONDS", c.Motion.HoldWindow)
	c.Motion.BlendAlpha = getEnvAsFloat("MOTION_BLEND_ALPHA", c.Motion.BlendAlpha)

	c.Recording.Dir = getEnv("RECORDINGS_DIR", c.Recording.Dir)
	c.Recording.Duration = getEnvAsSeconds("RECORD_SECONDS", c.Recording.Duration)
	c.Recording.OnMotion = getEnvAsBool("RECORD_ON_MOTION", c.Recording.OnMotion)

	c.Upload.APIURL = getEnv("VIDEO_API_URL", c.Upload.APIURL)
	c.Upload.APIKey = getEnv("VIDEO_API_KEY", c.Upload.APIKey)
	c.Upload.Timeout = getEnvAsDuration("UPLOAD_TIMEOUT", c.Upload.Timeout)
	c.Upload.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", c.Upload.MinIO.Endpoint)
	c.Upload.MinIO.AccessKeyID = getEnv("MINIO_ACCESS_KEY_ID", c.Upload.MinIO.AccessKeyID)
	c.Upload.MinIO.SecretAccessKey = getEnv("MINIO_SECRET_ACCESS_KEY", c.Upload.MinIO.SecretAccessKey)
	c.Upload.MinIO.Bucket = getEnv("MINIO_BUCKET", c.Upload.MinIO.Bucket)
	c.Upload.MinIO.Region = getEnv("MINIO_REGION", c.Upload.MinIO.Region)
	c.Upload.MinIO.UseSSL = getEnvAsBool("MINIO_USE_SSL", c.Upload.MinIO.UseSSL)

	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	return c
}

// ValidateConfig checks ranges that the pipeline relies on.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		return fmt.Errorf("invalid stream size %dx%d", cfg.Camera.Width, cfg.Camera.Height)
	}
	if cfg.Camera.FPS <= 0 || cfg.Camera.FPS > 120 {
		return fmt.Errorf("invalid target fps %d", cfg.Camera.FPS)
	}
	if len(cfg.Camera.Backends) == 0 {
		return errors.New("no camera backend configured")
	}

	m := cfg.Motion
	if m.PixelDiffThresh < 0 || m.PixelDiffThresh > 255 {
		return fmt.Errorf("pixel diff threshold %d out of range [0,255]", m.PixelDiffThresh)
	}
	if m.AreaRatio < 0 || m.AreaRatio >= 1 {
		return fmt.Errorf("motion area ratio %v out of range [0,1)", m.AreaRatio)
	}
	if m.Consecutive < 1 {
		return fmt.Errorf("motion consecutive must be >= 1, got %d", m.Consecutive)
	}
	if m.HoldWindow < 0 {
		return fmt.Errorf("negative hold window %v", m.HoldWindow)
	}
	if m.BlendAlpha < 0 || m.BlendAlpha >= 1 {
		return fmt.Errorf("blend alpha %v out of range [0,1)", m.BlendAlpha)
	}
	if m.Downsample < 1 {
		return fmt.Errorf("downsample factor must be >= 1, got %d", m.Downsample)
	}
	if m.BlurKernel < 1 || m.BlurKernel%2 == 0 {
		return fmt.Errorf("blur kernel must be odd and positive, got %d", m.BlurKernel)
	}

	if cfg.Recording.Duration <= 0 {
		return fmt.Errorf("invalid recording duration %v", cfg.Recording.Duration)
	}
	if strings.TrimSpace(cfg.Recording.Dir) == "" {
		return errors.New("recordings directory is empty")
	}
	if cfg.Upload.MinIO.Endpoint != "" && cfg.Upload.MinIO.Bucket == "" {
		return errors.New("minio endpoint set without a bucket")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsSeconds accepts a plain number of seconds ("10", "2.5") or a Go
// duration string ("1m30s").
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
