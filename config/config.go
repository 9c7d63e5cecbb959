// restorapi/config/config.go
package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	// Model residency
	EagerLoadAllModels bool              `mapstructure:"EAGER_LOAD_ALL_MODELS"`
	Models             map[string]string `mapstructure:"MODELS"` // model key -> weights file
	WeightsDir         string            `mapstructure:"WEIGHTS_DIR"`

	// Result cache
	StorageDir               string        `mapstructure:"STORAGE_DIR"`
	ImageDownloadGracePeriod time.Duration `mapstructure:"IMAGE_DOWNLOAD_GRACE_PERIOD"`
	VideoDownloadGracePeriod time.Duration `mapstructure:"VIDEO_DOWNLOAD_GRACE_PERIOD"`
	HeartbeatTimeout         time.Duration `mapstructure:"HEARTBEAT_TIMEOUT"`
	AutomaticCleanupEnabled  bool          `mapstructure:"AUTOMATIC_CLEANUP_ENABLED"`
	AutomaticCleanupInterval time.Duration `mapstructure:"AUTOMATIC_CLEANUP_INTERVAL"`

	// Inference engine
	EngineBin     string        `mapstructure:"ENGINE_BIN"`
	EngineArgs    string        `mapstructure:"ENGINE_ARGS"`
	EngineTimeout time.Duration `mapstructure:"ENGINE_TIMEOUT"`
	PatchSize     int           `mapstructure:"PATCH_SIZE"`

	// Video
	FFBin      string        `mapstructure:"FF_BIN"`
	FFProbeBin string        `mapstructure:"FFPROBE_BIN"`
	FFTimeout  time.Duration `mapstructure:"FF_TIMEOUT"`

	// Jobs
	MaxInputSize     int64   `mapstructure:"MAX_INPUT_SIZE"`
	MaxConcurrency   int     `mapstructure:"MAX_CONCURRENCY"`
	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	// HTTP
	AuthEnable    bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey       string `mapstructure:"AUTH_KEY"`
	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	Port          string `mapstructure:"PORT"`
	BaseURL       string `mapstructure:"BASE"`
}

// ModelKeys returns the configured model keys in a stable order.
func (c *Config) ModelKeys() []string {
	keys := make([]string, 0, len(c.Models))
	for k := range c.Models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

// stringToModelMapHookFunc parses "key=file,key=file" into a model map, so the
// model list can be overridden from a single environment variable.
func stringToModelMapHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Map {
			return data, nil
		}
		return ParseModelList(data.(string))
	}
}

// ParseModelList parses a comma separated list of key=weights pairs.
func ParseModelList(s string) (map[string]string, error) {
	models := make(map[string]string)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, file, ok := strings.Cut(item, "=")
		key, file = strings.TrimSpace(key), strings.TrimSpace(file)
		if !ok || key == "" || file == "" {
			return nil, fmt.Errorf("invalid model entry %q, expected key=weights", item)
		}
		models[key] = file
	}
	return models, nil
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("EAGER_LOAD_ALL_MODELS", true)
	vp.SetDefault("MODELS", "denoise_b=Uformer_B_SIDD.pth,denoise_16=uformer16_denoising_sidd.pth,deblur_b=Uformer_B_GoPro.pth")
	vp.SetDefault("WEIGHTS_DIR", "model_weights")
	vp.SetDefault("STORAGE_DIR", "temp")
	vp.SetDefault("IMAGE_DOWNLOAD_GRACE_PERIOD", "1h")
	vp.SetDefault("VIDEO_DOWNLOAD_GRACE_PERIOD", "3h")
	vp.SetDefault("HEARTBEAT_TIMEOUT", "10m")
	vp.SetDefault("AUTOMATIC_CLEANUP_ENABLED", false)
	vp.SetDefault("AUTOMATIC_CLEANUP_INTERVAL", "30m")
	vp.SetDefault("ENGINE_BIN", "restore-engine")
	vp.SetDefault("ENGINE_ARGS", "--weights ${WEIGHTS} --input ${INPUT} --output ${OUTPUT}")
	vp.SetDefault("ENGINE_TIMEOUT", "2m")
	vp.SetDefault("PATCH_SIZE", 256)
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("FF_TIMEOUT", "2h")
	vp.SetDefault("MAX_INPUT_SIZE", "500MB")
	vp.SetDefault("MAX_CONCURRENCY", 1)
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("AUTH_JWT_SECRET", "")
	vp.SetDefault("PORT", "8000")
	vp.SetDefault("BASE", "")

	// Load from config file
	vp.SetConfigName("restorapi_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/restorapi/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("RESTORAPI")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that converts the value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
			stringToModelMapHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.PatchSize <= 0 {
		return fmt.Errorf("PATCH_SIZE must be positive, got %d", c.PatchSize)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("MAX_CONCURRENCY must not be negative, got %d", c.MaxConcurrency)
	}
	if c.AutomaticCleanupEnabled && c.AutomaticCleanupInterval <= 0 {
		return fmt.Errorf("AUTOMATIC_CLEANUP_INTERVAL must be positive when cleanup is enabled")
	}
	return nil
}
