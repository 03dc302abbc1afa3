// encodeagent/config/config.go
package config

import (
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	StorageDir   string `mapstructure:"STORAGE_DIR"`
	WorkDir      string `mapstructure:"WORK_DIR"`
	EncoderBin   string `mapstructure:"ENCODER_BIN"`
	FFmpegBin    string `mapstructure:"FFMPEG_BIN"`
	FFprobeBin   string `mapstructure:"FFPROBE_BIN"`
	MediaInfoBin string `mapstructure:"MEDIAINFO_BIN"`

	Port       string `mapstructure:"PORT"`
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`
	// ReadKey, if set, grants access to the status routes only.
	ReadKey    string `mapstructure:"AUTH_READ_KEY"`

	LockGrace      time.Duration `mapstructure:"LOCK_GRACE"`
	LockStaleAfter time.Duration `mapstructure:"LOCK_STALE_AFTER"`

	StageTimeout    time.Duration `mapstructure:"STAGE_TIMEOUT"`
	StagePoll       time.Duration `mapstructure:"STAGE_POLL"`
	StageSettle     time.Duration `mapstructure:"STAGE_SETTLE"`
	MaxStageRetries int           `mapstructure:"MAX_STAGE_RETRIES"`

	ScanMin          time.Duration `mapstructure:"SCAN_MIN"`
	ScanMax          time.Duration `mapstructure:"SCAN_MAX"`
	ScanPerFile      time.Duration `mapstructure:"SCAN_PER_FILE"`
	ScanErrorBackoff time.Duration `mapstructure:"SCAN_ERROR_BACKOFF"`
	WatchEvents      bool          `mapstructure:"WATCH_EVENTS"`

	ReaderGrace time.Duration `mapstructure:"READER_GRACE"`

	CropInterval    int  `mapstructure:"CROP_INTERVAL"`
	CropMinCaptures int  `mapstructure:"CROP_MIN_CAPTURES"`
	CropLossless    bool `mapstructure:"CROP_LOSSLESS"`
	CropThreads     int  `mapstructure:"CROP_THREADS"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	HistoryDB   string `mapstructure:"HISTORY_DB"`
	RecentLimit int    `mapstructure:"RECENT_LIMIT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
}

// StorageInDir is the shared folder new sources arrive in.
func (c *Config) StorageInDir() string { return filepath.Join(c.StorageDir, "in") }

// OutDir receives finished encodes.
func (c *Config) OutDir() string { return filepath.Join(c.StorageDir, "out") }

// FailDir receives sources whose encode failed.
func (c *Config) FailDir() string { return filepath.Join(c.StorageDir, "fail") }

// LocalInDir is this machine's staging area. It is also watched, so staged
// files left behind by an aborted encode are picked up again.
func (c *Config) LocalInDir() string { return filepath.Join(c.WorkDir, "in") }

// RecordDir holds the per-attempt processing records.
func (c *Config) RecordDir() string { return filepath.Join(c.WorkDir, "MediaInfo") }

// StderrLogPath is where encoder standard error is appended.
func (c *Config) StderrLogPath() string { return filepath.Join(c.WorkDir, "encoder-stderr.log") }

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

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("STORAGE_DIR", "encode")
	vp.SetDefault("WORK_DIR", ".")
	vp.SetDefault("ENCODER_BIN", "HandBrakeCLI")
	vp.SetDefault("FFMPEG_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("MEDIAINFO_BIN", "mediainfo")
	vp.SetDefault("PORT", "14580")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("AUTH_READ_KEY", "")
	vp.SetDefault("LOCK_GRACE", "5s")
	vp.SetDefault("LOCK_STALE_AFTER", "6h")
	vp.SetDefault("STAGE_TIMEOUT", "30s")
	vp.SetDefault("STAGE_POLL", "5s")
	vp.SetDefault("STAGE_SETTLE", "2s")
	vp.SetDefault("MAX_STAGE_RETRIES", 0)
	vp.SetDefault("SCAN_MIN", "15s")
	vp.SetDefault("SCAN_MAX", "2m")
	vp.SetDefault("SCAN_PER_FILE", "15s")
	vp.SetDefault("SCAN_ERROR_BACKOFF", "1m")
	vp.SetDefault("WATCH_EVENTS", true)
	vp.SetDefault("READER_GRACE", "2s")
	vp.SetDefault("CROP_INTERVAL", 20)
	vp.SetDefault("CROP_MIN_CAPTURES", 60)
	vp.SetDefault("CROP_LOSSLESS", true)
	vp.SetDefault("CROP_THREADS", 0)
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "2GB")
	vp.SetDefault("HISTORY_DB", "")
	vp.SetDefault("RECENT_LIMIT", 50)
	vp.SetDefault("LOG_LEVEL", "info")

	vp.SetConfigName("encodeagent_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/encodeagent/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("ENCODEAGENT")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if cfg.HistoryDB == "" {
		cfg.HistoryDB = filepath.Join(cfg.WorkDir, "history.db")
	}
	return &cfg, nil
}
