package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Limits on the batch settings, matching the documented configuration
// contract: anything above is clamped back to the default.
const (
	MaxBatchSize     = 1000
	DefaultBatchSize = 100
	MaxBatchTime     = 86400
	DefaultBatchTime = 300
)

// Options is the reloadable engine configuration, read from the [general]
// section of the options file.
type Options struct {
	Enabled          bool `mapstructure:"enable"`
	Debug            bool `mapstructure:"debug"`
	Unanswered       bool `mapstructure:"unanswered"`
	Congestion       bool `mapstructure:"congestion"`
	EndBeforeHExten  bool `mapstructure:"endbeforehexten"`
	InitiatedSeconds bool `mapstructure:"initiatedseconds"`
	Batch            bool `mapstructure:"batch"`
	Size             uint `mapstructure:"size"`
	Time             uint `mapstructure:"time"`
	SchedulerOnly    bool `mapstructure:"scheduleronly"`
	SafeShutdown     bool `mapstructure:"safeshutdown"`
}

// DefaultOptions returns the engine defaults used when no options file is
// present or a key is missing.
func DefaultOptions() Options {
	return Options{
		Enabled:      true,
		Size:         DefaultBatchSize,
		Time:         DefaultBatchTime,
		SafeShutdown: true,
	}
}

func (o Options) normalized() Options {
	if o.Size == 0 || o.Size > MaxBatchSize {
		o.Size = DefaultBatchSize
	}
	if o.Time == 0 || o.Time > MaxBatchTime {
		o.Time = DefaultBatchTime
	}
	return o
}

// OptionsHolder hands out the current Options and keeps them fresh across
// reloads. Readers get a consistent copy; they never observe a partial
// update.
type OptionsHolder struct {
	current atomic.Value // holds Options
	v       *viper.Viper
	log     *zap.Logger
}

// NewOptionsHolder reads the options file and starts watching it for
// changes. A missing file is not an error; defaults apply.
func NewOptionsHolder(cfg Config, log *zap.Logger) (*OptionsHolder, error) {
	v := viper.New()

	if cfg.OptionsFile != "" {
		v.SetConfigFile(cfg.OptionsFile)
	} else {
		v.SetConfigName("cdr")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/cadence")
		v.AddConfigPath(".")
	}

	defaults := DefaultOptions()
	v.SetDefault("general.enable", defaults.Enabled)
	v.SetDefault("general.size", defaults.Size)
	v.SetDefault("general.time", defaults.Time)
	v.SetDefault("general.safeshutdown", defaults.SafeShutdown)

	holder := &OptionsHolder{
		v:   v,
		log: log.Named("config.options"),
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.log.Info("no options file found, using defaults")
	}

	opts, err := holder.unmarshal()
	if err != nil {
		return nil, err
	}
	holder.current.Store(opts)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := holder.unmarshal()
		if err != nil {
			holder.log.Warn("options reload failed, keeping previous", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		holder.log.Info("options reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticOptions returns a holder pinned to the given options, with no
// file behind it. Used by tests and by embedders that manage their own
// configuration.
func NewStaticOptions(opts Options) *OptionsHolder {
	holder := &OptionsHolder{log: zap.NewNop()}
	holder.current.Store(opts.normalized())
	return holder
}

// Get returns the current options.
func (h *OptionsHolder) Get() Options {
	return h.current.Load().(Options)
}

// Store replaces the current options. Used for runtime toggles such as
// `cdr set debug` and engine enable/disable.
func (h *OptionsHolder) Store(opts Options) {
	h.current.Store(opts.normalized())
}

// Reload re-reads the options file on demand.
func (h *OptionsHolder) Reload() error {
	if h.v == nil {
		return nil
	}
	if err := h.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	opts, err := h.unmarshal()
	if err != nil {
		return err
	}
	h.current.Store(opts)
	return nil
}

// unmarshal decodes the [general] table over the defaults, so a missing
// key keeps its default rather than zeroing.
func (h *OptionsHolder) unmarshal() (Options, error) {
	opts := DefaultOptions()
	if err := h.v.UnmarshalKey("general", &opts); err != nil {
		return Options{}, err
	}
	return opts.normalized(), nil
}
