// Package config loads the settings of the hfi-sim tool from defaults, an
// optional YAML file and HFI_ environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-hfi/internal/constants"
)

// Config is the complete tool configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Notifier selects the event doorbell: auto, chan, eventfd, iouring.
	Notifier string `mapstructure:"notifier"`

	Job       JobConfig       `mapstructure:"job"`
	QueuePair QueuePairConfig `mapstructure:"queue_pair"`
	Sim       SimConfig       `mapstructure:"sim"`
	Traffic   TrafficConfig   `mapstructure:"traffic"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// JobConfig is the allow-list queue pairs are assigned against.
type JobConfig struct {
	// ID is a UUID; empty generates one.
	ID      string       `mapstructure:"id"`
	Allowed []AuthConfig `mapstructure:"allowed"`
}

type AuthConfig struct {
	UserID uint32 `mapstructure:"user_id"`
	Rank   uint32 `mapstructure:"rank"`
}

// QueuePairConfig sizes every queue pair the tool assigns.
type QueuePairConfig struct {
	TxSlots        uint32        `mapstructure:"tx_slots"`
	RxSlots        uint32        `mapstructure:"rx_slots"`
	EventSlots     uint32        `mapstructure:"event_slots"`
	EventWidth     uint32        `mapstructure:"event_width"`
	SendBuffers    uint32        `mapstructure:"send_buffers"`
	RecvBuffers    uint32        `mapstructure:"recv_buffers"`
	BufferSize     uint32        `mapstructure:"buffer_size"`
	SendDepth      uint32        `mapstructure:"send_depth"`
	SignalInterval uint32        `mapstructure:"signal_interval"`
	PIOThreshold   uint32        `mapstructure:"pio_threshold"`
	EnableTimeout  time.Duration `mapstructure:"enable_timeout"`
}

// SimConfig tunes the simulated device.
type SimConfig struct {
	Idle  time.Duration `mapstructure:"idle"`
	Batch int           `mapstructure:"batch"`
}

// TrafficConfig shapes the loopback run.
type TrafficConfig struct {
	Messages    int `mapstructure:"messages"`
	MessageSize int `mapstructure:"message_size"`

	// InitialRecv is how many receive buffers the receiver posts up front.
	// Fewer than Messages forces the receiver-not-ready path.
	InitialRecv uint32 `mapstructure:"initial_recv"`

	// ReplenishDelay is how long the receiver holds a consumed buffer
	// before posting it again.
	ReplenishDelay time.Duration `mapstructure:"replenish_delay"`

	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Options carries command line overrides.
type Options struct {
	LogLevel    string
	Notifier    string
	MetricsAddr string
	Messages    int
}

// Load reads the configuration. An explicit path must exist; otherwise
// hfi-sim.yaml is looked up in the usual places and may be absent.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("hfi-sim")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hfi")
		v.AddConfigPath("$HOME/.hfi")

		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("HFI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}
	if opts.Notifier != "" {
		v.Set("notifier", opts.Notifier)
	}
	if opts.MetricsAddr != "" {
		v.Set("metrics.enabled", true)
		v.Set("metrics.listen", opts.MetricsAddr)
	}
	if opts.Messages > 0 {
		v.Set("traffic.messages", opts.Messages)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("notifier", "auto")

	v.SetDefault("queue_pair.tx_slots", constants.DefaultTxSlots)
	v.SetDefault("queue_pair.rx_slots", constants.DefaultRxSlots)
	v.SetDefault("queue_pair.event_slots", constants.DefaultEventSlots)
	v.SetDefault("queue_pair.event_width", constants.DefaultEventWidth)
	v.SetDefault("queue_pair.send_buffers", constants.DefaultSendDepth)
	v.SetDefault("queue_pair.recv_buffers", constants.DefaultRecvBuffers)
	v.SetDefault("queue_pair.buffer_size", constants.DefaultBufferSize)
	v.SetDefault("queue_pair.send_depth", constants.DefaultSendDepth)
	v.SetDefault("queue_pair.signal_interval", constants.DefaultSignalInterval)
	v.SetDefault("queue_pair.pio_threshold", constants.DefaultPIOThreshold)
	v.SetDefault("queue_pair.enable_timeout", constants.CommandTimeout)

	v.SetDefault("sim.idle", constants.DeviceIdlePoll)
	v.SetDefault("sim.batch", 16)

	v.SetDefault("traffic.messages", 1000)
	v.SetDefault("traffic.message_size", 512)
	v.SetDefault("traffic.initial_recv", 8)
	v.SetDefault("traffic.replenish_delay", 100*time.Microsecond)
	v.SetDefault("traffic.timeout", 30*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
}

func powerOfTwo(n uint32) bool { return n != 0 && n&(n-1) == 0 }

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch c.Notifier {
	case "auto", "chan", "eventfd", "iouring":
	default:
		return fmt.Errorf("invalid notifier %q", c.Notifier)
	}

	if c.Job.ID == "" {
		c.Job.ID = uuid.NewString()
	} else if _, err := uuid.Parse(c.Job.ID); err != nil {
		return fmt.Errorf("invalid job.id: %w", err)
	}
	if len(c.Job.Allowed) == 0 {
		c.Job.Allowed = []AuthConfig{{UserID: uint32(os.Getuid()), Rank: 0}}
	}

	qp := &c.QueuePair
	for name, n := range map[string]uint32{
		"tx_slots":    qp.TxSlots,
		"rx_slots":    qp.RxSlots,
		"event_slots": qp.EventSlots,
		"send_depth":  qp.SendDepth,
	} {
		if !powerOfTwo(n) {
			return fmt.Errorf("queue_pair.%s must be a power of two, got %d", name, n)
		}
	}
	if qp.EventSlots < constants.MinEventSlots || qp.EventSlots > constants.MaxEventSlots {
		return fmt.Errorf("queue_pair.event_slots must be in [%d, %d], got %d",
			constants.MinEventSlots, constants.MaxEventSlots, qp.EventSlots)
	}
	if qp.EventWidth != 64 && qp.EventWidth != 128 {
		return fmt.Errorf("queue_pair.event_width must be 64 or 128, got %d", qp.EventWidth)
	}
	if qp.SignalInterval == 0 || qp.SignalInterval > qp.SendDepth {
		return fmt.Errorf("queue_pair.signal_interval must be in [1, send_depth], got %d", qp.SignalInterval)
	}
	if qp.SendBuffers < qp.SendDepth {
		return fmt.Errorf("queue_pair.send_buffers (%d) must cover send_depth (%d)", qp.SendBuffers, qp.SendDepth)
	}
	if qp.PIOThreshold > qp.BufferSize {
		return fmt.Errorf("queue_pair.pio_threshold (%d) exceeds buffer_size (%d)", qp.PIOThreshold, qp.BufferSize)
	}

	if c.Traffic.Messages < 0 {
		return fmt.Errorf("traffic.messages cannot be negative")
	}
	if c.Traffic.MessageSize <= 0 || c.Traffic.MessageSize > int(qp.BufferSize) {
		return fmt.Errorf("traffic.message_size must be in [1, %d], got %d", qp.BufferSize, c.Traffic.MessageSize)
	}
	if c.Traffic.InitialRecv > qp.RecvBuffers {
		return fmt.Errorf("traffic.initial_recv (%d) exceeds queue_pair.recv_buffers (%d)", c.Traffic.InitialRecv, qp.RecvBuffers)
	}
	return nil
}
