package collector

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/perfslot/perfslot/common/logging"
	"github.com/perfslot/perfslot/storage"
)

// Config is the collector configuration.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Duration bounds the collection run; zero means unlimited.
	Duration time.Duration `yaml:"duration"`
	// Trace switches from per-timeslot aggregates to raw event traces.
	Trace bool `yaml:"trace"`
	// SlotWidth is the timeslot width.
	SlotWidth time.Duration `yaml:"slot_width"`
	// BPF configures the kernel-side producer.
	BPF BPFConfig `yaml:"bpf"`
	// Storage selects and configures the object store.
	Storage StorageConfig `yaml:"storage"`
	// Parquet configures the output writer.
	Parquet ParquetConfig `yaml:"parquet"`
	// NRI configures the container metadata source.
	NRI NRIConfig `yaml:"nri"`
}

// BPFConfig configures the kernel-side producer.
type BPFConfig struct {
	// ObjectPath is the producer's compiled object file.
	ObjectPath string `yaml:"object_path"`
	// BufferPages is the per-CPU ring size in pages; must be a power of
	// two.
	BufferPages uint32 `yaml:"buffer_pages"`
	// WatermarkBytes delays consumer wakeup until this many bytes are
	// pending; zero wakes on every record.
	WatermarkBytes uint32 `yaml:"watermark_bytes"`
}

// StorageConfig selects the object store.
type StorageConfig struct {
	// Type is "local" or "s3".
	Type string `yaml:"type"`
	// Prefix is prepended to every filename verbatim.
	Prefix string `yaml:"prefix"`
	// Directory is the output directory for the local store.
	Directory string `yaml:"directory"`
	// S3 configures the S3 store.
	S3 storage.S3Config `yaml:"s3"`
}

// ParquetConfig configures the output writer.
type ParquetConfig struct {
	// BufferSize forces a row group flush once this many bytes are
	// buffered.
	BufferSize datasize.ByteSize `yaml:"buffer_size"`
	// FileSizeLimit rotates the output file once it reaches this size.
	FileSizeLimit datasize.ByteSize `yaml:"file_size_limit"`
	// MaxRowGroupSize bounds row group length in rows.
	MaxRowGroupSize int64 `yaml:"max_row_group_size"`
	// StorageQuota stops output once the writer's accounted bytes cross
	// it; the file footer is not counted. Zero means unlimited.
	StorageQuota datasize.ByteSize `yaml:"storage_quota"`
}

// NRIConfig configures the container metadata source.
type NRIConfig struct {
	// Enabled turns the NRI plugin on.
	Enabled bool `yaml:"enabled"`
	// SocketPath overrides the runtime's NRI socket path.
	SocketPath string `yaml:"socket_path"`
	// ChannelCapacity bounds the metadata message channel.
	ChannelCapacity int `yaml:"channel_capacity"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		SlotWidth: time.Millisecond,
		BPF: BPFConfig{
			ObjectPath:  "/usr/lib/perfslot/collector.bpf.o",
			BufferPages: 32,
		},
		Storage: StorageConfig{
			Type:      "local",
			Prefix:    "metrics-",
			Directory: ".",
		},
		Parquet: ParquetConfig{
			BufferSize:      100 * datasize.MB,
			FileSizeLimit:   datasize.GB,
			MaxRowGroupSize: 1 << 20,
		},
		NRI: NRIConfig{
			ChannelCapacity: 1024,
		},
	}
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (m *Config) Validate() error {
	if m.SlotWidth <= 0 {
		return fmt.Errorf("slot width must be positive")
	}
	if m.BPF.BufferPages == 0 || m.BPF.BufferPages&(m.BPF.BufferPages-1) != 0 {
		return fmt.Errorf("bpf buffer pages must be a power of two")
	}
	switch m.Storage.Type {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown storage type %q", m.Storage.Type)
	}
	if m.Parquet.MaxRowGroupSize <= 0 {
		return fmt.Errorf("max row group size must be positive")
	}
	return nil
}
