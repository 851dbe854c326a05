package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perfslot/perfslot/collector"
	"github.com/perfslot/perfslot/common/logging"
	"github.com/perfslot/perfslot/common/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath      string
	Verbose         bool
	Duration        uint64
	StorageType     string
	Prefix          string
	StorageDir      string
	BufferSize      string
	FileSize        string
	MaxRowGroupSize int64
	StorageQuota    string
	Trace           bool
	BPFObjectPath   string
	NRIEnabled      bool
}

var rootCmd = &cobra.Command{
	Use:   "perfslot",
	Short: "Per-CPU performance telemetry collector",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(rawCmd, cmd); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	flags.BoolVarP(&cmd.Verbose, "verbose", "v", false, "Verbose debug output")
	flags.Uint64VarP(&cmd.Duration, "duration", "d", 0, "Collection duration in seconds (0 = unlimited)")
	flags.StringVar(&cmd.StorageType, "storage-type", "", "Object storage type (local or s3)")
	flags.StringVar(&cmd.Prefix, "prefix", "", "Filename prefix, prepended verbatim")
	flags.StringVar(&cmd.StorageDir, "storage-dir", "", "Output directory for local storage")
	flags.StringVar(&cmd.BufferSize, "parquet-buffer-size", "", "Buffered bytes before forcing a row group flush")
	flags.StringVar(&cmd.FileSize, "parquet-file-size", "", "File size threshold for rotation")
	flags.Int64Var(&cmd.MaxRowGroupSize, "max-row-group-size", 0, "Maximum rows per row group")
	flags.StringVar(&cmd.StorageQuota, "storage-quota", "", "Total storage quota in bytes (0 = unlimited)")
	flags.BoolVar(&cmd.Trace, "trace", false, "Emit raw event traces instead of per-timeslot aggregates")
	flags.StringVar(&cmd.BPFObjectPath, "bpf-object", "", "Path to the producer's BPF object file")
	flags.BoolVar(&cmd.NRIEnabled, "nri", false, "Collect container metadata over NRI")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// buildConfig loads the config file, if given, and lets flags that were
// set on the command line override it.
func buildConfig(rawCmd *cobra.Command, cmd Cmd) (*collector.Config, error) {
	cfg := collector.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		cfg, err = collector.LoadConfig(cmd.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	if cmd.Verbose {
		cfg.Logging.Level = zap.DebugLevel
	}

	flags := rawCmd.Flags()
	if flags.Changed("duration") {
		cfg.Duration = time.Duration(cmd.Duration) * time.Second
	}
	if flags.Changed("storage-type") {
		cfg.Storage.Type = cmd.StorageType
	}
	if flags.Changed("prefix") {
		cfg.Storage.Prefix = cmd.Prefix
	}
	if flags.Changed("storage-dir") {
		cfg.Storage.Directory = cmd.StorageDir
	}
	if flags.Changed("max-row-group-size") {
		cfg.Parquet.MaxRowGroupSize = cmd.MaxRowGroupSize
	}
	if flags.Changed("trace") {
		cfg.Trace = cmd.Trace
	}
	if flags.Changed("bpf-object") {
		cfg.BPF.ObjectPath = cmd.BPFObjectPath
	}
	if flags.Changed("nri") {
		cfg.NRI.Enabled = cmd.NRIEnabled
	}

	sizes := []struct {
		name  string
		value string
		dst   *datasize.ByteSize
	}{
		{"parquet-buffer-size", cmd.BufferSize, &cfg.Parquet.BufferSize},
		{"parquet-file-size", cmd.FileSize, &cfg.Parquet.FileSizeLimit},
		{"storage-quota", cmd.StorageQuota, &cfg.Parquet.StorageQuota},
	}
	for _, size := range sizes {
		if !flags.Changed(size.name) {
			continue
		}
		parsed, err := datasize.ParseString(size.value)
		if err != nil {
			return nil, fmt.Errorf("invalid --%s value %q: %w", size.name, size.value, err)
		}
		*size.dst = parsed
	}

	return cfg, nil
}

func run(rawCmd *cobra.Command, cmd Cmd) error {
	cfg, err := buildConfig(rawCmd, cmd)
	if err != nil {
		return fmt.Errorf("failed to build configuration: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	c, err := collector.New(cfg, collector.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to initialize collector: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		// Run returning, even without an error, ends the signal wait too.
		defer cancel()
		return c.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	err = wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
