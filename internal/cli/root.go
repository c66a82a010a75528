package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/inference"
	"github.com/Brownie44l1/cxr-api/internal/logger"
	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

type RootCommand struct {
	cmd *cobra.Command
	v   *viper.Viper
	cfg *config.Config
	log *slog.Logger
}

func NewRootCommand() *RootCommand {
	root := &RootCommand{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "cxr-api",
		Short: "Chest X-ray condition classifier",
		Long: `cxr-api scores frontal chest radiographs for 14 thoracic conditions
and explains the scores through a language model.

Configuration comes from defaults, an optional TOML file, an optional .env
file, the environment and finally the flags below.`,
		SilenceUsage:      true,
		PersistentPreRunE: root.persistentPreRunE,
	}

	pflags := cmd.PersistentFlags()
	pflags.String("config", "", "Config file path (TOML)")
	pflags.String("env-file", ".env", "Environment file loaded when present")
	pflags.String("listen", "", "Listen address (default from config)")
	pflags.String("model", "", "Checkpoint or .onnx model path (default from config)")
	pflags.String("device", "", "Inference device: cpu, cuda or cuda:N (default from config)")

	for _, name := range []string{"config", "env-file", "listen", "model", "device"} {
		_ = root.v.BindPFlag(name, pflags.Lookup(name))
	}
	_ = root.v.BindEnv("config", "CXR_CONFIG")

	root.cmd = cmd
	root.addSubCommands()
	return root
}

func (r *RootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	return r.loadConfig()
}

// loadConfig resolves the effective configuration and installs the logger.
func (r *RootCommand) loadConfig() error {
	cfg, err := config.Load(r.v.GetString("config"), r.v.GetString("env-file"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if addr := r.v.GetString("listen"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if path := r.v.GetString("model"); path != "" {
		cfg.Model.Path = path
	}
	if dev := r.v.GetString("device"); dev != "" {
		d, err := tensor.ParseDevice(dev)
		if err != nil {
			return fmt.Errorf("parse --device: %w", err)
		}
		cfg.Model.Device, cfg.Model.DeviceD = dev, d
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	r.cfg = cfg
	r.log = logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return nil
}

func (r *RootCommand) addSubCommands() {
	r.cmd.AddCommand(NewServeCommand(r))
	r.cmd.AddCommand(NewClassifyCommand(r))
	r.cmd.AddCommand(NewInspectCommand(r))
}

func (r *RootCommand) Command() *cobra.Command {
	return r.cmd
}

func (r *RootCommand) Config() *config.Config {
	return r.cfg
}

func (r *RootCommand) openConfig() inference.OpenConfig {
	return inference.OpenConfig{
		Path:        r.cfg.Model.Path,
		Device:      r.cfg.Model.DeviceD,
		Strict:      r.cfg.Model.Strict,
		ONNXLibrary: r.cfg.Model.ONNXRuntimeLib,
		Logger:      r.log,
	}
}

func (r *RootCommand) ExecuteContext(ctx context.Context) error {
	return r.cmd.ExecuteContext(ctx)
}

// Execute runs the command line and exits non-zero on failure. SIGINT and
// SIGTERM cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
