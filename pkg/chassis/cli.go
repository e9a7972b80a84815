package chassis

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kennethnrk/chassis/internal/config"
	"github.com/kennethnrk/chassis/internal/logger"
	"github.com/kennethnrk/chassis/pkg/builder"
	"github.com/kennethnrk/chassis/pkg/metadata"
	"github.com/kennethnrk/chassis/pkg/runner"
	"github.com/kennethnrk/chassis/pkg/server/omi"

	// Built-in predictor kinds.
	_ "github.com/kennethnrk/chassis/pkg/runner/bridge"
	_ "github.com/kennethnrk/chassis/pkg/runner/onnx"
)

// Version of the runtime and SDK.
const Version = "1.5.0"

const appName = "chassis"

// Main runs the chassis command line and exits the process on failure.
// Binaries that register their own predictor kinds call it from main.
func Main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCommand returns the chassis command tree.
func NewRootCommand() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:          appName,
		Short:        "Package and serve machine learning models",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := logLevel
			if level == "" {
				config.LoadDotEnv()
				level = config.New().GetString("APP_LOG_LEVEL")
			}
			return logger.InitWithWriter(cmd.ErrOrStderr(), appName, level)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR), defaults to APP_LOG_LEVEL")

	root.AddCommand(newServeCommand(), newInspectCommand(), newVersionCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var server, dir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the packaged model server",
		Long:  "Start the model server of the image. The server is read from CHASSIS_SERVER or the packaged context.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := config.RuntimeEnv()
			if err != nil {
				return err
			}
			if server != "" {
				if server != builder.ServerOMI && server != builder.ServerKServe {
					return fmt.Errorf("unsupported server %q", server)
				}
				env.Server = server
			}
			return ServeContext(cmd.Context(), env, dir)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Server to start: omi or kserve")
	cmd.Flags().StringVar(&dir, "dir", ".", "Directory holding the packaged context")
	return cmd
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <dir>",
		Short: "Print the metadata and runner packaged in a context or data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd, args[0])
		},
	}
}

func inspect(cmd *cobra.Command, dir string) error {
	dataDir := dir
	if fi, err := os.Stat(filepath.Join(dir, builder.DataDirName)); err == nil && fi.IsDir() {
		dataDir = filepath.Join(dir, builder.DataDirName)
	}
	md, err := metadata.Load(filepath.Join(dataDir, omi.ModelInfoFile))
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	y, err := md.ToYAML()
	if err != nil {
		return err
	}
	modelFile := filepath.Join(dataDir, runner.FileNameForRole(runner.ModelRole))
	desc, err := runner.ReadDescriptor(modelFile)
	if err != nil {
		return err
	}
	size := "unknown"
	if fi, err := os.Stat(modelFile); err == nil {
		size = humanize.IBytes(uint64(fi.Size()))
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, string(y))
	fmt.Fprintln(out, "---")
	fmt.Fprintf(out, "runner:\n  kind: %s\n  batch: %t\n  batch_size: %d\n  legacy: %t\n  size: %s\n",
		desc.Kind, desc.Batch, desc.BatchSize, desc.Legacy, size)
	if len(desc.Config) > 0 {
		fmt.Fprintf(out, "  config: %s\n", desc.Config)
	}
	if dataDir == dir {
		return nil
	}
	return inspectContext(out, dir, md)
}

// inspectContext prints the digest of an assembled context and whether its
// human-readable model.yaml still matches data/model_info.
func inspectContext(out io.Writer, dir string, md *metadata.ModelMetadata) error {
	bc, err := builder.OpenContext(dir)
	if err != nil {
		// A bare data directory tree, not a build context.
		return nil
	}
	files, err := bc.Files()
	if err != nil {
		return err
	}
	digest, err := bc.Digest()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "context:\n  files: %d\n  digest: sha256:%s\n", len(files), digest)

	yamlPath := filepath.Join(dir, filepath.FromSlash(builder.MetadataYAMLPath))
	if _, err := os.Stat(yamlPath); err != nil {
		return nil
	}
	state := "in sync"
	fromYAML, err := metadata.LoadYAML(yamlPath)
	if err != nil {
		return err
	}
	want, err := md.Serialize()
	if err != nil {
		return err
	}
	got, err := fromYAML.Serialize()
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		state = "out of sync"
		log.Warn().Str("path", yamlPath).Msg("model.yaml does not match the packaged metadata")
	}
	fmt.Fprintf(out, "  metadata_yaml: %s\n", state)
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chassis version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// ServeContext is Serve stopped by SIGINT or SIGTERM.
func ServeContext(parent context.Context, env config.Runtime, baseDir string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err := Serve(ctx, env, baseDir)
	if err != nil {
		log.Error().Err(err).Msg("model server stopped")
	}
	return err
}
