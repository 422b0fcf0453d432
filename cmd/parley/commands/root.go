package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/config"
)

// version is overridden at build time with -ldflags "-X ...commands.version=v1.2.3".
var version = "dev"

// NewRootCommand builds the parley command tree.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "parley",
		Short: "Real-time voice conversation server",
		Long: `parley runs spoken conversations with a language model.

Microphone audio streams in over a WebSocket, is gated for speech and
transcribed; replies are streamed from the LLM, synthesized sentence by
sentence and played back in order. Speaking over the assistant interrupts it.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newCheckCommand(&configPath))
	root.AddCommand(newProfilesCommand())
	return root
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// loadConfig loads .env files and the YAML config at path.
func loadConfig(path string, envFiles []string) (*config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; pass --config to point at one: %w", path, err)
		}
		return nil, err
	}
	return cfg, nil
}
