package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
)

func newCheckCommand(configPath *string) *cobra.Command {
	var envFiles []string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file and its providers",
		Long: `Load and validate the configuration, then construct every configured
provider without contacting it. Exits non-zero on the first problem.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath, envFiles)
			if err != nil {
				return err
			}
			if _, err := app.SessionConfig(cfg, app.DefaultSourceRate); err != nil {
				return err
			}

			reg := config.NewRegistry()
			app.RegisterBuiltinProviders(reg, nil)
			if _, err := app.BuildProviders(cfg, reg); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", *configPath)
			fmt.Fprintf(out, "  llm: %s\n  stt: %s\n  tts: %s\n",
				providerLabel(cfg.Providers.LLM),
				providerLabel(cfg.Providers.STT),
				providerLabel(cfg.Providers.TTS),
			)
			fmt.Fprintf(out, "  gate profile: %s\n", cfg.Gate.Profile)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before the config")
	return cmd
}
