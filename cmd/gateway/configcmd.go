package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"backend_gateway/internal/config"
)

func newConfigCmd(v *viper.Viper, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configPath)
			if err != nil {
				return err
			}
			warnings, err := config.Validate(cfg)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			w := cmd.OutOrStdout()
			for _, warning := range warnings {
				fmt.Fprintf(w, "# warning: %s\n", warning)
			}
			_, err = w.Write(out)
			return err
		},
	}
}
