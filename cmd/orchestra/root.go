package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aixgo-dev/orchestra"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ORCHESTRA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "orchestra",
		Short: "Route conversations across a team of persona agents",
		Long: `orchestra loads agent personas from a directory, routes each message to
the best matching agents and keeps per-session conversation threads.

Flags can also be set through ORCHESTRA_ environment variables, for example
ORCHESTRA_CONFIG or ORCHESTRA_LOG_LEVEL.`,
		Version:      Version,
		SilenceUsage: true,
	}

	f := root.PersistentFlags()
	f.String("config", "", "config file (YAML); defaults apply when empty")
	f.String("personas", "", "persona directory, overrides the config")
	f.String("log-level", "", "log level: debug, info, warn or error")
	_ = v.BindPFlags(f)

	root.AddCommand(
		newServeCmd(v),
		newChatCmd(v),
		newAgentsCmd(v),
		newBenchCmd(v),
	)
	return root
}

// loadConfig reads the config file named by --config, or starts from the
// defaults, then applies flag overrides.
func loadConfig(v *viper.Viper) (*orchestra.Config, error) {
	var cfg *orchestra.Config
	if path := v.GetString("config"); path != "" {
		c, err := orchestra.NewConfigLoader(&orchestra.OSFileReader{}).LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = &orchestra.Config{}
		cfg.ApplyEnv()
		cfg.ApplyDefaults()
	}

	if p := v.GetString("personas"); p != "" {
		cfg.Personas = p
	}
	if l := v.GetString("log-level"); l != "" {
		cfg.Logging.Level = l
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
