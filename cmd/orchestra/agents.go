package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/internal/persona"
)

func newAgentsCmd(v *viper.Viper) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the personas in the persona directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			descs, err := persona.LoadDir(cfg.Personas)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(descs)
			}
			return printAgents(cmd.OutOrStdout(), descs)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return cmd
}

func printAgents(out io.Writer, descs []agent.Descriptor) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tTIER\tCAPABILITIES\tTOOLS")
	for _, d := range descs {
		key := d.Key
		if d.Default {
			key += "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", key, d.Name, d.Tier,
			strings.Join(d.Capabilities, ","), strings.Join(d.Tools, ","))
	}
	return w.Flush()
}
