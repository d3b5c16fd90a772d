package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lehigh-university-libraries/labasset/internal/analysis"
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(store.Redacted(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one value by dotted key, e.g. llm.model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			v := store.Get(args[0], nil)
			if v == nil {
				return fmt.Errorf("key %q not set", args[0])
			}
			if s, ok := v.(string); ok {
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			}
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one value by dotted key; JSON values are decoded",
		Example: `  labasset config set llm.provider anthropic
  labasset config set camera.resolution "[1920,1080]"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := store.Set(args[0], parseValue(args[1])); err != nil {
				return err
			}
			opts.logger.Info("Configuration updated", "key", args[0], "path", store.Path())
			return nil
		},
	})

	return cmd
}

// parseValue decodes JSON scalars, arrays and objects, and keeps anything
// else as a plain string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func newInfoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Test the eLabFTW connection and show the LLM settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			llm := rt.settings.LLM
			model := llm.Model
			if model == "" {
				model = analysis.DefaultModel(llm.Provider)
			}
			rows := [][]string{
				{"llm.provider", llm.Provider},
				{"llm.model", model},
				{"llm.api_key set", fmt.Sprint(llm.APIKey != "")},
				{"elabftw.api_url", rt.settings.ELabFTW.APIURL},
			}

			info, err := rt.elab.Info(cmd.Context())
			if err != nil {
				rows = append(rows, []string{"elabftw.status", "unreachable: " + err.Error()})
			} else {
				rows = append(rows, []string{"elabftw.status", "connected"})
				keys := make([]string, 0, len(info))
				for k := range info {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					rows = append(rows, []string{"elabftw." + k, fmt.Sprint(info[k])})
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Setting", "Value"}, rows, nil))
			return nil
		},
	}
}
