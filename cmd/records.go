package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/labasset/internal/ledger"
	"github.com/lehigh-university-libraries/labasset/internal/models"
	"github.com/spf13/cobra"
)

func newTemplatesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "templates [template-id]",
		Short: "List eLabFTW item types usable as templates, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				t, err := rt.elab.TemplateByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", t.ID, t.Title)
				fmt.Fprintln(cmd.OutOrStdout(), t.Describe())
				return nil
			}

			list, err := rt.elab.Templates(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(list))
			for _, t := range list {
				rows = append(rows, []string{strconv.Itoa(t.ID), t.Title, t.Category})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Title", "Category"}, rows, []columnAlignment{alignRight}))
			return nil
		},
	}
}

func newItemsCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "items",
		Short: "List recent eLabFTW items",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			items, err := rt.elab.ListRecords(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(items))
			for _, it := range items {
				rows = append(rows, []string{strconv.Itoa(it.ID), it.Title, it.Category, it.Date})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Title", "Category", "Date"}, rows, []columnAlignment{alignRight}))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of items")
	cmd.AddCommand(newItemsUpdateCmd(opts))
	return cmd
}

func newItemsUpdateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <record-id> <key=value>...",
		Short: "Patch an existing item; JSON values are decoded",
		Example: `  labasset items update 42 title="Sodium Chloride (ACS)"
  labasset items update 42 'tags=["reagent","shelf-3"]'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			patch, err := parsePatch(args[1:])
			if err != nil {
				return err
			}

			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.elab.UpdateRecord(cmd.Context(), id, patch); err != nil {
				return err
			}
			rec, err := rt.elab.GetRecord(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated item %d: %s\n", rec.ID, rec.Title)
			return nil
		},
	}
}

// parsePatch turns key=value arguments into an item patch.
func parsePatch(pairs []string) (map[string]any, error) {
	patch := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		patch[key] = parseValue(value)
	}
	return patch, nil
}

func parseID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit      int
		exportPath string
	)

	cmd := &cobra.Command{
		Use:   "history [record-id]",
		Short: "Show assets committed from this workstation",
		Example: `  labasset history
  labasset history 42
  labasset history --export history.parquet`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.ledger == nil {
				return errors.New("asset ledger is not configured (storage.ledger_path)")
			}

			var entries []models.LedgerEntry
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				entry, err := rt.ledger.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				entries = append(entries, *entry)
			} else {
				entries, err = rt.ledger.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
			}

			if exportPath != "" {
				if err := ledger.Export(exportPath, entries); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s\n", len(entries), exportPath)
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					strconv.Itoa(e.RecordID),
					e.Title,
					strconv.Itoa(e.TemplateID),
					e.LabelPath,
					e.CreatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Record", "Title", "Template", "Label", "Created"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of entries (0 for all)")
	cmd.Flags().StringVar(&exportPath, "export", "", "Write entries to a .parquet, .yaml or .json file")
	return cmd
}

func newLabelCmd(opts *rootOptions) *cobra.Command {
	var card bool

	cmd := &cobra.Command{
		Use:   "label <record-id>",
		Short: "Render the QR code label for an existing item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.elab.GetRecord(cmd.Context(), id)
			if err != nil {
				return err
			}

			var path string
			if card {
				path, err = rt.labels.RenderCard(*rec)
			} else {
				path, err = rt.labels.Render(id, rec.Title)
			}
			if err != nil {
				return err
			}

			if rt.ledger != nil {
				if err := rt.ledger.RecordLabel(cmd.Context(), id, path); err != nil && !errors.Is(err, ledger.ErrNotFound) {
					opts.logger.Warn("Failed to record label", "record_id", id, "error", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&card, "card", false, "Render a card with the item details next to the code")
	return cmd
}
