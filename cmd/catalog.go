package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lehigh-university-libraries/labasset/internal/images"
	"github.com/lehigh-university-libraries/labasset/internal/workflow"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type catalogOptions struct {
	imagePath   string
	imageURL    string
	camera      bool
	templateID  int
	instruction string
	resultFile  string
	yes         bool
}

func newCatalogCmd(opts *rootOptions) *cobra.Command {
	copts := &catalogOptions{}

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Catalogue one asset from an image",
		Long: `Runs the cataloguing workflow once: acquire an image, analyze it against an
eLabFTW template, show the result, commit it as a new item, and render the
QR code label.

Without --yes the result is only committed after confirmation on a terminal.`,
		Example: `  # Analyze a photo and confirm before committing
  labasset catalog --image bottle.jpg --template 7

  # Capture from the camera, replace the result with an edited file, commit
  labasset catalog --camera --template 7 --result-file edited.json --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalog(cmd, opts, copts)
		},
	}

	cmd.Flags().StringVarP(&copts.imagePath, "image", "i", "", "Image file to catalogue")
	cmd.Flags().StringVarP(&copts.imageURL, "url", "u", "", "Image URL to catalogue")
	cmd.Flags().BoolVar(&copts.camera, "camera", false, "Capture the image from the configured camera")
	cmd.Flags().IntVarP(&copts.templateID, "template", "t", 0, "eLabFTW item type id")
	cmd.Flags().StringVar(&copts.instruction, "instruction", "", "Extra instruction appended to the analysis prompt")
	cmd.Flags().StringVar(&copts.resultFile, "result-file", "", "JSON file that replaces the analysis result before commit")
	cmd.Flags().BoolVarP(&copts.yes, "yes", "y", false, "Commit without asking for confirmation")
	cmd.MarkFlagsMutuallyExclusive("image", "url", "camera")
	cmd.MarkFlagsOneRequired("image", "url", "camera")

	return cmd
}

func runCatalog(cmd *cobra.Command, opts *rootOptions, copts *catalogOptions) error {
	if copts.templateID <= 0 {
		return errors.New("--template is required; list ids with \"labasset templates\"")
	}

	rt, err := newRuntime(opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	flow, err := rt.workflow()
	if err != nil {
		return err
	}

	var src images.Source
	switch {
	case copts.imagePath != "":
		src = &images.FileSource{Path: copts.imagePath}
	case copts.imageURL != "":
		src = images.NewURLSource(copts.imageURL, images.Limits{})
	default:
		camera := images.NewCamera(rt.settings.Camera, opts.logger)
		if err := camera.Open(); err != nil {
			return err
		}
		src = camera
	}
	defer src.Release()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if err := flow.AcquireImage(ctx, src); err != nil {
		return err
	}
	if err := flow.SelectTemplate(ctx, copts.templateID); err != nil {
		return err
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "Analyzing image...")
	if _, err := flow.Analyze(ctx, copts.instruction); err != nil {
		return err
	}

	if copts.resultFile != "" {
		data, err := os.ReadFile(copts.resultFile)
		if err != nil {
			return fmt.Errorf("read result file: %w", err)
		}
		if err := flow.EditResultText(string(data)); err != nil {
			return err
		}
	}

	snap := flow.Snapshot()
	if err := printResult(out, snap); err != nil {
		return err
	}

	if !copts.yes {
		if !isTerminal(cmd.InOrStdin()) {
			fmt.Fprintln(out, "Not committed; re-run with --yes to commit without a terminal.")
			return nil
		}
		ok, err := confirm(cmd.InOrStdin(), out, "Commit to eLabFTW? [y/N] ")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Not committed.")
			return nil
		}
	}

	done, err := flow.StartCommit(ctx)
	if err != nil {
		return err
	}
	outcome := <-done
	if outcome.Err != nil {
		return outcome.Err
	}

	fmt.Fprintf(out, "Created item %d: %s\n", outcome.RecordID, rt.labels.URL(outcome.RecordID))
	for _, warning := range flow.Snapshot().Draft.Warnings {
		fmt.Fprintf(out, "Warning: %s\n", warning)
	}
	if outcome.LabelErr != nil {
		fmt.Fprintf(out, "Label failed: %v (retry with \"labasset label %d\")\n", outcome.LabelErr, outcome.RecordID)
		return nil
	}
	fmt.Fprintf(out, "Label: %s\n", outcome.LabelPath)
	return nil
}

func printResult(w io.Writer, snap workflow.Snapshot) error {
	doc := map[string]any{
		"title":  snap.Draft.Title,
		"result": map[string]any(snap.Draft.Result),
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
