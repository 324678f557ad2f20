package cmd

import (
	"context"
	"fmt"
	"os"

	"specbot/generator"
	"specbot/image"

	"github.com/spf13/cobra"
)

var (
	generateCategoryFlag string
	generateStubFlag     bool
	generateFeedbackFlag string
)

var generateCmd = &cobra.Command{
	Use:   "generate PHOTO...",
	Short: "Run one generation locally (no credits)",
	Long: `Run the two-stage pipeline over local photos and print the
specification with its validation report. No database, credits or events
are involved. With --feedback the result is regenerated once more using
the stored analysis.

Examples:
  specbot generate --category clothes front.jpg back.jpg
  specbot generate --stub --category electronics box.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&generateCategoryFlag, "category", "c", "other", "Product category")
	generateCmd.Flags().BoolVar(&generateStubFlag, "stub", false, "Use the deterministic offline provider")
	generateCmd.Flags().StringVar(&generateFeedbackFlag, "feedback", "", "Regenerate once with this feedback")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if len(args) > cfg.MaxPhotos {
		return fmt.Errorf("at most %d photos are allowed, got %d", cfg.MaxPhotos, len(args))
	}
	photos := make([][]byte, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read photo: %w", err)
		}
		photos = append(photos, data)
	}
	photos = image.CompressAll(photos, photoOptions(cfg))

	p, err := buildPipeline(cfg, generateStubFlag)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	progress := func(stage generator.Stage, note string) error {
		_, err := fmt.Fprintln(out, styleMuted.Render(fmt.Sprintf("[%s] %s", stage, note)))
		return err
	}

	ctx := context.Background()
	res := p.generator.Generate(ctx, photos, generateCategoryFlag, progress)
	if res.Success && generateFeedbackFlag != "" {
		res = p.generator.Regenerate(ctx, res.PhotoAnalysis, generateCategoryFlag, res.SpecText, generateFeedbackFlag, progress)
	}
	if !res.Success {
		fmt.Fprintln(out, styleError.Render(fmt.Sprintf("generation failed at %s: %s", res.FailedStage, res.ErrorMessage)))
		return fmt.Errorf("generation failed")
	}

	fmt.Fprintln(out, styleTitle.Render(fmt.Sprintf("Specification (%s + %s, %d attempts, %s)",
		res.VisionProvider, res.TextProvider, res.Attempts, res.Duration.Round(1e6))))
	fmt.Fprintln(out, res.SpecText)
	if res.Validation != nil {
		printValidation(out, *res.Validation)
	}
	return nil
}
