package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"specbot/validator"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [spec-file]",
	Short: "Score a specification file",
	Long: `Run the quality validator over a specification and print the score,
the missing sections and any warnings. Reads stdin when no file is given
or the file is "-". Exits non-zero when the text fails the validity gate.

Examples:
  specbot validate listing.md
  cat listing.md | specbot validate`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read specification: %w", err)
	}

	res := newValidator(cfg).Validate(string(data))
	printValidation(cmd.OutOrStdout(), res)
	if !res.IsValid {
		return fmt.Errorf("specification failed validation with score %d", res.Score)
	}
	return nil
}

func printValidation(out io.Writer, res validator.Result) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  score %d/100\n", verdict(res.IsValid), res.Score)
	fmt.Fprintf(&b, "length %d, hex colors %d, measurements %d, vague phrases %d\n",
		res.Length, res.HexColors, res.Measurements, res.VaguePhrases)
	fmt.Fprintf(&b, "sections: %s", styleSuccess.Render(strings.Join(res.FoundSections, ", ")))
	if len(res.MissingSections) > 0 {
		fmt.Fprintf(&b, "\nmissing: %s", styleError.Render(strings.Join(res.MissingSections, ", ")))
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(&b, "\n%s %s", styleWarning.Render("!"), w)
	}
	fmt.Fprintln(out, styleBox.Render(b.String()))
}
