package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var providersTimeoutFlag time.Duration

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Health-check every configured AI provider",
	Long: `Probe every provider in PROVIDER_ORDER for both capabilities and
print its status. Providers without an API key are reported as disabled.`,
	RunE: runProviders,
}

func init() {
	providersCmd.Flags().DurationVar(&providersTimeoutFlag, "timeout", time.Minute, "Overall probe timeout")
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(cfg, false)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), providersTimeoutFlag)
	defer cancel()
	vision := p.vision.HealthCheckAll(ctx)
	text := p.text.HealthCheckAll(ctx)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, styleTitle.Render("Providers"))
	fmt.Fprintf(out, "%-10s %-14s %-14s\n", "name", "vision", "text")
	for _, name := range p.vision.Providers() {
		fmt.Fprintf(out, "%-10s %s %s\n", name,
			statusStyle(vision[name]).Width(14).Render(string(vision[name])),
			statusStyle(text[name]).Width(14).Render(string(text[name])))
	}
	return nil
}
