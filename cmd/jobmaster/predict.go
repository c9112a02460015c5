package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"jobmaster/internal/app"
	"jobmaster/internal/config"
	"jobmaster/internal/predict"
)

func newPredictCmd(cfgPath *string) *cobra.Command {
	var (
		opts   predict.Options
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "List upcoming scheduled launches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			f, err := app.PredictConfig(cmd.Context(), cfg, opts, time.Now())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(f)
			}
			return printForecast(cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().DurationVar(&opts.Duration, "duration", predict.DefaultDuration, "how far ahead to look")
	cmd.Flags().IntVar(&opts.Max, "max", predict.DefaultMax, "maximum number of launches")
	cmd.Flags().IntVar(&opts.Burn, "burn", predict.DefaultBurn, "maximum rule evaluations")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printForecast(w io.Writer, f predict.Forecast) error {
	for _, it := range f.Items {
		name := it.Event
		if it.Title != "" {
			name = fmt.Sprintf("%s (%s)", it.Event, it.Title)
		}
		if _, err := fmt.Fprintf(w, "%s  %-9s %s\n", time.Unix(it.Epoch, 0).Format(time.RFC3339), it.Type, name); err != nil {
			return err
		}
	}
	if f.Exhausted {
		_, err := fmt.Fprintf(w, "(stopped after %d evaluations; raise --burn for a longer forecast)\n", f.Evaluations)
		return err
	}
	return nil
}
