package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
	"github.com/JakeFAU/landsat-ingest/internal/region"
)

type runFlags struct {
	collection    string
	dataset       string
	startDate     string
	endDate       string
	region        string
	radius        float64
	maxResults    int
	maxCloudCover int
	mode          string
}

// ErrRunFailed is returned when a batch finishes in the failed state.
var ErrRunFailed = errors.New("ingestion run failed")

func newRunCmd(opts *options) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one ingestion batch and print its summary",
		Long: `Runs a single batch with the configured defaults, optionally overridden by
flags, prints the run summary as JSON, and exits non-zero when the run fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, cfg, err := buildApp(ctx, opts)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close(context.WithoutCancel(ctx))
			}()

			req, err := flags.request(cmd, cfg.Region.RadiusMeters)
			if err != nil {
				return err
			}
			summary := app.RunOnce(ctx, req)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			if summary.State != ingest.StateCompleted {
				return fmt.Errorf("%w: %s (status %d)", ErrRunFailed, summary.Error, summary.StatusCode)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.collection, "collection", "", "catalog collection override")
	f.StringVar(&flags.dataset, "dataset", "", "catalog dataset override")
	f.StringVar(&flags.startDate, "start-date", "", "window start (YYYY-MM-DD); requires --end-date")
	f.StringVar(&flags.endDate, "end-date", "", "window end (YYYY-MM-DD); requires --start-date")
	f.StringVar(&flags.region, "region", "", `region JSON, e.g. {"coordinates":[-122.4,37.7],"radius":5000} or {"bbox":[...]}`)
	f.Float64Var(&flags.radius, "radius", 0, "radius in meters for point regions")
	f.IntVar(&flags.maxResults, "max-results", 0, "cap on scenes returned by the catalog (1..1000)")
	f.IntVar(&flags.maxCloudCover, "max-cloud-cover", -1, "maximum cloud cover percentage (0..100)")
	f.StringVar(&flags.mode, "mode", "", "thumbnail or archive")
	cmd.MarkFlagsRequiredTogether("start-date", "end-date")
	return cmd
}

// request converts the flags into an ingest.Request with the same rules the
// HTTP trigger applies.
func (f *runFlags) request(cmd *cobra.Command, defaultRadius float64) (ingest.Request, error) {
	req := ingest.Request{
		Collection: f.collection,
		Dataset:    f.dataset,
		Mode:       ingest.Mode(f.mode),
	}
	if f.mode != "" && !req.Mode.Valid() {
		return ingest.Request{}, fmt.Errorf("--mode %q must be thumbnail or archive", f.mode)
	}
	if f.startDate != "" {
		start, err := time.Parse(ingest.DateLayout, f.startDate)
		if err != nil {
			return ingest.Request{}, fmt.Errorf("--start-date: %w", err)
		}
		end, err := time.Parse(ingest.DateLayout, f.endDate)
		if err != nil {
			return ingest.Request{}, fmt.Errorf("--end-date: %w", err)
		}
		window := ingest.TimeWindow{Start: start, End: end}
		if err := window.Validate(); err != nil {
			return ingest.Request{}, err
		}
		req.Window = &window
	}
	if f.region != "" {
		r, err := region.ParseRegion(json.RawMessage(f.region), defaultRadius)
		if err != nil {
			return ingest.Request{}, err
		}
		req.Region = &r
	}
	if cmd.Flags().Changed("radius") {
		if f.radius <= 0 {
			return ingest.Request{}, errors.New("--radius must be > 0")
		}
		radius := f.radius
		req.Radius = &radius
	}
	if cmd.Flags().Changed("max-results") {
		if f.maxResults < 1 || f.maxResults > 1000 {
			return ingest.Request{}, errors.New("--max-results must be within 1..1000")
		}
		req.MaxResults = f.maxResults
	}
	if cmd.Flags().Changed("max-cloud-cover") {
		if f.maxCloudCover < 0 || f.maxCloudCover > 100 {
			return ingest.Request{}, errors.New("--max-cloud-cover must be within 0..100")
		}
		cover := f.maxCloudCover
		req.MaxCloudCover = &cover
	}
	return req, nil
}
