package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pricewatch/config"
	"pricewatch/internal/pipeline"
	"pricewatch/logger"
	"pricewatch/models"
	"pricewatch/processor"
	"pricewatch/writer"
)

func newRunCmd() *cobra.Command {
	var (
		dryRun bool
		group  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch the catalog once and merge the prices into the history",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			catalog, err := a.loadCatalog()
			if err != nil {
				return err
			}
			if group != "" {
				g, ok := catalog.Group(group)
				if !ok {
					return fmt.Errorf("unknown group %q", group)
				}
				catalog = &config.Catalog{Groups: []config.Group{g}}
			}
			p, _, err := a.newPipeline()
			if err != nil {
				return err
			}

			report, err := p.Run(cmd.Context(), catalog, dryRun)
			printOutcomes(cmd.OutOrStdout(), report.Outcomes)
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch and print outcomes without writing history")
	cmd.Flags().StringVar(&group, "group", "", "only run one catalog group")
	return cmd
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the pipeline whenever the refresh interval has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			p, runs, err := a.newPipeline()
			if err != nil {
				return err
			}
			if strings.ToLower(a.cfg.Logging.Level) == "report" {
				logger.StartReport(ctx, a.log, 30*time.Second)
			}
			wait, err := a.startDashboard(ctx, runs, false)
			if err != nil {
				return err
			}
			defer wait()

			log := a.log.WithComponent("scheduler").WithFields(logger.Fields{
				"refresh_interval": a.cfg.Schedule.RefreshInterval.String(),
				"check_interval":   a.cfg.Schedule.CheckInterval.String(),
				"retry_interval":   a.cfg.Schedule.RetryInterval.String(),
			})
			log.Info("scheduler started")

			ticker := time.NewTicker(a.cfg.Schedule.CheckInterval)
			defer ticker.Stop()
			for {
				lastSuccess, _ := runs.LastSuccessfulRunAt()
				lastAttempt, _ := runs.LastRunAt()
				if pipeline.DueAfterFailure(lastSuccess, lastAttempt, time.Now(), a.cfg.Schedule.RefreshInterval, a.cfg.Schedule.RetryInterval) {
					// the catalog is re-read so edits apply without a restart
					if catalog, err := a.loadCatalog(); err != nil {
						log.WithError(err).Error("failed to load catalog")
					} else if _, err := p.Run(ctx, catalog, false); err != nil {
						log.WithError(err).Error("run finished with storage errors")
					}
				}
				select {
				case <-ctx.Done():
					log.Info("scheduler stopped")
					return nil
				case <-ticker.C:
				}
			}
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API over the collected history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			runs, err := a.openRuns()
			if err != nil {
				return err
			}
			wait, err := a.startDashboard(ctx, runs, true)
			if err != nil {
				return err
			}
			<-ctx.Done()
			wait()
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var (
		asJSON bool
		locale string
	)
	cmd := &cobra.Command{
		Use:   "history [store]",
		Short: "Print the history of one store, or of all stores combined",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			var records []models.PriceRecord
			if len(args) == 1 {
				records, err = a.history.LoadAll(args[0])
			} else {
				records, err = a.history.LoadEverything()
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			loc, err := processor.ParseLocale(locale)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tPRODUCT\tPRICE\tSHOP")
			for _, r := range records {
				shop := r.Shop
				if shop == "" {
					shop = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Date.In(a.cfg.Location()).Format(time.DateTime), r.Product, processor.Format(r.Price, loc), shop)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	cmd.Flags().StringVar(&locale, "locale", "de-DE", "locale used to format prices")
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		outDir      string
		compression string
		format      string
	)
	cmd := &cobra.Command{
		Use:   "export [store...]",
		Short: "Write stores as parquet files or one xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			if compression == "" {
				compression = a.cfg.Storage.S3.Compression
			}
			stores := args
			if len(stores) == 0 {
				if stores, err = a.history.Stores(); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create export dir: %w", err)
			}

			if format == "xlsx" {
				all := make(map[string][]models.PriceRecord, len(stores))
				for _, id := range stores {
					if all[id], err = a.history.LoadAll(id); err != nil {
						return err
					}
				}
				path := filepath.Join(outDir, "pricewatch.xlsx")
				if err := writer.ExportXLSX(path, all, stores); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d stores\n", path, len(stores))
				return nil
			}
			if format != "parquet" {
				return fmt.Errorf("unknown export format %q", format)
			}
			for _, id := range stores {
				records, err := a.history.LoadAll(id)
				if err != nil {
					return err
				}
				path := filepath.Join(outDir, id+".parquet")
				if err := writer.ExportParquet(path, id, records, compression); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d records\n", path, len(records))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "export", "output directory")
	cmd.Flags().StringVar(&format, "format", "parquet", "parquet or xlsx")
	cmd.Flags().StringVar(&compression, "compression", "", "snappy, gzip or none (default from storage.s3.compression)")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Repair stores left behind by an interrupted write",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := a.history.Stores()
			if err != nil {
				return err
			}
			// a store whose primary never got committed only has a backup
			backups, _ := filepath.Glob(filepath.Join(a.history.Dir(), "*.json.backup"))
			for _, b := range backups {
				id := strings.TrimSuffix(filepath.Base(b), ".json.backup")
				if !slices.Contains(ids, id) {
					ids = append(ids, id)
				}
			}

			var errs []error
			for _, id := range ids {
				if err := a.history.Recover(id); err != nil {
					errs = append(errs, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d stores\n", len(ids))
			return errors.Join(errs...)
		},
	}
}

func printOutcomes(out io.Writer, outcomes []models.FetchOutcome) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tPRODUCT\tRESULT\tATTEMPTS\tDETAIL")
	for _, o := range outcomes {
		result, detail := "ok", ""
		if o.Observation != nil {
			detail = o.Observation.Price.StringFixed(2)
			if o.Observation.Shop != "" {
				detail += " @ " + o.Observation.Shop
			}
		}
		if !o.Success() {
			result = string(o.Kind)
			if o.Err != nil {
				detail = o.Err.Error()
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", o.Entry.Group, o.Entry.Name, result, o.Attempts, detail)
	}
	w.Flush()
}
