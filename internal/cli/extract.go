package cli

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cheri-lab/dwarfscan/internal/config"
	"github.com/cheri-lab/dwarfscan/internal/dwarfsrc"
	"github.com/cheri-lab/dwarfscan/internal/logging"
	"github.com/cheri-lab/dwarfscan/internal/scheduler"
	"github.com/cheri-lab/dwarfscan/internal/scraper"
	"github.com/cheri-lab/dwarfscan/internal/storage"
)

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract <binary>...",
	Short: "Scrape struct layouts and sub-object bounds into a database",
	Long: `Extract opens each binary, walks the DWARF type entries of every
compilation unit and stores record layouts, per-member representable
capability bounds and sub-object alias pairs in the output database.

Binaries must carry DWARF v4+ debug info for a CHERI-capable
architecture (Morello or RISC-V).

Examples:
  # Scrape one kernel image
  dwarfscan extract kernel.full

  # Scrape many libraries with repo-relative paths, eight at a time
  dwarfscan extract --strip-prefix /src/cheribsd --workers 8 lib/*.so.*

  # Only record types declared under sys/
  dwarfscan extract --filter 'sys/**' kernel.full
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringP("output", "o", "subobject.db", "output database path")
	extractCmd.Flags().String("strip-prefix", "", "strip this prefix from declaration file paths")
	extractCmd.Flags().Int("workers", runtime.NumCPU(), "number of concurrent scraper jobs")
	extractCmd.Flags().StringArray("filter", nil, "only scrape records declared in files matching this glob (repeatable)")
	extractCmd.Flags().BoolP("quiet", "q", false, "disable progress bars and non-error output")

	viper.BindPFlag("output", extractCmd.Flags().Lookup("output"))
	viper.BindPFlag("strip_prefix", extractCmd.Flags().Lookup("strip-prefix"))
	viper.BindPFlag("workers", extractCmd.Flags().Lookup("workers"))
	viper.BindPFlag("filters", extractCmd.Flags().Lookup("filter"))
	viper.BindPFlag("quiet", extractCmd.Flags().Lookup("quiet"))
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	filters, err := cfg.CompileFilters()
	if err != nil {
		return err
	}

	// Flag and config errors above are misuse; anything past this point
	// is a scraping failure.
	cmd.SilenceUsage = true

	sm, err := storage.Open(cfg.Output)
	if err != nil {
		return fmt.Errorf("%w: %s", errScrapeFailed, err)
	}
	defer sm.Close()
	runID, err := sm.RecordRun(Version)
	if err != nil {
		return fmt.Errorf("%w: %s", errScrapeFailed, err)
	}
	logging.L().WithField("run", runID).Info("Recorded scrape run")

	pool := scheduler.New(cfg.Workers)
	progress := newProgressReporter(cfg.Quiet)

	// Handle interrupt signals gracefully: running jobs finish their
	// current compilation unit and commit it before returning.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigChan; ok {
			fmt.Fprintln(os.Stderr, "\nInterrupted! Finishing current units...")
			pool.Cancel()
		}
	}()

	failed := 0
	type scheduled struct {
		path   string
		future *scheduler.Future
	}
	var jobs []scheduled
	for _, path := range args {
		src, err := dwarfsrc.Open(path)
		if err != nil {
			logging.L().WithError(err).Errorf("Failed to open %s", path)
			failed++
			continue
		}
		defer src.Close()

		job := scraper.New(sm, src, scraper.Options{
			StripPrefix: cfg.StripPrefix,
			Filters:     filters,
			UnitDone:    progress.addSource(src.NumUnits()),
		})
		jobs = append(jobs, scheduled{path: path, future: pool.Schedule(job)})
	}

	pool.Wait()
	signal.Stop(sigChan)
	close(sigChan)
	progress.finish()

	scraped := 0
	for _, job := range jobs {
		result, err := job.future.Wait()
		if err != nil || len(result.Errors) > 0 {
			failed++
			for _, msg := range result.Errors {
				logging.L().WithField("binary", job.path).Error(msg)
			}
			continue
		}
		scraped++
		logging.L().WithField("binary", job.path).
			Infof("Scraped %d records, %d members, %d bounds rows (%d duplicates suppressed)",
				result.Stats.StructTypes, result.Stats.StructMembers,
				result.Stats.BoundsRows, result.Stats.DupStructs)
	}

	if !cfg.Quiet {
		fmt.Printf("✓ Extraction complete: %d scraped, %d failed -> %s\n",
			scraped, failed, cfg.Output)
	}
	if failed > 0 {
		return errScrapeFailed
	}
	return nil
}
