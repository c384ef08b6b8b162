package main

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvtools/dvbulk/internal/csvload"
	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/executor"
	"github.com/dvtools/dvbulk/internal/schema"
	"github.com/dvtools/dvbulk/internal/types"
)

var loadCmd = &cobra.Command{
	Use:   "load <file.csv>",
	Short: "Bulk load a CSV file using a column mapping",
	Example: `  dvb load contacts.csv --mapping contacts.yaml
  dvb load accounts.csv --mapping accounts.yaml --schema schema.xml --batch-size 200`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mappingPath, _ := cmd.Flags().GetString("mapping")
		if mappingPath == "" {
			return invalidArgs("--mapping is required")
		}
		mapping, err := csvload.LoadMappingFile(mappingPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return notFound("mapping: %v", err)
			}
			return invalidArgs("mapping: %v", err)
		}

		// The schema is optional: without it every non-lookup column loads
		// as a string.
		var es *types.EntitySchema
		if schemaPath, _ := cmd.Flags().GetString("schema"); schemaPath != "" {
			f, err := os.Open(schemaPath)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return notFound("schema file: %v", err)
				}
				return exitWith(exitFailure, err)
			}
			s, err := schema.ReadSchema(f)
			f.Close()
			if err != nil {
				return exitWith(exitFailure, err)
			}
			es = s.Entity(mapping.EntityLogicalName)
			if es == nil {
				return notFound("schema has no entity %q", mapping.EntityLogicalName)
			}
		}

		policy := executor.DefaultPolicy()
		if bs, _ := cmd.Flags().GetInt("batch-size"); bs != 0 {
			if bs < types.BatchSizeMin || bs > types.BatchSizeMax {
				return invalidArgs("--batch-size %d out of range [%d, %d]", bs, types.BatchSizeMin, types.BatchSizeMax)
			}
			policy.BatchSize = bs
		}
		policy.ContinueOnError, _ = cmd.Flags().GetBool("continue-on-error")
		if bp, _ := cmd.Flags().GetBool("bypass-plugins"); bp {
			policy.BypassPlugins = dataverse.BypassSync
		}
		policy.BypassFlows, _ = cmd.Flags().GetBool("bypass-flows")

		csvFile, err := os.Open(args[0])
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return notFound("csv: %v", err)
			}
			return exitWith(exitFailure, err)
		}
		defer csvFile.Close()

		p, tracker, err := buildRuntime(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		reporter, events, stop := newReporter()
		start := time.Now()
		loader := csvload.NewLoader(p, tracker, events)
		res, err := loader.Load(rootCtx, csvFile, mapping, es, policy)
		stop()
		if err != nil {
			return exitWith(exitFailure, err)
		}
		mres := loadResult(res, start)
		reporter.Summary(mres)
		return resultExit(mres)
	},
}

// loadResult lifts an executor result into the summary shape the reporter
// prints.
func loadResult(res *executor.Result, start time.Time) *types.MigrationResult {
	return &types.MigrationResult{
		Success:      res.FailureCount == 0 && !res.Cancelled,
		Duration:     time.Since(start),
		TotalRecords: res.Processed(),
		SuccessCount: res.SuccessCount,
		FailureCount: res.FailureCount,
		CreatedCount: res.CreatedCount,
		UpdatedCount: res.UpdatedCount,
		SkippedCount: res.SkippedCount,
		Cancelled:    res.Cancelled,
		Errors:       res.Errors,
	}
}

func init() {
	loadCmd.Flags().StringP("mapping", "m", "", "Column mapping YAML file")
	loadCmd.Flags().StringP("schema", "s", "", "Optional schema file for cell type conversion")
	loadCmd.Flags().Int("batch-size", 0, "Records per batch (default: policy default)")
	loadCmd.Flags().Bool("continue-on-error", true, "Keep going past failed rows")
	loadCmd.Flags().Bool("bypass-plugins", false, "Bypass synchronous plugins")
	loadCmd.Flags().Bool("bypass-flows", false, "Suppress Power Automate flow triggers")

	rootCmd.AddCommand(loadCmd)
}
