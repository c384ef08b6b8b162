package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/dvtools/dvbulk/internal/archive"
	"github.com/dvtools/dvbulk/internal/engine"
	"github.com/dvtools/dvbulk/internal/schema"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records and associations into a data archive",
	Example: `  dvb export --schema schema.xml -o data.zip
  dvb export --schema schema.xml -o data.zip --page-size 2000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		schemaPath, _ := cmd.Flags().GetString("schema")
		if schemaPath == "" {
			return invalidArgs("--schema is required")
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return invalidArgs("--out is required")
		}
		pageSize, _ := cmd.Flags().GetInt("page-size")

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
			return exitWith(exitFailure, fmt.Errorf("schema %s: %w", schemaPath, err))
		}

		p, tracker, err := buildRuntime(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		_, events, stop := newReporter()
		eng := engine.New(p, tracker, events)
		data, err := eng.Export(rootCtx, s, engine.ExportOptions{PageSize: pageSize})
		stop()
		if err != nil {
			return exitWith(exitFailure, err)
		}

		if err := archive.WriteFile(data, out); err != nil {
			return exitWith(exitFailure, err)
		}
		if !quietFlag && !jsonOutput {
			fmt.Printf("wrote %s: %d records across %d entities\n",
				out, data.TotalRecords(), len(data.Entities()))
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("schema", "s", "", "Migration schema file")
	exportCmd.Flags().StringP("out", "o", "", "Output archive path")
	exportCmd.Flags().Int("page-size", 0, "Query page size (default: 5000)")

	rootCmd.AddCommand(exportCmd)
}
