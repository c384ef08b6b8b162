package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dvtools/dvbulk/internal/dataverse"
	"github.com/dvtools/dvbulk/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect metadata and generate migration schemas",
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the entities of the environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, release, err := singleClient(cmd)
		if err != nil {
			return err
		}
		defer release()

		gen := schema.NewGenerator(client)
		entities, err := gen.ListEntities(rootCtx)
		if err != nil {
			return exitWith(exitFailure, err)
		}
		customOnly, _ := cmd.Flags().GetBool("custom-only")

		sort.Slice(entities, func(i, j int) bool {
			return entities[i].LogicalName < entities[j].LogicalName
		})

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			for _, e := range entities {
				if customOnly && !e.IsCustomEntity {
					continue
				}
				if err := enc.Encode(e); err != nil {
					return exitWith(exitFailure, err)
				}
			}
			return nil
		}
		for _, e := range entities {
			if customOnly && !e.IsCustomEntity {
				continue
			}
			marker := " "
			if e.IsCustomEntity {
				marker = "*"
			}
			fmt.Printf("%s %-40s %s\n", marker, e.LogicalName, e.DisplayName)
		}
		return nil
	},
}

var schemaGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a migration schema document from live metadata",
	Example: `  dvb schema generate -e account -e contact -o schema.xml
  dvb schema generate -e account --include-audit --exclude-pattern '^msdyn_' -o schema.xml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		entities, _ := cmd.Flags().GetStringSlice("entity")
		if len(entities) == 0 {
			return invalidArgs("at least one --entity is required")
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return invalidArgs("--out is required")
		}

		opts := schema.GenerateOptions{}
		opts.IncludeAuditFields, _ = cmd.Flags().GetBool("include-audit")
		opts.IncludeAttributes, _ = cmd.Flags().GetStringSlice("include")
		opts.ExcludeAttributes, _ = cmd.Flags().GetStringSlice("exclude")
		opts.ExcludeAttributePatterns, _ = cmd.Flags().GetStringSlice("exclude-pattern")
		opts.DisablePluginsByDefault, _ = cmd.Flags().GetBool("disable-plugins")

		client, release, err := singleClient(cmd)
		if err != nil {
			return err
		}
		defer release()

		gen := schema.NewGenerator(client)
		s, err := gen.Generate(rootCtx, entities, opts)
		if err != nil {
			if re := dataverse.AsRemote(err); re != nil && re.StatusCode == 404 {
				return notFound("%v", err)
			}
			return exitWith(exitFailure, err)
		}

		f, err := os.Create(out)
		if err != nil {
			return exitWith(exitFailure, err)
		}
		defer f.Close()
		if err := schema.WriteSchema(s, f); err != nil {
			return exitWith(exitFailure, err)
		}
		if !quietFlag && !jsonOutput {
			fmt.Printf("wrote %s: %d entities\n", out, len(s.Entities))
		}
		return nil
	},
}

func init() {
	schemaListCmd.Flags().Bool("custom-only", false, "List only custom entities")

	schemaGenerateCmd.Flags().StringSliceP("entity", "e", nil, "Entity logical name (repeatable)")
	schemaGenerateCmd.Flags().StringP("out", "o", "", "Output schema file")
	schemaGenerateCmd.Flags().Bool("include-audit", false, "Keep audit fields writable instead of export-only")
	schemaGenerateCmd.Flags().StringSlice("include", nil, "Force-include attribute by logical name")
	schemaGenerateCmd.Flags().StringSlice("exclude", nil, "Exclude attribute by logical name")
	schemaGenerateCmd.Flags().StringSlice("exclude-pattern", nil, "Exclude attributes matching a regular expression")
	schemaGenerateCmd.Flags().Bool("disable-plugins", false, "Set disableplugins on every generated entity")

	schemaCmd.AddCommand(schemaListCmd, schemaGenerateCmd)
	rootCmd.AddCommand(schemaCmd)
}
