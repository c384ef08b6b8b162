package main

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dvtools/dvbulk/internal/archive"
	"github.com/dvtools/dvbulk/internal/engine"
	"github.com/dvtools/dvbulk/internal/types"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a data archive into the target environment",
	Example: `  dvb import --in data.zip
  dvb import --in data.zip --mode upsert --upsert-key account:accountnumber
  dvb import --in data.zip --user-mapping users.yaml --strip-owner-fields`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, _ := cmd.Flags().GetString("in")
		if in == "" {
			return invalidArgs("--in is required")
		}

		opts := engine.DefaultImportOptions()
		mode, _ := cmd.Flags().GetString("mode")
		switch mode {
		case "", "create":
			opts.Mode = engine.ModeCreate
		case "update":
			opts.Mode = engine.ModeUpdate
		case "upsert":
			opts.Mode = engine.ModeUpsert
		default:
			return invalidArgs("unknown --mode %q (create, update, upsert)", mode)
		}
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		if bs, _ := cmd.Flags().GetInt("batch-size"); bs != 0 {
			if bs < types.BatchSizeMin || bs > types.BatchSizeMax {
				return invalidArgs("--batch-size %d out of range [%d, %d]", bs, types.BatchSizeMin, types.BatchSizeMax)
			}
			opts.BatchSize = bs
		}
		opts.ContinueOnError, _ = cmd.Flags().GetBool("continue-on-error")
		opts.StripOwnerFields, _ = cmd.Flags().GetBool("strip-owner-fields")
		opts.DisablePlugins, _ = cmd.Flags().GetBool("bypass-plugins")
		opts.BypassFlows, _ = cmd.Flags().GetBool("bypass-flows")
		opts.TierConcurrency, _ = cmd.Flags().GetInt("tier-concurrency")

		keys, _ := cmd.Flags().GetStringSlice("upsert-key")
		upsertKeys, err := parseUpsertKeys(keys)
		if err != nil {
			return err
		}
		opts.UpsertKeys = upsertKeys
		if opts.Mode == engine.ModeUpsert && len(opts.UpsertKeys) == 0 {
			return invalidArgs("--mode upsert needs at least one --upsert-key entity:field[,field]")
		}

		if path, _ := cmd.Flags().GetString("user-mapping"); path != "" {
			mapping, err := readUserMapping(path)
			if err != nil {
				return err
			}
			opts.UserMapping = mapping
		}

		data, err := archive.ReadFile(in)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return notFound("archive: %v", err)
			}
			return exitWith(exitFailure, err)
		}

		p, tracker, err := buildRuntime(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		reporter, events, stop := newReporter()
		eng := engine.New(p, tracker, events)
		res, err := eng.Import(rootCtx, data, opts)
		stop()
		if err != nil {
			return exitWith(exitFailure, err)
		}
		reporter.Summary(res)
		return resultExit(res)
	},
}

// parseUpsertKeys parses "entity:field1,field2" specs into the per-entity
// alternate-key map.
func parseUpsertKeys(specs []string) (map[string][]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(specs))
	for _, spec := range specs {
		entity, fields, ok := strings.Cut(spec, ":")
		if !ok || entity == "" || fields == "" {
			return nil, invalidArgs("bad --upsert-key %q: want entity:field[,field]", spec)
		}
		var names []string
		for _, f := range strings.Split(fields, ",") {
			f = strings.TrimSpace(f)
			if f != "" {
				names = append(names, strings.ToLower(f))
			}
		}
		if len(names) == 0 {
			return nil, invalidArgs("bad --upsert-key %q: no fields", spec)
		}
		out[strings.ToLower(strings.TrimSpace(entity))] = names
	}
	return out, nil
}

// readUserMapping loads a yaml map of source systemuser id to target id.
func readUserMapping(path string) (map[uuid.UUID]uuid.UUID, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound("user mapping: %v", err)
		}
		return nil, exitWith(exitFailure, err)
	}
	raw := make(map[string]string)
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, invalidArgs("user mapping %s: %v", path, err)
	}
	out := make(map[uuid.UUID]uuid.UUID, len(raw))
	for k, v := range raw {
		src, err := uuid.Parse(k)
		if err != nil {
			return nil, invalidArgs("user mapping %s: bad source id %q", path, k)
		}
		dst, err := uuid.Parse(v)
		if err != nil {
			return nil, invalidArgs("user mapping %s: bad target id %q", path, v)
		}
		out[src] = dst
	}
	return out, nil
}

func init() {
	importCmd.Flags().StringP("in", "i", "", "Input data archive")
	importCmd.Flags().String("mode", "create", "Write mode: create, update, or upsert")
	importCmd.Flags().StringSlice("upsert-key", nil, "Alternate key per entity as entity:field[,field] (upsert mode)")
	importCmd.Flags().Bool("dry-run", false, "Walk the pipeline without writing to the target")
	importCmd.Flags().Int("batch-size", 0, "Records per batch (default: policy default)")
	importCmd.Flags().Bool("continue-on-error", true, "Keep going past failed records")
	importCmd.Flags().Bool("strip-owner-fields", false, "Drop owner/created-by/modified-by fields before writing")
	importCmd.Flags().String("user-mapping", "", "YAML file mapping source systemuser ids to target ids")
	importCmd.Flags().Bool("bypass-plugins", false, "Bypass synchronous plugins on every entity")
	importCmd.Flags().Bool("bypass-flows", false, "Suppress Power Automate flow triggers")
	importCmd.Flags().Int("tier-concurrency", 0, "Entities imported in parallel within a tier (default: 4)")

	rootCmd.AddCommand(importCmd)
}
