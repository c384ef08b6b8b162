package progress

import (
	"fmt"
	"strings"

	"github.com/dvtools/dvbulk/internal/types"
)

// errorClass is one recognized failure pattern with its remediation hint.
type errorClass struct {
	name    string
	match   func(*types.RecordError) bool
	suggest string
}

var knownClasses = []errorClass{
	{
		name: "missing-user",
		match: func(re *types.RecordError) bool {
			return re.ErrorCode == types.ErrCodeMissingUser ||
				(re.ErrorCode == types.ErrCodeMissingReference && mentionsUser(re.Message))
		},
		suggest: "referenced users or teams do not exist in the target; provide a user mapping or strip owner fields",
	},
	{
		name: "missing-reference",
		match: func(re *types.RecordError) bool {
			return re.ErrorCode == types.ErrCodeMissingReference && !mentionsUser(re.Message)
		},
		suggest: "lookup targets are missing; import the referenced entities first or check the dependency tiers",
	},
	{
		name: "duplicate",
		match: func(re *types.RecordError) bool {
			return re.ErrorCode == types.ErrCodeDuplicate
		},
		suggest: "records already exist; use upsert mode or clear the target before importing",
	},
	{
		name: "permission",
		match: func(re *types.RecordError) bool {
			return re.ErrorCode == types.ErrCodePermission
		},
		suggest: "the importing identity lacks privileges on the entity; check its security roles",
	},
	{
		name: "required-field",
		match: func(re *types.RecordError) bool {
			return re.ErrorCode == types.ErrCodeRequiredField
		},
		suggest: "required fields are empty; check the column mapping or the exported data",
	},
}

func mentionsUser(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "systemuser") || strings.Contains(lower, "team")
}

// ClassifyErrors clusters the error list into known classes and returns one
// suggestion line per detected class, most frequent first.
func ClassifyErrors(errs []*types.RecordError) []string {
	counts := make([]int, len(knownClasses))
	for _, re := range errs {
		for i, c := range knownClasses {
			if c.match(re) {
				counts[i]++
				break
			}
		}
	}

	type hit struct {
		idx   int
		count int
	}
	var hits []hit
	for i, n := range counts {
		if n > 0 {
			hits = append(hits, hit{i, n})
		}
	}
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].count > hits[j-1].count; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		c := knownClasses[h.idx]
		out = append(out, fmt.Sprintf("%d %s: %s", h.count, c.name, c.suggest))
	}
	return out
}
