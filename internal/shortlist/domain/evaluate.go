// Package domain evaluates graded results against configured selection
// criteria. Evaluation is per-candidate and order-independent; candidates
// are never compared to each other except through the externally supplied
// rank context.
package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/grading"
)

// Criteria is the configured selection rule set. Nil fields are not
// evaluated. A candidate is shortlisted only if every configured criterion
// passes; there is no partial-credit aggregation across criteria.
type Criteria struct {
	MinScore       *float64           `json:"min_score,omitempty"`
	MinPercentage  *float64           `json:"min_percentage,omitempty"`
	MinPercentile  *float64           `json:"min_percentile,omitempty"`
	TopN           *int               `json:"top_n,omitempty"`
	TopPercent     *float64           `json:"top_percent,omitempty"`
	SectionCutoffs map[string]float64 `json:"section_cutoffs,omitempty"`
}

// RankContext is the externally supplied cohort standing for one result.
type RankContext struct {
	Rank       int
	Percentile float64
	CohortSize int
}

// RankProvider resolves cohort rank and percentile for a result.
type RankProvider interface {
	Rank(ctx context.Context, examID, resultID snowflake.ID) (RankContext, error)
}

// Outcome is the accept/reject decision with its audit rationale.
type Outcome struct {
	Accepted  bool
	Rationale string
}

// Evaluate checks every configured criterion against the breakdown and rank
// context. The rationale lists only the criteria that were actually
// evaluated, in a stable order, for audit display.
func Evaluate(b grading.Breakdown, rank RankContext, c Criteria) Outcome {
	accepted := true
	var parts []string

	check := func(pass bool, label string) {
		parts = append(parts, fmt.Sprintf("%s: %s", label, passLabel(pass)))
		if !pass {
			accepted = false
		}
	}

	if c.MinScore != nil {
		check(b.TotalScore >= *c.MinScore, fmt.Sprintf("minimum score %.2f (got %.2f)", *c.MinScore, b.TotalScore))
	}
	if c.MinPercentage != nil {
		check(b.Percentage >= *c.MinPercentage, fmt.Sprintf("minimum percentage %.2f%% (got %.2f%%)", *c.MinPercentage, b.Percentage))
	}
	if c.MinPercentile != nil {
		check(rank.Percentile >= *c.MinPercentile, fmt.Sprintf("minimum percentile %.2f (got %.2f)", *c.MinPercentile, rank.Percentile))
	}
	if c.TopN != nil {
		check(rank.Rank > 0 && rank.Rank <= *c.TopN, fmt.Sprintf("rank within top %d (got rank %d)", *c.TopN, rank.Rank))
	}
	if c.TopPercent != nil {
		check(rank.Percentile >= 100-*c.TopPercent, fmt.Sprintf("within top %.2f%% (got percentile %.2f)", *c.TopPercent, rank.Percentile))
	}
	if len(c.SectionCutoffs) > 0 {
		sections := make([]string, 0, len(c.SectionCutoffs))
		for section := range c.SectionCutoffs {
			sections = append(sections, section)
		}
		sort.Strings(sections)
		for _, section := range sections {
			cutoff := c.SectionCutoffs[section]
			score, ok := b.SectionScores[section]
			// A missing section score fails the whole check.
			check(ok && score >= cutoff, fmt.Sprintf("section %q minimum %.2f (got %.2f)", section, cutoff, score))
		}
	}

	return Outcome{Accepted: accepted, Rationale: strings.Join(parts, "; ")}
}

func passLabel(pass bool) string {
	if pass {
		return "passed"
	}
	return "failed"
}

// Configured reports whether any criterion is set.
func (c Criteria) Configured() bool {
	return c.MinScore != nil || c.MinPercentage != nil || c.MinPercentile != nil ||
		c.TopN != nil || c.TopPercent != nil || len(c.SectionCutoffs) > 0
}
