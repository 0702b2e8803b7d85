// Package cohort deduplicates classified outcomes into the clean cohort.
//
// The resolver partitions outcomes by (user, experiment) and selects the
// canonical rank-1 row per partition. Ranking itself is owned by the upstream
// fact producer; the resolver only consumes and validates it. Partitions
// with zero or multiple rank-1 rows are a data-quality violation: they are
// excluded and reported, never silently picked from.
package cohort

import (
	"sort"

	"experiment-outcomes/internal/funnel"
	apperrors "experiment-outcomes/pkg/errors"
)

// Anomaly is one reportable data-quality violation found while resolving.
type Anomaly struct {
	UserID         string `json:"user_id"`
	ExperimentName string `json:"experiment_name"`
	Code           string `json:"code"`
	Rank1Rows      int    `json:"rank1_rows"`
	TotalRows      int    `json:"total_rows"`
	Detail         string `json:"detail,omitempty"`
}

// Result is the resolver output: the clean cohort plus everything excluded
// on the way there.
type Result struct {
	Clean []funnel.CleanRow

	// Exclusion counters over canonical rows that passed rank validation.
	Ineligible   int
	Contaminated int

	Anomalies []Anomaly
}

type partitionKey struct {
	userID     string
	experiment string
}

// Resolve selects one canonical row per (user, experiment) and filters to
// eligible, uncontaminated users. Each partition's decision sees all rows of
// that partition; a partial view would risk false anomaly reports.
func Resolve(outcomes []funnel.Outcome) Result {
	partitions := make(map[partitionKey][]funnel.Outcome)
	for _, o := range outcomes {
		k := partitionKey{userID: o.UserID, experiment: o.ExperimentName}
		partitions[k] = append(partitions[k], o)
	}

	keys := make([]partitionKey, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	// Stable order so reruns on unchanged input yield identical output.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].experiment != keys[j].experiment {
			return keys[i].experiment < keys[j].experiment
		}
		return keys[i].userID < keys[j].userID
	})

	var res Result
	for _, k := range keys {
		rows := partitions[k]

		var canonical funnel.Outcome
		rank1 := 0
		for _, o := range rows {
			if o.DuplicationRank == 1 {
				canonical = o
				rank1++
			}
		}
		if rank1 != 1 {
			qe := apperrors.NewDupRankViolation(k.userID, k.experiment, rank1)
			res.Anomalies = append(res.Anomalies, Anomaly{
				UserID:         k.userID,
				ExperimentName: k.experiment,
				Code:           qe.Code,
				Rank1Rows:      rank1,
				TotalRows:      len(rows),
				Detail:         qe.Message,
			})
			continue
		}

		if !canonical.IsEligibleVisitor {
			res.Ineligible++
			continue
		}
		if canonical.ContaminationFlag != funnel.NotContaminated {
			// Fail closed: unknown or malformed flags exclude the user the
			// same way an explicit cross-variant marker does. Empty flags
			// are additionally reported as malformed.
			if canonical.ContaminationFlag == "" {
				qe := apperrors.NewMalformedCategorical(
					k.userID, k.experiment, "contamination_flag", canonical.ContaminationFlag)
				res.Anomalies = append(res.Anomalies, Anomaly{
					UserID:         k.userID,
					ExperimentName: k.experiment,
					Code:           qe.Code,
					Rank1Rows:      rank1,
					TotalRows:      len(rows),
					Detail:         qe.Message,
				})
			}
			res.Contaminated++
			continue
		}

		res.Clean = append(res.Clean, funnel.CleanRow{Outcome: canonical})
	}

	return res
}
