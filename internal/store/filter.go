package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/jobcontrol/pkg/models"
)

var (
	ErrUnscopedFilter = errors.New("job filter requires a cluster id")
	ErrEmptyPatch     = errors.New("job patch sets no columns")
)

// JobFilter is the predicate of a guarded update. Zero-valued fields do not
// constrain the match; ClusterID is mandatory.
type JobFilter struct {
	ClusterID          string
	ID                 string
	Status             models.JobStatus
	ExecutingMachineID *string
	ResultedAtIsNull   bool
	LastRetrievedAt    *time.Time
}

// Matches reports whether j satisfies the filter.
func (f JobFilter) Matches(j *models.Job) bool {
	if j.ClusterID != f.ClusterID {
		return false
	}
	if f.ID != "" && j.ID != f.ID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.ExecutingMachineID != nil {
		if j.ExecutingMachineID == nil || *j.ExecutingMachineID != *f.ExecutingMachineID {
			return false
		}
	}
	if f.ResultedAtIsNull && j.ResultedAt != nil {
		return false
	}
	if f.LastRetrievedAt != nil {
		if j.LastRetrievedAt == nil || !j.LastRetrievedAt.Equal(*f.LastRetrievedAt) {
			return false
		}
	}
	return true
}

// JobPatch is the assignment half of a guarded update. Nil and zero fields
// leave the column untouched. Touch* fields set the column to the write time.
type JobPatch struct {
	Status                  models.JobStatus
	ExecutingMachineID      *string
	TouchLastRetrievedAt    bool
	RemainingAttempts       *int
	RemainingAttemptsDelta  int
	Result                  *string
	ResultType              *models.ResultType
	TouchResultedAt         bool
	FunctionExecutionTimeMs *int
}

func (p JobPatch) empty() bool {
	return p.Status == "" && p.ExecutingMachineID == nil && !p.TouchLastRetrievedAt &&
		p.RemainingAttempts == nil && p.RemainingAttemptsDelta == 0 && p.Result == nil &&
		p.ResultType == nil && !p.TouchResultedAt && p.FunctionExecutionTimeMs == nil
}

// Apply mutates j the way UpdateJobs would at time now.
func (p JobPatch) Apply(j *models.Job, now time.Time) {
	if p.Status != "" {
		j.Status = p.Status
	}
	if p.ExecutingMachineID != nil {
		id := *p.ExecutingMachineID
		j.ExecutingMachineID = &id
	}
	if p.TouchLastRetrievedAt {
		t := now
		j.LastRetrievedAt = &t
	}
	if p.RemainingAttempts != nil {
		j.RemainingAttempts = *p.RemainingAttempts
	}
	j.RemainingAttempts += p.RemainingAttemptsDelta
	if p.Result != nil {
		r := *p.Result
		j.Result = &r
	}
	if p.ResultType != nil {
		rt := *p.ResultType
		j.ResultType = &rt
	}
	if p.TouchResultedAt {
		t := now
		j.ResultedAt = &t
	}
	if p.FunctionExecutionTimeMs != nil {
		ms := *p.FunctionExecutionTimeMs
		j.FunctionExecutionTimeMs = &ms
	}
	j.UpdatedAt = now
}

// buildJobUpdate renders filter and patch as a single UPDATE ... RETURNING
// statement. Timestamps come from the database clock.
func buildJobUpdate(f JobFilter, p JobPatch) (string, []any, error) {
	if f.ClusterID == "" {
		return "", nil, ErrUnscopedFilter
	}
	if p.empty() {
		return "", nil, ErrEmptyPatch
	}

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := []string{"updated_at = NOW()"}
	if p.Status != "" {
		sets = append(sets, "status = "+arg(string(p.Status)))
	}
	if p.ExecutingMachineID != nil {
		sets = append(sets, "executing_machine_id = "+arg(*p.ExecutingMachineID))
	}
	if p.TouchLastRetrievedAt {
		sets = append(sets, "last_retrieved_at = NOW()")
	}
	switch {
	case p.RemainingAttempts != nil:
		sets = append(sets, "remaining_attempts = "+arg(*p.RemainingAttempts+p.RemainingAttemptsDelta))
	case p.RemainingAttemptsDelta != 0:
		sets = append(sets, "remaining_attempts = remaining_attempts + "+arg(p.RemainingAttemptsDelta))
	}
	if p.Result != nil {
		sets = append(sets, "result = "+arg(*p.Result))
	}
	if p.ResultType != nil {
		sets = append(sets, "result_type = "+arg(string(*p.ResultType)))
	}
	if p.TouchResultedAt {
		sets = append(sets, "resulted_at = NOW()")
	}
	if p.FunctionExecutionTimeMs != nil {
		sets = append(sets, "function_execution_time_ms = "+arg(*p.FunctionExecutionTimeMs))
	}

	conds := []string{"cluster_id = " + arg(f.ClusterID)}
	if f.ID != "" {
		conds = append(conds, "id = "+arg(f.ID))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+arg(string(f.Status)))
	}
	if f.ExecutingMachineID != nil {
		conds = append(conds, "executing_machine_id = "+arg(*f.ExecutingMachineID))
	}
	if f.ResultedAtIsNull {
		conds = append(conds, "resulted_at IS NULL")
	}
	if f.LastRetrievedAt != nil {
		conds = append(conds, "last_retrieved_at = "+arg(*f.LastRetrievedAt))
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE %s RETURNING %s",
		strings.Join(sets, ", "), strings.Join(conds, " AND "), jobColumns)
	return query, args, nil
}
