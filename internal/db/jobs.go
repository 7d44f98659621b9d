package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

var _ Repository = (*Client)(nil)

// claimableClause selects due pending jobs and processing jobs whose worker
// lost its lease.
const claimableClause = `(status = "pending" AND cancel_requested = false AND available_at <= $now)
	OR (status = "processing" AND lease_until != NONE AND lease_until < $now)`

// Create inserts a new job record.
func (c *Client) Create(ctx context.Context, job *models.Job) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		CREATE type::record("job", $id) CONTENT $content RETURN NONE
	`, map[string]any{"id": job.ID, "content": jobContent(job)})
	if err != nil {
		return fmt.Errorf("create job: %w", wrapQueryError(err))
	}
	return nil
}

// Get retrieves a job by ID.
func (c *Client) Get(ctx context.Context, id string) (*models.Job, error) {
	results, err := surrealdb.Query[[]models.JobRecord](ctx, c.db, `
		SELECT * FROM type::record("job", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return (*results)[0].Result[0].ToJob()
}

// Update applies u in a single conditional statement.
func (c *Client) Update(ctx context.Context, id string, g Guard, u JobUpdate) (*models.Job, error) {
	vars := map[string]any{"id": id, "now": time.Now().UTC()}
	sets := updateSets(u, vars)
	conds := guardConds(g, vars)

	sql := fmt.Sprintf(`UPDATE type::record("job", $id) SET %s`, strings.Join(sets, ", "))
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " RETURN AFTER"

	job, err := c.updateOne(ctx, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if job != nil {
		return job, nil
	}
	// Nothing matched: tell a missing job from a failed guard.
	current, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: job %s is %s", ErrConflict, id, current.Status)
}

// Claim atomically takes a claimable job for worker. A transaction conflict
// means another worker got there first.
func (c *Client) Claim(ctx context.Context, id, worker string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	vars := map[string]any{
		"id":          id,
		"worker":      worker,
		"now":         now,
		"lease_until": now.Add(lease),
	}
	job, err := c.updateOne(ctx, `
		UPDATE type::record("job", $id) SET
			status = "processing",
			claimed_by = $worker,
			lease_until = $lease_until,
			progress = 0,
			updated_at = $now
		WHERE `+claimableClause+`
		RETURN AFTER
	`, vars)
	if errors.Is(err, ErrTransactionConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job != nil {
		return true, nil
	}
	if _, err := c.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListClaimable returns the IDs of jobs a worker may claim, oldest first.
func (c *Client) ListClaimable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	results, err := surrealdb.Query[[]models.JobRecord](ctx, c.db, `
		SELECT * FROM job WHERE `+claimableClause+`
		ORDER BY available_at ASC
		LIMIT $limit
	`, map[string]any{"now": now.UTC(), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list claimable: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []string{}, nil
	}

	ids := make([]string, 0, len((*results)[0].Result))
	for _, r := range (*results)[0].Result {
		id, err := models.RecordIDString(r.ID)
		if err != nil {
			return nil, fmt.Errorf("list claimable: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// updateOne runs an UPDATE ... RETURN AFTER and returns the changed job, or
// nil when the WHERE clause matched nothing.
func (c *Client) updateOne(ctx context.Context, sql string, vars map[string]any) (*models.Job, error) {
	results, err := surrealdb.Query[[]models.JobRecord](ctx, c.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return (*results)[0].Result[0].ToJob()
}

func updateSets(u JobUpdate, vars map[string]any) []string {
	var sets []string
	set := func(field string, v any) {
		vars[field] = v
		sets = append(sets, fmt.Sprintf("%s = $%s", field, field))
	}

	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.Progress != nil {
		vars["progress"] = min(max(*u.Progress, 0), 100)
		sets = append(sets, "progress = math::max([progress, $progress])")
	}
	if u.ResultKey != nil {
		set("result_key", *u.ResultKey)
	}
	switch {
	case u.Error != nil:
		set("error", *u.Error)
	case u.ClearError:
		sets = append(sets, "error = NONE")
	}
	if u.IncRetry {
		sets = append(sets, "retry_count += 1")
	}
	if u.Warnings != nil {
		set("warnings", warningsContent(*u.Warnings))
	}
	if u.Stats != nil {
		set("stats", *u.Stats)
	}
	if u.CancelRequested != nil {
		set("cancel_requested", *u.CancelRequested)
	}
	switch {
	case u.LeaseUntil != nil:
		set("lease_until", u.LeaseUntil.UTC())
	case u.Release:
		sets = append(sets, "claimed_by = NONE", "lease_until = NONE")
	}
	if u.AvailableAt != nil {
		set("available_at", u.AvailableAt.UTC())
	}
	if u.CompletedAt != nil {
		set("completed_at", u.CompletedAt.UTC())
	}
	return append(sets, "updated_at = $now")
}

func guardConds(g Guard, vars map[string]any) []string {
	var conds []string
	if len(g.Status) > 0 {
		statuses := make([]string, len(g.Status))
		for i, s := range g.Status {
			statuses[i] = string(s)
		}
		vars["guard_status"] = statuses
		conds = append(conds, "status IN $guard_status")
	}
	if g.ClaimedBy != "" {
		vars["guard_worker"] = g.ClaimedBy
		conds = append(conds, "claimed_by = $guard_worker")
	}
	if g.NoCancel {
		conds = append(conds, "cancel_requested = false")
	}
	if g.RetriesLeft {
		conds = append(conds, "retry_count < max_retries")
	}
	if g.NotTerminal {
		final := make([]string, 0, 3)
		for _, k := range fault.FinalKinds() {
			final = append(final, string(k))
		}
		vars["guard_final_kinds"] = final
		conds = append(conds, `status NOT IN ["completed", "cancelled"]`,
			`(status != "failed" OR (retry_count < max_retries
				AND (error IS NONE OR (error.permanent != true AND error.kind NOT IN $guard_final_kinds))))`)
	}
	return conds
}

// jobContent is the CREATE payload. Optional fields are left out rather
// than sent as null so option<> columns stay NONE.
func jobContent(j *models.Job) map[string]any {
	customTags := j.Options.CustomTags
	if customTags == nil {
		customTags = []string{}
	}
	opts := j.Options
	opts.CustomTags = customTags

	content := map[string]any{
		"owner_id":         j.OwnerID,
		"status":           string(j.Status),
		"progress":         j.Progress,
		"source":           j.Source,
		"options":          opts,
		"retry_count":      j.RetryCount,
		"max_retries":      j.MaxRetries,
		"warnings":         warningsContent(j.Warnings),
		"stats":            j.Stats,
		"cancel_requested": j.CancelRequested,
		"available_at":     j.AvailableAt.UTC(),
		"created_at":       j.CreatedAt.UTC(),
		"updated_at":       j.UpdatedAt.UTC(),
	}
	if j.PageRange != nil {
		content["page_range"] = *j.PageRange
	}
	if j.ResultKey != "" {
		content["result_key"] = j.ResultKey
	}
	if j.Error != nil {
		content["error"] = *j.Error
	}
	return content
}

func warningsContent(w models.Warnings) models.Warnings {
	if w.Notes == nil {
		w.Notes = []string{}
	}
	return w
}
