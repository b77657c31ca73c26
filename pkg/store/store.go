package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kmanoj03/repopulse/internal/errs"
	"github.com/kmanoj03/repopulse/internal/httpserver"
)

// Store wraps the connection pool and issues the durable-store operations
// the rest of the pipeline needs.
type Store struct {
	db *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// --- Installations ---

// UpsertInstallation inserts an Installation if one with this
// InstallationID doesn't already exist; existing installations are left
// untouched (spec §4.G: "skip if exists").
func (s *Store) UpsertInstallation(ctx context.Context, inst Installation) (Installation, error) {
	repos, err := json.Marshal(inst.Repositories)
	if err != nil {
		return Installation{}, fmt.Errorf("marshaling repositories: %w", err)
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO installations (installation_id, account_type, account_login, account_avatar_url, repositories)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (installation_id) DO UPDATE SET installation_id = installations.installation_id
		RETURNING installation_id, account_type, account_login, account_avatar_url, repositories, suspended_at, created_at, updated_at
	`, inst.InstallationID, inst.AccountType, inst.AccountLogin, inst.AccountAvatarURL, repos)

	return scanInstallation(row)
}

// GetInstallation loads an Installation by its platform id.
func (s *Store) GetInstallation(ctx context.Context, installationID int64) (Installation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT installation_id, account_type, account_login, account_avatar_url, repositories, suspended_at, created_at, updated_at
		FROM installations WHERE installation_id = $1
	`, installationID)

	inst, err := scanInstallation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Installation{}, fmt.Errorf("installation %d: %w", installationID, errs.NotFound)
	}
	return inst, err
}

// AddRepositories appends repos not already present (by RepoID) to the
// Installation's repository list (spec §4.G installation_repositories.added).
func (s *Store) AddRepositories(ctx context.Context, installationID int64, repos []Repository) error {
	inst, err := s.GetInstallation(ctx, installationID)
	if err != nil {
		return err
	}

	existing := make(map[string]bool, len(inst.Repositories))
	for _, r := range inst.Repositories {
		existing[r.RepoID] = true
	}
	for _, r := range repos {
		if !existing[r.RepoID] {
			inst.Repositories = append(inst.Repositories, r)
			existing[r.RepoID] = true
		}
	}

	return s.saveRepositories(ctx, installationID, inst.Repositories)
}

// RemoveRepositories filters out the given repoIds (spec §4.G
// installation_repositories.removed).
func (s *Store) RemoveRepositories(ctx context.Context, installationID int64, repoIDs []string) error {
	inst, err := s.GetInstallation(ctx, installationID)
	if err != nil {
		return err
	}

	removed := make(map[string]bool, len(repoIDs))
	for _, id := range repoIDs {
		removed[id] = true
	}

	kept := inst.Repositories[:0]
	for _, r := range inst.Repositories {
		if !removed[r.RepoID] {
			kept = append(kept, r)
		}
	}

	return s.saveRepositories(ctx, installationID, kept)
}

func (s *Store) saveRepositories(ctx context.Context, installationID int64, repos []Repository) error {
	raw, err := json.Marshal(repos)
	if err != nil {
		return fmt.Errorf("marshaling repositories: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE installations SET repositories = $2, updated_at = now() WHERE installation_id = $1
	`, installationID, raw)
	return err
}

// MarkInstallationSuspended sets suspendedAt and removes the installation
// id from every User's installationIds (spec §4.B).
func (s *Store) MarkInstallationSuspended(ctx context.Context, installationID int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE installations SET suspended_at = now(), updated_at = now()
		WHERE installation_id = $1 AND suspended_at IS NULL
	`, installationID); err != nil {
		return fmt.Errorf("marking installation suspended: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users SET installation_ids = array_remove(installation_ids, $1), updated_at = now()
		WHERE $1 = ANY(installation_ids)
	`, installationID); err != nil {
		return fmt.Errorf("unlinking users from installation: %w", err)
	}

	return tx.Commit(ctx)
}

func scanInstallation(row pgx.Row) (Installation, error) {
	var inst Installation
	var repos []byte
	if err := row.Scan(
		&inst.InstallationID, &inst.AccountType, &inst.AccountLogin, &inst.AccountAvatarURL,
		&repos, &inst.SuspendedAt, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return Installation{}, fmt.Errorf("scanning installation: %w", err)
	}
	if len(repos) > 0 {
		if err := json.Unmarshal(repos, &inst.Repositories); err != nil {
			return Installation{}, fmt.Errorf("unmarshaling repositories: %w", err)
		}
	}
	return inst, nil
}

// --- Users ---

// FindUserByUsername looks up a User by username; returns errs.NotFound if absent.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, platform_id, username, email, avatar_url, installation_ids, role, last_login_at, created_at, updated_at
		FROM users WHERE username = $1
	`, username)

	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", username, errs.NotFound)
	}
	return u, err
}

// AddInstallationToUser links installationID to the user's installationIds
// set; a no-op if already present (spec §4.H).
func (s *Store) AddInstallationToUser(ctx context.Context, userID string, installationID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users
		SET installation_ids = array_append(installation_ids, $2), updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(installation_ids))
	`, userID, installationID)
	return err
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	if err := row.Scan(
		&u.ID, &u.PlatformID, &u.Username, &u.Email, &u.AvatarURL,
		&u.InstallationIDs, &u.Role, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return User{}, fmt.Errorf("scanning user: %w", err)
	}
	return u, nil
}

// --- Pull Requests ---

// UpsertPRInput carries the mutable fields a webhook delivery wants to
// set, plus the identity fields used only on insert (spec §4.B
// upsertPR(filter, patch, setOnInsert)).
type UpsertPRInput struct {
	InstallationID int64
	RepoID         string
	Number         int
	RepoFullName   string
	Title          string
	Author         string
	BranchFrom     string
	BranchTo       string
	Status         PRStatus
	FilesChanged   []FileChange
	UserID         *string
}

// UpsertPR performs an atomic upsert keyed by (repoId, number), returning
// the resulting row and whether it was newly inserted. The unique index on
// (repo_id, number) is the idempotency anchor for webhook retries.
func (s *Store) UpsertPR(ctx context.Context, in UpsertPRInput) (pr PullRequest, created bool, err error) {
	files, err := json.Marshal(in.FilesChanged)
	if err != nil {
		return PullRequest{}, false, fmt.Errorf("marshaling files changed: %w", err)
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO pull_requests (
			installation_id, repo_id, number, repo_full_name, title, author,
			branch_from, branch_to, status, files_changed, user_id,
			summary_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'pending')
		ON CONFLICT (repo_id, number) DO UPDATE SET
			repo_full_name = EXCLUDED.repo_full_name,
			title          = EXCLUDED.title,
			author         = EXCLUDED.author,
			branch_from    = EXCLUDED.branch_from,
			branch_to      = EXCLUDED.branch_to,
			status         = EXCLUDED.status,
			files_changed  = CASE WHEN EXCLUDED.files_changed = 'null'::jsonb
			                      THEN pull_requests.files_changed
			                      ELSE EXCLUDED.files_changed END,
			user_id        = COALESCE(EXCLUDED.user_id, pull_requests.user_id),
			updated_at     = now()
		RETURNING id, installation_id, repo_id, number, user_id, repo_full_name, title, author,
			branch_from, branch_to, status, files_changed, summary, summary_status, summary_error,
			last_summarized_at, system_labels, risk_flags, risk_score, diff_stats, chat_message_ts,
			created_at, updated_at,
			(xmax = 0) AS created
	`, in.InstallationID, in.RepoID, in.Number, in.RepoFullName, in.Title, in.Author,
		in.BranchFrom, in.BranchTo, in.Status, files, in.UserID)

	return scanPRWithCreated(row)
}

// GetPRByID loads a PullRequest by its opaque id.
func (s *Store) GetPRByID(ctx context.Context, id string) (PullRequest, error) {
	row := s.db.QueryRow(ctx, selectPRColumns+` FROM pull_requests WHERE id = $1`, id)
	pr, err := scanPR(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PullRequest{}, fmt.Errorf("pull request %q: %w", id, errs.NotFound)
	}
	return pr, err
}

// GetPRByRepoAndNumber loads a PullRequest by its (installationId, repoId,
// number) identity.
func (s *Store) GetPRByRepoAndNumber(ctx context.Context, installationID int64, repoID string, number int) (PullRequest, error) {
	row := s.db.QueryRow(ctx, selectPRColumns+`
		FROM pull_requests WHERE installation_id = $1 AND repo_id = $2 AND number = $3
	`, installationID, repoID, number)
	pr, err := scanPR(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PullRequest{}, fmt.Errorf("pull request %s#%d: %w", repoID, number, errs.NotFound)
	}
	return pr, err
}

// SetPRStatus updates only the status field, used by pull_request.closed
// and pull_request.reopened handling (spec §4.G).
func (s *Store) SetPRStatus(ctx context.Context, id string, status PRStatus) error {
	_, err := s.db.Exec(ctx, `UPDATE pull_requests SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

// ReopenPR resets status=open, summaryStatus=pending, summaryError=null
// (spec §4.G pull_request.reopened).
func (s *Store) ReopenPR(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE pull_requests
		SET status = 'open', summary_status = 'pending', summary_error = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

// SaveAnalysis persists the Analyzer's output regardless of whether the
// subsequent generative-model call succeeds (spec §4.E step 5).
func (s *Store) SaveAnalysis(ctx context.Context, id string, labels, flags []string, score int, diff DiffStats) error {
	diffJSON, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("marshaling diff stats: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE pull_requests
		SET system_labels = $2, risk_flags = $3, risk_score = $4, diff_stats = $5, updated_at = now()
		WHERE id = $1
	`, id, labels, flags, score, diffJSON)
	return err
}

// SaveSummarySuccess records a successful generative-model summary in a
// single save (spec §4.E step 6).
func (s *Store) SaveSummarySuccess(ctx context.Context, id string, summary Summary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE pull_requests
		SET summary = $2, summary_status = 'ready', summary_error = NULL,
			last_summarized_at = now(), updated_at = now()
		WHERE id = $1
	`, id, raw)
	return err
}

// SaveSummaryFailure records a failed generative-model call without
// clearing any prior summary (spec §4.E step 6).
func (s *Store) SaveSummaryFailure(ctx context.Context, id string, message string) error {
	if len(message) > 500 {
		message = message[:500]
	}
	_, err := s.db.Exec(ctx, `
		UPDATE pull_requests
		SET summary_status = 'error', summary_error = $2, updated_at = now()
		WHERE id = $1
	`, id, message)
	return err
}

// SetChatMessageTS sets the idempotency marker once notification succeeds
// (spec §4.F step 5).
func (s *Store) SetChatMessageTS(ctx context.Context, id string, ts string) error {
	_, err := s.db.Exec(ctx, `UPDATE pull_requests SET chat_message_ts = $2, updated_at = now() WHERE id = $1`, id, ts)
	return err
}

// CountPRsByInstallationAndRepo is used by listing UIs (spec §4.B).
func (s *Store) CountPRsByInstallationAndRepo(ctx context.Context, installationID int64, repoID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM pull_requests WHERE installation_id = $1 AND repo_id = $2
	`, installationID, repoID).Scan(&count)
	return count, err
}

// FindPRsByUser restricts results to installationId IN user.installationIds,
// ordered by createdAt desc, cursor-paginated (spec §4.B). The query-side
// consumer (the authenticated query surface) is an external collaborator;
// this method is the storage primitive it would call.
func (s *Store) FindPRsByUser(ctx context.Context, user User, params httpserver.CursorParams) ([]PullRequest, error) {
	if len(user.InstallationIDs) == 0 {
		return nil, nil
	}

	args := []any{user.InstallationIDs, params.Limit + 1}
	query := selectPRColumns + `
		FROM pull_requests
		WHERE installation_id = ANY($1)
	`
	if params.After != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, params.After.CreatedAt, params.After.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying prs by user: %w", err)
	}
	defer rows.Close()

	var prs []PullRequest
	for rows.Next() {
		pr, err := scanPR(rows)
		if err != nil {
			return nil, err
		}
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

const selectPRColumns = `
	SELECT id, installation_id, repo_id, number, user_id, repo_full_name, title, author,
		branch_from, branch_to, status, files_changed, summary, summary_status, summary_error,
		last_summarized_at, system_labels, risk_flags, risk_score, diff_stats, chat_message_ts,
		created_at, updated_at
`

func scanPR(row pgx.Row) (PullRequest, error) {
	var pr PullRequest
	var files, summary, diff []byte
	if err := row.Scan(
		&pr.ID, &pr.InstallationID, &pr.RepoID, &pr.Number, &pr.UserID, &pr.RepoFullName, &pr.Title, &pr.Author,
		&pr.BranchFrom, &pr.BranchTo, &pr.Status, &files, &summary, &pr.SummaryStatus, &pr.SummaryError,
		&pr.LastSummarizedAt, &pr.SystemLabels, &pr.RiskFlags, &pr.RiskScore, &diff, &pr.ChatMessageTS,
		&pr.CreatedAt, &pr.UpdatedAt,
	); err != nil {
		return PullRequest{}, fmt.Errorf("scanning pull request: %w", err)
	}
	return pr, unmarshalPRBlobs(&pr, files, summary, diff)
}

func scanPRWithCreated(row pgx.Row) (PullRequest, bool, error) {
	var pr PullRequest
	var files, summary, diff []byte
	var created bool
	if err := row.Scan(
		&pr.ID, &pr.InstallationID, &pr.RepoID, &pr.Number, &pr.UserID, &pr.RepoFullName, &pr.Title, &pr.Author,
		&pr.BranchFrom, &pr.BranchTo, &pr.Status, &files, &summary, &pr.SummaryStatus, &pr.SummaryError,
		&pr.LastSummarizedAt, &pr.SystemLabels, &pr.RiskFlags, &pr.RiskScore, &diff, &pr.ChatMessageTS,
		&pr.CreatedAt, &pr.UpdatedAt, &created,
	); err != nil {
		return PullRequest{}, false, fmt.Errorf("scanning upserted pull request: %w", err)
	}
	if err := unmarshalPRBlobs(&pr, files, summary, diff); err != nil {
		return PullRequest{}, false, err
	}
	return pr, created, nil
}

func unmarshalPRBlobs(pr *PullRequest, files, summary, diff []byte) error {
	if len(files) > 0 {
		if err := json.Unmarshal(files, &pr.FilesChanged); err != nil {
			return fmt.Errorf("unmarshaling files changed: %w", err)
		}
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &pr.Summary); err != nil {
			return fmt.Errorf("unmarshaling summary: %w", err)
		}
	}
	if len(diff) > 0 {
		if err := json.Unmarshal(diff, &pr.DiffStats); err != nil {
			return fmt.Errorf("unmarshaling diff stats: %w", err)
		}
	}
	return nil
}
