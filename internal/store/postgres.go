package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cam3ron2/repo-insights/internal/aggregate"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	defaultDueLinkLimit   = 500
)

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore connects a pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const accountColumns = `id, user_id, github_user_id, login, email, access_token_enc, refresh_token_enc,
	access_token_expires_at, refresh_token_expires_at, scope, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var account Account
	err := row.Scan(
		&account.ID, &account.UserID, &account.GithubUserID, &account.Login, &account.Email,
		&account.AccessTokenEnc, &account.RefreshTokenEnc,
		&account.AccessTokenExpiresAt, &account.RefreshTokenExpiresAt,
		&account.Scope, &account.CreatedAt, &account.UpdatedAt,
	)
	return account, translate(err)
}

// GetAccount returns the account connected by userID.
func (s *PostgresStore) GetAccount(ctx context.Context, userID int64) (Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM github_accounts WHERE user_id = $1`, userID))
}

// UpsertAccount inserts or replaces the account for account.UserID.
func (s *PostgresStore) UpsertAccount(ctx context.Context, account Account) (Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		INSERT INTO github_accounts (user_id, github_user_id, login, email, access_token_enc, refresh_token_enc,
			access_token_expires_at, refresh_token_expires_at, scope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			github_user_id = EXCLUDED.github_user_id,
			login = EXCLUDED.login,
			email = EXCLUDED.email,
			access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
			scope = EXCLUDED.scope,
			updated_at = now()
		RETURNING `+accountColumns,
		account.UserID, account.GithubUserID, account.Login, account.Email,
		account.AccessTokenEnc, account.RefreshTokenEnc,
		account.AccessTokenExpiresAt, account.RefreshTokenExpiresAt, account.Scope,
	))
}

// DeleteAccount removes the account connected by userID.
func (s *PostgresStore) DeleteAccount(ctx context.Context, userID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM github_accounts WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete github account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const repositoryColumns = `id, github_repo_id, name, full_name, owner_login, html_url, is_private,
	default_branch, installation_id, repo_created_at, created_at, updated_at`

func scanRepository(row pgx.Row) (Repository, error) {
	var repo Repository
	err := row.Scan(
		&repo.ID, &repo.GithubRepoID, &repo.Name, &repo.FullName, &repo.OwnerLogin, &repo.HTMLURL,
		&repo.IsPrivate, &repo.DefaultBranch, &repo.InstallationID, &repo.RepoCreatedAt,
		&repo.CreatedAt, &repo.UpdatedAt,
	)
	return repo, translate(err)
}

// UpsertRepository inserts or updates a repository keyed by its GitHub id.
// A nil installation id or creation time keeps the stored value.
func (s *PostgresStore) UpsertRepository(ctx context.Context, repo Repository) (Repository, error) {
	return scanRepository(s.pool.QueryRow(ctx, `
		INSERT INTO github_repositories (github_repo_id, name, full_name, owner_login, html_url, is_private,
			default_branch, installation_id, repo_created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (github_repo_id) DO UPDATE SET
			name = EXCLUDED.name,
			full_name = EXCLUDED.full_name,
			owner_login = EXCLUDED.owner_login,
			html_url = EXCLUDED.html_url,
			is_private = EXCLUDED.is_private,
			default_branch = EXCLUDED.default_branch,
			installation_id = COALESCE(EXCLUDED.installation_id, github_repositories.installation_id),
			repo_created_at = COALESCE(EXCLUDED.repo_created_at, github_repositories.repo_created_at),
			updated_at = now()
		RETURNING `+repositoryColumns,
		repo.GithubRepoID, repo.Name, repo.FullName, repo.OwnerLogin, repo.HTMLURL, repo.IsPrivate,
		repo.DefaultBranch, repo.InstallationID, repo.RepoCreatedAt,
	))
}

// GetRepository returns a repository by internal id.
func (s *PostgresStore) GetRepository(ctx context.Context, id int64) (Repository, error) {
	return scanRepository(s.pool.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM github_repositories WHERE id = $1`, id))
}

const linkColumns = `id, project_id, repository_id, linked_by_user_id, is_active, auto_sync_enabled,
	sync_interval_minutes, last_synced_at, next_sync_at, created_at, updated_at`

func scanLink(row pgx.Row) (Link, error) {
	var link Link
	err := row.Scan(
		&link.ID, &link.ProjectID, &link.RepositoryID, &link.LinkedByUserID, &link.IsActive,
		&link.AutoSyncEnabled, &link.SyncIntervalMinutes, &link.LastSyncedAt, &link.NextSyncAt,
		&link.CreatedAt, &link.UpdatedAt,
	)
	return link, translate(err)
}

func collectLinks(rows pgx.Rows, err error) ([]Link, error) {
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// CreateLink inserts an active link. It fails with ErrConflict when the
// project already has an active link.
func (s *PostgresStore) CreateLink(ctx context.Context, link Link) (Link, error) {
	return scanLink(s.pool.QueryRow(ctx, `
		INSERT INTO project_github_repository_links (project_id, repository_id, linked_by_user_id, is_active,
			auto_sync_enabled, sync_interval_minutes, next_sync_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, $6)
		RETURNING `+linkColumns,
		link.ProjectID, link.RepositoryID, link.LinkedByUserID, link.AutoSyncEnabled,
		link.SyncIntervalMinutes, link.NextSyncAt,
	))
}

// GetLink returns a link by id, active or not.
func (s *PostgresStore) GetLink(ctx context.Context, id int64) (Link, error) {
	return scanLink(s.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM project_github_repository_links WHERE id = $1`, id))
}

// ListLinks returns the active links of a project, newest first.
func (s *PostgresStore) ListLinks(ctx context.Context, projectID int64) ([]Link, error) {
	return collectLinks(s.pool.Query(ctx, `
		SELECT `+linkColumns+` FROM project_github_repository_links
		WHERE project_id = $1 AND is_active
		ORDER BY id DESC`, projectID))
}

// ActiveLinkForProject returns the project's active link.
func (s *PostgresStore) ActiveLinkForProject(ctx context.Context, projectID int64) (Link, error) {
	return scanLink(s.pool.QueryRow(ctx, `
		SELECT `+linkColumns+` FROM project_github_repository_links
		WHERE project_id = $1 AND is_active
		ORDER BY id DESC LIMIT 1`, projectID))
}

// DeactivateLink soft-deletes a link.
func (s *PostgresStore) DeactivateLink(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE project_github_repository_links SET is_active = FALSE, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSyncSettings replaces a link's auto-sync configuration.
func (s *PostgresStore) UpdateSyncSettings(ctx context.Context, id int64, settings SyncSettings) (Link, error) {
	return scanLink(s.pool.QueryRow(ctx, `
		UPDATE project_github_repository_links
		SET auto_sync_enabled = $2, sync_interval_minutes = $3, next_sync_at = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+linkColumns,
		id, settings.AutoSyncEnabled, settings.SyncIntervalMinutes, settings.NextSyncAt,
	))
}

// ListDueLinks returns active auto-sync links whose next sync is at or before now.
// A link that was never synced is always due.
func (s *PostgresStore) ListDueLinks(ctx context.Context, now time.Time, limit int) ([]Link, error) {
	if limit <= 0 {
		limit = defaultDueLinkLimit
	}
	return collectLinks(s.pool.Query(ctx, `
		SELECT `+linkColumns+` FROM project_github_repository_links
		WHERE is_active AND auto_sync_enabled AND (next_sync_at IS NULL OR next_sync_at <= $1)
		ORDER BY next_sync_at NULLS FIRST, id
		LIMIT $2`, now, limit))
}

// SaveSnapshot stores a snapshot with its child rows and updates the link's
// sync timestamps in one transaction.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snapshot Snapshot, sync LinkSync) (Snapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	err = tx.QueryRow(ctx, `
		INSERT INTO github_repo_snapshots (link_id, analysed_at, default_branch, window_start, window_end, trigger, boundary_shas)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		snapshot.LinkID, snapshot.AnalysedAt, snapshot.DefaultBranch, snapshot.WindowStart,
		snapshot.WindowEnd, string(snapshot.Trigger), boundarySHAs(snapshot.BoundarySHAs),
	).Scan(&snapshot.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("insert snapshot: %w", translate(err))
	}

	repo := snapshot.Repo
	_, err = tx.Exec(ctx, `
		INSERT INTO github_repo_snapshot_repo_stats (snapshot_id, total_commits, total_additions, total_deletions,
			merge_commits, merge_additions, merge_deletions, commits_by_day, commits_by_branch,
			line_changes_by_day, sample_commits, matched_contributors, unmatched_contributors,
			matched_commits, unmatched_commits)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		snapshot.ID, repo.TotalCommits, repo.TotalAdditions, repo.TotalDeletions,
		repo.MergeCommits, repo.MergeAdditions, repo.MergeDeletions,
		jsonObject(repo.CommitsByDay), jsonObject(repo.CommitsByBranch),
		jsonObject(repo.LineChangesByDay), jsonArray(repo.SampleCommits),
		repo.MatchedContributors, repo.UnmatchedContributors, repo.MatchedCommits, repo.UnmatchedCommits,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("insert snapshot repo stat: %w", err)
	}

	if len(snapshot.Users) > 0 {
		batch := &pgx.Batch{}
		for _, user := range snapshot.Users {
			batch.Queue(`
				INSERT INTO github_repo_snapshot_user_stats (snapshot_id, contributor_key, login, email,
					display_name, matched_user_id, commits, additions, deletions, commits_by_day,
					commits_by_branch, first_commit_at, last_commit_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				snapshot.ID, user.ContributorKey, user.Login, user.Email, user.DisplayName,
				user.MatchedUserID, user.Commits, user.Additions, user.Deletions,
				jsonObject(user.CommitsByDay), jsonObject(user.CommitsByBranch),
				nullableTime(user.FirstCommitAt), nullableTime(user.LastCommitAt),
			)
		}
		results := tx.SendBatch(ctx, batch)
		for range snapshot.Users {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return Snapshot{}, fmt.Errorf("insert snapshot user stat: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return Snapshot{}, fmt.Errorf("close user stat batch: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE project_github_repository_links
		SET last_synced_at = $2, next_sync_at = $3, updated_at = now()
		WHERE id = $1`,
		snapshot.LinkID, sync.LastSyncedAt, sync.NextSyncAt,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("update link sync timestamps: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Snapshot{}, fmt.Errorf("link %d: %w", snapshot.LinkID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return snapshot, nil
}

const snapshotSelect = `
	SELECT s.id, s.link_id, s.analysed_at, s.default_branch, s.window_start, s.window_end, s.trigger, s.boundary_shas,
		r.total_commits, r.total_additions, r.total_deletions, r.merge_commits, r.merge_additions,
		r.merge_deletions, r.commits_by_day, r.commits_by_branch, r.line_changes_by_day, r.sample_commits,
		r.matched_contributors, r.unmatched_contributors, r.matched_commits, r.unmatched_commits
	FROM github_repo_snapshots s
	JOIN github_repo_snapshot_repo_stats r ON r.snapshot_id = s.id`

// GetSnapshot returns a snapshot by id.
func (s *PostgresStore) GetSnapshot(ctx context.Context, id int64) (Snapshot, error) {
	return loadSnapshot(ctx, s.pool, s.pool.QueryRow(ctx, snapshotSelect+` WHERE s.id = $1`, id))
}

// LatestSnapshot returns the most recently analysed snapshot of a link.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, linkID int64) (Snapshot, error) {
	return loadSnapshot(ctx, s.pool, s.pool.QueryRow(ctx,
		snapshotSelect+` WHERE s.link_id = $1 ORDER BY s.analysed_at DESC, s.id DESC LIMIT 1`, linkID))
}

// ListSnapshots returns snapshot summaries of a link, newest first.
func (s *PostgresStore) ListSnapshots(ctx context.Context, linkID int64) ([]SnapshotSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.link_id, s.analysed_at, s.default_branch, s.window_start, s.window_end, s.trigger,
			r.total_commits, r.total_additions, r.total_deletions,
			(SELECT count(*) FROM github_repo_snapshot_user_stats u WHERE u.snapshot_id = s.id)
		FROM github_repo_snapshots s
		JOIN github_repo_snapshot_repo_stats r ON r.snapshot_id = s.id
		WHERE s.link_id = $1
		ORDER BY s.analysed_at DESC, s.id DESC`, linkID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var summaries []SnapshotSummary
	for rows.Next() {
		var summary SnapshotSummary
		var trigger string
		if err := rows.Scan(
			&summary.ID, &summary.LinkID, &summary.AnalysedAt, &summary.DefaultBranch,
			&summary.WindowStart, &summary.WindowEnd, &trigger,
			&summary.TotalCommits, &summary.TotalAdditions, &summary.TotalDeletions,
			&summary.ContributorCount,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot summary: %w", err)
		}
		summary.Trigger = Trigger(trigger)
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func boundarySHAs(shas []string) []string {
	if shas == nil {
		return []string{}
	}
	return shas
}

func loadSnapshot(ctx context.Context, q querier, row pgx.Row) (Snapshot, error) {
	var (
		snapshot                                 Snapshot
		trigger                                  string
		byDay, byBranch, linesByDay, sampleBytes []byte
	)
	repo := &snapshot.Repo
	err := row.Scan(
		&snapshot.ID, &snapshot.LinkID, &snapshot.AnalysedAt, &snapshot.DefaultBranch,
		&snapshot.WindowStart, &snapshot.WindowEnd, &trigger, &snapshot.BoundarySHAs,
		&repo.TotalCommits, &repo.TotalAdditions, &repo.TotalDeletions,
		&repo.MergeCommits, &repo.MergeAdditions, &repo.MergeDeletions,
		&byDay, &byBranch, &linesByDay, &sampleBytes,
		&repo.MatchedContributors, &repo.UnmatchedContributors, &repo.MatchedCommits, &repo.UnmatchedCommits,
	)
	if err != nil {
		return Snapshot{}, translate(err)
	}
	snapshot.Trigger = Trigger(trigger)
	if err := decodeJSONColumns(
		jsonColumn{byDay, &repo.CommitsByDay},
		jsonColumn{byBranch, &repo.CommitsByBranch},
		jsonColumn{linesByDay, &repo.LineChangesByDay},
		jsonColumn{sampleBytes, &repo.SampleCommits},
	); err != nil {
		return Snapshot{}, err
	}

	rows, err := q.Query(ctx, `
		SELECT contributor_key, login, email, display_name, matched_user_id, commits, additions, deletions,
			commits_by_day, commits_by_branch, first_commit_at, last_commit_at
		FROM github_repo_snapshot_user_stats
		WHERE snapshot_id = $1
		ORDER BY commits DESC, contributor_key`, snapshot.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot user stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			user            aggregate.UserStat
			userByDay       []byte
			userByBranch    []byte
			firstAt, lastAt *time.Time
		)
		if err := rows.Scan(
			&user.ContributorKey, &user.Login, &user.Email, &user.DisplayName, &user.MatchedUserID,
			&user.Commits, &user.Additions, &user.Deletions, &userByDay, &userByBranch,
			&firstAt, &lastAt,
		); err != nil {
			return Snapshot{}, fmt.Errorf("scan snapshot user stat: %w", err)
		}
		if err := decodeJSONColumns(
			jsonColumn{userByDay, &user.CommitsByDay},
			jsonColumn{userByBranch, &user.CommitsByBranch},
		); err != nil {
			return Snapshot{}, err
		}
		if firstAt != nil {
			user.FirstCommitAt = firstAt.UTC()
		}
		if lastAt != nil {
			user.LastCommitAt = lastAt.UTC()
		}
		snapshot.Users = append(snapshot.Users, user)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate snapshot user stats: %w", err)
	}
	return snapshot, nil
}

// IsProjectMember reports whether userID belongs to projectID.
func (s *PostgresStore) IsProjectMember(ctx context.Context, projectID, userID int64) (bool, error) {
	var member bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM project_members WHERE project_id = $1 AND user_id = $2)`,
		projectID, userID,
	).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check project membership: %w", err)
	}
	return member, nil
}

// ListProjectMembers returns members with their verified emails and connected GitHub login.
func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectID int64) ([]Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pm.user_id, COALESCE(ga.login, ''),
			COALESCE(array_agg(ue.email ORDER BY ue.email) FILTER (WHERE ue.verified), '{}')
		FROM project_members pm
		LEFT JOIN github_accounts ga ON ga.user_id = pm.user_id
		LEFT JOIN user_emails ue ON ue.user_id = pm.user_id
		WHERE pm.project_id = $1
		GROUP BY pm.user_id, ga.login
		ORDER BY pm.user_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query project members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		member := Member{ProjectID: projectID}
		if err := rows.Scan(&member.UserID, &member.GithubLogin, &member.VerifiedEmails); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// translate maps pgx errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrNotFound)
		}
	}
	return err
}

type jsonColumn struct {
	raw    []byte
	target any
}

func decodeJSONColumns(columns ...jsonColumn) error {
	for _, column := range columns {
		if len(column.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(column.raw, column.target); err != nil {
			return fmt.Errorf("decode json column: %w", err)
		}
	}
	return nil
}

func jsonObject[V any](values map[string]V) []byte {
	if values == nil {
		return []byte("{}")
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return []byte("{}")
	}
	return encoded
}

func jsonArray[V any](values []V) []byte {
	if values == nil {
		return []byte("[]")
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return []byte("[]")
	}
	return encoded
}

func nullableTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
