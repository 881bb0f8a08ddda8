// Package store persists merge-queue state to SQLite so the service can
// restart without re-downloading everything. The in-memory model is the
// source of truth at runtime; the store is its write-through log, with
// upsert-by-natural-key semantics on every table.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/homu-dev/homu/internal/queue"
)

// Store wraps the SQLite database holding pull-request snapshots, build
// results, the mergeability cache and build-trigger provenance.
type Store struct {
	db *sql.DB
}

// New creates a Store using an existing *sql.DB connection.
// It runs migrations to create the required tables if they don't exist.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store migration failed: %w", err)
	}
	return s, nil
}

// NewFromPath creates a Store by opening a new SQLite connection.
// Tests use in-memory databases (path = ":memory:").
func NewFromPath(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}
	return New(db)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pull (
			repo TEXT NOT NULL,
			num INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			merge_sha TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			head_sha TEXT NOT NULL DEFAULT '',
			head_ref TEXT NOT NULL DEFAULT '',
			base_ref TEXT NOT NULL DEFAULT '',
			assignee TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			approved_by TEXT NOT NULL DEFAULT '',
			delegate TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			try INTEGER NOT NULL DEFAULT 0,
			rollup INTEGER NOT NULL DEFAULT 0,
			build_url TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (repo, num)
		)`,
		`CREATE TABLE IF NOT EXISTS build_res (
			repo TEXT NOT NULL,
			num INTEGER NOT NULL,
			builder TEXT NOT NULL,
			res TEXT NOT NULL DEFAULT 'pending',
			url TEXT NOT NULL DEFAULT '',
			merge_sha TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (repo, num, builder)
		)`,
		`CREATE TABLE IF NOT EXISTS mergeable (
			repo TEXT NOT NULL,
			num INTEGER NOT NULL,
			mergeable TEXT NOT NULL,
			PRIMARY KEY (repo, num)
		)`,
		`CREATE TABLE IF NOT EXISTS build_triggers (
			trigger_sha TEXT PRIMARY KEY,
			branch TEXT NOT NULL,
			target_sha TEXT NOT NULL DEFAULT '',
			build_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			received_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// UpsertPull writes the full current state of one pull request.
func (s *Store) UpsertPull(p *queue.PullState) error {
	_, err := s.db.Exec(`
		INSERT INTO pull (
			repo, num, status, merge_sha, title, body, head_sha, head_ref,
			base_ref, assignee, author, approved_by, delegate, priority,
			try, rollup, build_url, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(repo, num) DO UPDATE SET
			status = excluded.status,
			merge_sha = excluded.merge_sha,
			title = excluded.title,
			body = excluded.body,
			head_sha = excluded.head_sha,
			head_ref = excluded.head_ref,
			base_ref = excluded.base_ref,
			assignee = excluded.assignee,
			author = excluded.author,
			approved_by = excluded.approved_by,
			delegate = excluded.delegate,
			priority = excluded.priority,
			try = excluded.try,
			rollup = excluded.rollup,
			build_url = excluded.build_url,
			updated_at = CURRENT_TIMESTAMP
	`,
		p.Repo, p.Num, string(p.Status), p.MergeSHA, p.Title, p.Body,
		p.HeadSHA, p.HeadRef, p.BaseRef, p.Assignee, p.Author,
		p.ApprovedBy, p.Delegate, p.Priority,
		boolInt(p.Try), boolInt(p.Rollup), p.BuildURL,
	)
	return err
}

// DeletePull removes one pull request and its subordinate rows.
func (s *Store) DeletePull(repo string, num int) error {
	for _, table := range []string{"pull", "build_res", "mergeable"} {
		if _, err := s.db.Exec(
			fmt.Sprintf(`DELETE FROM %s WHERE repo = ? AND num = ?`, table),
			repo, num,
		); err != nil {
			return err
		}
	}
	return nil
}

// ClearRepo drops every row for one repository. Used before a full resync.
func (s *Store) ClearRepo(repo string) error {
	for _, table := range []string{"pull", "build_res", "mergeable"} {
		if _, err := s.db.Exec(
			fmt.Sprintf(`DELETE FROM %s WHERE repo = ?`, table), repo,
		); err != nil {
			return err
		}
	}
	return nil
}

// RecordBuild upserts one builder's result for a pull request.
func (s *Store) RecordBuild(repo string, num int, builder string, verdict queue.Verdict, url, mergeSHA string) error {
	_, err := s.db.Exec(`
		INSERT INTO build_res (repo, num, builder, res, url, merge_sha)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo, num, builder) DO UPDATE SET
			res = excluded.res,
			url = excluded.url,
			merge_sha = excluded.merge_sha
	`, repo, num, builder, string(verdict), url, mergeSHA)
	return err
}

// ClearBuilds removes all build results for a pull request.
func (s *Store) ClearBuilds(repo string, num int) error {
	_, err := s.db.Exec(`DELETE FROM build_res WHERE repo = ? AND num = ?`, repo, num)
	return err
}

// SetMergeable caches the host's mergeability hint. Unknown drops the row.
func (s *Store) SetMergeable(repo string, num int, m queue.Mergeable) error {
	if m == queue.MergeableUnknown {
		_, err := s.db.Exec(`DELETE FROM mergeable WHERE repo = ? AND num = ?`, repo, num)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO mergeable (repo, num, mergeable) VALUES (?, ?, ?)
		ON CONFLICT(repo, num) DO UPDATE SET mergeable = excluded.mergeable
	`, repo, num, string(m))
	return err
}

// LoadRepo streams every persisted pull request for one repository so the
// model can be rehydrated. Build results whose integration SHA no longer
// matches the pull request's are stale and are deleted rather than returned.
func (s *Store) LoadRepo(repo string) (map[int]*queue.PullState, error) {
	rows, err := s.db.Query(`
		SELECT num, status, merge_sha, title, body, head_sha, head_ref,
			base_ref, assignee, author, approved_by, delegate, priority,
			try, rollup, build_url
		FROM pull WHERE repo = ?
	`, repo)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	pulls := make(map[int]*queue.PullState)
	for rows.Next() {
		p := queue.NewPullState(repo, 0)
		var status string
		var try, rollup int
		if err := rows.Scan(
			&p.Num, &status, &p.MergeSHA, &p.Title, &p.Body, &p.HeadSHA,
			&p.HeadRef, &p.BaseRef, &p.Assignee, &p.Author, &p.ApprovedBy,
			&p.Delegate, &p.Priority, &try, &rollup, &p.BuildURL,
		); err != nil {
			return nil, err
		}
		p.Status = queue.Status(status)
		p.Try = try != 0
		p.Rollup = rollup != 0
		pulls[p.Num] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachBuildResults(repo, pulls); err != nil {
		return nil, err
	}
	if err := s.attachMergeable(repo, pulls); err != nil {
		return nil, err
	}
	return pulls, nil
}

func (s *Store) attachBuildResults(repo string, pulls map[int]*queue.PullState) error {
	rows, err := s.db.Query(`
		SELECT num, builder, res, url, merge_sha FROM build_res WHERE repo = ?
	`, repo)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	type staleKey struct {
		num     int
		builder string
	}
	var stale []staleKey
	for rows.Next() {
		var num int
		var builder, res, url, mergeSHA string
		if err := rows.Scan(&num, &builder, &res, &url, &mergeSHA); err != nil {
			return err
		}
		p, ok := pulls[num]
		if !ok || p.MergeSHA == "" || p.MergeSHA != mergeSHA {
			stale = append(stale, staleKey{num, builder})
			continue
		}
		p.Builds[builder] = &queue.BuildResult{
			Builder:  builder,
			Verdict:  queue.Verdict(res),
			URL:      url,
			MergeSHA: mergeSHA,
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range stale {
		if _, err := s.db.Exec(
			`DELETE FROM build_res WHERE repo = ? AND num = ? AND builder = ?`,
			repo, k.num, k.builder,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) attachMergeable(repo string, pulls map[int]*queue.PullState) error {
	rows, err := s.db.Query(`SELECT num, mergeable FROM mergeable WHERE repo = ?`, repo)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var orphans []int
	for rows.Next() {
		var num int
		var m string
		if err := rows.Scan(&num, &m); err != nil {
			return err
		}
		p, ok := pulls[num]
		if !ok {
			orphans = append(orphans, num)
			continue
		}
		p.Mergeable = queue.Mergeable(m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, num := range orphans {
		if _, err := s.db.Exec(
			`DELETE FROM mergeable WHERE repo = ? AND num = ?`, repo, num,
		); err != nil {
			return err
		}
	}
	return nil
}

// Trigger is build-trigger provenance for one integration commit.
type Trigger struct {
	TriggerSHA string // the merge commit placed on the integration branch
	Branch     string
	TargetSHA  string // the head SHA the merge was requested for
	BuildCount int
}

// RecordTrigger records provenance for a push to the integration branch.
func (s *Store) RecordTrigger(branch, triggerSHA, targetSHA string) error {
	_, err := s.db.Exec(`
		INSERT INTO build_triggers (trigger_sha, branch, target_sha, build_count, created_at)
		VALUES (?, ?, ?, 0, CURRENT_TIMESTAMP)
		ON CONFLICT(trigger_sha) DO UPDATE SET
			branch = excluded.branch,
			target_sha = excluded.target_sha,
			build_count = 0,
			created_at = CURRENT_TIMESTAMP
	`, triggerSHA, branch, targetSHA)
	return err
}

// IncrementTriggerCount bumps the retry counter for a trigger and returns the
// new count. A count above one means a duplicate launch was attempted.
func (s *Store) IncrementTriggerCount(triggerSHA string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE build_triggers SET build_count = build_count + 1 WHERE trigger_sha = ?
	`, triggerSHA)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, sql.ErrNoRows
	}
	var count int
	err = s.db.QueryRow(
		`SELECT build_count FROM build_triggers WHERE trigger_sha = ?`, triggerSHA,
	).Scan(&count)
	return count, err
}

// LookupTrigger retrieves provenance for one integration commit.
// Returns nil, nil when the SHA was not pushed by this service.
func (s *Store) LookupTrigger(triggerSHA string) (*Trigger, error) {
	var t Trigger
	err := s.db.QueryRow(`
		SELECT trigger_sha, branch, target_sha, build_count
		FROM build_triggers WHERE trigger_sha = ?
	`, triggerSHA).Scan(&t.TriggerSHA, &t.Branch, &t.TargetSHA, &t.BuildCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PurgeTriggers removes trigger provenance older than the given duration.
func (s *Store) PurgeTriggers(olderThan time.Duration) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM build_triggers WHERE created_at < ?`, sqliteTime(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkDelivery records a webhook delivery ID. Returns false when the ID was
// already recorded, which makes redelivered webhooks a no-op.
func (s *Store) MarkDelivery(id string) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO webhook_deliveries (id) VALUES (?)`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ForgetDelivery releases a delivery ID that was marked but never applied,
// so the sender's retry of the same ID is processed.
func (s *Store) ForgetDelivery(id string) error {
	_, err := s.db.Exec(`DELETE FROM webhook_deliveries WHERE id = ?`, id)
	return err
}

// PurgeDeliveries removes delivery records older than the given duration.
func (s *Store) PurgeDeliveries(olderThan time.Duration) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM webhook_deliveries WHERE received_at < ?`, sqliteTime(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// sqliteTime formats t the way CURRENT_TIMESTAMP stores it, so text
// comparison against stored timestamps is correct.
func sqliteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// boolInt converts a bool to the 0/1 SQLite representation.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
