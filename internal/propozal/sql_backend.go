package propozal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultDeliveryListLimit = 100

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures the few places Postgres and SQLite disagree. Queries are
// written with ? placeholders and rebound for drivers that want $n.
type sqlDialect struct {
	name         string
	driver       string
	numbered     bool
	lockForWrite string
}

var (
	postgresDialect = sqlDialect{name: "postgres", driver: "postgres", numbered: true, lockForWrite: " FOR UPDATE"}
	sqliteDialect   = sqlDialect{name: "sqlite", driver: "sqlite"}
)

func (d sqlDialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sqlSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			sent_at BIGINT,
			won_at BIGINT,
			expires_at BIGINT,
			expired_action TEXT NOT NULL DEFAULT '',
			expired_message TEXT NOT NULL DEFAULT '',
			expired_redirect_url TEXT NOT NULL DEFAULT '',
			view_count BIGINT NOT NULL DEFAULT 0,
			share_count BIGINT NOT NULL DEFAULT 0,
			clone_count BIGINT NOT NULL DEFAULT 0,
			client_name TEXT NOT NULL DEFAULT '',
			client_email TEXT NOT NULL DEFAULT '',
			project_value_actual DOUBLE PRECISION,
			win_notes TEXT NOT NULL DEFAULT '',
			lost_reason TEXT NOT NULL DEFAULT '',
			add_to_portfolio INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS proposals_owner_idx ON proposals (owner_id)`,
		`CREATE TABLE IF NOT EXISTS engagement_sessions (
			proposal_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			first_view_at BIGINT NOT NULL,
			last_view_at BIGINT NOT NULL,
			view_count BIGINT NOT NULL DEFAULT 0,
			scroll_depth_max INTEGER NOT NULL DEFAULT 0,
			total_time_spent BIGINT NOT NULL DEFAULT 0,
			sections_viewed TEXT NOT NULL DEFAULT '[]',
			device_type TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			referrer TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (proposal_id, session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			user_id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 0,
			events TEXT NOT NULL DEFAULT '[]',
			secret TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			url TEXT NOT NULL,
			payload TEXT NOT NULL,
			response_status INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			failed INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			delivered_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS webhook_deliveries_user_idx ON webhook_deliveries (user_id, delivered_at)`,
		`CREATE TABLE IF NOT EXISTS usage_periods (
			user_id TEXT NOT NULL,
			period TEXT NOT NULL,
			proposals_generated INTEGER NOT NULL DEFAULT 0,
			period_start BIGINT NOT NULL,
			period_end BIGINT NOT NULL,
			PRIMARY KEY (user_id, period)
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_windows (
			user_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			window_start BIGINT NOT NULL,
			request_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, endpoint)
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT PRIMARY KEY,
			plan TEXT NOT NULL,
			quota_override INTEGER
		)`,
	}
}

// SQLBackend implements Repository over database/sql. The same queries serve
// Postgres and SQLite; per-key atomicity comes from SELECT ... FOR UPDATE on
// Postgres and from the single writer connection on SQLite.
type SQLBackend struct {
	dialect   sqlDialect
	dsn       string
	openDB    sqlOpenFunc
	configure func(*sql.DB)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLBackend(dialect sqlDialect, dsn string, configure func(*sql.DB)) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dialect:   dialect,
		dsn:       dsn,
		openDB:    sql.Open,
		configure: configure,
	}, nil
}

func (b *SQLBackend) Dialect() string {
	return b.dialect.name
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.configure != nil {
			b.configure(db)
		}
		ctx, cancel := context.WithTimeout(context.Background(), storageOperationTimeout)
		defer cancel()
		for _, stmt := range sqlSchema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("%s schema: %w", b.dialect.name, err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) q(query string) string {
	return b.dialect.rebind(query)
}

// withTx runs fn in a transaction and commits when it returns nil.
func (b *SQLBackend) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const proposalColumns = `id, owner_id, title, status, sent_at, won_at, expires_at, expired_action,
	expired_message, expired_redirect_url, view_count, share_count, clone_count, client_name,
	client_email, project_value_actual, win_notes, lost_reason, add_to_portfolio, created_at, updated_at`

func scanProposal(row rowScanner) (Proposal, error) {
	var (
		p                      Proposal
		status, expiredAction  string
		sentAt, wonAt, expires sql.NullInt64
		projectValue           sql.NullFloat64
		portfolio              int
		createdAt, updatedAt   int64
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.Title, &status, &sentAt, &wonAt, &expires, &expiredAction,
		&p.ExpiredMessage, &p.ExpiredRedirectURL, &p.ViewCount, &p.ShareCount, &p.CloneCount, &p.ClientName,
		&p.ClientEmail, &projectValue, &p.WinNotes, &p.LostReason, &portfolio, &createdAt, &updatedAt)
	if err != nil {
		return Proposal{}, err
	}
	p.Status = Status(status)
	p.ExpiredAction = ExpiredAction(expiredAction)
	p.SentAt = fromNullMillis(sentAt)
	p.WonAt = fromNullMillis(wonAt)
	p.ExpiresAt = fromNullMillis(expires)
	if projectValue.Valid {
		v := projectValue.Float64
		p.ProjectValueActual = &v
	}
	p.AddToPortfolio = portfolio != 0
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

func (b *SQLBackend) CreateProposal(ctx context.Context, p Proposal) error {
	if strings.TrimSpace(p.ID) == "" {
		return invalidField("id", "is required")
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, b.q(`INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		p.ID, p.OwnerID, p.Title, string(p.Status), toNullMillis(p.SentAt), toNullMillis(p.WonAt),
		toNullMillis(p.ExpiresAt), string(p.ExpiredAction), p.ExpiredMessage, p.ExpiredRedirectURL,
		p.ViewCount, p.ShareCount, p.CloneCount, p.ClientName, p.ClientEmail, nullFloat(p.ProjectValueActual),
		p.WinNotes, p.LostReason, boolInt(p.AddToPortfolio), toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return invalidField("id", "proposal already exists")
	}
	return nil
}

func (b *SQLBackend) GetProposal(ctx context.Context, id string) (Proposal, error) {
	if err := b.ensureReady(); err != nil {
		return Proposal{}, err
	}
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`), id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, ErrNotFound
	}
	return p, err
}

func (b *SQLBackend) UpdateProposal(ctx context.Context, id string, fn func(*Proposal) error) (Proposal, error) {
	var updated Proposal
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, b.q(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`+b.dialect.lockForWrite), id)
		current, err := scanProposal(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(&current); err != nil {
			return err
		}
		current.ID = id
		_, err = tx.ExecContext(ctx, b.q(`UPDATE proposals SET
			title = ?, status = ?, sent_at = ?, won_at = ?, expires_at = ?, expired_action = ?,
			expired_message = ?, expired_redirect_url = ?, view_count = ?, share_count = ?, clone_count = ?,
			client_name = ?, client_email = ?, project_value_actual = ?, win_notes = ?, lost_reason = ?,
			add_to_portfolio = ?, updated_at = ?
			WHERE id = ?`),
			current.Title, string(current.Status), toNullMillis(current.SentAt), toNullMillis(current.WonAt),
			toNullMillis(current.ExpiresAt), string(current.ExpiredAction), current.ExpiredMessage,
			current.ExpiredRedirectURL, current.ViewCount, current.ShareCount, current.CloneCount,
			current.ClientName, current.ClientEmail, nullFloat(current.ProjectValueActual), current.WinNotes,
			current.LostReason, boolInt(current.AddToPortfolio), toMillis(current.UpdatedAt), id)
		if err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}
	return updated, nil
}

func (b *SQLBackend) ListProposalsByOwner(ctx context.Context, ownerID string) ([]Proposal, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT `+proposalColumns+` FROM proposals WHERE owner_id = ? ORDER BY id ASC`), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const sessionColumns = `proposal_id, session_id, first_view_at, last_view_at, view_count, scroll_depth_max,
	total_time_spent, sections_viewed, device_type, user_agent, referrer`

func scanSession(row rowScanner) (EngagementSession, error) {
	var (
		s           EngagementSession
		first, last int64
		sections    string
	)
	err := row.Scan(&s.ProposalID, &s.SessionID, &first, &last, &s.ViewCount, &s.ScrollDepthMax,
		&s.TotalTimeSpent, &sections, &s.DeviceType, &s.UserAgent, &s.Referrer)
	if err != nil {
		return EngagementSession{}, err
	}
	s.FirstViewAt = fromMillis(first)
	s.LastViewAt = fromMillis(last)
	if err := json.Unmarshal([]byte(sections), &s.SectionsViewed); err != nil {
		return EngagementSession{}, fmt.Errorf("decode sections for %s/%s: %w", s.ProposalID, s.SessionID, err)
	}
	return s, nil
}

func (b *SQLBackend) MergeSession(ctx context.Context, key SessionKey, fn SessionMergeFunc) (EngagementSession, bool, error) {
	var (
		merged  EngagementSession
		created bool
	)
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		selectQuery := b.q(`SELECT ` + sessionColumns + ` FROM engagement_sessions
			WHERE proposal_id = ? AND session_id = ?` + b.dialect.lockForWrite)
		existing, err := scanSession(tx.QueryRowContext(ctx, selectQuery, key.ProposalID, key.SessionID))
		found := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if !found {
			seeded := fn(nil)
			seeded.ProposalID, seeded.SessionID = key.ProposalID, key.SessionID
			sections, err := encodeStrings(seeded.SectionsViewed)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, b.q(`INSERT INTO engagement_sessions (`+sessionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (proposal_id, session_id) DO NOTHING`),
				key.ProposalID, key.SessionID, toMillis(seeded.FirstViewAt), toMillis(seeded.LastViewAt),
				seeded.ViewCount, seeded.ScrollDepthMax, seeded.TotalTimeSpent, sections,
				seeded.DeviceType, seeded.UserAgent, seeded.Referrer)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n == 1 {
				merged, created = seeded, true
				return nil
			}
			// Another writer created the row first; merge into theirs.
			existing, err = scanSession(tx.QueryRowContext(ctx, selectQuery, key.ProposalID, key.SessionID))
			if err != nil {
				return err
			}
		}
		next := fn(&existing)
		next.ProposalID, next.SessionID = key.ProposalID, key.SessionID
		sections, err := encodeStrings(next.SectionsViewed)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, b.q(`UPDATE engagement_sessions SET
			first_view_at = ?, last_view_at = ?, view_count = ?, scroll_depth_max = ?, total_time_spent = ?,
			sections_viewed = ?, device_type = ?, user_agent = ?, referrer = ?
			WHERE proposal_id = ? AND session_id = ?`),
			toMillis(next.FirstViewAt), toMillis(next.LastViewAt), next.ViewCount, next.ScrollDepthMax,
			next.TotalTimeSpent, sections, next.DeviceType, next.UserAgent, next.Referrer,
			key.ProposalID, key.SessionID)
		if err != nil {
			return err
		}
		merged = next
		return nil
	})
	if err != nil {
		return EngagementSession{}, false, err
	}
	return merged, created, nil
}

func (b *SQLBackend) ListSessions(ctx context.Context, proposalID string) ([]EngagementSession, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT `+sessionColumns+` FROM engagement_sessions
		WHERE proposal_id = ? ORDER BY first_view_at ASC, session_id ASC`), proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]EngagementSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *SQLBackend) GetSubscription(ctx context.Context, userID string) (WebhookSubscription, error) {
	if err := b.ensureReady(); err != nil {
		return WebhookSubscription{}, err
	}
	var (
		sub     WebhookSubscription
		enabled int
		events  string
	)
	err := b.db.QueryRowContext(ctx, b.q(`SELECT user_id, url, enabled, events, secret
		FROM webhook_subscriptions WHERE user_id = ?`), userID).
		Scan(&sub.UserID, &sub.URL, &enabled, &events, &sub.Secret)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookSubscription{}, ErrNotFound
	}
	if err != nil {
		return WebhookSubscription{}, err
	}
	sub.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
		return WebhookSubscription{}, fmt.Errorf("decode events for %s: %w", userID, err)
	}
	return sub, nil
}

func (b *SQLBackend) PutSubscription(ctx context.Context, sub WebhookSubscription) error {
	if strings.TrimSpace(sub.UserID) == "" {
		return invalidField("user_id", "is required")
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	events, err := encodeStrings(sub.Events)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.q(`INSERT INTO webhook_subscriptions (user_id, url, enabled, events, secret)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			url = excluded.url, enabled = excluded.enabled, events = excluded.events, secret = excluded.secret`),
		sub.UserID, sub.URL, boolInt(sub.Enabled), events, sub.Secret)
	return err
}

func (b *SQLBackend) AppendDelivery(ctx context.Context, d WebhookDelivery) error {
	if strings.TrimSpace(d.ID) == "" {
		return invalidField("id", "is required")
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, b.q(`INSERT INTO webhook_deliveries
		(id, user_id, event_type, url, payload, response_status, response_body, failed, attempts, error, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.UserID, d.EventType, d.URL, string(d.Payload), d.ResponseStatus, d.ResponseBody,
		boolInt(d.Failed), d.Attempts, d.Error, toMillis(d.DeliveredAt))
	return err
}

func (b *SQLBackend) ListDeliveries(ctx context.Context, userID string, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = defaultDeliveryListLimit
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT id, user_id, event_type, url, payload, response_status,
		response_body, failed, attempts, error, delivered_at
		FROM webhook_deliveries WHERE user_id = ?
		ORDER BY delivered_at DESC, id DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WebhookDelivery, 0)
	for rows.Next() {
		var (
			d           WebhookDelivery
			payload     string
			failed      int
			deliveredAt int64
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.EventType, &d.URL, &payload, &d.ResponseStatus,
			&d.ResponseBody, &failed, &d.Attempts, &d.Error, &deliveredAt); err != nil {
			return nil, err
		}
		d.Payload = json.RawMessage(payload)
		d.Failed = failed != 0
		d.DeliveredAt = fromMillis(deliveredAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (b *SQLBackend) LookupAccount(ctx context.Context, userID string) (Account, error) {
	if err := b.ensureReady(); err != nil {
		return Account{}, err
	}
	var (
		account  Account
		override sql.NullInt64
	)
	err := b.db.QueryRowContext(ctx, b.q(`SELECT user_id, plan, quota_override FROM accounts WHERE user_id = ?`), userID).
		Scan(&account.UserID, &account.Plan, &override)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if override.Valid {
		v := int(override.Int64)
		account.QuotaOverride = &v
	}
	return account, nil
}

func (b *SQLBackend) PutAccount(ctx context.Context, account Account) error {
	if strings.TrimSpace(account.UserID) == "" {
		return invalidField("user_id", "is required")
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	var override any
	if account.QuotaOverride != nil {
		override = int64(*account.QuotaOverride)
	}
	_, err := b.db.ExecContext(ctx, b.q(`INSERT INTO accounts (user_id, plan, quota_override) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET plan = excluded.plan, quota_override = excluded.quota_override`),
		account.UserID, account.Plan, override)
	return err
}

// HitWindow seeds the row first so that concurrent first requests serialise on
// the row lock instead of racing on insert. A seeded row has count 0 and
// start now, which applyFixedWindow treats exactly like a fresh window.
func (b *SQLBackend) HitWindow(ctx context.Context, userID, endpoint string, limit int, window time.Duration, now time.Time) (RateDecision, error) {
	var decision RateDecision
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, b.q(`INSERT INTO rate_limit_windows (user_id, endpoint, window_start, request_count)
			VALUES (?, ?, ?, 0) ON CONFLICT (user_id, endpoint) DO NOTHING`),
			userID, endpoint, toMillis(now)); err != nil {
			return err
		}
		var (
			start int64
			w     = RateLimitWindow{UserID: userID, Endpoint: endpoint}
		)
		err := tx.QueryRowContext(ctx, b.q(`SELECT window_start, request_count FROM rate_limit_windows
			WHERE user_id = ? AND endpoint = ?`+b.dialect.lockForWrite), userID, endpoint).
			Scan(&start, &w.RequestCount)
		if err != nil {
			return err
		}
		w.WindowStart = fromMillis(start)
		next, d := applyFixedWindow(w, true, limit, window, now)
		if _, err := tx.ExecContext(ctx, b.q(`UPDATE rate_limit_windows SET window_start = ?, request_count = ?
			WHERE user_id = ? AND endpoint = ?`),
			toMillis(next.WindowStart), next.RequestCount, userID, endpoint); err != nil {
			return err
		}
		decision = d
		return nil
	})
	if err != nil {
		return RateDecision{}, err
	}
	return decision, nil
}

func (b *SQLBackend) IncrementUsage(ctx context.Context, userID string, period Period) (UsagePeriod, error) {
	if err := b.ensureReady(); err != nil {
		return UsagePeriod{}, err
	}
	usage := UsagePeriod{UserID: userID, Period: period.Key}
	var start, end int64
	err := b.db.QueryRowContext(ctx, b.q(`INSERT INTO usage_periods (user_id, period, proposals_generated, period_start, period_end)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (user_id, period) DO UPDATE SET proposals_generated = usage_periods.proposals_generated + 1
		RETURNING proposals_generated, period_start, period_end`),
		userID, period.Key, toMillis(period.Start), toMillis(period.End)).
		Scan(&usage.ProposalsGenerated, &start, &end)
	if err != nil {
		return UsagePeriod{}, err
	}
	usage.PeriodStart = fromMillis(start)
	usage.PeriodEnd = fromMillis(end)
	return usage, nil
}

func (b *SQLBackend) GetUsage(ctx context.Context, userID string, period Period) (UsagePeriod, error) {
	if err := b.ensureReady(); err != nil {
		return UsagePeriod{}, err
	}
	usage := UsagePeriod{UserID: userID, Period: period.Key, PeriodStart: period.Start, PeriodEnd: period.End}
	err := b.db.QueryRowContext(ctx, b.q(`SELECT proposals_generated FROM usage_periods WHERE user_id = ? AND period = ?`),
		userID, period.Key).Scan(&usage.ProposalsGenerated)
	if errors.Is(err, sql.ErrNoRows) {
		return usage, nil
	}
	if err != nil {
		return UsagePeriod{}, err
	}
	return usage, nil
}

func (b *SQLBackend) PruneWindows(ctx context.Context, before time.Time) (int, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	res, err := b.db.ExecContext(ctx, b.q(`DELETE FROM rate_limit_windows WHERE window_start < ?`), toMillis(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
