package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/peerproof/referral-registry/interfaces"
)

// PostgresStore implements interfaces.RegistryStore over PostgreSQL.
// The pool is owned by the caller and is not closed by the store.
//
// Inserts for one referrer are serialized by a transaction-scoped advisory
// lock, so seq and recorded_at are assigned in commit order and a listing
// cursor never skips a record committed after it was issued.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema holding the registry tables (default "peerproof").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("store: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) error {
		s.now = now
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	s := &PostgresStore{
		pool:   pool,
		schema: "peerproof",
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return s, nil
}

// NewPostgresPool parses dsn and verifies connectivity.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("could not parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not reach postgres: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) ident(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// Migrate creates the schema, tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	records := s.ident("referral_records")
	audit := s.ident("referral_audit")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + records + ` (
		     id                BYTEA PRIMARY KEY CHECK (octet_length(id) = 32),
		     seq               BIGSERIAL UNIQUE,
		     referrer          BYTEA NOT NULL CHECK (octet_length(referrer) = 20),
		     referee           BYTEA NOT NULL CHECK (octet_length(referee) = 20),
		     nonce             BYTEA NOT NULL CHECK (octet_length(nonce) = 32),
		     issued_at         TIMESTAMPTZ NOT NULL,
		     issuer            BYTEA NOT NULL CHECK (octet_length(issuer) = 20),
		     signature         BYTEA NOT NULL,
		     status            TEXT NOT NULL,
		     recorded_at       TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		     revoked_at        TIMESTAMPTZ,
		     revocation_reason TEXT NOT NULL DEFAULT ''
		   )`,
		`CREATE INDEX IF NOT EXISTS referral_records_referrer_seq_idx ON ` + records + ` (referrer, seq)`,
		`CREATE TABLE IF NOT EXISTS ` + audit + ` (
		     id        TEXT PRIMARY KEY,
		     record_id BYTEA NOT NULL REFERENCES ` + records + ` (id),
		     action    TEXT NOT NULL,
		     actor     BYTEA NOT NULL,
		     reason    TEXT NOT NULL,
		     at        TIMESTAMPTZ NOT NULL
		   )`,
		`CREATE INDEX IF NOT EXISTS referral_audit_record_idx ON ` + audit + ` (record_id, at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// timestamptz has microsecond resolution.
func (s *PostgresStore) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *PostgresStore) Insert(ctx context.Context, rec interfaces.RegistryRecord) (interfaces.RegistryRecord, error) {
	stored := rec.Clone()
	stored.Status = interfaces.StatusConfirmed
	stored.RevokedAt = nil
	stored.RevocationReason = ""

	nonce, err := nonceBytes(stored.Nonce)
	if err != nil {
		return interfaces.RegistryRecord{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return interfaces.RegistryRecord{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records := s.ident("referral_records")

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`,
		records, stored.Referrer.String(),
	); err != nil {
		return interfaces.RegistryRecord{}, fmt.Errorf("store: lock referrer: %w", err)
	}

	// recorded_at is taken under the lock and never precedes the referrer's
	// previous record, even if the database clock steps back.
	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO `+records+` (
		     id, referrer, referee, nonce, issued_at, issuer, signature, status, recorded_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, GREATEST(
		     clock_timestamp(),
		     (SELECT recorded_at FROM `+records+` WHERE referrer = $2 ORDER BY seq DESC LIMIT 1)
		   ))
		   RETURNING seq, recorded_at`,
		stored.ID.Bytes(),
		stored.Referrer.Bytes(),
		stored.Referee.Bytes(),
		nonce,
		stored.IssuedAt.UTC(),
		stored.Issuer.Bytes(),
		stored.Signature,
		string(stored.Status),
	).Scan(&seq, &stored.RecordedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrDuplicateRecord, stored.ID)
		}
		return interfaces.RegistryRecord{}, fmt.Errorf("store: insert record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrDuplicateRecord, stored.ID)
		}
		return interfaces.RegistryRecord{}, fmt.Errorf("store: insert record: %w", err)
	}

	stored.Seq = uint64(seq)
	stored.RecordedAt = stored.RecordedAt.UTC()
	return stored, nil
}

const recordColumns = `id, seq, referrer, referee, nonce, issued_at, issuer, signature, status, recorded_at, revoked_at, revocation_reason`

func (s *PostgresStore) Get(ctx context.Context, id interfaces.RecordID) (interfaces.RegistryRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM `+s.ident("referral_records")+` WHERE id = $1`,
		id.Bytes(),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}
	return rec, err
}

func (s *PostgresStore) ListByReferrer(ctx context.Context, referrer interfaces.Address, page interfaces.Page) (interfaces.PageResult, error) {
	limit := page.EffectiveLimit()

	query := `SELECT ` + recordColumns + ` FROM ` + s.ident("referral_records") + ` WHERE referrer = $1`
	args := []any{referrer.Bytes()}
	if !page.After.IsZero() {
		query += ` AND seq > $2`
		args = append(args, int64(page.After.Seq))
	}
	query += fmt.Sprintf(` ORDER BY seq LIMIT %d`, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return interfaces.PageResult{}, fmt.Errorf("store: list records: %w", err)
	}
	defer rows.Close()

	var result interfaces.PageResult
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return interfaces.PageResult{}, err
		}
		result.Records = append(result.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return interfaces.PageResult{}, fmt.Errorf("store: list records: %w", err)
	}

	if len(result.Records) > limit {
		result.Records = result.Records[:limit]
		result.Next = interfaces.CursorAfter(result.Records[limit-1])
	}
	return result, nil
}

func (s *PostgresStore) Revoke(ctx context.Context, id interfaces.RecordID, actor interfaces.Address, reason string) (interfaces.RegistryRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return interfaces.RegistryRecord{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records := s.ident("referral_records")

	// Lock the record row so concurrent revocations serialize.
	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM `+records+` WHERE id = $1 FOR UPDATE`,
		id.Bytes(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}
	if err != nil {
		return interfaces.RegistryRecord{}, err
	}
	if !rec.Status.CanTransitionTo(interfaces.StatusRevoked) {
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrAlreadyRevoked, id)
	}

	now := s.clock()
	if _, err := tx.Exec(ctx,
		`UPDATE `+records+`
		    SET status = $1, revoked_at = $2, revocation_reason = $3
		  WHERE id = $4`,
		string(interfaces.StatusRevoked), now, reason, id.Bytes(),
	); err != nil {
		return interfaces.RegistryRecord{}, fmt.Errorf("store: revoke record: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.ident("referral_audit")+` (id, record_id, action, actor, reason, at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ulid.Make().String(), id.Bytes(), string(interfaces.AuditRevoke), actor.Bytes(), reason, now,
	); err != nil {
		return interfaces.RegistryRecord{}, fmt.Errorf("store: append audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return interfaces.RegistryRecord{}, err
	}

	rec.Status = interfaces.StatusRevoked
	rec.RevokedAt = &now
	rec.RevocationReason = reason
	return rec, nil
}

func (s *PostgresStore) AuditLog(ctx context.Context, id interfaces.RecordID) ([]interfaces.AuditEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, action, actor, reason, at FROM `+s.ident("referral_audit")+`
		  WHERE record_id = $1
		  ORDER BY at, id`,
		id.Bytes(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: audit log: %w", err)
	}
	defer rows.Close()

	var entries []interfaces.AuditEntry
	for rows.Next() {
		var (
			entry  interfaces.AuditEntry
			action string
			actor  []byte
		)
		if err := rows.Scan(&entry.ID, &action, &actor, &entry.Reason, &entry.At); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		entry.RecordID = id
		entry.Action = interfaces.AuditAction(action)
		if entry.Actor, err = interfaces.NewAddressFromBytes(actor); err != nil {
			return nil, fmt.Errorf("store: audit actor: %w", err)
		}
		entry.At = entry.At.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanRecord(row pgx.Row) (interfaces.RegistryRecord, error) {
	var (
		rec                   interfaces.RegistryRecord
		id, referrer, referee []byte
		nonce, issuer         []byte
		seq                   int64
		status                string
		revokedAt             *time.Time
	)
	err := row.Scan(&id, &seq, &referrer, &referee, &nonce, &rec.IssuedAt, &issuer,
		&rec.Signature, &status, &rec.RecordedAt, &revokedAt, &rec.RevocationReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return interfaces.RegistryRecord{}, err
		}
		return interfaces.RegistryRecord{}, fmt.Errorf("store: scan record: %w", err)
	}

	copy(rec.ID[:], id)
	copy(rec.Referrer[:], referrer)
	copy(rec.Referee[:], referee)
	copy(rec.Issuer[:], issuer)
	rec.Nonce = new(big.Int).SetBytes(nonce)
	rec.Seq = uint64(seq)
	rec.IssuedAt = rec.IssuedAt.UTC()
	rec.RecordedAt = rec.RecordedAt.UTC()
	if revokedAt != nil {
		t := revokedAt.UTC()
		rec.RevokedAt = &t
	}
	if rec.Status, err = interfaces.ParseRecordStatus(status); err != nil {
		return interfaces.RegistryRecord{}, fmt.Errorf("store: %w", err)
	}
	return rec, nil
}

func nonceBytes(nonce *big.Int) ([]byte, error) {
	if nonce == nil || nonce.Sign() < 0 || nonce.BitLen() > 256 {
		return nil, fmt.Errorf("%w: nonce must be a uint256", interfaces.ErrMalformedAttestation)
	}
	return nonce.FillBytes(make([]byte, 32)), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}

var _ interfaces.RegistryStore = (*PostgresStore)(nil)
