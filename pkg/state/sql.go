package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

type SQLStore struct {
	db        *sql.DB
	driver    string
	connector string
	logger    *zap.Logger
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS dirbridge_cursors (
		connector VARCHAR(128) PRIMARY KEY,
		usn BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dirbridge_mappings (
		connector VARCHAR(128) NOT NULL,
		foreign_id VARCHAR(64) NOT NULL,
		property_type VARCHAR(64) NOT NULL,
		local_dn VARCHAR(1024) NOT NULL,
		PRIMARY KEY (connector, foreign_id)
	)`,
	`CREATE TABLE IF NOT EXISTS dirbridge_rejects (
		connector VARCHAR(128) NOT NULL,
		usn BIGINT NOT NULL,
		dn VARCHAR(1024) NOT NULL,
		PRIMARY KEY (connector, usn)
	)`,
}

func NewSQLStore(connector, driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	s := &SQLStore{
		db:        db,
		driver:    driver,
		connector: connector,
		logger:    logger.With(zap.String("state", driver)),
	}

	for _, stmt := range schemaStatements {
		if _, err := db.Exec(s.rebind(stmt)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create state schema: %w", err)
		}
	}

	return s, nil
}

// rebind rewrites ? placeholders for drivers with positional syntax.
func (s *SQLStore) rebind(query string) string {
	switch s.driver {
	case "postgres", "sqlserver":
	default:
		return query
	}

	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		if s.driver == "postgres" {
			fmt.Fprintf(&b, "$%d", n)
		} else {
			fmt.Fprintf(&b, "@p%d", n)
		}
	}
	return b.String()
}

func (s *SQLStore) LastUSN(ctx context.Context) (uint64, error) {
	var usn uint64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT usn FROM dirbridge_cursors WHERE connector = ?`),
		s.connector,
	).Scan(&usn)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return usn, nil
}

func (s *SQLStore) SetLastUSN(ctx context.Context, usn uint64) error {
	return s.upsert(ctx,
		`UPDATE dirbridge_cursors SET usn = ? WHERE connector = ?`,
		[]any{usn, s.connector},
		`INSERT INTO dirbridge_cursors (connector, usn) VALUES (?, ?)`,
		[]any{s.connector, usn},
	)
}

func (s *SQLStore) Resolve(ctx context.Context, propertyType string, foreignID []byte) (string, error) {
	var dn, pt string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT local_dn, property_type FROM dirbridge_mappings WHERE connector = ? AND foreign_id = ?`),
		s.connector, EncodeID(foreignID),
	).Scan(&dn, &pt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve mapping: %w", err)
	}
	if propertyType != "" && pt != propertyType {
		return "", ErrNotFound
	}
	return dn, nil
}

func (s *SQLStore) ResolveReverse(ctx context.Context, localDN string) (*Mapping, error) {
	var key, pt string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT foreign_id, property_type FROM dirbridge_mappings WHERE connector = ? AND local_dn = ?`),
		s.connector, localDN,
	).Scan(&key, &pt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve reverse mapping: %w", err)
	}

	id, err := DecodeID(key)
	if err != nil {
		return nil, fmt.Errorf("corrupt identifier key %q: %w", key, err)
	}
	return &Mapping{PropertyType: pt, ForeignID: id, LocalDN: localDN}, nil
}

func (s *SQLStore) Record(ctx context.Context, propertyType string, foreignID []byte, localDN string) error {
	return s.upsert(ctx,
		`UPDATE dirbridge_mappings SET property_type = ?, local_dn = ? WHERE connector = ? AND foreign_id = ?`,
		[]any{propertyType, localDN, s.connector, EncodeID(foreignID)},
		`INSERT INTO dirbridge_mappings (connector, foreign_id, property_type, local_dn) VALUES (?, ?, ?, ?)`,
		[]any{s.connector, EncodeID(foreignID), propertyType, localDN},
	)
}

func (s *SQLStore) Forget(ctx context.Context, foreignID []byte) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM dirbridge_mappings WHERE connector = ? AND foreign_id = ?`),
		s.connector, EncodeID(foreignID),
	)
	if err != nil {
		return fmt.Errorf("failed to forget mapping: %w", err)
	}
	return nil
}

func (s *SQLStore) PutReject(ctx context.Context, usn uint64, dn string) error {
	return s.upsert(ctx,
		`UPDATE dirbridge_rejects SET dn = ? WHERE connector = ? AND usn = ?`,
		[]any{dn, s.connector, usn},
		`INSERT INTO dirbridge_rejects (connector, usn, dn) VALUES (?, ?, ?)`,
		[]any{s.connector, usn, dn},
	)
}

func (s *SQLStore) ListRejects(ctx context.Context) ([]Reject, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT usn, dn FROM dirbridge_rejects WHERE connector = ? ORDER BY usn ASC`),
		s.connector,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejects: %w", err)
	}
	defer rows.Close()

	var rejects []Reject
	for rows.Next() {
		var r Reject
		if err := rows.Scan(&r.USN, &r.DN); err != nil {
			return nil, fmt.Errorf("failed to scan reject: %w", err)
		}
		rejects = append(rejects, r)
	}
	return rejects, rows.Err()
}

func (s *SQLStore) RemoveReject(ctx context.Context, usn uint64) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM dirbridge_rejects WHERE connector = ? AND usn = ?`),
		s.connector, usn,
	)
	if err != nil {
		return fmt.Errorf("failed to remove reject: %w", err)
	}
	return nil
}

// upsert runs update-then-insert inside a transaction; this stays
// portable across all four supported drivers.
func (s *SQLStore) upsert(ctx context.Context, update string, updateArgs []any, insert string, insertArgs []any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(update), updateArgs...)
	if err != nil {
		return fmt.Errorf("state update failed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state update failed: %w", err)
	}
	if affected == 0 {
		if _, err := tx.ExecContext(ctx, s.rebind(insert), insertArgs...); err != nil {
			return fmt.Errorf("state insert failed: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
