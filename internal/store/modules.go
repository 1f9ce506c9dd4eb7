package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"evoforge/internal/contract"
)

// ErrModuleExists is returned when a (org_id, module_id, version) triple is
// registered twice. Versions are immutable once recorded.
var ErrModuleExists = errors.New("module version already registered")

// ModuleRecord is one row of the durable registry index.
type ModuleRecord struct {
	OrgID       string
	ModuleID    string
	Version     string
	Manifest    *contract.Manifest
	Status      contract.ModuleStatus
	ModuleDir   string
	InstalledAt time.Time
}

// SaveModule inserts a module version. Duplicate versions are rejected with
// ErrModuleExists.
func (s *Store) SaveModule(ctx context.Context, rec ModuleRecord) error {
	manifestJSON, err := json.Marshal(rec.Manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO registry_modules (org_id, module_id, version, manifest, status, module_dir, installed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.OrgID, rec.ModuleID, rec.Version, string(manifestJSON), string(rec.Status), rec.ModuleDir, rec.InstalledAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s@%s", ErrModuleExists, rec.ModuleID, rec.Version)
		}
		return fmt.Errorf("failed to save module: %w", err)
	}
	return nil
}

// ActivateModule marks one version of a module active and every other
// version of the same module inactive, in a single transaction.
func (s *Store) ActivateModule(ctx context.Context, orgID, moduleID, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin activation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE registry_modules SET status = ?
		 WHERE org_id = ? AND module_id = ? AND status = ?`,
		string(contract.StatusDisabled), orgID, moduleID, string(contract.StatusActive)); err != nil {
		return fmt.Errorf("failed to retire prior versions: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE registry_modules SET status = ?
		 WHERE org_id = ? AND module_id = ? AND version = ?`,
		string(contract.StatusActive), orgID, moduleID, version)
	if err != nil {
		return fmt.Errorf("failed to activate module: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("module %s@%s not found for org %s", moduleID, version, orgID)
	}
	return tx.Commit()
}

// SetModuleStatus updates the status of one module version.
func (s *Store) SetModuleStatus(ctx context.Context, orgID, moduleID, version string, status contract.ModuleStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE registry_modules SET status = ?
		 WHERE org_id = ? AND module_id = ? AND version = ?`,
		string(status), orgID, moduleID, version)
	if err != nil {
		return fmt.Errorf("failed to set module status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("module %s@%s not found for org %s", moduleID, version, orgID)
	}
	return nil
}

// ListModules returns every recorded version for an org, newest install
// first.
func (s *Store) ListModules(ctx context.Context, orgID string) ([]ModuleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id, module_id, version, manifest, status, module_dir, installed_at
		 FROM registry_modules WHERE org_id = ?
		 ORDER BY installed_at DESC, module_id, version`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()
	return scanModules(rows)
}

// ActiveModules returns the active version of every module for an org.
// There is at most one active row per module_id by construction.
func (s *Store) ActiveModules(ctx context.Context, orgID string) ([]ModuleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id, module_id, version, manifest, status, module_dir, installed_at
		 FROM registry_modules WHERE org_id = ? AND status = ?
		 ORDER BY module_id`, orgID, string(contract.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list active modules: %w", err)
	}
	defer rows.Close()
	return scanModules(rows)
}

func scanModules(rows *sql.Rows) ([]ModuleRecord, error) {
	var out []ModuleRecord
	for rows.Next() {
		var rec ModuleRecord
		var manifestJSON, status string
		if err := rows.Scan(&rec.OrgID, &rec.ModuleID, &rec.Version, &manifestJSON,
			&status, &rec.ModuleDir, &rec.InstalledAt); err != nil {
			return nil, fmt.Errorf("failed to scan module row: %w", err)
		}
		rec.Status = contract.ModuleStatus(status)
		var manifest contract.Manifest
		if err := json.Unmarshal([]byte(manifestJSON), &manifest); err != nil {
			return nil, fmt.Errorf("corrupt manifest for %s@%s: %w", rec.ModuleID, rec.Version, err)
		}
		rec.Manifest = &manifest
		out = append(out, rec)
	}
	return out, rows.Err()
}
