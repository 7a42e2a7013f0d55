package backup

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RestoreStats summarizes one restore run.
type RestoreStats struct {
	Inserted        map[string]int64
	SensitiveFixed  int
	SensitiveMissed int
	FilesRestored   int
}

// Restore reads an archive and merges it into the database. Existing rows
// win: inserts use ON CONFLICT DO NOTHING, and sensitive columns are only
// updated for rows present after the insert pass.
func (s *Service) Restore(ctx context.Context, r io.ReaderAt, size int64, password string) (*RestoreStats, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	manifest, err := readManifest(zr)
	if err != nil {
		return nil, err
	}
	if manifest.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported archive version %q", manifest.Version)
	}

	// Decrypt before touching the database, so a wrong password aborts the
	// restore with nothing changed.
	var sensitive *sensitivePayload
	if manifest.IncludeSensitive {
		blob, err := readEntry(zr, sensitivePath)
		if err != nil {
			return nil, err
		}
		sensitive, err = openSensitive(blob, manifest.Encryption, password)
		if err != nil {
			return nil, err
		}
	}

	stats := &RestoreStats{Inserted: make(map[string]int64)}

	if err := s.restoreTables(ctx, zr, stats); err != nil {
		return nil, err
	}
	if err := s.resetSequences(ctx); err != nil {
		return nil, err
	}
	if sensitive != nil {
		s.restoreSensitive(ctx, sensitive, stats)
	}
	if err := s.restoreBlobTree(zr, stats); err != nil {
		return nil, err
	}

	s.logger.Info("backup_restored",
		"principals", stats.Inserted["principals"],
		"sensitive_fixed", stats.SensitiveFixed,
		"sensitive_missed", stats.SensitiveMissed,
		"files", stats.FilesRestored,
	)
	return stats, nil
}

func readManifest(zr *zip.Reader) (*Manifest, error) {
	data, err := readEntry(zr, manifestPath)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

func readEntry(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("archive entry %s: %w", name, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func decodeEntry[T any](zr *zip.Reader, name string) ([]T, error) {
	data, err := readEntry(zr, name)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return out, nil
}

func (s *Service) restoreTables(ctx context.Context, zr *zip.Reader, stats *RestoreStats) error {
	principals, err := decodeEntry[principalRow](zr, dataDir+"principals.json")
	if err != nil {
		return err
	}
	for _, r := range principals {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO principals (id, display_name, role, created_at, updated_at,
				password_changed_at, mfa_enabled, avatar_url, banner_url, theme, external_directory_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT DO NOTHING`,
			r.ID, r.DisplayName, r.Role, r.CreatedAt, r.UpdatedAt, r.PasswordChangedAt,
			r.MFAEnabled, r.AvatarURL, r.BannerURL, r.Theme, r.ExternalDirectoryID)
		if err != nil {
			return fmt.Errorf("restore principal %s: %w", r.ID, err)
		}
		stats.Inserted["principals"] += tag.RowsAffected()
	}

	bindings, err := decodeEntry[emailBindingRow](zr, dataDir+"email_bindings.json")
	if err != nil {
		return err
	}
	for _, r := range bindings {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO email_bindings (id, principal_id, email, is_primary, is_verified, source, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING`,
			r.ID, r.PrincipalID, r.Email, r.IsPrimary, r.IsVerified, r.Source, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("restore email binding %d: %w", r.ID, err)
		}
		stats.Inserted["email_bindings"] += tag.RowsAffected()
	}

	identities, err := decodeEntry[identityRow](zr, dataDir+"auth_identities.json")
	if err != nil {
		return err
	}
	for _, r := range identities {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO auth_identities (id, principal_id, provider, external_id, email, claims, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT DO NOTHING`,
			r.ID, r.PrincipalID, r.Provider, r.ExternalID, r.Email, r.Claims, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("restore identity %d: %w", r.ID, err)
		}
		stats.Inserted["auth_identities"] += tag.RowsAffected()
	}

	events, err := decodeEntry[securityEventRow](zr, dataDir+"security_events.json")
	if err != nil {
		return err
	}
	for _, r := range events {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO security_events (id, principal_id, event_type, severity, ip, user_agent, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT DO NOTHING`,
			r.ID, r.PrincipalID, r.EventType, r.Severity, r.IP, r.UserAgent, r.Metadata, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("restore security event %d: %w", r.ID, err)
		}
		stats.Inserted["security_events"] += tag.RowsAffected()
	}
	return nil
}

// resetSequences bumps each serial sequence past the highest restored id so
// new inserts do not collide.
func (s *Service) resetSequences(ctx context.Context) error {
	for _, table := range []string{"email_bindings", "auth_identities", "security_events"} {
		query := fmt.Sprintf(
			`SELECT setval(pg_get_serial_sequence('%s', 'id'), COALESCE((SELECT max(id) FROM %s), 0) + 1, false)`,
			table, table)
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("reset sequence for %s: %w", table, err)
		}
	}
	return nil
}

// restoreSensitive patches credential columns onto already restored rows.
// A row missing from the database is logged and skipped.
func (s *Service) restoreSensitive(ctx context.Context, payload *sensitivePayload, stats *RestoreStats) {
	for _, r := range payload.Principals {
		tag, err := s.pool.Exec(ctx, `
			UPDATE principals SET mfa_secret_enc = $2, backup_code_hashes = $3 WHERE id = $1`,
			r.ID, r.MFASecretEnc, r.BackupCodeHashes)
		if err != nil {
			s.logger.Warn("restore_sensitive_principal_failed", "id", r.ID, "error", err)
			stats.SensitiveMissed++
			continue
		}
		if tag.RowsAffected() == 0 {
			s.logger.Warn("restore_sensitive_principal_missing", "id", r.ID)
			stats.SensitiveMissed++
			continue
		}
		stats.SensitiveFixed++
	}

	for _, r := range payload.AuthIdentities {
		tag, err := s.pool.Exec(ctx, `
			UPDATE auth_identities SET password_hash = $2 WHERE id = $1`,
			r.ID, r.PasswordHash)
		if err != nil {
			s.logger.Warn("restore_sensitive_identity_failed", "id", r.ID, "error", err)
			stats.SensitiveMissed++
			continue
		}
		if tag.RowsAffected() == 0 {
			s.logger.Warn("restore_sensitive_identity_missing", "id", r.ID)
			stats.SensitiveMissed++
			continue
		}
		stats.SensitiveFixed++
	}
}

func (s *Service) restoreBlobTree(zr *zip.Reader, stats *RestoreStats) error {
	if s.blobRoot == "" {
		return nil
	}
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, filesDir) || f.FileInfo().IsDir() {
			continue
		}
		rel := strings.TrimPrefix(f.Name, filesDir)

		// Reject entries that would escape the blob root.
		dest := filepath.Join(s.blobRoot, filepath.FromSlash(rel))
		if !strings.HasPrefix(dest, filepath.Clean(s.blobRoot)+string(os.PathSeparator)) {
			s.logger.Warn("restore_file_rejected", "name", f.Name)
			continue
		}

		if err := extractFile(f, dest); err != nil {
			return fmt.Errorf("restore file %s: %w", f.Name, err)
		}
		stats.FilesRestored++
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}
