package backup

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service exports and restores identity-state archives. blobRoot is the
// uploaded-files tree mirrored into the archive; empty disables the files
// section.
type Service struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	appVersion string
	blobRoot   string
}

func NewService(pool *pgxpool.Pool, logger *slog.Logger, appVersion, blobRoot string) *Service {
	return &Service{pool: pool, logger: logger, appVersion: appVersion, blobRoot: blobRoot}
}

// ExportOptions control what goes into the archive. Sensitive export
// requires a password; without one only non-credential data is written.
type ExportOptions struct {
	IncludeSensitive bool
	Password         string
}

// Export writes a complete archive to w and returns its manifest.
func (s *Service) Export(ctx context.Context, w io.Writer, opts ExportOptions) (*Manifest, error) {
	if opts.IncludeSensitive && opts.Password == "" {
		return nil, fmt.Errorf("sensitive export requires a password")
	}

	principals, err := s.exportPrincipals(ctx)
	if err != nil {
		return nil, err
	}
	bindings, err := s.exportEmailBindings(ctx)
	if err != nil {
		return nil, err
	}
	identities, err := s.exportIdentities(ctx)
	if err != nil {
		return nil, err
	}
	events, err := s.exportSecurityEvents(ctx)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Version:          FormatVersion,
		CreatedAt:        time.Now().UTC(),
		NosdeskVersion:   s.appVersion,
		IncludeSensitive: opts.IncludeSensitive,
		Tables: map[string]TableEntry{
			"principals":      {Count: len(principals)},
			"email_bindings":  {Count: len(bindings)},
			"auth_identities": {Count: len(identities)},
			"security_events": {Count: len(events)},
		},
	}

	zw := zip.NewWriter(w)

	tables := map[string]any{
		"principals":      principals,
		"email_bindings":  bindings,
		"auth_identities": identities,
		"security_events": events,
	}
	for _, name := range tableOrder {
		if err := writeJSONEntry(zw, dataDir+name+".json", tables[name]); err != nil {
			return nil, err
		}
	}

	if opts.IncludeSensitive {
		payload, err := s.exportSensitive(ctx)
		if err != nil {
			return nil, err
		}
		blob, params, err := sealSensitive(payload, opts.Password)
		if err != nil {
			return nil, err
		}
		manifest.Encryption = params
		if err := writeRawEntry(zw, sensitivePath, blob); err != nil {
			return nil, err
		}
	}

	summary, err := s.writeBlobTree(zw)
	if err != nil {
		return nil, err
	}
	manifest.Files = *summary

	if err := writeJSONEntry(zw, manifestPath, manifest); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}

	s.logger.Info("backup_exported",
		"principals", len(principals),
		"sensitive", opts.IncludeSensitive,
		"files", summary.TotalCount,
	)
	return manifest, nil
}

func (s *Service) exportPrincipals(ctx context.Context) ([]principalRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, role, created_at, updated_at, password_changed_at,
		       mfa_enabled, avatar_url, banner_url, theme, external_directory_id
		FROM principals ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("export principals: %w", err)
	}
	return collect(rows, func(row pgx.Row) (principalRow, error) {
		var r principalRow
		err := row.Scan(&r.ID, &r.DisplayName, &r.Role, &r.CreatedAt, &r.UpdatedAt,
			&r.PasswordChangedAt, &r.MFAEnabled, &r.AvatarURL, &r.BannerURL, &r.Theme,
			&r.ExternalDirectoryID)
		return r, err
	})
}

func (s *Service) exportEmailBindings(ctx context.Context) ([]emailBindingRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, principal_id, email, is_primary, is_verified, source, created_at
		FROM email_bindings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("export email bindings: %w", err)
	}
	return collect(rows, func(row pgx.Row) (emailBindingRow, error) {
		var r emailBindingRow
		err := row.Scan(&r.ID, &r.PrincipalID, &r.Email, &r.IsPrimary, &r.IsVerified,
			&r.Source, &r.CreatedAt)
		return r, err
	})
}

func (s *Service) exportIdentities(ctx context.Context) ([]identityRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, principal_id, provider, external_id, email, claims, created_at, updated_at
		FROM auth_identities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("export identities: %w", err)
	}
	return collect(rows, func(row pgx.Row) (identityRow, error) {
		var r identityRow
		err := row.Scan(&r.ID, &r.PrincipalID, &r.Provider, &r.ExternalID, &r.Email,
			&r.Claims, &r.CreatedAt, &r.UpdatedAt)
		return r, err
	})
}

func (s *Service) exportSecurityEvents(ctx context.Context) ([]securityEventRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, principal_id, event_type, severity, ip, user_agent, metadata, created_at
		FROM security_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("export security events: %w", err)
	}
	return collect(rows, func(row pgx.Row) (securityEventRow, error) {
		var r securityEventRow
		err := row.Scan(&r.ID, &r.PrincipalID, &r.EventType, &r.Severity, &r.IP,
			&r.UserAgent, &r.Metadata, &r.CreatedAt)
		return r, err
	})
}

func (s *Service) exportSensitive(ctx context.Context) (*sensitivePayload, error) {
	principals, err := s.pool.Query(ctx, `
		SELECT id, mfa_secret_enc, backup_code_hashes FROM principals ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("export sensitive principals: %w", err)
	}
	pRows, err := collect(principals, func(row pgx.Row) (principalSensitiveRow, error) {
		var r principalSensitiveRow
		err := row.Scan(&r.ID, &r.MFASecretEnc, &r.BackupCodeHashes)
		return r, err
	})
	if err != nil {
		return nil, err
	}

	identities, err := s.pool.Query(ctx, `
		SELECT id, password_hash FROM auth_identities WHERE password_hash IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("export sensitive identities: %w", err)
	}
	iRows, err := collect(identities, func(row pgx.Row) (identitySensitiveRow, error) {
		var r identitySensitiveRow
		err := row.Scan(&r.ID, &r.PasswordHash)
		return r, err
	})
	if err != nil {
		return nil, err
	}

	return &sensitivePayload{Principals: pRows, AuthIdentities: iRows}, nil
}

// writeBlobTree mirrors the uploaded-files tree into the archive, skipping
// thumbnails and any backups directory.
func (s *Service) writeBlobTree(zw *zip.Writer) (*FilesSummary, error) {
	summary := &FilesSummary{}
	if s.blobRoot == "" {
		return summary, nil
	}
	if _, err := os.Stat(s.blobRoot); os.IsNotExist(err) {
		return summary, nil
	}

	err := filepath.WalkDir(s.blobRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(s.blobRoot, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if d.Name() == "thumbnails" || d.Name() == "backups" {
				return filepath.SkipDir
			}
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		entry, err := zw.Create(filesDir + filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		n, err := io.Copy(entry, f)
		if err != nil {
			return err
		}
		summary.TotalCount++
		summary.TotalSizeBytes += n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive files tree: %w", err)
	}
	return summary, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func writeJSONEntry(zw *zip.Writer, name string, v any) error {
	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	enc := json.NewEncoder(entry)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return nil
}

func writeRawEntry(zw *zip.Writer, name string, data []byte) error {
	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := entry.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
