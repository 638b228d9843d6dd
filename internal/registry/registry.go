// Package registry is the durable source of truth for managed services,
// their domain bindings, and front-end API keys. Every mutation runs inside
// a transaction so a crash mid-operation never exposes a partial row.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"

	"github.com/itsvs/dna/internal/api"
)

const schemaVersion = 1

// ErrReadOnly is returned when the state directory is mounted read-only.
var ErrReadOnly = errors.New("registry: state directory is read-only")

// Store is the sqlite-backed registry.
type Store struct {
	db   *sql.DB
	path string
}

var detectReadOnlyMount = func(dir string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return false, err
	}
	return st.Flags&unix.ST_RDONLY != 0, nil
}

// Open opens (creating if needed) the registry database at path.
func Open(path string) (*Store, error) {
	if ro, err := detectReadOnlyMount(filepath.Dir(path)); err == nil && ro {
		return nil, ErrReadOnly
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func configure(db *sql.DB) error {
	pragmas := []string{
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
		`PRAGMA foreign_keys=ON;`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("configure registry: %w", err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS services (
			name TEXT PRIMARY KEY,
			image TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			container_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'undeployed',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS domains (
			hostname TEXT PRIMARY KEY,
			service_name TEXT NOT NULL REFERENCES services(name) ON DELETE CASCADE,
			wildcard INTEGER NOT NULL DEFAULT 0,
			cert_state TEXT NOT NULL DEFAULT 'uncertified',
			proxy_headers TEXT NOT NULL DEFAULT '[]',
			bound_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_domains_service ON domains(service_name);`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			secret_hash TEXT NOT NULL,
			ip TEXT NOT NULL,
			issued_at INTEGER NOT NULL,
			expires_in INTEGER NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0
		);`,
		`PRAGMA user_version=` + fmt.Sprint(schemaVersion) + `;`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// timeLayout is RFC3339 with fixed-width nanoseconds so the stored text
// sorts in chronological order. RFC3339Nano trims trailing zeros, which
// makes whole-second timestamps sort after fractional ones.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string { return time.Now().UTC().Format(timeLayout) }

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// --- Services ---

// UpsertDeploy records a successful deploy: image, port, container id, and
// RUNNING status, creating the service row on first deploy.
func (s *Store) UpsertDeploy(ctx context.Context, name, image string, port int, containerID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx, `INSERT INTO services (name, image, port, container_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				image=excluded.image, port=excluded.port,
				container_id=excluded.container_id, status=excluded.status,
				updated_at=excluded.updated_at`,
			name, image, port, containerID, api.StatusRunning, ts, ts)
		return err
	})
}

// SetRuntime updates container id and status together so the
// container_id-iff-RUNNING invariant holds in every committed state.
func (s *Store) SetRuntime(ctx context.Context, name, containerID string, status api.ServiceStatus) error {
	if status != api.StatusRunning {
		containerID = ""
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE services SET container_id=?, status=?, updated_at=? WHERE name=?`,
			containerID, status, now(), name)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return api.ErrServiceNotFound
		}
		return nil
	})
}

// GetService returns one service with its domains ordered by binding time.
func (s *Store) GetService(ctx context.Context, name string) (*api.Service, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, image, port, container_id, status, created_at, updated_at
		FROM services WHERE name=?`, name)
	svc, err := scanService(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrServiceNotFound
		}
		return nil, err
	}
	if err := s.loadDomains(ctx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// ListServices returns all services, domains included, ordered by name.
func (s *Store) ListServices(ctx context.Context) ([]api.Service, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, image, port, container_id, status, created_at, updated_at
		FROM services ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadDomains(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteService removes the service row; domain rows cascade.
func (s *Store) DeleteService(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM services WHERE name=?`, name)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return api.ErrServiceNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(r rowScanner) (*api.Service, error) {
	var (
		svc                  api.Service
		status               string
		createdAt, updatedAt string
	)
	if err := r.Scan(&svc.Name, &svc.Image, &svc.Port, &svc.ContainerID, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	svc.Status = api.ServiceStatus(status)
	svc.CreatedAt = parseTime(createdAt)
	svc.UpdatedAt = parseTime(updatedAt)
	return &svc, nil
}

func (s *Store) loadDomains(ctx context.Context, svc *api.Service) error {
	rows, err := s.db.QueryContext(ctx, `SELECT hostname, wildcard, cert_state, proxy_headers, bound_at
		FROM domains WHERE service_name=? ORDER BY bound_at, hostname`, svc.Name)
	if err != nil {
		return err
	}
	defer rows.Close()

	svc.Domains = nil
	for rows.Next() {
		var (
			d        api.Domain
			wildcard int
			state    string
			headers  string
			boundAt  string
		)
		if err := rows.Scan(&d.Hostname, &wildcard, &state, &headers, &boundAt); err != nil {
			return err
		}
		d.Wildcard = wildcard == 1
		d.CertState = api.CertState(state)
		d.BoundAt = parseTime(boundAt)
		if err := json.Unmarshal([]byte(headers), &d.ProxyHeaders); err != nil {
			return fmt.Errorf("decode proxy headers for %s: %w", d.Hostname, err)
		}
		svc.Domains = append(svc.Domains, d)
	}
	return rows.Err()
}

// --- Domains ---

// BindDomain binds hostname to the named service. Binding a hostname held
// by another service fails with api.ErrDomainTaken; rebinding to the same
// service is a no-op (the existing row is returned unchanged).
func (s *Store) BindDomain(ctx context.Context, service, hostname string, wildcard bool, headers []api.Header) error {
	if headers == nil {
		headers = []api.Header{}
	}
	encoded, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM services WHERE name=?`, service).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return api.ErrServiceNotFound
		}
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT service_name FROM domains WHERE hostname=?`, hostname).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `INSERT INTO domains (hostname, service_name, wildcard, cert_state, proxy_headers, bound_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				hostname, service, boolToInt(wildcard), api.CertUncertified, string(encoded), now())
			return err
		case err != nil:
			return err
		case owner != service:
			return api.ErrDomainTaken
		default:
			return nil
		}
	})
}

// UnbindDomain removes the binding; api.ErrDomainNotBound when the hostname
// is not bound to the named service.
func (s *Store) UnbindDomain(ctx context.Context, service, hostname string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM domains WHERE hostname=? AND service_name=?`, hostname, service)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return api.ErrDomainNotBound
		}
		return nil
	})
}

// SetCertState records the certificate lifecycle for one binding.
func (s *Store) SetCertState(ctx context.Context, hostname string, state api.CertState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE domains SET cert_state=? WHERE hostname=?`, state, hostname)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return api.ErrDomainNotBound
		}
		return nil
	})
}

// GetDomain returns one binding and its owning service name.
func (s *Store) GetDomain(ctx context.Context, hostname string) (*api.Domain, string, error) {
	var (
		d        api.Domain
		owner    string
		wildcard int
		state    string
		headers  string
		boundAt  string
	)
	err := s.db.QueryRowContext(ctx, `SELECT hostname, service_name, wildcard, cert_state, proxy_headers, bound_at
		FROM domains WHERE hostname=?`, hostname).
		Scan(&d.Hostname, &owner, &wildcard, &state, &headers, &boundAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", api.ErrDomainNotBound
	}
	if err != nil {
		return nil, "", err
	}
	d.Wildcard = wildcard == 1
	d.CertState = api.CertState(state)
	d.BoundAt = parseTime(boundAt)
	if err := json.Unmarshal([]byte(headers), &d.ProxyHeaders); err != nil {
		return nil, "", err
	}
	return &d, owner, nil
}

// --- API keys ---

// APIKey is one issued front-end credential. The secret itself is never
// stored, only its hash.
type APIKey struct {
	ID         string
	SecretHash string
	IP         string
	IssuedAt   time.Time
	ExpiresIn  time.Duration
	Revoked    bool
}

// Expired reports whether the key is revoked or past (or within 10s of)
// its expiry.
func (k APIKey) Expired(at time.Time) bool {
	if k.Revoked {
		return true
	}
	return !k.IssuedAt.Add(k.ExpiresIn).After(at.Add(10 * time.Second))
}

// CreateAPIKey stores a new key hash.
func (s *Store) CreateAPIKey(ctx context.Context, id, secretHash, ip string, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO api_keys (id, secret_hash, ip, issued_at, expires_in, revoked)
			VALUES (?, ?, ?, ?, ?, 0)`,
			id, secretHash, ip, time.Now().Unix(), int64(ttl.Seconds()))
		return err
	})
}

// GetAPIKey looks a key up by id.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	var (
		k         APIKey
		issuedAt  int64
		expiresIn int64
		revoked   int
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, secret_hash, ip, issued_at, expires_in, revoked
		FROM api_keys WHERE id=?`, id).
		Scan(&k.ID, &k.SecretHash, &k.IP, &issuedAt, &expiresIn, &revoked)
	if err != nil {
		return nil, err
	}
	k.IssuedAt = time.Unix(issuedAt, 0).UTC()
	k.ExpiresIn = time.Duration(expiresIn) * time.Second
	k.Revoked = revoked == 1
	return &k, nil
}

// RevokeAPIKey marks the key unusable immediately.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE api_keys SET revoked=1 WHERE id=?`, id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
