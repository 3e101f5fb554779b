package datastore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrIO wraps store read/write failures. Readers recover by recomputing;
// writers log and move on.
var ErrIO = errors.New("datastore io")

const (
	DefaultTTL        = 7 * 24 * time.Hour
	DefaultMaxEntries = 10000

	lockStripes = 64
	keySep      = "|"
)

// Key identifies a metrics row: the target pubkey alone, or target|source
// when the metrics carry relational signals.
func Key(pubkey, sourcePubkey string) string {
	if sourcePubkey == "" {
		return pubkey
	}
	return pubkey + keySep + sourcePubkey
}

// ProfileMetrics holds one validator pipeline run for a target. Metrics maps
// validator name to its score in [0,1].
type ProfileMetrics struct {
	Pubkey       string
	SourcePubkey string
	Metrics      map[string]float64
	ComputedAt   int64
}

// Metadata is a parsed kind-0 profile.
type Metadata struct {
	Pubkey         string
	Name           string
	DisplayName    string
	Nip05          string
	Lud16          string
	Lud06          string
	About          string
	Picture        string
	EventCreatedAt int64
}

// TAState is the trusted-assertion side-service switch and relay list.
type TAState struct {
	Enabled   bool
	Relays    []string
	UpdatedAt int64
}

type CacheStats struct {
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	Total     int64     `json:"total"`
	HitRate   float64   `json:"hitRate"`
	LastReset time.Time `json:"lastReset"`
}

type Config struct {
	Logger *slog.Logger

	// Path is the database file. Empty opens an in-memory database.
	Path string

	// TTL is the default freshness window for cached rows. Defaults to
	// DefaultTTL.
	TTL time.Duration

	// MaxEntries caps each cached table; the oldest rows by updated_at are
	// evicted past it. Defaults to DefaultMaxEntries.
	MaxEntries int

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// DB overrides Path when set. Tests use it to inject failures.
	DB DB
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.TTL < 0 {
		return errors.New("ttl must be positive")
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.MaxEntries < 0 {
		return errors.New("max entries must be positive")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store persists validator metrics, profile metadata, and search results in
// the embedded database, each row carrying a TTL. Writes to the same key are
// serialized by striped locks; reads run concurrently and never observe a
// row mid-write.
type Store struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
	db    DB

	locks [lockStripes]sync.Mutex

	statsMu   sync.Mutex
	hits      int64
	misses    int64
	lastReset time.Time
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid datastore config: %w", err)
	}

	db := cfg.DB
	if db == nil {
		if cfg.Path != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		opened, err := openDB(cfg.Path, cfg.Logger)
		if err != nil {
			return nil, err
		}
		db = opened
	}

	s := &Store{
		log:       cfg.Logger,
		cfg:       cfg,
		clock:     cfg.Clock,
		db:        db,
		lastReset: cfg.Clock.Now(),
	}
	if err := s.CreateTablesIfNotExists(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// TTL returns the configured default freshness window.
func (s *Store) TTL() time.Duration {
	return s.cfg.TTL
}

func (s *Store) CreateTablesIfNotExists() error {
	sqls := []string{
		`CREATE TABLE IF NOT EXISTS profile_metrics (
			key VARCHAR PRIMARY KEY,
			pubkey VARCHAR NOT NULL,
			source_pubkey VARCHAR,
			metrics VARCHAR NOT NULL,
			computed_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profile_metrics_expires ON profile_metrics (expires_at)`,
		`CREATE TABLE IF NOT EXISTS pubkey_metadata (
			pubkey VARCHAR PRIMARY KEY,
			name VARCHAR,
			display_name VARCHAR,
			nip05 VARCHAR,
			lud16 VARCHAR,
			lud06 VARCHAR,
			about VARCHAR,
			picture VARCHAR,
			event_created_at BIGINT,
			expires_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pubkey_metadata_expires ON pubkey_metadata (expires_at)`,
		`CREATE TABLE IF NOT EXISTS search_results (
			search_query VARCHAR PRIMARY KEY,
			pubkeys VARCHAR NOT NULL,
			expires_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_results_expires ON search_results (expires_at)`,
		`CREATE TABLE IF NOT EXISTS ta_state (
			id INTEGER PRIMARY KEY,
			enabled BOOLEAN NOT NULL,
			relays VARCHAR NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range sqls {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: create tables: %v", ErrIO, err)
		}
	}
	return nil
}

// GetMetrics returns the cached metrics for (pubkey, sourcePubkey), nil when
// absent or expired. Rows whose metrics blob no longer decodes are treated
// as absent and overwritten by the next set.
func (s *Store) GetMetrics(pubkey, sourcePubkey string) (*ProfileMetrics, error) {
	key := Key(pubkey, sourcePubkey)
	var (
		blob       string
		computedAt int64
	)
	err := s.db.QueryRow(
		`SELECT metrics, computed_at FROM profile_metrics WHERE key = ? AND expires_at > ?`,
		key, s.clock.Now().Unix(),
	).Scan(&blob, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.recordMiss()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get metrics %q: %v", ErrIO, key, err)
	}

	metrics := make(map[string]float64)
	if err := json.Unmarshal([]byte(blob), &metrics); err != nil {
		s.log.Debug("datastore: dropping undecodable metrics row", "key", key, "error", err)
		s.recordMiss()
		return nil, nil
	}
	s.recordHit()
	return &ProfileMetrics{
		Pubkey:       pubkey,
		SourcePubkey: sourcePubkey,
		Metrics:      metrics,
		ComputedAt:   computedAt,
	}, nil
}

// SetMetrics upserts a metrics row. A zero ttl uses the configured default.
func (s *Store) SetMetrics(m *ProfileMetrics, ttl time.Duration) error {
	if m == nil || m.Pubkey == "" {
		return errors.New("metrics pubkey is required")
	}
	if ttl == 0 {
		ttl = s.cfg.TTL
	}
	blob, err := json.Marshal(m.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	key := Key(m.Pubkey, m.SourcePubkey)
	now := s.clock.Now()
	computedAt := m.ComputedAt
	if computedAt == 0 {
		computedAt = now.Unix()
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO profile_metrics (key, pubkey, source_pubkey, metrics, computed_at, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, m.Pubkey, m.SourcePubkey, string(blob), computedAt, now.Add(ttl).Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: set metrics %q: %v", ErrIO, key, err)
	}
	return s.enforceCap("profile_metrics", "key")
}

// InvalidateMetrics deletes the row for (pubkey, sourcePubkey).
func (s *Store) InvalidateMetrics(pubkey, sourcePubkey string) error {
	key := Key(pubkey, sourcePubkey)
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.Exec(`DELETE FROM profile_metrics WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: invalidate metrics %q: %v", ErrIO, key, err)
	}
	return nil
}

// GetMetadata returns the cached profile for pubkey, nil when absent or
// expired.
func (s *Store) GetMetadata(pubkey string) (*Metadata, error) {
	row := s.db.QueryRow(
		`SELECT pubkey, name, display_name, nip05, lud16, lud06, about, picture, event_created_at
		 FROM pubkey_metadata WHERE pubkey = ? AND expires_at > ?`,
		pubkey, s.clock.Now().Unix(),
	)
	md, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get metadata %q: %v", ErrIO, pubkey, err)
	}
	return md, nil
}

// SetMetadata upserts a profile row. A zero ttl uses the configured default.
func (s *Store) SetMetadata(md *Metadata, ttl time.Duration) error {
	if md == nil || md.Pubkey == "" {
		return errors.New("metadata pubkey is required")
	}
	if ttl == 0 {
		ttl = s.cfg.TTL
	}
	now := s.clock.Now()

	lock := s.keyLock(md.Pubkey)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO pubkey_metadata
		 (pubkey, name, display_name, nip05, lud16, lud06, about, picture, event_created_at, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		md.Pubkey, md.Name, md.DisplayName, md.Nip05, md.Lud16, md.Lud06, md.About, md.Picture,
		md.EventCreatedAt, now.Add(ttl).Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: set metadata %q: %v", ErrIO, md.Pubkey, err)
	}
	return s.enforceCap("pubkey_metadata", "pubkey")
}

// SearchMetadata matches query case-insensitively against name, display
// name, and identity of unexpired profiles.
func (s *Store) SearchMetadata(query string, limit int) ([]*Metadata, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT pubkey, name, display_name, nip05, lud16, lud06, about, picture, event_created_at
		 FROM pubkey_metadata
		 WHERE expires_at > ?
		   AND (lower(name) LIKE ? OR lower(display_name) LIKE ? OR lower(nip05) LIKE ?)
		 ORDER BY updated_at DESC
		 LIMIT %d`, limit),
		s.clock.Now().Unix(), pattern, pattern, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search metadata: %v", ErrIO, err)
	}
	defer rows.Close()

	var out []*Metadata
	for rows.Next() {
		md, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: search metadata scan: %v", ErrIO, err)
		}
		out = append(out, md)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: search metadata rows: %v", ErrIO, err)
	}
	return out, nil
}

// GetSearchResults returns the cached pubkey list for a query, nil when
// absent or expired.
func (s *Store) GetSearchResults(query string) ([]string, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT pubkeys FROM search_results WHERE search_query = ? AND expires_at > ?`,
		searchKey(query), s.clock.Now().Unix(),
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get search results: %v", ErrIO, err)
	}
	var pubkeys []string
	if err := json.Unmarshal([]byte(blob), &pubkeys); err != nil {
		return nil, nil
	}
	return pubkeys, nil
}

// SetSearchResults caches the pubkey list for a query. A zero ttl uses the
// configured default.
func (s *Store) SetSearchResults(query string, pubkeys []string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = s.cfg.TTL
	}
	blob, err := json.Marshal(pubkeys)
	if err != nil {
		return fmt.Errorf("marshal search results: %w", err)
	}
	key := searchKey(query)
	now := s.clock.Now()

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO search_results (search_query, pubkeys, expires_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		key, string(blob), now.Add(ttl).Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: set search results: %v", ErrIO, err)
	}
	return s.enforceCap("search_results", "search_query")
}

// GetTAState returns the persisted trusted-assertion state, nil when never
// written.
func (s *Store) GetTAState() (*TAState, error) {
	var (
		enabled   bool
		blob      string
		updatedAt int64
	)
	err := s.db.QueryRow(`SELECT enabled, relays, updated_at FROM ta_state WHERE id = 1`).
		Scan(&enabled, &blob, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get ta state: %v", ErrIO, err)
	}
	var relays []string
	if err := json.Unmarshal([]byte(blob), &relays); err != nil {
		relays = nil
	}
	return &TAState{Enabled: enabled, Relays: relays, UpdatedAt: updatedAt}, nil
}

// SetTAState persists the trusted-assertion state.
func (s *Store) SetTAState(st *TAState) error {
	if st == nil {
		return errors.New("ta state is required")
	}
	blob, err := json.Marshal(st.Relays)
	if err != nil {
		return fmt.Errorf("marshal ta relays: %w", err)
	}
	updatedAt := st.UpdatedAt
	if updatedAt == 0 {
		updatedAt = s.clock.Now().Unix()
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO ta_state (id, enabled, relays, updated_at) VALUES (1, ?, ?, ?)`,
		st.Enabled, string(blob), updatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: set ta state: %v", ErrIO, err)
	}
	return nil
}

// MetricsKey identifies one metrics row.
type MetricsKey struct {
	Pubkey       string
	SourcePubkey string
}

// RecentMetrics returns the keys of unexpired metrics rows updated after
// since, newest first.
func (s *Store) RecentMetrics(since int64, limit int) ([]MetricsKey, error) {
	return s.queryKeys(fmt.Sprintf(
		`SELECT pubkey, source_pubkey FROM profile_metrics
		 WHERE updated_at > ? AND expires_at > ?
		 ORDER BY updated_at DESC
		 LIMIT %d`, limit),
		since, s.clock.Now().Unix(),
	)
}

// ExpiringMetrics returns the keys of unexpired metrics rows whose TTL lapses
// at or before deadline, soonest first.
func (s *Store) ExpiringMetrics(deadline int64, limit int) ([]MetricsKey, error) {
	return s.queryKeys(fmt.Sprintf(
		`SELECT pubkey, source_pubkey FROM profile_metrics
		 WHERE expires_at > ? AND expires_at <= ?
		 ORDER BY expires_at ASC
		 LIMIT %d`, limit),
		s.clock.Now().Unix(), deadline,
	)
}

func (s *Store) queryKeys(query string, args ...any) ([]MetricsKey, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query metrics keys: %v", ErrIO, err)
	}
	defer rows.Close()

	var out []MetricsKey
	for rows.Next() {
		var pk string
		var src sql.NullString
		if err := rows.Scan(&pk, &src); err != nil {
			return nil, fmt.Errorf("%w: scan metrics key: %v", ErrIO, err)
		}
		out = append(out, MetricsKey{Pubkey: pk, SourcePubkey: src.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: metrics key rows: %v", ErrIO, err)
	}
	return out, nil
}

// Cleanup deletes expired rows across the TTL tables and returns the count.
func (s *Store) Cleanup() (int64, error) {
	now := s.clock.Now().Unix()
	var total int64
	for _, table := range []string{"profile_metrics", "pubkey_metadata", "search_results"} {
		res, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, table), now)
		if err != nil {
			return total, fmt.Errorf("%w: cleanup %s: %v", ErrIO, table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// CountMetrics returns the number of unexpired metrics rows.
func (s *Store) CountMetrics() (int64, error) {
	return s.countUnexpired("profile_metrics")
}

// CountMetadata returns the number of unexpired metadata rows.
func (s *Store) CountMetadata() (int64, error) {
	return s.countUnexpired("pubkey_metadata")
}

// Stats reports metrics-cache hit counters since the last reset.
func (s *Store) Stats() CacheStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	total := s.hits + s.misses
	rate := 0.0
	if total > 0 {
		rate = float64(s.hits) / float64(total)
	}
	return CacheStats{
		Hits:      s.hits,
		Misses:    s.misses,
		Total:     total,
		HitRate:   rate,
		LastReset: s.lastReset,
	}
}

// ResetStats zeroes the hit counters.
func (s *Store) ResetStats() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.hits, s.misses = 0, 0
	s.lastReset = s.clock.Now()
}

func (s *Store) countUnexpired(table string) (int64, error) {
	var count int64
	err := s.db.QueryRow(
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE expires_at > ?`, table),
		s.clock.Now().Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", ErrIO, table, err)
	}
	return count, nil
}

func (s *Store) enforceCap(table, pkColumn string) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
		return fmt.Errorf("%w: count %s: %v", ErrIO, table, err)
	}
	if count <= s.cfg.MaxEntries {
		return nil
	}
	excess := count - s.cfg.MaxEntries
	_, err := s.db.Exec(fmt.Sprintf(
		`DELETE FROM %s WHERE %s IN (SELECT %s FROM %s ORDER BY updated_at ASC LIMIT %d)`,
		table, pkColumn, pkColumn, table, excess,
	))
	if err != nil {
		return fmt.Errorf("%w: evict %s: %v", ErrIO, table, err)
	}
	s.log.Debug("datastore: evicted oldest entries", "table", table, "count", excess)
	return nil
}

func (s *Store) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Store) recordHit() {
	s.statsMu.Lock()
	s.hits++
	s.statsMu.Unlock()
}

func (s *Store) recordMiss() {
	s.statsMu.Lock()
	s.misses++
	s.statsMu.Unlock()
}

func searchKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row rowScanner) (*Metadata, error) {
	var md Metadata
	var name, displayName, nip05, lud16, lud06, about, picture sql.NullString
	var eventCreatedAt sql.NullInt64
	if err := row.Scan(
		&md.Pubkey, &name, &displayName, &nip05, &lud16, &lud06, &about, &picture, &eventCreatedAt,
	); err != nil {
		return nil, err
	}
	md.Name = name.String
	md.DisplayName = displayName.String
	md.Nip05 = nip05.String
	md.Lud16 = lud16.String
	md.Lud06 = lud06.String
	md.About = about.String
	md.Picture = picture.String
	md.EventCreatedAt = eventCreatedAt.Int64
	return &md, nil
}
