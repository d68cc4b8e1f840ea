package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/davsync/internal/db"
	"github.com/openmined/davsync/internal/utils"
)

var (
	ErrNotOpen     = errors.New("journal: not open")
	ErrAlreadyOpen = errors.New("journal: already open")
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_info (
    path        TEXT PRIMARY KEY,
    chunk       INTEGER NOT NULL DEFAULT 0,
    transfer_id INTEGER NOT NULL,
    error_count INTEGER NOT NULL DEFAULT 0,
    size        INTEGER NOT NULL DEFAULT 0,
    modtime     INTEGER NOT NULL -- unix nanoseconds
);

CREATE TABLE IF NOT EXISTS poll_info (
    path    TEXT PRIMARY KEY,
    modtime INTEGER NOT NULL,
    url     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS blacklist (
    path             TEXT PRIMARY KEY,
    last_try_etag    TEXT NOT NULL DEFAULT '',
    last_try_modtime INTEGER NOT NULL,
    last_try_time    INTEGER NOT NULL,
    retry_count      INTEGER NOT NULL,
    error_string     TEXT NOT NULL DEFAULT '',
    ignore_duration  INTEGER NOT NULL -- seconds
);

CREATE TABLE IF NOT EXISTS metadata (
    path    TEXT PRIMARY KEY,
    etag    TEXT NOT NULL,
    file_id TEXT NOT NULL DEFAULT '',
    size    INTEGER NOT NULL,
    modtime INTEGER NOT NULL
);
`

type dbUploadInfo struct {
	Path       string `db:"path"`
	Chunk      int64  `db:"chunk"`
	TransferID int64  `db:"transfer_id"`
	ErrorCount int64  `db:"error_count"`
	Size       int64  `db:"size"`
	ModTime    int64  `db:"modtime"`
}

type dbPollInfo struct {
	Path    string `db:"path"`
	ModTime int64  `db:"modtime"`
	URL     string `db:"url"`
}

type dbBlacklistEntry struct {
	Path           string `db:"path"`
	LastTryETag    string `db:"last_try_etag"`
	LastTryModTime int64  `db:"last_try_modtime"`
	LastTryTime    int64  `db:"last_try_time"`
	RetryCount     int    `db:"retry_count"`
	ErrorString    string `db:"error_string"`
	IgnoreDuration int64  `db:"ignore_duration"`
}

type dbFileRecord struct {
	Path    string `db:"path"`
	ETag    string `db:"etag"`
	FileID  string `db:"file_id"`
	Size    int64  `db:"size"`
	ModTime int64  `db:"modtime"`
}

// SyncJournal is the durable per-path store of resume, poll, blacklist and file records.
//
// Writes are collected in a transaction that is only made durable by Commit. A crash
// before Commit rolls them back, so nothing uncommitted is ever trusted on the next run.
// Reads go through the pending transaction and therefore observe uncommitted writes.
type SyncJournal struct {
	dbPath string
	db     *sqlx.DB
	tx     *sqlx.Tx
	mu     sync.Mutex
}

func NewSyncJournal(dbPath string) *SyncJournal {
	return &SyncJournal{dbPath: dbPath}
}

// Open the journal database and create missing tables.
func (s *SyncJournal) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return ErrAlreadyOpen
	}

	if s.dbPath != ":memory:" {
		if err := utils.EnsureDir(filepath.Dir(s.dbPath)); err != nil {
			return fmt.Errorf("create journal directory: %w", err)
		}
	}

	conn, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("initialize journal schema: %w", err)
	}

	s.db = conn
	return nil
}

// Close commits pending writes and closes the database.
func (s *SyncJournal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrNotOpen
	}

	var commitErr error
	if s.tx != nil {
		commitErr = s.tx.Commit()
		s.tx = nil
	}

	err := s.db.Close()
	s.db = nil
	if err := errors.Join(commitErr, err); err != nil {
		slog.Error("journal close", "error", err)
		return err
	}
	return nil
}

// Commit makes all writes since the previous commit durable.
func (s *SyncJournal) Commit(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrNotOpen
	}
	if s.tx == nil {
		return nil
	}

	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("journal commit %q: %w", reason, err)
	}
	slog.Debug("journal commit", "reason", reason)
	return nil
}

// reader returns the pending transaction if any, so reads see uncommitted writes.
func (s *SyncJournal) reader() (sqlx.Ext, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	if s.tx != nil {
		return s.tx, nil
	}
	return s.db, nil
}

func (s *SyncJournal) writer() (sqlx.Ext, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	if s.tx == nil {
		tx, err := s.db.Beginx()
		if err != nil {
			return nil, fmt.Errorf("begin journal transaction: %w", err)
		}
		s.tx = tx
	}
	return s.tx, nil
}

// GetUploadInfo returns the resume record of path. A missing record is returned as Valid=false.
func (s *SyncJournal) GetUploadInfo(path string) (*UploadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.reader()
	if err != nil {
		return nil, err
	}

	var row dbUploadInfo
	err = sqlx.Get(q, &row, "SELECT path, chunk, transfer_id, error_count, size, modtime FROM upload_info WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return &UploadInfo{Path: path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query upload info %s: %w", path, err)
	}
	return row.toUploadInfo(), nil
}

// SetUploadInfo stores the resume record of path, or deletes it when info is nil or invalid.
func (s *SyncJournal) SetUploadInfo(path string, info *UploadInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.writer()
	if err != nil {
		return err
	}

	if info == nil || !info.Valid {
		if _, err := e.Exec("DELETE FROM upload_info WHERE path = ?", path); err != nil {
			return fmt.Errorf("delete upload info %s: %w", path, err)
		}
		return nil
	}

	row := dbUploadInfo{
		Path:       path,
		Chunk:      int64(info.Chunk),
		TransferID: int64(info.TransferID),
		ErrorCount: int64(info.ErrorCount),
		Size:       info.Size,
		ModTime:    info.ModTime.UnixNano(),
	}
	_, err = sqlx.NamedExec(e, `INSERT OR REPLACE INTO upload_info (path, chunk, transfer_id, error_count, size, modtime)
		VALUES (:path, :chunk, :transfer_id, :error_count, :size, :modtime)`, row)
	if err != nil {
		return fmt.Errorf("set upload info %s: %w", path, err)
	}
	return nil
}

// UploadInfos lists every stored resume record.
func (s *SyncJournal) UploadInfos() ([]*UploadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.reader()
	if err != nil {
		return nil, err
	}

	var rows []dbUploadInfo
	if err := sqlx.Select(q, &rows, "SELECT path, chunk, transfer_id, error_count, size, modtime FROM upload_info ORDER BY path"); err != nil {
		return nil, fmt.Errorf("list upload info: %w", err)
	}
	infos := make([]*UploadInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, row.toUploadInfo())
	}
	return infos, nil
}

// SetPollInfo stores a pending poll, or deletes it when URL is empty.
func (s *SyncJournal) SetPollInfo(info *PollInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.writer()
	if err != nil {
		return err
	}

	if info.URL == "" {
		if _, err := e.Exec("DELETE FROM poll_info WHERE path = ?", info.Path); err != nil {
			return fmt.Errorf("delete poll info %s: %w", info.Path, err)
		}
		return nil
	}

	_, err = sqlx.NamedExec(e, `INSERT OR REPLACE INTO poll_info (path, modtime, url) VALUES (:path, :modtime, :url)`,
		dbPollInfo{Path: info.Path, ModTime: info.ModTime.UnixNano(), URL: info.URL})
	if err != nil {
		return fmt.Errorf("set poll info %s: %w", info.Path, err)
	}
	return nil
}

// PollInfos lists uploads still waiting for server-side completion.
func (s *SyncJournal) PollInfos() ([]*PollInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.reader()
	if err != nil {
		return nil, err
	}

	var rows []dbPollInfo
	if err := sqlx.Select(q, &rows, "SELECT path, modtime, url FROM poll_info ORDER BY path"); err != nil {
		return nil, fmt.Errorf("list poll info: %w", err)
	}
	infos := make([]*PollInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, &PollInfo{Path: row.Path, ModTime: time.Unix(0, row.ModTime), URL: row.URL})
	}
	return infos, nil
}

// ErrorBlacklistEntry returns nil when path has no entry.
func (s *SyncJournal) ErrorBlacklistEntry(path string) (*BlacklistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.reader()
	if err != nil {
		return nil, err
	}

	var row dbBlacklistEntry
	err = sqlx.Get(q, &row, `SELECT path, last_try_etag, last_try_modtime, last_try_time, retry_count, error_string, ignore_duration
		FROM blacklist WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query blacklist %s: %w", path, err)
	}
	return row.toEntry(), nil
}

// BlacklistEntries lists every blacklisted path.
func (s *SyncJournal) BlacklistEntries() ([]*BlacklistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.reader()
	if err != nil {
		return nil, err
	}

	var rows []dbBlacklistEntry
	err = sqlx.Select(q, &rows, `SELECT path, last_try_etag, last_try_modtime, last_try_time, retry_count, error_string, ignore_duration
		FROM blacklist ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	entries := make([]*BlacklistEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toEntry())
	}
	return entries, nil
}

func (s *SyncJournal) SetErrorBlacklistEntry(entry *BlacklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.writer()
	if err != nil {
		return err
	}

	row := dbBlacklistEntry{
		Path:           entry.Path,
		LastTryETag:    entry.LastTryETag,
		LastTryModTime: entry.LastTryModTime.UnixNano(),
		LastTryTime:    entry.LastTryTime.Unix(),
		RetryCount:     entry.RetryCount,
		ErrorString:    entry.ErrorString,
		IgnoreDuration: int64(entry.IgnoreDuration / time.Second),
	}
	_, err = sqlx.NamedExec(e, `INSERT OR REPLACE INTO blacklist
		(path, last_try_etag, last_try_modtime, last_try_time, retry_count, error_string, ignore_duration)
		VALUES (:path, :last_try_etag, :last_try_modtime, :last_try_time, :retry_count, :error_string, :ignore_duration)`, row)
	if err != nil {
		return fmt.Errorf("set blacklist %s: %w", entry.Path, err)
	}
	return nil
}

func (s *SyncJournal) WipeErrorBlacklistEntry(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.writer()
	if err != nil {
		return err
	}
	if _, err := e.Exec("DELETE FROM blacklist WHERE path = ?", path); err != nil {
		return fmt.Errorf("wipe blacklist %s: %w", path, err)
	}
	return nil
}

// GetFileRecord returns nil when path was never synced.
func (s *SyncJournal) GetFileRecord(path string) (*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.reader()
	if err != nil {
		return nil, err
	}

	var row dbFileRecord
	err = sqlx.Get(q, &row, "SELECT path, etag, file_id, size, modtime FROM metadata WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query file record %s: %w", path, err)
	}
	return &FileRecord{
		Path:    row.Path,
		ETag:    row.ETag,
		FileID:  row.FileID,
		Size:    row.Size,
		ModTime: time.Unix(0, row.ModTime),
	}, nil
}

func (s *SyncJournal) SetFileRecord(rec *FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.writer()
	if err != nil {
		return err
	}

	_, err = sqlx.NamedExec(e, `INSERT OR REPLACE INTO metadata (path, etag, file_id, size, modtime)
		VALUES (:path, :etag, :file_id, :size, :modtime)`, dbFileRecord{
		Path:    rec.Path,
		ETag:    rec.ETag,
		FileID:  rec.FileID,
		Size:    rec.Size,
		ModTime: rec.ModTime.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("set file record %s: %w", rec.Path, err)
	}
	slog.Debug("journal set", "path", rec.Path, "etag", rec.ETag)
	return nil
}

// Destroy closes the journal and moves the database aside as a timestamped backup.
func (s *SyncJournal) Destroy() error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	backup := fmt.Sprintf("%s.%s.bak", s.dbPath, time.Now().Format("20060102150405"))
	if err := os.Rename(s.dbPath, backup); err != nil {
		return fmt.Errorf("rename journal file: %w", err)
	}
	return nil
}

func (r dbUploadInfo) toUploadInfo() *UploadInfo {
	return &UploadInfo{
		Path:       r.Path,
		Valid:      true,
		Chunk:      uint64(r.Chunk),
		TransferID: uint64(r.TransferID),
		ErrorCount: uint32(r.ErrorCount),
		Size:       r.Size,
		ModTime:    time.Unix(0, r.ModTime),
	}
}

func (r dbBlacklistEntry) toEntry() *BlacklistEntry {
	return &BlacklistEntry{
		Path:           r.Path,
		LastTryETag:    r.LastTryETag,
		LastTryModTime: time.Unix(0, r.LastTryModTime),
		LastTryTime:    time.Unix(r.LastTryTime, 0),
		RetryCount:     r.RetryCount,
		ErrorString:    r.ErrorString,
		IgnoreDuration: time.Duration(r.IgnoreDuration) * time.Second,
	}
}
