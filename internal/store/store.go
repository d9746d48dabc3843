// Package store persists the message history, downloaded file metadata and
// small key/value state in a single SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const statsCacheTTL = 5 * time.Second

// StoredMessage is one row of the messages table. ID is the autoincrement
// primary key used as the getUpdates offset cursor.
type StoredMessage struct {
	ID        int64  `json:"id"`
	MsgID     string `json:"msg_id"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	IsMine    bool   `json:"is_mine"`
	Timestamp int64  `json:"timestamp"`
	FileName  string `json:"file_name,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
	RawData   string `json:"raw_data,omitempty"`
	Extra     string `json:"extra,omitempty"`
}

// StoredFile is one row of the files table.
type StoredFile struct {
	ID         int64  `json:"id"`
	MsgID      string `json:"msg_id"`
	FileName   string `json:"file_name"`
	FilePath   string `json:"file_path"`
	FileSize   int64  `json:"file_size"`
	MimeType   string `json:"mime_type,omitempty"`
	MD5        string `json:"md5,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	Downloaded bool   `json:"downloaded"`
}

// Stats summarizes the database for the status endpoints.
type Stats struct {
	DBPath            string `json:"db_path"`
	DBSizeBytes       int64  `json:"db_size_bytes"`
	MessageCount      int64  `json:"message_count"`
	FileCount         int64  `json:"file_count"`
	MaxUpdateID       int64  `json:"max_update_id"`
	TodayMessageCount int64  `json:"today_message_count"`
}

// UpdatesQuery filters GetUpdates. Offset is exclusive; Limit is clamped
// to 1000.
type UpdatesQuery struct {
	Offset int64
	Limit  int
	Type   string
	Since  int64
}

// Store is a SQLite-backed message store. One connection guarded by a
// mutex; WAL mode keeps concurrent readers happy.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex

	statsCache   *Stats
	statsCacheAt time.Time
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("path", dbPath).Msg("could not restrict db file permissions")
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", dbPath).Msg("message store opened")
	return s, nil
}

func (s *Store) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		msg_id TEXT UNIQUE NOT NULL,
		type TEXT NOT NULL,
		text TEXT,
		is_mine INTEGER DEFAULT 0,
		timestamp INTEGER NOT NULL,
		file_name TEXT,
		file_path TEXT,
		file_size INTEGER,
		reply_to_id TEXT,
		raw_data TEXT,
		extra TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_msg_id ON messages(msg_id);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(type);

	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		msg_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_path TEXT NOT NULL,
		file_size INTEGER,
		mime_type TEXT,
		md5 TEXT,
		created_at INTEGER NOT NULL,
		downloaded INTEGER DEFAULT 1,
		FOREIGN KEY (msg_id) REFERENCES messages(msg_id)
	);
	CREATE INDEX IF NOT EXISTS idx_files_msg_id ON files(msg_id);
	CREATE INDEX IF NOT EXISTS idx_files_created_at ON files(created_at);

	CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage upserts a message keyed on its upstream id and returns the
// row id. Re-saving an already stored message replaces the row.
func (s *Store) SaveMessage(msg StoredMessage) (int64, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT OR REPLACE INTO messages
		(msg_id, type, text, is_mine, timestamp, file_name, file_path, file_size, reply_to_id, raw_data, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MsgID, msg.Type, msg.Text, boolToInt(msg.IsMine), msg.Timestamp,
		nullIfEmpty(msg.FileName), nullIfEmpty(msg.FilePath), nullIfZero(msg.FileSize),
		nullIfEmpty(msg.ReplyToID), nullIfEmpty(msg.RawData), nullIfEmpty(msg.Extra))
	if err != nil {
		return 0, fmt.Errorf("failed to save message: %w", err)
	}
	s.statsCache = nil
	return res.LastInsertId()
}

// GetMessage looks a message up by its upstream id.
func (s *Store) GetMessage(msgID string) (*StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT id, msg_id, type, text, is_mine, timestamp,
		file_name, file_path, file_size, reply_to_id, raw_data, extra
		FROM messages WHERE msg_id = ?`, msgID)
	return scanMessage(row)
}

// GetMessageByID looks a message up by its row id.
func (s *Store) GetMessageByID(id int64) (*StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT id, msg_id, type, text, is_mine, timestamp,
		file_name, file_path, file_size, reply_to_id, raw_data, extra
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetUpdates returns messages with row id greater than the offset, oldest
// first.
func (s *Store) GetUpdates(q UpdatesQuery) ([]StoredMessage, error) {
	conditions := []string{"id > ?"}
	params := []any{q.Offset}

	if q.Type != "" {
		conditions = append(conditions, "type = ?")
		params = append(params, q.Type)
	}
	if q.Since > 0 {
		conditions = append(conditions, "timestamp >= ?")
		params = append(params, q.Since)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	params = append(params, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(fmt.Sprintf(`SELECT id, msg_id, type, text, is_mine, timestamp,
		file_name, file_path, file_size, reply_to_id, raw_data, extra
		FROM messages WHERE %s ORDER BY id ASC LIMIT ?`,
		strings.Join(conditions, " AND ")), params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetLatest returns up to limit newest messages, oldest first.
func (s *Store) GetLatest(limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id, msg_id, type, text, is_mine, timestamp,
		file_name, file_path, file_size, reply_to_id, raw_data, extra
		FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MaxID returns the largest message row id, 0 for an empty table.
func (s *Store) MaxID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM messages`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to query max id: %w", err)
	}
	return max.Int64, nil
}

// Count returns the number of stored messages, optionally only those at or
// after the given timestamp.
func (s *Store) Count(since int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	var err error
	if since > 0 {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE timestamp >= ?`, since).Scan(&count)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// SaveFile records metadata for a downloaded or uploaded file.
func (s *Store) SaveFile(f StoredFile) (int64, error) {
	if f.CreatedAt == 0 {
		f.CreatedAt = time.Now().Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO files (msg_id, file_name, file_path, file_size, mime_type, md5, created_at, downloaded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.MsgID, f.FileName, f.FilePath, f.FileSize,
		nullIfEmpty(f.MimeType), nullIfEmpty(f.MD5), f.CreatedAt, boolToInt(f.Downloaded))
	if err != nil {
		return 0, fmt.Errorf("failed to save file: %w", err)
	}
	s.statsCache = nil
	return res.LastInsertId()
}

// GetFiles pages through file records, newest first.
func (s *Store) GetFiles(limit, offset int) ([]StoredFile, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id, msg_id, file_name, file_path, file_size, mime_type, md5, created_at, downloaded
		FROM files ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []StoredFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// GetFileByMsgID returns the file record tied to a message, nil when absent.
func (s *Store) GetFileByMsgID(msgID string) (*StoredFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id, msg_id, file_name, file_path, file_size, mime_type, md5, created_at, downloaded
		FROM files WHERE msg_id = ? LIMIT 1`, msgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query file: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanFile(rows)
}

// SetKV stores a JSON-encoded value under key.
func (s *Store) SetKV(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode kv value: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`INSERT OR REPLACE INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)`,
		key, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set kv: %w", err)
	}
	return nil
}

// GetKV decodes the value under key into out. It reports whether the key
// existed.
func (s *Store) GetKV(key string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw string
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get kv: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to decode kv value: %w", err)
	}
	return true, nil
}

// CleanupOldMessages deletes messages older than the given number of days
// and returns how many rows went away.
func (s *Store) CleanupOldMessages(days int) (int64, error) {
	cutoff := time.Now().Unix() - int64(days)*86400

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup messages: %w", err)
	}
	s.statsCache = nil
	return res.RowsAffected()
}

// CleanupOldFiles deletes file records older than the given number of days.
// With deleteFiles it also removes the files from disk.
func (s *Store) CleanupOldFiles(days int, deleteFiles bool) (int64, error) {
	cutoff := time.Now().Unix() - int64(days)*86400

	s.mu.Lock()
	defer s.mu.Unlock()

	if deleteFiles {
		rows, err := s.db.Query(`SELECT file_path FROM files WHERE created_at < ?`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to list old files: %w", err)
		}
		var paths []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return 0, err
			}
			paths = append(paths, p)
		}
		rows.Close()
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", p).Msg("could not delete old file")
			}
		}
	}

	res, err := s.db.Exec(`DELETE FROM files WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup files: %w", err)
	}
	s.statsCache = nil
	return res.RowsAffected()
}

// GetStats returns database statistics, cached for a few seconds because
// the status endpoints hit it on every poll.
func (s *Store) GetStats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statsCache != nil && time.Since(s.statsCacheAt) < statsCacheTTL {
		return *s.statsCache, nil
	}

	stats := Stats{DBPath: s.dbPath}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&stats.MessageCount); err != nil {
		return stats, fmt.Errorf("failed to count messages: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&stats.FileCount); err != nil {
		return stats, fmt.Errorf("failed to count files: %w", err)
	}
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM messages`).Scan(&max); err != nil {
		return stats, fmt.Errorf("failed to query max id: %w", err)
	}
	stats.MaxUpdateID = max.Int64

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Unix()
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE timestamp >= ?`, midnight).Scan(&stats.TodayMessageCount); err != nil {
		return stats, fmt.Errorf("failed to count today's messages: %w", err)
	}

	if info, err := os.Stat(s.dbPath); err == nil {
		stats.DBSizeBytes = info.Size()
	}

	s.statsCache = &stats
	s.statsCacheAt = now
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*StoredMessage, error) {
	var m StoredMessage
	var isMine int
	var text, fileName, filePath, replyToID, rawData, extra sql.NullString
	var fileSize sql.NullInt64
	err := row.Scan(&m.ID, &m.MsgID, &m.Type, &text, &isMine, &m.Timestamp,
		&fileName, &filePath, &fileSize, &replyToID, &rawData, &extra)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Text = text.String
	m.IsMine = isMine != 0
	m.FileName = fileName.String
	m.FilePath = filePath.String
	m.FileSize = fileSize.Int64
	m.ReplyToID = replyToID.String
	m.RawData = rawData.String
	m.Extra = extra.String
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]StoredMessage, error) {
	var msgs []StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanFile(row rowScanner) (*StoredFile, error) {
	var f StoredFile
	var downloaded int
	var mimeType, md5sum sql.NullString
	var fileSize sql.NullInt64
	err := row.Scan(&f.ID, &f.MsgID, &f.FileName, &f.FilePath, &fileSize,
		&mimeType, &md5sum, &f.CreatedAt, &downloaded)
	if err != nil {
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}
	f.FileSize = fileSize.Int64
	f.MimeType = mimeType.String
	f.MD5 = md5sum.String
	f.Downloaded = downloaded != 0
	return &f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
