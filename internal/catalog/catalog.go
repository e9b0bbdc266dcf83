// Package catalog persists chunk metadata, clips, and transcripts in
// SQLite. Chunk payloads never touch disk; only their descriptors do.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/clipforge/clipd/internal/errors"
	"github.com/clipforge/clipd/internal/media"
)

// Catalog is the persistence layer. Safe for concurrent use; database/sql
// pools connections.
type Catalog struct {
	conn *sql.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Catalog, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to open catalog database")
	}
	if err := conn.Ping(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to ping catalog database")
	}
	c := &Catalog{conn: conn}
	if err := c.createTables(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create catalog tables")
	}
	return c, nil
}

func (c *Catalog) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS chunk_meta (
		id TEXT PRIMARY KEY,
		recording_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		offset_ns INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		low_activity INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(recording_id, chunk_index)
	);
	CREATE TABLE IF NOT EXISTS clips (
		id TEXT PRIMARY KEY,
		recording_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		start_ns INTEGER NOT NULL,
		end_ns INTEGER NOT NULL,
		thumbnail_url TEXT,
		video_url TEXT,
		transcript TEXT,
		confidence REAL NOT NULL,
		tags TEXT,
		segments TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transcripts (
		recording_id TEXT NOT NULL,
		start_ns INTEGER NOT NULL,
		end_ns INTEGER NOT NULL,
		text TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_meta_recording ON chunk_meta(recording_id);
	CREATE INDEX IF NOT EXISTS idx_clips_recording ON clips(recording_id);
	CREATE INDEX IF NOT EXISTS idx_transcripts_recording ON transcripts(recording_id, start_ns);
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := c.conn.Exec(query)
	return err
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.conn.Close()
}

// SaveChunkMeta records a chunk descriptor.
func (c *Catalog) SaveChunkMeta(ctx context.Context, chunk *media.StreamChunk) error {
	_, err := c.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO chunk_meta
		(id, recording_id, chunk_index, offset_ns, duration_ns, size_bytes, low_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID, chunk.RecordingID, chunk.ChunkIndex,
		int64(chunk.Timestamp), int64(chunk.Duration), chunk.Size(),
		chunk.Meta.LowActivity, time.Now())
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to save chunk metadata")
	}
	return nil
}

// PurgeChunkMeta removes descriptors recorded before cutoff. Returns the
// number of rows removed.
func (c *Catalog) PurgeChunkMeta(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.conn.ExecContext(ctx,
		`DELETE FROM chunk_meta WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "failed to purge chunk metadata")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveClip inserts or updates a clip.
func (c *Catalog) SaveClip(ctx context.Context, clip *media.Clip) error {
	if err := clip.Validate(); err != nil {
		return err
	}
	tags, err := json.Marshal(clip.Tags)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode clip tags")
	}
	segments, err := json.Marshal(clip.Segments)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode clip segments")
	}
	_, err = c.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO clips
		(id, recording_id, user_id, title, description, start_ns, end_ns,
		 thumbnail_url, video_url, transcript, confidence, tags, segments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		clip.ID, clip.RecordingID, clip.UserID, clip.Title, clip.Description,
		int64(clip.Start), int64(clip.End), clip.ThumbnailURL, clip.VideoURL,
		clip.Transcript, clip.Confidence, string(tags), string(segments),
		clip.CreatedAt, time.Now())
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to save clip")
	}
	return nil
}

// GetClip fetches one clip by id.
func (c *Catalog) GetClip(ctx context.Context, id string) (*media.Clip, error) {
	row := c.conn.QueryRowContext(ctx, `
		SELECT id, recording_id, user_id, title, description, start_ns, end_ns,
		       thumbnail_url, video_url, transcript, confidence, tags, segments,
		       created_at, updated_at
		FROM clips WHERE id = ?`, id)
	clip, err := scanClip(row)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.CodeNotFound, "clip %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to load clip")
	}
	return clip, nil
}

// ListClips returns a recording's clips ordered by start offset.
func (c *Catalog) ListClips(ctx context.Context, recordingID string) ([]media.Clip, error) {
	rows, err := c.conn.QueryContext(ctx, `
		SELECT id, recording_id, user_id, title, description, start_ns, end_ns,
		       thumbnail_url, video_url, transcript, confidence, tags, segments,
		       created_at, updated_at
		FROM clips WHERE recording_id = ? ORDER BY start_ns`, recordingID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to list clips")
	}
	defer rows.Close()

	var out []media.Clip
	for rows.Next() {
		clip, err := scanClip(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to scan clip")
		}
		out = append(out, *clip)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClip(row rowScanner) (*media.Clip, error) {
	var clip media.Clip
	var startNS, endNS int64
	var description, thumbnail, video, transcript, tags, segments sql.NullString
	err := row.Scan(&clip.ID, &clip.RecordingID, &clip.UserID, &clip.Title,
		&description, &startNS, &endNS, &thumbnail, &video, &transcript,
		&clip.Confidence, &tags, &segments, &clip.CreatedAt, &clip.UpdatedAt)
	if err != nil {
		return nil, err
	}
	clip.Description = description.String
	clip.ThumbnailURL = thumbnail.String
	clip.VideoURL = video.String
	clip.Transcript = transcript.String
	clip.Start = time.Duration(startNS)
	clip.End = time.Duration(endNS)
	if tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &clip.Tags); err != nil {
			return nil, err
		}
	}
	if segments.String != "" {
		if err := json.Unmarshal([]byte(segments.String), &clip.Segments); err != nil {
			return nil, err
		}
	}
	return &clip, nil
}

// SaveTranscript appends transcript segments for a recording.
func (c *Catalog) SaveTranscript(ctx context.Context, recordingID string, segs ...media.TranscriptSegment) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, seg := range segs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transcripts (recording_id, start_ns, end_ns, text, confidence)
			VALUES (?, ?, ?, ?, ?)`,
			recordingID, int64(seg.Start), int64(seg.End), seg.Text, seg.Confidence); err != nil {
			return errors.Wrap(err, errors.CodeInternal, "failed to save transcript segment")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to commit transcript")
	}
	return nil
}

// GetTranscript returns a recording's segments ordered by start offset.
func (c *Catalog) GetTranscript(ctx context.Context, recordingID string) ([]media.TranscriptSegment, error) {
	rows, err := c.conn.QueryContext(ctx, `
		SELECT start_ns, end_ns, text, confidence
		FROM transcripts WHERE recording_id = ? ORDER BY start_ns`, recordingID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to load transcript")
	}
	defer rows.Close()

	var out []media.TranscriptSegment
	for rows.Next() {
		var seg media.TranscriptSegment
		var startNS, endNS int64
		if err := rows.Scan(&startNS, &endNS, &seg.Text, &seg.Confidence); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to scan transcript segment")
		}
		seg.Start = time.Duration(startNS)
		seg.End = time.Duration(endNS)
		out = append(out, seg)
	}
	return out, rows.Err()
}

// SetMeta stores an arbitrary key/value pair.
func (c *Catalog) SetMeta(ctx context.Context, key, value string) error {
	_, err := c.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to set metadata")
	}
	return nil
}

// GetMeta loads a value by key; empty string when absent.
func (c *Catalog) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := c.conn.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "failed to get metadata")
	}
	return value, nil
}
