package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/jackc/pgx/v5"
)

// ErrVideoNotFound is returned when a video has never been indexed.
var ErrVideoNotFound = errors.New("video not indexed")

// Store manages the PostgreSQL connection holding recorded detections.
type Store struct {
	conn *pgx.Conn
}

// Video describes an indexed video.
type Video struct {
	ID        string
	Path      string
	Width     int
	Height    int
	Keyframes int
	Faces     int
	IndexedAt time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
// keyframes records every frame detection ran on, including frames with no
// faces, so replay can tell "no face" apart from "not analysed".
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS keyframes (
			video_id TEXT REFERENCES videos(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			PRIMARY KEY (video_id, frame_index)
		);
		CREATE TABLE IF NOT EXISTS face_records (
			id BIGSERIAL PRIMARY KEY,
			video_id TEXT REFERENCES videos(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			box REAL[4] NOT NULL,
			tracking_id INT NOT NULL DEFAULT 0,
			landmarks JSONB
		);
		CREATE INDEX IF NOT EXISTS face_records_video_frame_idx ON face_records (video_id, frame_index);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureVideo registers the video. Previously recorded detections for the
// same video are removed so that a re-run does not duplicate records.
func (s *Store) EnsureVideo(ctx context.Context, videoID, path string, width, height int) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM face_records WHERE video_id = $1", videoID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM keyframes WHERE video_id = $1", videoID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO videos (id, path, width, height, indexed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path,
			width = EXCLUDED.width, height = EXCLUDED.height
	`, videoID, path, width, height); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// InsertFaces records the detection result for one keyframe.
func (s *Store) InsertFaces(ctx context.Context, videoID string, frameIndex int, faces []types.FaceRecord) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO keyframes (video_id, frame_index) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, videoID, frameIndex)

	for _, f := range faces {
		var landmarks []byte
		if len(f.Landmarks) > 0 {
			var err error
			if landmarks, err = json.Marshal(f.Landmarks); err != nil {
				return fmt.Errorf("failed to encode landmarks: %w", err)
			}
		}
		box := []float32{float32(f.Box.Left), float32(f.Box.Top), float32(f.Box.Right), float32(f.Box.Bottom)}
		batch.Queue(`
			INSERT INTO face_records (video_id, frame_index, box, tracking_id, landmarks)
			VALUES ($1, $2, $3, $4, $5)
		`, videoID, frameIndex, box, f.TrackingID, landmarks)
	}

	return s.conn.SendBatch(ctx, batch).Close()
}

// LoadFaces returns the recorded detections of a video keyed by frame index.
// Keyframes without faces map to an empty slice.
func (s *Store) LoadFaces(ctx context.Context, videoID string) (map[int][]types.FaceRecord, error) {
	frames := make(map[int][]types.FaceRecord)

	rows, err := s.conn.Query(ctx, "SELECT frame_index FROM keyframes WHERE video_id = $1", videoID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return nil, err
		}
		frames[idx] = []types.FaceRecord{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.conn.Query(ctx, `
		SELECT frame_index, box, tracking_id, landmarks
		FROM face_records WHERE video_id = $1 ORDER BY frame_index, id
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idx        int
			box        []float32
			trackingID int
			landmarks  []byte
		)
		if err := rows.Scan(&idx, &box, &trackingID, &landmarks); err != nil {
			return nil, err
		}
		if len(box) != 4 {
			return nil, fmt.Errorf("frame %d: malformed box with %d values", idx, len(box))
		}
		face := types.FaceRecord{
			Box: types.Rect{
				Left:   float64(box[0]),
				Top:    float64(box[1]),
				Right:  float64(box[2]),
				Bottom: float64(box[3]),
			},
			TrackingID: trackingID,
		}
		if len(landmarks) > 0 {
			if err := json.Unmarshal(landmarks, &face.Landmarks); err != nil {
				return nil, fmt.Errorf("frame %d: failed to decode landmarks: %w", idx, err)
			}
		}
		frames[idx] = append(frames[idx], face)
	}
	return frames, rows.Err()
}

// GetVideo returns one indexed video.
func (s *Store) GetVideo(ctx context.Context, videoID string) (Video, error) {
	var v Video
	err := s.conn.QueryRow(ctx, `
		SELECT id, path, width, height, indexed_at,
			(SELECT COUNT(*) FROM keyframes k WHERE k.video_id = v.id),
			(SELECT COUNT(*) FROM face_records f WHERE f.video_id = v.id)
		FROM videos v WHERE id = $1
	`, videoID).Scan(&v.ID, &v.Path, &v.Width, &v.Height, &v.IndexedAt, &v.Keyframes, &v.Faces)
	if errors.Is(err, pgx.ErrNoRows) {
		return Video{}, ErrVideoNotFound
	}
	return v, err
}

// ListVideos returns every indexed video, newest first.
func (s *Store) ListVideos(ctx context.Context) ([]Video, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, path, width, height, indexed_at,
			(SELECT COUNT(*) FROM keyframes k WHERE k.video_id = v.id),
			(SELECT COUNT(*) FROM face_records f WHERE f.video_id = v.id)
		FROM videos v ORDER BY indexed_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []Video
	for rows.Next() {
		var v Video
		if err := rows.Scan(&v.ID, &v.Path, &v.Width, &v.Height, &v.IndexedAt, &v.Keyframes, &v.Faces); err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS face_records CASCADE;
		DROP TABLE IF EXISTS keyframes CASCADE;
		DROP TABLE IF EXISTS videos CASCADE;
	`)
	return err
}
