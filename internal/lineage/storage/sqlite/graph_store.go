// Package sqlite persists lineage graphs and their undo journal in the
// SQLite database opened by internal/db.
//
// Spot IDs are process-local, so rows carry their own integer keys.
// GraphStore remembers which row each loaded spot came from and reuses
// that key on save; spots created since the load get fresh keys.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/lineage/internal/geometry"
	"github.com/banshee-data/lineage/internal/lineage"
	"github.com/banshee-data/lineage/internal/monitoring"
)

// ErrGraphNotEmpty is returned when loading into a graph that already has
// spots.
var ErrGraphNotEmpty = errors.New("graph is not empty")

// GraphStore saves and loads whole-graph snapshots.
type GraphStore struct {
	db *sql.DB

	mu     sync.Mutex
	rows   map[lineage.SpotID]int64
	spots  map[int64]lineage.SpotID
	maxRow int64
}

// NewGraphStore creates a store over a migrated database.
func NewGraphStore(db *sql.DB) *GraphStore {
	return &GraphStore{
		db:    db,
		rows:  make(map[lineage.SpotID]int64),
		spots: make(map[int64]lineage.SpotID),
	}
}

type spotRow struct {
	id        int64
	timepoint int
	pos       geometry.Vec3
	cov       geometry.Cov3
	detection lineage.Tag
	tracking  lineage.Tag
}

type linkRow struct {
	source, target int64
	tracking       lineage.Tag
	sqDist, sqDisp sql.NullFloat64
}

// Load reads the stored snapshot into g, which must be empty. Rows are
// checked against each other before g is touched, so a bad row
// leaves g unchanged. The load is applied in one update and is not
// undoable.
func (s *GraphStore) Load(ctx context.Context, g *lineage.Graph) error {
	spots, links, err := s.readRows(ctx)
	if err != nil {
		return err
	}
	if links, err = checkRows(spots, links); err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := make(map[int64]lineage.SpotID, len(spots))
	err = g.Update(func(tx *lineage.Tx) error {
		if tx.NumSpots() > 0 {
			return ErrGraphNotEmpty
		}
		for _, r := range spots {
			sp, err := tx.AddSpot(r.timepoint, r.pos, r.cov)
			if err != nil {
				return fmt.Errorf("spot row %d: %w", r.id, err)
			}
			if err := tx.SetSpotTags(sp.ID, r.detection, r.tracking); err != nil {
				return err
			}
			loaded[r.id] = sp.ID
		}
		for _, r := range links {
			l, err := tx.AddLink(loaded[r.source], loaded[r.target])
			if err != nil {
				return fmt.Errorf("link row %d -> %d: %w", r.source, r.target, err)
			}
			if err := tx.SetLinkTag(l.ID, r.tracking); err != nil {
				return err
			}
			if r.sqDist.Valid && r.sqDisp.Valid {
				if err := tx.SetLinkMetrics(l.ID, r.sqDist.Float64, r.sqDisp.Float64); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}
	g.DiscardUndoBatch()

	s.rows = make(map[lineage.SpotID]int64, len(loaded))
	s.spots = loaded
	s.maxRow = 0
	for row, id := range loaded {
		s.rows[id] = row
		s.maxRow = max(s.maxRow, row)
	}
	monitoring.Logf("[sqlite] loaded %d spots, %d links", len(spots), len(links))
	return nil
}

// checkRows rejects any row the graph would refuse: negative timepoints,
// self links, links that do not go forward in time and second incoming
// links. Links whose endpoints are missing are dropped.
func checkRows(spots []spotRow, links []linkRow) ([]linkRow, error) {
	timepoints := make(map[int64]int, len(spots))
	for _, r := range spots {
		if r.timepoint < 0 {
			return nil, fmt.Errorf("spot row %d: %w", r.id, lineage.ErrNegativeTimepoint)
		}
		timepoints[r.id] = r.timepoint
	}
	incoming := make(map[int64]struct{}, len(links))
	kept := links[:0:0]
	for _, r := range links {
		ts, ok1 := timepoints[r.source]
		td, ok2 := timepoints[r.target]
		switch {
		case !ok1 || !ok2:
			monitoring.Logf("[sqlite] skipping link %d -> %d: endpoint missing", r.source, r.target)
			continue
		case r.source == r.target:
			return nil, fmt.Errorf("link row %d -> %d: %w", r.source, r.target, lineage.ErrSelfLink)
		case td <= ts:
			return nil, fmt.Errorf("link row %d -> %d: %w", r.source, r.target, lineage.ErrTimeOrder)
		}
		if _, dup := incoming[r.target]; dup {
			return nil, fmt.Errorf("link row %d -> %d: %w", r.source, r.target, lineage.ErrHasIncoming)
		}
		incoming[r.target] = struct{}{}
		kept = append(kept, r)
	}
	return kept, nil
}

func (s *GraphStore) readRows(ctx context.Context) ([]spotRow, []linkRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT spot_id, timepoint, x, y, z,
		       cov_xx, cov_xy, cov_xz, cov_yy, cov_yz, cov_zz,
		       detection_tag, tracking_tag
		FROM spots ORDER BY spot_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query spots: %w", err)
	}
	var spots []spotRow
	for rows.Next() {
		var (
			r                      spotRow
			xx, xy, xz, yy, yz, zz float64
			det, trk               string
		)
		if err := rows.Scan(&r.id, &r.timepoint, &r.pos[0], &r.pos[1], &r.pos[2],
			&xx, &xy, &xz, &yy, &yz, &zz, &det, &trk); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan spot: %w", err)
		}
		if err := errors.Join(r.detection.UnmarshalText([]byte(det)), r.tracking.UnmarshalText([]byte(trk))); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("spot row %d: %w", r.id, err)
		}
		r.cov = geometry.Cov3{xx, xy, xz, xy, yy, yz, xz, yz, zz}
		if err := r.cov.Validate(); err != nil {
			monitoring.Logf("[sqlite] spot row %d: %v; using the default covariance", r.id, err)
			r.cov = geometry.DefaultCovariance
		}
		spots = append(spots, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT source_id, target_id, tracking_tag, sq_dist, sq_disp
		FROM links ORDER BY link_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()
	var links []linkRow
	for rows.Next() {
		var (
			r   linkRow
			tag string
		)
		if err := rows.Scan(&r.source, &r.target, &tag, &r.sqDist, &r.sqDisp); err != nil {
			return nil, nil, fmt.Errorf("scan link: %w", err)
		}
		if err := r.tracking.UnmarshalText([]byte(tag)); err != nil {
			return nil, nil, fmt.Errorf("link row %d -> %d: %w", r.source, r.target, err)
		}
		links = append(links, r)
	}
	return spots, links, rows.Err()
}

// Save replaces the stored snapshot with the contents of v. Call it from
// inside Graph.Read.
func (s *GraphStore) Save(ctx context.Context, v lineage.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM links`); err != nil {
		return fmt.Errorf("clear links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM spots`); err != nil {
		return fmt.Errorf("clear spots: %w", err)
	}

	spotStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spots (spot_id, timepoint, x, y, z,
		                   cov_xx, cov_xy, cov_xz, cov_yy, cov_yz, cov_zz,
		                   detection_tag, tracking_tag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare spot insert: %w", err)
	}
	defer spotStmt.Close()

	rows := make(map[lineage.SpotID]int64, v.NumSpots())
	maxRow := s.maxRow
	for _, t := range v.Timepoints() {
		for _, id := range v.SpotsAt(t) {
			sp, ok := v.Spot(id)
			if !ok {
				continue
			}
			row, ok := s.rows[id]
			if !ok {
				maxRow++
				row = maxRow
			}
			rows[id] = row
			c := sp.Cov
			if _, err := spotStmt.ExecContext(ctx, row, sp.Timepoint, sp.Pos[0], sp.Pos[1], sp.Pos[2],
				c[0], c[1], c[2], c[4], c[5], c[8],
				sp.DetectionTag.String(), sp.TrackingTag.String()); err != nil {
				return fmt.Errorf("insert spot %v: %w", id, err)
			}
		}
	}

	linkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO links (source_id, target_id, tracking_tag, sq_dist, sq_disp)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare link insert: %w", err)
	}
	defer linkStmt.Close()

	for _, lid := range v.Links() {
		l, ok := v.Link(lid)
		if !ok {
			continue
		}
		var sqDist, sqDisp sql.NullFloat64
		if l.HasMetrics {
			sqDist = sql.NullFloat64{Float64: l.SqDist, Valid: true}
			sqDisp = sql.NullFloat64{Float64: l.SqDisp, Valid: true}
		}
		if _, err := linkStmt.ExecContext(ctx, rows[l.Source], rows[l.Target],
			l.TrackingTag.String(), sqDist, sqDisp); err != nil {
			return fmt.Errorf("insert link %v: %w", lid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.rows = rows
	s.spots = make(map[int64]lineage.SpotID, len(rows))
	for id, row := range rows {
		s.spots[row] = id
	}
	s.maxRow = maxRow
	return nil
}

// SaveGraph saves g under its read lock.
func (s *GraphStore) SaveGraph(ctx context.Context, g *lineage.Graph) error {
	var err error
	g.Read(func(v lineage.View) { err = s.Save(ctx, v) })
	return err
}

// SpotByRow maps a stored row key to the in-memory spot it was loaded as
// or last saved from.
func (s *GraphStore) SpotByRow(row int64) (lineage.SpotID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.spots[row]
	return id, ok
}

// RowOf is the inverse of SpotByRow.
func (s *GraphStore) RowOf(id lineage.SpotID) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	return row, ok
}
