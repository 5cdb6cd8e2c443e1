// Package store is the single persistence layer for ekaci: derivations,
// the dependency edges between them, per-build-attempt metadata, and the
// append-only build event log. It is built on modernc.org/sqlite (a
// transitively CGo-free driver) in write-ahead-log mode. The pool holds a
// single connection, so reads and writes are serialized through it.
//
// The Store does not itself decide build policy; it gives the dispatcher,
// graph walker, and scheduler typed operations over a crash-safe file and
// enforces the data model's invariants: derivation existence before an
// edge references it and attempt numbering at the SQL layer, and
// acyclicity of each inserted batch in Go (see checkAcyclic).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	ekerrors "github.com/nwimmer/ekaci/internal/errors"
	"github.com/nwimmer/ekaci/internal/drv"

	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB limited to one open connection. Many goroutines
// may use a Store concurrently; their queries wait for that connection in
// turn.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, enables
// WAL journaling, and applies any unapplied migrations. path may be
// ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ekerrors.Wrap(ekerrors.KindStore, "open sqlite database", err)
	}
	db.SetMaxOpenConns(1) // sqlite has one writer; keep reads serialized with it to avoid SQLITE_BUSY under WAL+CGo-free driver quirks

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, ekerrors.Wrap(ekerrors.KindStore, "enable WAL journal mode", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, ekerrors.Wrap(ekerrors.KindStore, "enable foreign keys", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// HasDrv reports whether id is already recorded.
func (s *Store) HasDrv(ctx context.Context, id drv.Id) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM drv WHERE drv_id = ?`, string(drv.Normalize(id))).Scan(&count)
	if err != nil {
		return false, ekerrors.Wrap(ekerrors.KindStore, "has_drv query", err)
	}
	return count > 0, nil
}

// PendingDrv is one node of a graph walk's in-memory pending-insertion map,
// not yet persisted. See GraphWalker for how these accumulate.
type PendingDrv struct {
	ID     drv.Id
	System string
	Refs   []drv.Id
}

// InsertDrvGraph atomically persists a batch of derivations and their
// edges: first an INSERT OR IGNORE pass over every node (so edges never
// hit a missing foreign key regardless of insertion order), then an
// INSERT OR IGNORE pass over every edge (edges are a set). The whole batch
// commits or rolls back together. A batch whose own edges form a cycle is
// rejected with a KindInvariant error before the transaction starts; edges
// already on disk are not consulted, so a cycle closed through them is not
// detected.
func (s *Store) InsertDrvGraph(ctx context.Context, nodes []PendingDrv) error {
	if len(nodes) == 0 {
		return nil
	}

	if err := s.checkAcyclic(ctx, nodes); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ekerrors.Wrap(ekerrors.KindStore, "begin insert_drv_graph tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, n := range nodes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO drv (drv_id, system) VALUES (?, ?)`,
			string(drv.Normalize(n.ID)), n.System,
		); err != nil {
			return ekerrors.Wrap(ekerrors.KindStore, "insert drv", err)
		}
	}
	for _, n := range nodes {
		for _, ref := range n.Refs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO drv_ref (referrer, reference) VALUES (?, ?)`,
				string(drv.Normalize(n.ID)), string(drv.Normalize(ref)),
			); err != nil {
				return ekerrors.Wrap(ekerrors.KindStore, "insert drv_ref", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return ekerrors.Wrap(ekerrors.KindStore, "commit insert_drv_graph", err)
	}
	return nil
}

// checkAcyclic rejects a batch whose own edges create a cycle. It looks
// only at the batch; edges already on disk are not loaded. The
// graph walker only ever submits a closure it just discovered by
// depth-first recursion (acyclic by construction), so this is a defensive
// check, not the primary mechanism relied upon.
func (s *Store) checkAcyclic(ctx context.Context, nodes []PendingDrv) error {
	adjacency := make(map[drv.Id][]drv.Id, len(nodes))
	for _, n := range nodes {
		id := drv.Normalize(n.ID)
		refs := make([]drv.Id, 0, len(n.Refs))
		for _, r := range n.Refs {
			refs = append(refs, drv.Normalize(r))
		}
		adjacency[id] = append(adjacency[id], refs...)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[drv.Id]int, len(adjacency))
	var visit func(id drv.Id) error
	visit = func(id drv.Id) error {
		switch color[id] {
		case gray:
			return ekerrors.New(ekerrors.KindInvariant, fmt.Sprintf("cycle detected at derivation %s", id)).WithContext("drv_id", string(id))
		case black:
			return nil
		}
		color[id] = gray
		for _, ref := range adjacency[id] {
			if err := visit(ref); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range adjacency {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// NewBuildMetadata creates a new build attempt for meta.BuildID.DrvID,
// assigning the next build_attempt atomically as MAX(build_attempt)+1 (or
// 1 if none exist yet) and storing build_command as JSON. The returned
// Metadata carries the assigned attempt number.
func (s *Store) NewBuildMetadata(ctx context.Context, meta drv.Metadata) (drv.Metadata, error) {
	cmdJSON, err := json.Marshal(meta.BuildCommand)
	if err != nil {
		return drv.Metadata{}, ekerrors.Wrap(ekerrors.KindStore, "marshal build_command", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return drv.Metadata{}, ekerrors.Wrap(ekerrors.KindStore, "begin new_build_metadata tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	drvID := string(drv.Normalize(meta.BuildID.DrvID))
	var maxAttempt sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(build_attempt) FROM drv_build_metadata WHERE drv_id = ?`, drvID,
	).Scan(&maxAttempt); err != nil {
		return drv.Metadata{}, ekerrors.Wrap(ekerrors.KindStore, "select max build_attempt", err)
	}
	attempt := 1
	if maxAttempt.Valid {
		attempt = int(maxAttempt.Int64) + 1
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO drv_build_metadata (drv_id, build_attempt, git_repo, git_commit, build_command, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		drvID, attempt, meta.GitRepo, meta.GitCommit, string(cmdJSON), time.Now().Unix(),
	); err != nil {
		return drv.Metadata{}, ekerrors.Wrap(ekerrors.KindStore, "insert drv_build_metadata", err)
	}

	if err := tx.Commit(); err != nil {
		return drv.Metadata{}, ekerrors.Wrap(ekerrors.KindStore, "commit new_build_metadata", err)
	}

	meta.BuildID.Attempt = attempt
	return meta, nil
}

// NewBuildEvent appends a new event for buildID with the given state,
// assigning the timestamp server-side. Appending is unconditional; callers
// (the scheduler) are responsible for honoring the "terminal states are
// sticky" invariant before calling this.
func (s *Store) NewBuildEvent(ctx context.Context, buildID drv.BuildId, state drv.State) (drv.Event, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO drv_build_event (drv_id, build_attempt, state, timestamp) VALUES (?, ?, ?, ?)`,
		string(drv.Normalize(buildID.DrvID)), buildID.Attempt, int(state), now.Unix(),
	)
	if err != nil {
		return drv.Event{}, ekerrors.Wrap(ekerrors.KindStore, "insert drv_build_event", err)
	}
	rowID, err := result.LastInsertId()
	if err != nil {
		return drv.Event{}, ekerrors.Wrap(ekerrors.KindStore, "last_insert_id drv_build_event", err)
	}
	return drv.Event{BuildID: buildID, State: state, Timestamp: now.Truncate(time.Second), RowID: rowID}, nil
}

// LatestBuildEvent returns the most recent event for id's most recent
// build attempt, or nil if id has no build attempts yet.
func (s *Store) LatestBuildEvent(ctx context.Context, id drv.Id) (*drv.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.rowid, e.drv_id, e.build_attempt, e.state, e.timestamp
		FROM drv_build_event e
		JOIN (
			SELECT drv_id, MAX(build_attempt) AS build_attempt
			FROM drv_build_metadata WHERE drv_id = ?
		) latest_attempt ON e.drv_id = latest_attempt.drv_id AND e.build_attempt = latest_attempt.build_attempt
		ORDER BY e.rowid DESC
		LIMIT 1
	`, string(drv.Normalize(id)))

	var ev drv.Event
	var drvID string
	var state int
	var ts int64
	if err := row.Scan(&ev.RowID, &drvID, &ev.BuildID.Attempt, &state, &ts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, ekerrors.Wrap(ekerrors.KindStore, "latest_build_event query", err)
	}
	ev.BuildID.DrvID = drv.Id(drvID)
	ev.State = drv.State(state)
	ev.Timestamp = time.Unix(ts, 0)
	return &ev, nil
}

// DrvsInState returns the latest event of every build_id whose current
// state equals state. The HAVING clause filters after the MAX(rowid)
// aggregation, which is required for correctness (§4.6).
func (s *Store) DrvsInState(ctx context.Context, state drv.State) ([]drv.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT MAX(rowid) AS rid, drv_id, build_attempt, state, timestamp
		FROM drv_build_event
		GROUP BY drv_id, build_attempt
		HAVING state = ?
	`, int(state))
	if err != nil {
		return nil, ekerrors.Wrap(ekerrors.KindStore, "drvs_in_state query", err)
	}
	defer rows.Close()

	var events []drv.Event
	for rows.Next() {
		var ev drv.Event
		var drvID string
		var st int
		var ts int64
		if err := rows.Scan(&ev.RowID, &drvID, &ev.BuildID.Attempt, &st, &ts); err != nil {
			return nil, ekerrors.Wrap(ekerrors.KindStore, "scan drvs_in_state row", err)
		}
		ev.BuildID.DrvID = drv.Id(drvID)
		ev.State = drv.State(st)
		ev.Timestamp = time.Unix(ts, 0)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, ekerrors.Wrap(ekerrors.KindStore, "iterate drvs_in_state", err)
	}
	return events, nil
}

// DirectDependencies returns the derivations id directly references.
func (s *Store) DirectDependencies(ctx context.Context, id drv.Id) ([]drv.Id, error) {
	return s.queryIds(ctx, `SELECT reference FROM drv_ref WHERE referrer = ?`, string(drv.Normalize(id)))
}

// DirectDependants returns the derivations that directly reference id.
func (s *Store) DirectDependants(ctx context.Context, id drv.Id) ([]drv.Id, error) {
	return s.queryIds(ctx, `SELECT referrer FROM drv_ref WHERE reference = ?`, string(drv.Normalize(id)))
}

// TransitiveDependants returns every derivation reachable by following
// dependant edges from id (i.e. everything transitively depending on id),
// not including id itself.
func (s *Store) TransitiveDependants(ctx context.Context, id drv.Id) ([]drv.Id, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE dependants(drv_id) AS (
			SELECT referrer FROM drv_ref WHERE reference = ?
			UNION
			SELECT r.referrer FROM drv_ref r JOIN dependants d ON r.reference = d.drv_id
		)
		SELECT drv_id FROM dependants
	`, string(drv.Normalize(id)))
	if err != nil {
		return nil, ekerrors.Wrap(ekerrors.KindStore, "transitive_dependants query", err)
	}
	defer rows.Close()

	var ids []drv.Id
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, ekerrors.Wrap(ekerrors.KindStore, "scan transitive_dependants row", err)
		}
		ids = append(ids, drv.Id(s))
	}
	return ids, rows.Err()
}

func (s *Store) queryIds(ctx context.Context, query string, args ...any) ([]drv.Id, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ekerrors.Wrap(ekerrors.KindStore, "query ids", err)
	}
	defer rows.Close()

	var ids []drv.Id
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, ekerrors.Wrap(ekerrors.KindStore, "scan id row", err)
		}
		ids = append(ids, drv.Id(s))
	}
	return ids, rows.Err()
}

// AllDependenciesSucceeded reports whether every direct dependency of id
// has Completed(Success) as its latest event.
func (s *Store) AllDependenciesSucceeded(ctx context.Context, id drv.Id) (bool, error) {
	deps, err := s.DirectDependencies(ctx, id)
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		ev, err := s.LatestBuildEvent(ctx, dep)
		if err != nil {
			return false, err
		}
		if ev == nil || ev.State != drv.StateCompletedSuccess {
			return false, nil
		}
	}
	return true, nil
}

// CurrentBuildId returns the BuildId of id's most recent build attempt,
// or (zero, false) if no attempt has been enqueued yet.
func (s *Store) CurrentBuildId(ctx context.Context, id drv.Id) (drv.BuildId, bool, error) {
	var attempt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(build_attempt) FROM drv_build_metadata WHERE drv_id = ?`,
		string(drv.Normalize(id)),
	).Scan(&attempt)
	if err != nil {
		return drv.BuildId{}, false, ekerrors.Wrap(ekerrors.KindStore, "current_build_id query", err)
	}
	if !attempt.Valid {
		return drv.BuildId{}, false, nil
	}
	return drv.BuildId{DrvID: drv.Normalize(id), Attempt: int(attempt.Int64)}, true, nil
}

// AllDrvIds returns every derivation id on record. The HTTP routes do not
// use it; they list derivations through DrvsInState.
func (s *Store) AllDrvIds(ctx context.Context) ([]drv.Id, error) {
	return s.queryIds(ctx, `SELECT drv_id FROM drv`)
}

// LatestEventForBuildId returns the latest event recorded for exactly
// this build attempt (as opposed to LatestBuildEvent, which follows a
// drv_id to its most recent attempt). Used by the scheduler to enforce
// the terminal-states-are-sticky invariant before appending.
func (s *Store) LatestEventForBuildId(ctx context.Context, buildID drv.BuildId) (*drv.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT rowid, state, timestamp FROM drv_build_event
		WHERE drv_id = ? AND build_attempt = ?
		ORDER BY rowid DESC LIMIT 1
	`, string(drv.Normalize(buildID.DrvID)), buildID.Attempt)

	var ev drv.Event
	ev.BuildID = buildID
	var state int
	var ts int64
	if err := row.Scan(&ev.RowID, &state, &ts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, ekerrors.Wrap(ekerrors.KindStore, "latest_event_for_build_id query", err)
	}
	ev.State = drv.State(state)
	ev.Timestamp = time.Unix(ts, 0)
	return &ev, nil
}

// Metadata returns the stored metadata for buildID.
func (s *Store) Metadata(ctx context.Context, buildID drv.BuildId) (drv.Metadata, error) {
	var meta drv.Metadata
	meta.BuildID = buildID
	var cmdJSON string
	row := s.db.QueryRowContext(ctx,
		`SELECT git_repo, git_commit, build_command FROM drv_build_metadata WHERE drv_id = ? AND build_attempt = ?`,
		string(drv.Normalize(buildID.DrvID)), buildID.Attempt,
	)
	if err := row.Scan(&meta.GitRepo, &meta.GitCommit, &cmdJSON); err != nil {
		return drv.Metadata{}, ekerrors.Wrap(ekerrors.KindStore, "metadata query", err)
	}
	if err := json.Unmarshal([]byte(cmdJSON), &meta.BuildCommand); err != nil {
		return drv.Metadata{}, ekerrors.Wrap(ekerrors.KindStore, "unmarshal build_command", err)
	}
	return meta, nil
}
