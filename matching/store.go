// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/wayfare-travel/wayfare/lib/codec"
	"github.com/wayfare-travel/wayfare/lib/sqlitepool"
)

// ErrNotFound is returned when a request or match does not exist.
var ErrNotFound = errors.New("matching: not found")

// Store is the durable per-request matching state: the state row, the
// full match history (superseded rows included), the append-only
// decline log, and the processed-event ledger that makes at-least-once
// bus delivery safe across restarts.
//
// The store performs no cross-request transactions. Per-request write
// serialization is the orchestrator's job; the store only guarantees
// that each call is atomic.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a Store.
type StoreConfig struct {
	// Path is the SQLite database file, created on first open. Tests
	// point it at a file under t.TempDir().
	Path string

	// PoolSize is the connection pool size. Zero means the pool
	// default.
	PoolSize int

	// Logger receives operational messages.
	Logger *slog.Logger
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS matching_state (
	request_id       TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	attempt          INTEGER NOT NULL,
	request_snapshot BLOB NOT NULL,
	correlation_id   TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_match (
	match_id   TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	tier       TEXT NOT NULL,
	score      REAL NOT NULL,
	reasons    TEXT NOT NULL,
	status     TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_match_by_request ON agent_match(request_id);
CREATE INDEX IF NOT EXISTS agent_match_by_status ON agent_match(status);

CREATE TABLE IF NOT EXISTS agent_decline (
	match_id    TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	request_id  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	declined_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_decline_by_request ON agent_decline(request_id);

CREATE TABLE IF NOT EXISTS processed_event (
	dedup_key    TEXT PRIMARY KEY,
	processed_at INTEGER NOT NULL
);
`

// OpenStore opens (and if needed creates) the matching database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("matching store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// CreateState inserts the state row for a new request along with its
// request snapshot. Returns false without error if the row already
// exists (redelivered intake event).
func (s *Store) CreateState(ctx context.Context, state MatchingState, request TripRequest, correlationID string) (bool, error) {
	snapshot, err := codec.Marshal(request)
	if err != nil {
		return false, fmt.Errorf("matching store: encoding request snapshot: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT OR IGNORE INTO matching_state
		(request_id, status, attempt, request_snapshot, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				state.RequestID,
				string(state.Status),
				state.Attempt,
				snapshot,
				correlationID,
				state.CreatedAt.UnixNano(),
				state.UpdatedAt.UnixNano(),
			},
		})
	if err != nil {
		return false, fmt.Errorf("matching store: creating state for %s: %w", state.RequestID, err)
	}
	return conn.Changes() > 0, nil
}

// GetState returns the state row for a request, or ErrNotFound.
func (s *Store) GetState(ctx context.Context, requestID string) (MatchingState, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return MatchingState{}, err
	}
	defer s.pool.Put(conn)

	var state MatchingState
	found := false
	err = sqlitex.Execute(conn, `
		SELECT status, attempt, created_at, updated_at
		FROM matching_state WHERE request_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{requestID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				state = MatchingState{
					RequestID: requestID,
					Status:    RequestStatus(stmt.ColumnText(0)),
					Attempt:   stmt.ColumnInt(1),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(2)).UTC(),
					UpdatedAt: time.Unix(0, stmt.ColumnInt64(3)).UTC(),
				}
				return nil
			},
		})
	if err != nil {
		return MatchingState{}, fmt.Errorf("matching store: reading state for %s: %w", requestID, err)
	}
	if !found {
		return MatchingState{}, fmt.Errorf("matching store: state for %s: %w", requestID, ErrNotFound)
	}
	return state, nil
}

// GetRequest returns the request snapshot and correlation ID stored
// at intake.
func (s *Store) GetRequest(ctx context.Context, requestID string) (TripRequest, string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return TripRequest{}, "", err
	}
	defer s.pool.Put(conn)

	var snapshot []byte
	var correlationID string
	err = sqlitex.Execute(conn, `
		SELECT request_snapshot, correlation_id
		FROM matching_state WHERE request_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{requestID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				snapshot = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, snapshot)
				correlationID = stmt.ColumnText(1)
				return nil
			},
		})
	if err != nil {
		return TripRequest{}, "", fmt.Errorf("matching store: reading request %s: %w", requestID, err)
	}
	if snapshot == nil {
		return TripRequest{}, "", fmt.Errorf("matching store: request %s: %w", requestID, ErrNotFound)
	}

	var request TripRequest
	if err := codec.Unmarshal(snapshot, &request); err != nil {
		return TripRequest{}, "", fmt.Errorf("matching store: decoding request snapshot %s: %w", requestID, err)
	}
	return request, correlationID, nil
}

// UpdateRequest replaces the stored request snapshot. Used when the
// requester edits a request before any agent accepts.
func (s *Store) UpdateRequest(ctx context.Context, request TripRequest, now time.Time) error {
	snapshot, err := codec.Marshal(request)
	if err != nil {
		return fmt.Errorf("matching store: encoding request snapshot: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE matching_state SET request_snapshot = ?, updated_at = ?
		WHERE request_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{snapshot, now.UnixNano(), request.RequestID},
		})
	if err != nil {
		return fmt.Errorf("matching store: updating request %s: %w", request.RequestID, err)
	}
	return nil
}

// SetStatus transitions the state row and records the attempt
// counter.
func (s *Store) SetStatus(ctx context.Context, requestID string, status RequestStatus, attempt int, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE matching_state SET status = ?, attempt = ?, updated_at = ?
		WHERE request_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(status), attempt, now.UnixNano(), requestID},
		})
	if err != nil {
		return fmt.Errorf("matching store: setting status for %s: %w", requestID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("matching store: state for %s: %w", requestID, ErrNotFound)
	}
	return nil
}

// InsertMatches writes one selection round's matches in a single
// transaction.
func (s *Store) InsertMatches(ctx context.Context, matches []AgentMatch) (err error) {
	if len(matches) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("matching store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, match := range matches {
		reasons, marshalErr := json.Marshal(match.Reasons)
		if marshalErr != nil {
			return fmt.Errorf("matching store: encoding reasons: %w", marshalErr)
		}
		err = sqlitex.Execute(conn, `
			INSERT INTO agent_match
			(match_id, request_id, agent_id, tier, score, reasons, status, attempt, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					match.MatchID,
					match.RequestID,
					match.AgentID,
					string(match.Tier),
					match.Score,
					string(reasons),
					string(match.Status),
					match.Attempt,
					match.ExpiresAt.UnixNano(),
					match.CreatedAt.UnixNano(),
				},
			})
		if err != nil {
			return fmt.Errorf("matching store: inserting match %s: %w", match.MatchID, err)
		}
	}
	return nil
}

// GetMatch returns one match row, or ErrNotFound.
func (s *Store) GetMatch(ctx context.Context, matchID string) (AgentMatch, error) {
	matches, err := s.queryMatches(ctx, "WHERE match_id = ?", matchID)
	if err != nil {
		return AgentMatch{}, err
	}
	if len(matches) == 0 {
		return AgentMatch{}, fmt.Errorf("matching store: match %s: %w", matchID, ErrNotFound)
	}
	return matches[0], nil
}

// FindPendingMatch locates the PENDING match for (requestID, agentID).
// Used when an agent response arrives without a match ID.
func (s *Store) FindPendingMatch(ctx context.Context, requestID, agentID string) (AgentMatch, error) {
	matches, err := s.queryMatches(ctx,
		"WHERE request_id = ? AND agent_id = ? AND status = 'PENDING'", requestID, agentID)
	if err != nil {
		return AgentMatch{}, err
	}
	if len(matches) == 0 {
		return AgentMatch{}, fmt.Errorf("matching store: pending match for %s/%s: %w", requestID, agentID, ErrNotFound)
	}
	return matches[0], nil
}

// TransitionMatch moves a match from one status to another. Returns
// false if the match was not in the expected status — the caller
// treats that as a business-rule no-op, which is what enforces the
// single-PENDING-or-ACCEPTED invariant under redelivery.
func (s *Store) TransitionMatch(ctx context.Context, matchID string, from, to MatchStatus) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE agent_match SET status = ? WHERE match_id = ? AND status = ?",
		&sqlitex.ExecOptions{
			Args: []any{string(to), matchID, string(from)},
		})
	if err != nil {
		return false, fmt.Errorf("matching store: transitioning match %s: %w", matchID, err)
	}
	return conn.Changes() > 0, nil
}

// SupersedePending retires all PENDING matches for a request except
// exceptMatchID (empty means all) and returns the retired rows so the
// caller can cancel their scheduler entries.
func (s *Store) SupersedePending(ctx context.Context, requestID, exceptMatchID string) ([]AgentMatch, error) {
	pending, err := s.queryMatches(ctx,
		"WHERE request_id = ? AND status = 'PENDING'", requestID)
	if err != nil {
		return nil, err
	}

	retired := make([]AgentMatch, 0, len(pending))
	for _, match := range pending {
		if match.MatchID == exceptMatchID {
			continue
		}
		changed, err := s.TransitionMatch(ctx, match.MatchID, MatchPending, MatchSuperseded)
		if err != nil {
			return retired, err
		}
		if changed {
			match.Status = MatchSuperseded
			retired = append(retired, match)
		}
	}
	return retired, nil
}

// CountPending returns the request's live match count.
func (s *Store) CountPending(ctx context.Context, requestID string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM agent_match WHERE request_id = ? AND status = 'PENDING'",
		&sqlitex.ExecOptions{
			Args: []any{requestID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("matching store: counting pending for %s: %w", requestID, err)
	}
	return count, nil
}

// MatchedAgentIDs returns every agent ever matched for a request, in
// any round and any status. This is the permanent exclusion list for
// rematch candidate fetches.
func (s *Store) MatchedAgentIDs(ctx context.Context, requestID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var agentIDs []string
	err = sqlitex.Execute(conn,
		"SELECT DISTINCT agent_id FROM agent_match WHERE request_id = ? ORDER BY agent_id",
		&sqlitex.ExecOptions{
			Args: []any{requestID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				agentIDs = append(agentIDs, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("matching store: listing matched agents for %s: %w", requestID, err)
	}
	return agentIDs, nil
}

// ListMatches returns a request's full match history, oldest first.
func (s *Store) ListMatches(ctx context.Context, requestID string) ([]AgentMatch, error) {
	return s.queryMatches(ctx,
		"WHERE request_id = ? ORDER BY created_at, agent_id", requestID)
}

// AllPending returns every PENDING match across all requests. Startup
// recovery re-arms (or expires) these.
func (s *Store) AllPending(ctx context.Context) ([]AgentMatch, error) {
	return s.queryMatches(ctx, "WHERE status = 'PENDING' ORDER BY expires_at")
}

// UpdateMatchExpiry moves a PENDING match's deadline. Returns false
// if the match is no longer PENDING.
func (s *Store) UpdateMatchExpiry(ctx context.Context, matchID string, expiresAt time.Time) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE agent_match SET expires_at = ? WHERE match_id = ? AND status = 'PENDING'",
		&sqlitex.ExecOptions{
			Args: []any{expiresAt.UnixNano(), matchID},
		})
	if err != nil {
		return false, fmt.Errorf("matching store: updating expiry for %s: %w", matchID, err)
	}
	return conn.Changes() > 0, nil
}

// InsertDecline appends to the decline log.
func (s *Store) InsertDecline(ctx context.Context, decline AgentDecline) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO agent_decline (match_id, agent_id, request_id, reason, declined_at)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				decline.MatchID,
				decline.AgentID,
				decline.RequestID,
				decline.Reason,
				decline.DeclinedAt.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("matching store: inserting decline for %s: %w", decline.MatchID, err)
	}
	return nil
}

// WasProcessed reports whether an inbound event's dedup key is in the
// ledger. Handlers check on entry and call MarkProcessed only after
// the guarded mutation has committed, so a failure between the two
// leaves the event eligible for redelivery instead of dropped.
func (s *Store) WasProcessed(ctx context.Context, dedupKey string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	var seen bool
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM processed_event WHERE dedup_key = ?",
		&sqlitex.ExecOptions{
			Args: []any{dedupKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seen = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("matching store: checking %s: %w", dedupKey, err)
	}
	return seen, nil
}

// MarkProcessed records an inbound event's dedup key. Returns false
// if the key was already present — the event is a redelivery and must
// be skipped.
func (s *Store) MarkProcessed(ctx context.Context, dedupKey string, now time.Time) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT OR IGNORE INTO processed_event (dedup_key, processed_at) VALUES (?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{dedupKey, now.UnixNano()},
		})
	if err != nil {
		return false, fmt.Errorf("matching store: marking %s processed: %w", dedupKey, err)
	}
	return conn.Changes() > 0, nil
}

// queryMatches runs a SELECT over agent_match with the given WHERE
// clause and args.
func (s *Store) queryMatches(ctx context.Context, where string, args ...any) ([]AgentMatch, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var matches []AgentMatch
	query := `
		SELECT match_id, request_id, agent_id, tier, score, reasons, status, attempt, expires_at, created_at
		FROM agent_match ` + where
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var reasons []string
			if text := stmt.ColumnText(5); text != "" {
				if err := json.Unmarshal([]byte(text), &reasons); err != nil {
					return fmt.Errorf("decoding reasons for %s: %w", stmt.ColumnText(0), err)
				}
			}
			matches = append(matches, AgentMatch{
				MatchID:   stmt.ColumnText(0),
				RequestID: stmt.ColumnText(1),
				AgentID:   stmt.ColumnText(2),
				Tier:      Tier(stmt.ColumnText(3)),
				Score:     stmt.ColumnFloat(4),
				Reasons:   reasons,
				Status:    MatchStatus(stmt.ColumnText(6)),
				Attempt:   stmt.ColumnInt(7),
				ExpiresAt: time.Unix(0, stmt.ColumnInt64(8)).UTC(),
				CreatedAt: time.Unix(0, stmt.ColumnInt64(9)).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("matching store: querying matches: %w", err)
	}
	return matches, nil
}
