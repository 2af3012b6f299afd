// Package graph is the store's derived secondary index: a Kùzu-backed
// Profile -> Session -> Activity/Event graph written alongside the primary
// SQLite log. It is never the system of record.
package graph

import (
	"fmt"
	"sync"

	kuzu "github.com/kuzudb/go-kuzu"

	"github.com/childguard/daemon/internal/errs"
	"github.com/childguard/daemon/pkg/logger"
)

// GraphIndex is a read-optimized Profile -> Session -> Activity/Event graph
// kept alongside the primary SQLite log. The store writes to it inline as
// it opens sessions and appends activities (events only upsert their
// profile node); there is no rebuild job. It is never the system of record: any
// query it cannot answer (or any corruption of the graph database itself)
// falls back to direct SQLite queries, never to data loss.
type GraphIndex struct {
	mu   sync.Mutex
	db   *kuzu.Database
	conn *kuzu.Connection
	log  logger.Logger
}

const graphSchema = `
CREATE NODE TABLE IF NOT EXISTS Profile(id STRING, name STRING, PRIMARY KEY(id));
CREATE NODE TABLE IF NOT EXISTS Session(id STRING, startTime TIMESTAMP, PRIMARY KEY(id));
CREATE NODE TABLE IF NOT EXISTS Activity(id STRING, appKey STRING, startTime TIMESTAMP, durationSecs INT64, PRIMARY KEY(id));
CREATE NODE TABLE IF NOT EXISTS Event(id STRING, kind STRING, at TIMESTAMP, PRIMARY KEY(id));
CREATE REL TABLE IF NOT EXISTS HasSession(FROM Profile TO Session);
CREATE REL TABLE IF NOT EXISTS HasActivity(FROM Session TO Activity);
CREATE REL TABLE IF NOT EXISTS HasEvent(FROM Profile TO Event);
`

// OpenGraph opens (creating if absent) the embedded Kùzu database at path
// and applies the idempotent node/relationship schema.
func OpenGraph(path string, log logger.Logger) (*GraphIndex, error) {
	db, err := kuzu.OpenDatabase(path, kuzu.DefaultSystemConfig())
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "opening graph database", err)
	}
	conn, err := kuzu.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "opening graph connection", err)
	}
	g := &GraphIndex{db: db, conn: conn, log: log.With("graph")}
	if err := g.applySchema(); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func (g *GraphIndex) applySchema() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.conn.Query(graphSchema); err != nil {
		return errs.Wrap(errs.CodeSchemaMismatch, "applying graph schema", err)
	}
	return nil
}

// UpsertProfile ensures a Profile node exists.
func (g *GraphIndex) UpsertProfile(id, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := fmt.Sprintf(`MERGE (p:Profile {id: "%s"}) SET p.name = "%s"`, escape(id), escape(name))
	if _, err := g.conn.Query(q); err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "upserting profile node", err)
	}
	return nil
}

// RecordSession links a new Session node to its profile.
func (g *GraphIndex) RecordSession(profileID, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := fmt.Sprintf(`
		MATCH (p:Profile {id: "%s"})
		MERGE (s:Session {id: "%s"})
		MERGE (p)-[:HasSession]->(s)`, escape(profileID), escape(sessionID))
	if _, err := g.conn.Query(q); err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "recording session edge", err)
	}
	return nil
}

// RecordActivity links an Activity node to its session.
func (g *GraphIndex) RecordActivity(sessionID, activityID, appKey string, durationSecs int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := fmt.Sprintf(`
		MATCH (s:Session {id: "%s"})
		MERGE (a:Activity {id: "%s"})
		SET a.appKey = "%s", a.durationSecs = %d
		MERGE (s)-[:HasActivity]->(a)`, escape(sessionID), escape(activityID), escape(appKey), durationSecs)
	if _, err := g.conn.Query(q); err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "recording activity edge", err)
	}
	return nil
}

// SessionIDsForProfile returns every session id linked to profileID,
// serving the store's list-sessions admin operation without touching the
// primary write path.
func (g *GraphIndex) SessionIDsForProfile(profileID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := fmt.Sprintf(`MATCH (:Profile {id: "%s"})-[:HasSession]->(s:Session) RETURN s.id`, escape(profileID))
	result, err := g.conn.Query(q)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "querying sessions by profile", err)
	}
	defer result.Close()

	var ids []string
	for result.HasNext() {
		row, err := result.Next()
		if err != nil {
			return nil, errs.Wrap(errs.CodeStoreCorrupt, "reading graph result row", err)
		}
		v, err := row.GetValue(0)
		if err != nil {
			return nil, errs.Wrap(errs.CodeStoreCorrupt, "reading session id value", err)
		}
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Close releases the graph connection and database handle.
func (g *GraphIndex) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		g.conn.Close()
	}
	if g.db != nil {
		g.db.Close()
	}
}

// escape performs the minimal quoting Cypher string literals need; values
// interpolated here are server-generated UUIDs and validated app/domain
// keys, never raw user input.
func escape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
