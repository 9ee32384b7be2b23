package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/teleroute/drouter/state"
)

// localStore is the fallback journal used when no MySQL DSN is configured. It
// keeps the same logical tables in a single sqlite file.
type localStore struct {
	db *sql.DB
}

func openLocal(path string) (*localStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The sqlite driver serializes writes itself; one connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS PERM_SA_ACTIONS (
			ID INTEGER PRIMARY KEY,
			IS_ACTIVE TEXT NOT NULL DEFAULT 'Y',
			TIME TEXT NOT NULL,
			ROUTER_NUMBER INTEGER NOT NULL,
			DESTINATION_NUMBER INTEGER NOT NULL,
			SOURCE_NUMBER INTEGER NOT NULL,
			COMMENT TEXT NOT NULL DEFAULT '',
			MON TEXT NOT NULL DEFAULT 'N',
			TUE TEXT NOT NULL DEFAULT 'N',
			WED TEXT NOT NULL DEFAULT 'N',
			THU TEXT NOT NULL DEFAULT 'N',
			FRI TEXT NOT NULL DEFAULT 'N',
			SAT TEXT NOT NULL DEFAULT 'N',
			SUN TEXT NOT NULL DEFAULT 'N')`,
		`CREATE TABLE IF NOT EXISTS PERM_SA_EVENTS (
			ID INTEGER PRIMARY KEY AUTOINCREMENT,
			DATETIME TEXT NOT NULL,
			ACTOR TEXT NOT NULL DEFAULT '',
			HOSTNAME TEXT NOT NULL DEFAULT '',
			TYPE TEXT NOT NULL DEFAULT '',
			ROUTER_NUMBER INTEGER NOT NULL DEFAULT 0,
			DESTINATION_NUMBER INTEGER NOT NULL DEFAULT 0,
			SOURCE_NUMBER INTEGER NOT NULL DEFAULT 0,
			COMMENT TEXT NOT NULL DEFAULT '')`,
		`CREATE TABLE IF NOT EXISTS PERM_ENDPOINT_MAPS (
			NUMBER INTEGER PRIMARY KEY,
			BODY TEXT NOT NULL)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &localStore{db: db}, nil
}

func (l *localStore) LoadEndpointMaps() ([]state.EndPointMap, error) {
	rows, err := l.db.Query(`SELECT NUMBER, BODY FROM PERM_ENDPOINT_MAPS ORDER BY NUMBER`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var maps []state.EndPointMap
	for rows.Next() {
		var number int
		var body string
		if err := rows.Scan(&number, &body); err != nil {
			return nil, err
		}
		var em state.EndPointMap
		if err := json.Unmarshal([]byte(body), &em); err != nil {
			return nil, err
		}
		em.Number = number
		maps = append(maps, em)
	}
	return maps, rows.Err()
}

func (l *localStore) LoadRouteActions() ([]RouteAction, error) {
	rows, err := l.db.Query(actionSelect + ` WHERE IS_ACTIVE = 'Y'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actions []RouteAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (l *localStore) RouteAction(id int) (*RouteAction, error) {
	rows, err := l.db.Query(actionSelect+` WHERE ID = ? AND IS_ACTIVE = 'Y'`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	a, err := scanAction(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (l *localStore) Snapshots(router int) ([]state.SnapshotConfig, error) {
	maps, err := l.LoadEndpointMaps()
	if err != nil {
		return nil, err
	}
	return snapshotsFromMaps(maps, router), nil
}

func (l *localStore) InsertEvent(ev Event) (int64, error) {
	res, err := l.db.Exec(
		`INSERT INTO PERM_SA_EVENTS
		 (DATETIME, ACTOR, HOSTNAME, TYPE, ROUTER_NUMBER, DESTINATION_NUMBER, SOURCE_NUMBER, COMMENT)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.At.Format(time.RFC3339), ev.Actor, ev.Hostname, ev.Type,
		ev.Router, ev.Destination, ev.Source, ev.Comment)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (l *localStore) UpdateEvent(id int64, fields map[string]any) error {
	for col, val := range fields {
		if _, err := l.db.Exec(`UPDATE PERM_SA_EVENTS SET `+col+` = ? WHERE ID = ?`, val, id); err != nil {
			return err
		}
	}
	return nil
}

func (l *localStore) Close() error {
	return l.db.Close()
}

const actionSelect = `SELECT ID, TIME, ROUTER_NUMBER, DESTINATION_NUMBER, SOURCE_NUMBER,
	COMMENT, MON, TUE, WED, THU, FRI, SAT, SUN FROM PERM_SA_ACTIONS`

func scanAction(rows *sql.Rows) (RouteAction, error) {
	var a RouteAction
	var timeStr string
	var days [7]string
	if err := rows.Scan(&a.Id, &timeStr, &a.Router, &a.Destination, &a.Source, &a.Comment,
		&days[1], &days[2], &days[3], &days[4], &days[5], &days[6], &days[0]); err != nil {
		return RouteAction{}, err
	}
	t, err := ParseTimeOfDay(timeStr)
	if err != nil {
		return RouteAction{}, err
	}
	a.Time = t
	for i, d := range days {
		a.DayOfWeek[i] = d == "Y"
	}
	return a, nil
}
