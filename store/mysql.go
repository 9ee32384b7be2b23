package store

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/teleroute/drouter/state"
)

// The legacy action table layout is preserved so existing schedule editors
// keep working: day columns are Y/N strings, times are HH:MM:SS.
type actionRecord struct {
	ID                int    `gorm:"primaryKey;column:ID"`
	IsActive          string `gorm:"column:IS_ACTIVE"`
	Time              string `gorm:"column:TIME"`
	RouterNumber      int    `gorm:"column:ROUTER_NUMBER"`
	DestinationNumber int    `gorm:"column:DESTINATION_NUMBER"`
	SourceNumber      int    `gorm:"column:SOURCE_NUMBER"`
	Comment           string `gorm:"column:COMMENT"`
	Mon               string `gorm:"column:MON"`
	Tue               string `gorm:"column:TUE"`
	Wed               string `gorm:"column:WED"`
	Thu               string `gorm:"column:THU"`
	Fri               string `gorm:"column:FRI"`
	Sat               string `gorm:"column:SAT"`
	Sun               string `gorm:"column:SUN"`
}

func (actionRecord) TableName() string { return "PERM_SA_ACTIONS" }

type eventRecord struct {
	ID                int64     `gorm:"primaryKey;autoIncrement;column:ID"`
	Datetime          time.Time `gorm:"column:DATETIME"`
	Actor             string    `gorm:"column:ACTOR"`
	Hostname          string    `gorm:"column:HOSTNAME"`
	Type              string    `gorm:"column:TYPE"`
	RouterNumber      int       `gorm:"column:ROUTER_NUMBER"`
	DestinationNumber int       `gorm:"column:DESTINATION_NUMBER"`
	SourceNumber      int       `gorm:"column:SOURCE_NUMBER"`
	Comment           string    `gorm:"column:COMMENT"`
}

func (eventRecord) TableName() string { return "PERM_SA_EVENTS" }

// Endpoint maps are stored whole as JSON documents; the daemon does not
// assume any finer-grained schema for them.
type mapRecord struct {
	Number int    `gorm:"primaryKey;column:NUMBER"`
	Body   string `gorm:"column:BODY"`
}

func (mapRecord) TableName() string { return "PERM_ENDPOINT_MAPS" }

type mysqlStore struct {
	db *gorm.DB
}

// resolveDsn prefers the configured DSN, then the DROUTER_DSN environment
// variable, optionally loaded from a .env file.
func resolveDsn(cfg state.StoreConfig) string {
	if cfg.Dsn != "" {
		return cfg.Dsn
	}
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
	return os.Getenv("DROUTER_DSN")
}

func openMysql(dsn string) (*mysqlStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := db.AutoMigrate(&actionRecord{}, &eventRecord{}, &mapRecord{}); err != nil {
		return nil, err
	}
	return &mysqlStore{db: db}, nil
}

func (m *mysqlStore) LoadEndpointMaps() ([]state.EndPointMap, error) {
	var recs []mapRecord
	if err := m.db.Order("NUMBER").Find(&recs).Error; err != nil {
		return nil, err
	}
	maps := make([]state.EndPointMap, 0, len(recs))
	for _, r := range recs {
		var em state.EndPointMap
		if err := json.Unmarshal([]byte(r.Body), &em); err != nil {
			return nil, err
		}
		em.Number = r.Number
		maps = append(maps, em)
	}
	return maps, nil
}

func (m *mysqlStore) LoadRouteActions() ([]RouteAction, error) {
	var recs []actionRecord
	if err := m.db.Where("IS_ACTIVE = ?", "Y").Find(&recs).Error; err != nil {
		return nil, err
	}
	actions := make([]RouteAction, 0, len(recs))
	for _, r := range recs {
		a, err := r.toAction()
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (m *mysqlStore) RouteAction(id int) (*RouteAction, error) {
	var rec actionRecord
	err := m.db.Where("ID = ? AND IS_ACTIVE = ?", id, "Y").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a, err := rec.toAction()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (m *mysqlStore) Snapshots(router int) ([]state.SnapshotConfig, error) {
	var rec mapRecord
	err := m.db.Where("NUMBER = ?", router).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var em state.EndPointMap
	if err := json.Unmarshal([]byte(rec.Body), &em); err != nil {
		return nil, err
	}
	return em.Snapshots, nil
}

func (m *mysqlStore) InsertEvent(ev Event) (int64, error) {
	rec := eventRecord{
		Datetime:          ev.At,
		Actor:             ev.Actor,
		Hostname:          ev.Hostname,
		Type:              ev.Type,
		RouterNumber:      ev.Router,
		DestinationNumber: ev.Destination,
		SourceNumber:      ev.Source,
		Comment:           ev.Comment,
	}
	if err := m.db.Create(&rec).Error; err != nil {
		return 0, err
	}
	return rec.ID, nil
}

func (m *mysqlStore) UpdateEvent(id int64, fields map[string]any) error {
	return m.db.Model(&eventRecord{}).Where("ID = ?", id).Updates(fields).Error
}

func (m *mysqlStore) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *actionRecord) toAction() (RouteAction, error) {
	t, err := ParseTimeOfDay(r.Time)
	if err != nil {
		return RouteAction{}, err
	}
	a := RouteAction{
		Id:          r.ID,
		Time:        t,
		Router:      r.RouterNumber,
		Destination: r.DestinationNumber,
		Source:      r.SourceNumber,
		Comment:     r.Comment,
	}
	a.DayOfWeek[time.Sunday] = r.Sun == "Y"
	a.DayOfWeek[time.Monday] = r.Mon == "Y"
	a.DayOfWeek[time.Tuesday] = r.Tue == "Y"
	a.DayOfWeek[time.Wednesday] = r.Wed == "Y"
	a.DayOfWeek[time.Thursday] = r.Thu == "Y"
	a.DayOfWeek[time.Friday] = r.Fri == "Y"
	a.DayOfWeek[time.Saturday] = r.Sat == "Y"
	return a, nil
}
