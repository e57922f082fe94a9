package sshhoneypot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const BUCKET_DAY string = "day"
const BUCKET_HOUR string = "hour"

const LOGIN_STATUS_SUCCESS string = "success"
const LOGIN_STATUS_FAILED string = "failed"

const SORT_NEWEST string = "newest"
const SORT_OLDEST string = "oldest"

const DEFAULT_QUERY_LIMIT int = 50

// Ledger is the operational datastore. Every write is one statement and
// therefore its own transaction; each row has exactly one writer.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

type LoginAttemptFilter struct {
	Status string
	Sort   string
	Limit  int
}

func OpenLedger(cfg *Config) (*Ledger, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case DB_DRIVER_MYSQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.DBUser, cfg.DBPassword, mysqlHost(cfg.DBHost), cfg.DBName)
		dialector = mysql.Open(dsn)
	case DB_DRIVER_SQLITE, "":
		if dir := filepath.Dir(cfg.DBPath); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DBDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.DBDriver != DB_DRIVER_MYSQL {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	if err := db.AutoMigrate(&Connection{}, &Command{}, &LoginAttempt{}, &GeoRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

func mysqlHost(host string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return host + ":3306"
}

func (ledger *Ledger) Close() error {
	sqlDB, err := ledger.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (ledger *Ledger) CreateConnection(ctx context.Context, ip string, pseudoID string, start time.Time) (*Connection, error) {
	conn := &Connection{
		IP:        ip,
		PseudoID:  pseudoID,
		Timestamp: start,
		Duration:  0,
		Status:    CONNECTION_STATUS_ONLINE,
	}
	if err := ledger.db.WithContext(ctx).Create(conn).Error; err != nil {
		return nil, fmt.Errorf("insert connection: %w", err)
	}
	return conn, nil
}

// CloseConnection finalizes the duration and flips the status offline.
func (ledger *Ledger) CloseConnection(ctx context.Context, id uint, duration int64) error {
	if duration < 0 {
		duration = 0
	}
	err := ledger.db.WithContext(ctx).Model(&Connection{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"duration": duration,
			"status":   CONNECTION_STATUS_OFFLINE,
		}).Error
	if err != nil {
		return fmt.Errorf("update connection %d: %w", id, err)
	}
	return nil
}

func (ledger *Ledger) AddCommand(ctx context.Context, connectionID uint, text string) error {
	cmd := &Command{ConnectionID: connectionID, Command: text, Timestamp: ledger.now()}
	if err := ledger.db.WithContext(ctx).Create(cmd).Error; err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func (ledger *Ledger) RecordLoginAttempt(ctx context.Context, ip, username, password string, success bool) error {
	attempt := &LoginAttempt{
		IP:        ip,
		Username:  username,
		Password:  password,
		Success:   success,
		Timestamp: ledger.now(),
	}
	if err := ledger.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

// LatestGeoRecord returns nil, nil when nothing is cached for ip.
func (ledger *Ledger) LatestGeoRecord(ctx context.Context, ip string) (*GeoRecord, error) {
	var record GeoRecord
	err := ledger.db.WithContext(ctx).Where("ip = ?", ip).Order("fetched_at DESC").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select geolocation: %w", err)
	}
	return &record, nil
}

// UpsertGeoRecord inserts the record or refreshes the existing row for the
// same address.
func (ledger *Ledger) UpsertGeoRecord(ctx context.Context, record *GeoRecord) error {
	err := ledger.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"country", "country_code", "region", "city", "lat", "lon", "fetched_at"}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("upsert geolocation for %s: %w", record.IP, err)
	}
	return nil
}

func (ledger *Ledger) GetConnection(ctx context.Context, id uint) (*Connection, error) {
	var conn Connection
	if err := ledger.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

// CommandsFor lists a connection's commands in extraction order.
func (ledger *Ledger) CommandsFor(ctx context.Context, connectionID uint) ([]Command, error) {
	var commands []Command
	err := ledger.db.WithContext(ctx).Where("connection_id = ?", connectionID).
		Order("id ASC").Find(&commands).Error
	return commands, err
}

func (ledger *Ledger) RecentConnections(ctx context.Context, limit int) ([]ConnectionView, error) {
	var rows []ConnectionView
	err := ledger.db.WithContext(ctx).Table("connections AS c").
		Select("c.*, g.country, g.country_code, g.region, g.city, g.lat, g.lon").
		Joins("LEFT JOIN ip_geolocations g ON c.ip = g.ip").
		Order("c.timestamp DESC").
		Limit(clampLimit(limit)).
		Scan(&rows).Error
	return rows, err
}

func (ledger *Ledger) RecentCommands(ctx context.Context, limit int) ([]CommandView, error) {
	var rows []CommandView
	err := ledger.db.WithContext(ctx).Table("user_commands AS uc").
		Select("uc.id, c.ip, c.pseudo_id, uc.command, uc.timestamp").
		Joins("JOIN connections c ON uc.connection_id = c.id").
		Order("uc.timestamp DESC").Order("uc.id DESC").
		Limit(clampLimit(limit)).
		Scan(&rows).Error
	return rows, err
}

func (ledger *Ledger) LoginAttempts(ctx context.Context, filter LoginAttemptFilter) ([]LoginAttempt, error) {
	var attempts []LoginAttempt
	query := ledger.db.WithContext(ctx).Model(&LoginAttempt{})
	switch filter.Status {
	case LOGIN_STATUS_SUCCESS:
		query = query.Where("success = ?", true)
	case LOGIN_STATUS_FAILED:
		query = query.Where("success = ?", false)
	}
	if filter.Sort == SORT_OLDEST {
		query = query.Order("timestamp ASC").Order("id ASC")
	} else {
		query = query.Order("timestamp DESC").Order("id DESC")
	}
	err := query.Limit(clampLimit(filter.Limit)).Find(&attempts).Error
	return attempts, err
}

// ConnectionsOverTime buckets connection start times by day or hour.
// Bucketing happens here rather than in SQL so both drivers agree.
func (ledger *Ledger) ConnectionsOverTime(ctx context.Context, bucket string) ([]TimeBucket, error) {
	layout := "2006-01-02"
	if bucket == BUCKET_HOUR {
		layout = "2006-01-02 15:00:00"
	}
	var starts []time.Time
	if err := ledger.db.WithContext(ctx).Model(&Connection{}).Pluck("timestamp", &starts).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for _, start := range starts {
		counts[start.Format(layout)]++
	}
	buckets := make([]TimeBucket, 0, len(counts))
	for period, count := range counts {
		buckets = append(buckets, TimeBucket{Period: period, Count: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Period < buckets[j].Period
	})
	return buckets, nil
}

func (ledger *Ledger) CommandUsage(ctx context.Context, limit int) ([]CommandUsage, error) {
	var rows []CommandUsage
	err := ledger.db.WithContext(ctx).Model(&Command{}).
		Select("command, COUNT(*) AS count").
		Group("command").
		Order("count DESC").Order("command ASC").
		Limit(clampLimit(limit)).
		Scan(&rows).Error
	return rows, err
}

func (ledger *Ledger) CountOnline(ctx context.Context) (int64, error) {
	var count int64
	err := ledger.db.WithContext(ctx).Model(&Connection{}).
		Where("status = ?", CONNECTION_STATUS_ONLINE).Count(&count).Error
	return count, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DEFAULT_QUERY_LIMIT
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
