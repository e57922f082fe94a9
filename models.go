package sshhoneypot

import (
	"time"
)

const CONNECTION_STATUS_ONLINE string = "online"
const CONNECTION_STATUS_OFFLINE string = "offline"

// Connection is one accepted network session. Duration and Status are
// written once more at teardown; everything else is fixed at creation.
type Connection struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	IP        string    `gorm:"size:64;index" json:"ip"`
	PseudoID  string    `gorm:"size:64;index" json:"pseudo_id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Duration  int64     `json:"duration"`
	Status    string    `gorm:"size:16;index" json:"status"`
}

func (Connection) TableName() string {
	return "connections"
}

// Command is one line of attacker input extracted from a session.
type Command struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ConnectionID uint      `gorm:"index" json:"connection_id"`
	Command      string    `gorm:"type:text" json:"command"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
}

func (Command) TableName() string {
	return "user_commands"
}

// LoginAttempt keeps the username exactly as the client presented it.
type LoginAttempt struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	IP        string    `gorm:"size:64;index" json:"ip"`
	Username  string    `gorm:"size:255;index" json:"username"`
	Password  string    `gorm:"size:255" json:"password"`
	Success   bool      `gorm:"index" json:"status"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}

func (LoginAttempt) TableName() string {
	return "login_attempts"
}

type GeoRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	IP          string    `gorm:"size:64;uniqueIndex" json:"ip"`
	Country     string    `gorm:"size:128" json:"country"`
	CountryCode string    `gorm:"size:8" json:"country_code"`
	Region      string    `gorm:"size:128" json:"region"`
	City        string    `gorm:"size:128" json:"city"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	FetchedAt   time.Time `gorm:"index" json:"fetched_at"`
}

func (GeoRecord) TableName() string {
	return "ip_geolocations"
}

func (record *GeoRecord) isFresh(now time.Time, maxAge time.Duration) bool {
	if record == nil || record.FetchedAt.IsZero() {
		return false
	}
	return now.Sub(record.FetchedAt) < maxAge
}

// ConnectionView is a connection row joined with whatever geolocation
// is known for its address.
type ConnectionView struct {
	Connection
	Country     *string  `json:"country"`
	CountryCode *string  `json:"country_code"`
	Region      *string  `json:"region"`
	City        *string  `json:"city"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
}

type CommandView struct {
	ID        uint      `json:"id"`
	IP        string    `json:"ip"`
	PseudoID  string    `json:"pseudo_id"`
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandUsage is how often one command line was captured.
type CommandUsage struct {
	Command string `json:"command"`
	Count   int64  `json:"count"`
}

type TimeBucket struct {
	Period string `json:"period"`
	Count  int64  `json:"count"`
}
