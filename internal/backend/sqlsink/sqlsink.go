// Package sqlsink persists finalized records to a relational database
// through gorm. Production deployments point it at postgres; tests run
// it against in-memory sqlite.
package sqlsink

import (
	"time"

	"github.com/calltrace/cadence/internal/cdr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Row is the persisted shape of one CDR.
type Row struct {
	ID          uint      `gorm:"primaryKey"`
	AccountCode string    `gorm:"column:accountcode;size:80"`
	PeerAccount string    `gorm:"column:peeraccount;size:80"`
	Source      string    `gorm:"column:src;size:80;index"`
	Destination string    `gorm:"column:dst;size:80;index"`
	DContext    string    `gorm:"column:dcontext;size:80"`
	CallerID    string    `gorm:"column:clid;size:80"`
	Channel     string    `gorm:"column:channel;size:80;index"`
	DstChannel  string    `gorm:"column:dstchannel;size:80"`
	LastApp     string    `gorm:"column:lastapp;size:80"`
	LastData    string    `gorm:"column:lastdata;size:200"`
	Start       time.Time `gorm:"column:start;index"`
	Answer      time.Time `gorm:"column:answer"`
	End         time.Time `gorm:"column:end"`
	Duration    int64     `gorm:"column:duration"`
	BillSec     int64     `gorm:"column:billsec"`
	Disposition string    `gorm:"column:disposition;size:45"`
	AMAFlags    int       `gorm:"column:amaflags"`
	UniqueID    string    `gorm:"column:uniqueid;size:150;index"`
	LinkedID    string    `gorm:"column:linkedid;size:150"`
	UserField   string    `gorm:"column:userfield;size:255"`
	Sequence    uint64    `gorm:"column:sequence"`
}

// TableName pins the classic table name.
func (Row) TableName() string {
	return "cdr"
}

// Sink writes records through a gorm handle.
type Sink struct {
	db *gorm.DB
}

// Open connects to postgres with the given DSN and migrates the table.
func Open(dsn string) (*Sink, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the table.
func New(db *gorm.DB) (*Sink, error) {
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, err
	}
	return &Sink{db: db}, nil
}

func rowFromRecord(rec *cdr.Record) Row {
	return Row{
		AccountCode: rec.AccountCode,
		PeerAccount: rec.PeerAccount,
		Source:      rec.Source,
		Destination: rec.Destination,
		DContext:    rec.DestinationContext,
		CallerID:    rec.CallerID,
		Channel:     rec.Channel,
		DstChannel:  rec.DestinationChannel,
		LastApp:     rec.LastApplication,
		LastData:    rec.LastData,
		Start:       rec.Start,
		Answer:      rec.Answer,
		End:         rec.End,
		Duration:    rec.Duration,
		BillSec:     rec.BillSeconds,
		Disposition: rec.Disposition.String(),
		AMAFlags:    rec.AMAFlags,
		UniqueID:    rec.UniqueID,
		LinkedID:    rec.LinkedID,
		UserField:   rec.UserField,
		Sequence:    rec.Sequence,
	}
}

// Write inserts one record.
func (s *Sink) Write(rec *cdr.Record) error {
	row := rowFromRecord(rec)
	return s.db.Create(&row).Error
}
