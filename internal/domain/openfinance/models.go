// Package openfinance provides domain services for syncing financial data
package openfinance

import (
	"errors"
	"time"
)

// Mode distinguishes the first full sync of a consent from periodic ones
type Mode string

const (
	ModeInitial     Mode = "initial"
	ModeIncremental Mode = "incremental"
)

var (
	// ErrSyncInProgress is returned when another run holds the consent's sync lock.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrConsentNotActive is returned when syncing a consent that is not ACTIVE.
	ErrConsentNotActive = errors.New("consent is not active")
)

// SyncResult contains the results of one sync run over one consent
type SyncResult struct {
	ConsentID          string    `json:"consentId"`
	UserID             int64     `json:"userId"`
	Mode               Mode      `json:"mode"`
	Success            bool      `json:"success"`
	AccountsSynced     int       `json:"accountsSynced"`
	BalancesSynced     int       `json:"balancesSynced"`
	TransactionsSynced int       `json:"transactionsSynced"`
	Errors             []string  `json:"errors"`
	StartedAt          time.Time `json:"startedAt"`
	FinishedAt         time.Time `json:"finishedAt"`
}

// UserSyncResult aggregates the runs over every active consent of a user
type UserSyncResult struct {
	UserID  int64         `json:"userId"`
	Success bool          `json:"success"`
	Results []*SyncResult `json:"results"`
	Errors  []string      `json:"errors"`
}

// Config bounds a sync run
type Config struct {
	InitialWindow      time.Duration
	IncrementalWindow  time.Duration
	PageSize           int
	RunTimeout         time.Duration
	AccountConcurrency int
	LockTTL            time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialWindow:      90 * 24 * time.Hour,
		IncrementalWindow:  7 * 24 * time.Hour,
		PageSize:           100,
		RunTimeout:         10 * time.Minute,
		AccountConcurrency: 4,
		LockTTL:            15 * time.Minute,
	}
}

func (c Config) window(mode Mode) time.Duration {
	if mode == ModeInitial {
		return c.InitialWindow
	}
	return c.IncrementalWindow
}
