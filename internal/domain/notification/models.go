package notification

import (
	"errors"
	"time"
)

const (
	CategoryConsents = "consents"
	CategorySync     = "sync"
	CategoryGeneral  = "general"
)

// policy is how long a push of a category stays deliverable and whether it
// may wake the device.
type policy struct {
	ttl    time.Duration
	urgent bool
}

var policies = map[string]policy{
	CategoryConsents: {ttl: 72 * time.Hour, urgent: true},
	CategorySync:     {ttl: 6 * time.Hour},
	CategoryGeneral:  {ttl: 24 * time.Hour},
}

var platforms = map[string]bool{"ios": true, "android": true, "web": true}

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidCategory      = errors.New("invalid notification category")
	ErrInvalidPlatform      = errors.New("platform must be 'ios', 'android' or 'web'")
	ErrInvalidToken         = errors.New("device token is required")
	ErrInvalidUser          = errors.New("valid user ID is required")
)

type DeviceToken struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"userId"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

// Notification is an inbox entry. Every push is recorded, delivered or not.
type Notification struct {
	ID        string            `json:"id"`
	UserID    int64             `json:"-"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Category  string            `json:"category"`
	Data      map[string]string `json:"data"`
	OpenedAt  *time.Time        `json:"openedAt"`
	CreatedAt time.Time         `json:"createdAt"`
}

type RegisterDeviceParams struct {
	UserID   int64
	Token    string
	Platform string
}

func (p RegisterDeviceParams) Validate() error {
	switch {
	case p.UserID <= 0:
		return ErrInvalidUser
	case p.Token == "":
		return ErrInvalidToken
	case !IsValidPlatform(p.Platform):
		return ErrInvalidPlatform
	}
	return nil
}

type CreateNotificationParams struct {
	UserID   int64
	Title    string
	Message  string
	Category string
	Data     map[string]string
}

func (p CreateNotificationParams) Validate() error {
	switch {
	case p.UserID <= 0:
		return ErrInvalidUser
	case p.Title == "" || p.Message == "":
		return errors.New("notification title and message are required")
	case !IsValidCategory(p.Category):
		return ErrInvalidCategory
	}
	return nil
}

func IsValidCategory(c string) bool {
	_, ok := policies[c]
	return ok
}

func IsValidPlatform(p string) bool {
	return platforms[p]
}
