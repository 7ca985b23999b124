package listener

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"banklink/internal/shared/logger"
)

const (
	// ChannelSyncRequested carries on-demand sync requests between processes
	ChannelSyncRequested = "banklink_sync_requested"
	reconnectInterval    = 5 * time.Second
	pingInterval         = 90 * time.Second
)

// SyncRequest is the NOTIFY payload. Exactly one of ConsentID or UserID is set,
// or All is true.
type SyncRequest struct {
	ConsentID string `json:"consent_id,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	All       bool   `json:"all,omitempty"`
}

func (r SyncRequest) Validate() error {
	set := 0
	if r.ConsentID != "" {
		set++
	}
	if r.UserID > 0 {
		set++
	}
	if r.All {
		set++
	}
	if set != 1 {
		return errors.New("sync request needs exactly one of consent_id, user_id or all")
	}
	return nil
}

// Handler receives each valid request
type Handler func(ctx context.Context, req SyncRequest)

// Execer is satisfied by *sql.DB and the traced postgres.DB
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Publish sends a sync request to every listening process.
func Publish(ctx context.Context, db Execer, req SyncRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode sync request: %w", err)
	}
	if _, err := db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ChannelSyncRequested, string(payload)); err != nil {
		return fmt.Errorf("failed to publish sync request: %w", err)
	}
	return nil
}

// SyncListener listens for sync requests published with pg_notify
type SyncListener struct {
	connStr    string
	handler    Handler
	logger     *zap.Logger
	shutdownCh chan struct{}
	done       chan struct{}
}

func NewSyncListener(connStr string, handler Handler, log *zap.Logger) *SyncListener {
	return &SyncListener{
		connStr:    connStr,
		handler:    handler,
		logger:     logger.OrNop(log).Named("sync_listener"),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening for notifications in a background goroutine
func (l *SyncListener) Start(ctx context.Context) {
	go l.listen(ctx)
	l.logger.Info("sync request listener started", zap.String("channel", ChannelSyncRequested))
}

// Stop gracefully shuts down the listener
func (l *SyncListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	l.logger.Info("sync request listener stopped")
}

func (l *SyncListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		// Wait before reconnecting
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			l.logger.Info("reconnecting to PostgreSQL for notifications")
		}
	}
}

func (l *SyncListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			l.logger.Info("connected to notification channel")
		case pq.ListenerEventDisconnected:
			l.logger.Warn("disconnected from notification channel", zap.Error(err))
		case pq.ListenerEventReconnected:
			l.logger.Info("reconnected to notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.Warn("notification connection attempt failed", zap.Error(err))
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChannelSyncRequested); err != nil {
		l.logger.Error("failed to listen", zap.String("channel", ChannelSyncRequested), zap.Error(err))
		return
	}

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection lost, break to reconnect
				return
			}
			l.handleNotification(ctx, n.Extra)
		case <-time.After(pingInterval):
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (l *SyncListener) handleNotification(ctx context.Context, extra string) {
	req, err := ParseSyncRequest(extra)
	if err != nil {
		l.logger.Warn("ignoring sync request", zap.Error(err))
		return
	}
	l.logger.Info("sync requested",
		zap.String("consent_id", req.ConsentID),
		zap.Int64("user_id", req.UserID),
		zap.Bool("all", req.All))
	l.handler(ctx, req)
}

// ParseSyncRequest decodes and validates a NOTIFY payload
func ParseSyncRequest(payload string) (SyncRequest, error) {
	var req SyncRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return SyncRequest{}, fmt.Errorf("failed to parse sync request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return SyncRequest{}, err
	}
	return req, nil
}
