package server

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"github.com/PromptedProjects/FutureBuddy/internal/provider"
)

const (
	defaultPrimaryModel     = "anthropic/claude-opus-4.6"
	defaultActionExpiry     = 24 * time.Hour
	defaultSweepInterval    = time.Hour
	defaultSessionTokenTTL  = 30 * 24 * time.Hour
	defaultPairingTokenTTL  = 15 * time.Minute
	lastSeenUpdateInterval  = time.Hour
	chatHistoryLimit        = 50
	conversationTitleLimit  = 80
	maxWebhookBodyBytes     = 1 << 20
	defaultTokenHMACKey     = "futurebuddy-dev-token-hmac-key-change-me"
	serverVersion           = "0.1.0"
	pairingEnabledConfigKey = "pairing_enabled"
)

type AppConfig struct {
	DBPath          string
	TokenHMACKey    string
	ProviderAPIKey  string
	ProviderBaseURL string
	ModelPrimary    string
	ModelFallback   string
	Logger          *charmLog.Logger
	Provider        provider.Provider
	Effectors       *EffectorRegistry
	Channels        *ChannelRegistry
	ActionExpiry    time.Duration
	SweepInterval   time.Duration
	DisableSweeper  bool
}

type App struct {
	db           *sql.DB
	tokenHMACKey []byte
	logger       *charmLog.Logger
	provider     provider.Provider
	effectors    *EffectorRegistry
	channels     *ChannelRegistry
	startedAt    time.Time

	actionExpiry  time.Duration
	sweepInterval time.Duration

	registry *sessionRegistry

	cron        *cron.Cron
	cronMu      sync.Mutex
	cronEntries map[string]cron.EntryID

	pairingMu     sync.Mutex
	pairingTokens map[string]time.Time

	pairLimiter *ipRateLimiter

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

func New(cfg AppConfig) (*App, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{
			Prefix:          "futurebuddy",
			Level:           charmLog.InfoLevel,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
		})
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	chatProvider := cfg.Provider
	if chatProvider == nil {
		staticProvider := provider.NewStaticProvider()
		chatProvider = staticProvider

		if cfg.ProviderAPIKey != "" {
			primaryModel := strings.TrimSpace(cfg.ModelPrimary)
			if primaryModel == "" {
				primaryModel = defaultPrimaryModel
			}

			openAIProvider, err := provider.NewOpenAIProvider(provider.OpenAIConfig{
				APIKey:        cfg.ProviderAPIKey,
				BaseURL:       cfg.ProviderBaseURL,
				PrimaryModel:  primaryModel,
				FallbackModel: cfg.ModelFallback,
				UserAgent:     "futurebuddy/" + serverVersion,
			})
			if err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init provider: %w", err)
			}
			chatProvider = provider.NewFallbackProvider(openAIProvider, staticProvider)
		}
	}

	tokenHMACKey := cfg.TokenHMACKey
	if tokenHMACKey == "" {
		tokenHMACKey = defaultTokenHMACKey
	}

	actionExpiry := cfg.ActionExpiry
	if actionExpiry <= 0 {
		actionExpiry = defaultActionExpiry
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}

	effectors := cfg.Effectors
	if effectors == nil {
		effectors = NewEffectorRegistry()
	}
	channels := cfg.Channels
	if channels == nil {
		channels = NewChannelRegistry()
	}

	app := &App{
		db:            db,
		tokenHMACKey:  []byte(tokenHMACKey),
		logger:        logger,
		provider:      chatProvider,
		effectors:     effectors,
		channels:      channels,
		startedAt:     time.Now().UTC(),
		actionExpiry:  actionExpiry,
		sweepInterval: sweepInterval,
		registry:      newSessionRegistry(),
		cron:          cron.New(),
		cronEntries:   make(map[string]cron.EntryID),
		pairingTokens: make(map[string]time.Time),
		pairLimiter:   newIPRateLimiter(5, time.Minute),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	if err := app.loadScheduledTasks(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load scheduled tasks: %w", err)
	}
	app.cron.Start()

	if !cfg.DisableSweeper {
		go app.runExpirySweeper()
	} else {
		close(app.doneCh)
	}

	return app, nil
}

// Close drains in this order: cron timers, shells and transports, the expiry
// sweeper, then the store handle. A persisted mutation after the store is
// released is undefined, so the db close comes last.
func (a *App) Close() error {
	var closeErr error
	a.closeOnce.Do(func() {
		cronCtx := a.cron.Stop()
		<-cronCtx.Done()

		a.registry.closeAll()
		a.channels.stopAll(context.Background())

		close(a.stopCh)
		<-a.doneCh

		closeErr = a.db.Close()
	})
	return closeErr
}

func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerRoutes(mux)
	return a.loggingMiddleware(a.authMiddleware(mux))
}

func (a *App) runExpirySweeper() {
	ticker := time.NewTicker(a.sweepInterval)
	defer func() {
		ticker.Stop()
		close(a.doneCh)
	}()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			count, err := a.ExpireStale(a.actionExpiry)
			if err != nil {
				a.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if count > 0 {
				a.logger.Info("pending actions expired", "count", count)
			}
		}
	}
}

func (a *App) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.status()
		level := charmLog.InfoLevel
		switch {
		case statusCode >= http.StatusInternalServerError:
			level = charmLog.ErrorLevel
		case statusCode >= http.StatusBadRequest:
			level = charmLog.WarnLevel
		default:
			level = charmLog.DebugLevel
		}

		keyvals := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"response_bytes", recorder.bytesWritten,
		}
		if remoteAddr := clientIP(r.RemoteAddr); remoteAddr != "" {
			keyvals = append(keyvals, "remote_addr", remoteAddr)
		}

		a.logger.Log(level, "http request", keyvals...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(data)
	r.bytesWritten += n
	return n, err
}

func (r *statusRecorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

func (r *statusRecorder) Flush() {
	flusher, ok := r.ResponseWriter.(http.Flusher)
	if !ok {
		return
	}
	flusher.Flush()
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	return hijacker.Hijack()
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		rawToken := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if rawToken == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if _, err := a.validateAndTouchSession(rawToken); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) isPublicPath(path string) bool {
	switch path {
	case "/status", "/pair", "/pair/create", "/pair/status", "/ws":
		return true
	}
	return strings.HasPrefix(path, "/hooks/")
}

// Session auth helpers.

func (a *App) hashToken(token string) string {
	mac := hmac.New(sha256.New, a.tokenHMACKey)
	_, _ = mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *App) hashPairingToken(token string) string {
	return a.hashToken("pairing:" + strings.ToUpper(strings.TrimSpace(token)))
}

// validateAndTouchSession resolves a raw session token to a session id,
// refusing revoked and expired rows, and stamps last_seen_at at most once per
// lastSeenUpdateInterval.
func (a *App) validateAndTouchSession(rawToken string) (string, error) {
	var sessionID string
	var revoked int
	var expiresAtRaw string
	var lastSeenAtRaw string
	err := a.db.QueryRow(`
		SELECT id, revoked, expires_at, last_seen_at
		FROM sessions
		WHERE token_hash = ?
	`, a.hashToken(rawToken)).Scan(&sessionID, &revoked, &expiresAtRaw, &lastSeenAtRaw)
	if err != nil {
		return "", errors.New("unknown token")
	}
	if revoked != 0 {
		return "", errors.New("session revoked")
	}

	now := time.Now().UTC()
	expiresAt, err := parseTimestamp(expiresAtRaw)
	if err != nil {
		return "", err
	}
	if !expiresAt.After(now) {
		return "", errors.New("session expired")
	}

	shouldTouch := true
	if lastSeenAtRaw != "" {
		lastSeenAt, parseErr := parseTimestamp(lastSeenAtRaw)
		if parseErr == nil && now.Sub(lastSeenAt) < lastSeenUpdateInterval {
			shouldTouch = false
		}
	}
	if shouldTouch {
		_, _ = a.db.Exec(`
			UPDATE sessions SET last_seen_at = ? WHERE id = ?
		`, now.Format(time.RFC3339Nano), sessionID)
	}

	return sessionID, nil
}

func (a *App) insertAudit(eventType, entityID, payload string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if payload == "" {
		payload = "{}"
	}
	if _, err := a.db.Exec(`
		INSERT INTO audit_log(id, event_type, entity_id, payload_json, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, newID("aud"), eventType, entityID, payload, now); err != nil {
		a.logger.Error("audit insert failed", "event_type", eventType, "entity_id", entityID, "error", err)
	}
}

func (a *App) configValue(key string) (string, bool) {
	var value string
	err := a.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

func (a *App) setConfigValue(key, value string) error {
	_, err := a.db.Exec(`
		INSERT INTO config(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions(
			id TEXT PRIMARY KEY,
			token_hash TEXT NOT NULL UNIQUE,
			device_name TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			expires_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config(
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversations(
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages(
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS actions(
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			type TEXT NOT NULL,
			tier TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			payload TEXT NOT NULL,
			origin TEXT NOT NULL,
			status TEXT NOT NULL,
			exec_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			resolved_at TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status);`,
		`CREATE TABLE IF NOT EXISTS trust_rules(
			id TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(service, action)
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron TEXT NOT NULL,
			action_type TEXT NOT NULL,
			action_payload TEXT NOT NULL,
			tier TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at TEXT NOT NULL DEFAULT '',
			next_run_at TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS webhooks(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			action_type TEXT NOT NULL,
			action_payload TEXT NOT NULL,
			tier TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_triggered_at TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS hotkeys(
			id TEXT PRIMARY KEY,
			combo TEXT NOT NULL UNIQUE,
			action_type TEXT NOT NULL,
			action_payload TEXT NOT NULL,
			tier TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log(
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func decodeJSON(body io.ReadCloser, out any) error {
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func newID(prefix string) string {
	var b [8]byte
	_, err := rand.Read(b[:])
	if err != nil {
		now := time.Now().UnixNano()
		return fmt.Sprintf("%s_%d", prefix, now)
	}
	return prefix + "_" + hex.EncodeToString(b[:])
}

func newPairingToken() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	value := binary.BigEndian.Uint32(b[:]) % 100000000
	return fmt.Sprintf("%08d", value), nil
}

func newSessionToken() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return "fb_" + base64.RawURLEncoding.EncodeToString(secret), nil
}

func bearerTokenFromHeader(authz string) string {
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	if token == "" {
		return ""
	}
	return token
}

func clientIP(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func parseTimestamp(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse(time.RFC3339, raw)
	if err == nil {
		return t, nil
	}
	return time.Time{}, err
}
