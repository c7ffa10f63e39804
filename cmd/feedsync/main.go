package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentworkforce/feedsync/internal/credentials"
	"github.com/agentworkforce/feedsync/internal/feed"
	"github.com/agentworkforce/feedsync/internal/realtime"
)

type config struct {
	baseURL      string
	wsURL        string
	kind         feed.Kind
	pageSize     int
	pages        int
	pollInterval time.Duration
	pollJitter   float64
	timeout      time.Duration
	once         bool
	open         bool
}

func main() {
	baseURL := flag.String("base-url", envOrDefault("FEEDSYNC_BASE_URL", "http://127.0.0.1:8080/api"), "REST API base URL")
	wsURL := flag.String("ws-url", strings.TrimSpace(os.Getenv("FEEDSYNC_WS_URL")), "realtime websocket URL (empty disables push)")
	tokenDSN := flag.String("token-store", envOrDefault("FEEDSYNC_TOKEN_DSN", defaultTokenPath()), "credential store DSN (path, file://, memory://, postgres://)")
	kindName := flag.String("feed", envOrDefault("FEEDSYNC_FEED", string(feed.KindNotifications)), "feed to follow: notifications or activity")
	pageSize := flag.Int("page-size", intEnv("FEEDSYNC_PAGE_SIZE", feed.DefaultPageSize), "items per page")
	pages := flag.Int("pages", 1, "pages to load when opening the feed")
	pollInterval := flag.Duration("poll-interval", durationEnv("FEEDSYNC_POLL_INTERVAL", 30*time.Second), "unread count poll interval")
	pollJitter := flag.Float64("poll-jitter", floatEnv("FEEDSYNC_POLL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("FEEDSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	logLevel := flag.String("log-level", envOrDefault("FEEDSYNC_LOG_LEVEL", "info"), "log level")
	once := flag.Bool("once", false, "fetch once, print a snapshot and exit")
	open := flag.Bool("open", false, "open the feed, which marks its items read")
	setToken := flag.String("set-token", "", "store a bearer token and exit")
	clearToken := flag.Bool("clear-token", false, "remove the stored bearer token and exit")
	flag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	kind, err := feed.ParseKind(*kindName)
	if err != nil {
		logger.Fatal("invalid feed", zap.Error(err))
	}
	store, err := credentials.BuildStoreFromDSN(*tokenDSN)
	if err != nil {
		logger.Fatal("failed to open credential store", zap.String("dsn", *tokenDSN), zap.Error(err))
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case strings.TrimSpace(*setToken) != "":
		if err := store.Save(rootCtx, *setToken); err != nil {
			logger.Fatal("failed to store token", zap.Error(err))
		}
		logger.Info("token stored")
		return
	case *clearToken:
		if err := store.Clear(rootCtx); err != nil {
			logger.Fatal("failed to clear token", zap.Error(err))
		}
		logger.Info("token cleared")
		return
	}

	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	if *pollInterval <= 0 {
		*pollInterval = 30 * time.Second
	}
	cfg := config{
		baseURL:      *baseURL,
		wsURL:        *wsURL,
		kind:         kind,
		pageSize:     *pageSize,
		pages:        *pages,
		pollInterval: *pollInterval,
		pollJitter:   clampJitterRatio(*pollJitter),
		timeout:      *timeout,
		once:         *once,
		open:         *open || *once,
	}
	if err := run(rootCtx, cfg, store, logger, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("feedsync stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config, store credentials.Store, logger *zap.Logger, out io.Writer) error {
	token, err := store.Token(ctx)
	if err != nil {
		return fmt.Errorf("read stored token: %w", err)
	}
	if token == "" {
		logger.Warn("no stored token; requests are sent unauthenticated")
	}

	client := feed.NewHTTPClient(cfg.baseURL, cfg.kind, token, &http.Client{Timeout: cfg.timeout})
	f, err := feed.New(client, feed.Options{
		PageSize: cfg.pageSize,
		Logger:   logger.Named("feed"),
		OnError: func(err error) {
			logger.Warn("feed request failed", zap.Error(err))
		},
	})
	if err != nil {
		return err
	}

	if cfg.open {
		f.Open(ctx)
		for i := 1; i < cfg.pages; i++ {
			f.Wait()
			if !f.LoadMore(ctx) {
				break
			}
		}
	} else {
		f.RefreshUnreadCount(ctx)
	}
	if cfg.once {
		f.Wait()
		return writeSnapshot(out, f.Snapshot())
	}

	var manager *realtime.Manager
	if strings.TrimSpace(cfg.wsURL) != "" {
		manager, err = newManager(ctx, cfg, store, f, logger)
		if err != nil {
			f.Close()
			f.Wait()
			return err
		}
		if err := manager.Start(ctx); err != nil {
			logger.Warn("realtime connection not started", zap.Error(err))
		}
	}

	var background sync.WaitGroup
	if path, ok := credentials.FilePath(store); ok {
		background.Add(1)
		go func() {
			defer background.Done()
			err := credentials.Watch(ctx, path, logger.Named("credentials"), func(fsnotify.Op) {
				reloadToken(ctx, store, client, manager, f, logger)
			})
			if err != nil {
				logger.Warn("credential watch stopped", zap.String("path", path), zap.Error(err))
			}
		}()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.pollInterval, cfg.pollJitter, rng.Float64()))
	defer timer.Stop()
	lastUnread := -1
	for {
		select {
		case <-ctx.Done():
			logger.Info("feedsync stopping", zap.Error(ctx.Err()))
			// Stop everything that can start feed work before waiting on it.
			background.Wait()
			if manager != nil {
				_ = manager.Close()
			}
			f.Close()
			f.Wait()
			return nil
		case <-timer.C:
			if n := f.UnreadCount(); n != lastUnread {
				logger.Info("unread count", zap.Int("unread", n), zap.String("feed", string(cfg.kind)))
				lastUnread = n
			}
			f.RefreshUnreadCount(ctx)
			timer.Reset(jitteredIntervalWithSample(cfg.pollInterval, cfg.pollJitter, rng.Float64()))
		}
	}
}

// newManager wires push frames to the unread counter: a notification only
// triggers a count refresh, never a page fetch.
func newManager(ctx context.Context, cfg config, store credentials.Store, f *feed.Feed, logger *zap.Logger) (*realtime.Manager, error) {
	rtLogger := logger.Named("realtime")
	dialer, err := realtime.NewWebSocketDialer(realtime.WebSocketOptions{
		URL:              cfg.wsURL,
		HandshakeTimeout: cfg.timeout,
		Logger:           rtLogger,
		OnFrame: func(frame realtime.Frame) {
			if frame.Notification() {
				f.RefreshUnreadCount(ctx)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return realtime.NewManager(store, dialer, realtime.ManagerOptions{
		Logger: rtLogger,
		OnAuthFailure: func(err error) {
			rtLogger.Error("credential rejected; store a new token to reconnect", zap.Error(err))
		},
	})
}

func reloadToken(ctx context.Context, store credentials.Store, client *feed.HTTPClient, manager *realtime.Manager, f *feed.Feed, logger *zap.Logger) {
	token, err := store.Token(ctx)
	if err != nil {
		logger.Warn("failed to reload token", zap.Error(err))
		return
	}
	client.SetToken(token)
	logger.Info("token reloaded", zap.Bool("present", token != ""))
	if manager != nil {
		if err := manager.Reconnect(ctx); err != nil {
			logger.Warn("realtime reconnect failed", zap.Error(err))
		}
	}
	f.RefreshUnreadCount(ctx)
}

type snapshotItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

type snapshotView struct {
	Open         bool           `json:"open"`
	Epoch        uint64         `json:"epoch"`
	CurrentPage  int            `json:"currentPage"`
	HasMore      bool           `json:"hasMore"`
	UnreadCount  int            `json:"unreadCount"`
	MarkedAsRead bool           `json:"markedAsRead"`
	Items        []snapshotItem `json:"items"`
}

func writeSnapshot(out io.Writer, st feed.Status) error {
	view := snapshotView{
		Open:         st.Open,
		Epoch:        st.Epoch,
		CurrentPage:  st.CurrentPage,
		HasMore:      st.HasMore,
		UnreadCount:  st.UnreadCount,
		MarkedAsRead: st.MarkedAsRead,
		Items:        make([]snapshotItem, 0, len(st.Items)),
	}
	for _, item := range st.Items {
		view.Items = append(view.Items, snapshotItem{
			ID:        string(item.ID),
			Title:     item.Title,
			Message:   item.Message,
			CreatedAt: item.CreatedAt,
			Read:      item.Read,
		})
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, err
	}
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
		EncodeName:    zapcore.FullNameEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		zap.NewAtomicLevelAt(lvl),
	)
	return zap.New(core, zap.AddCaller()), nil
}

func defaultTokenPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".feedsync", "token.json")
	}
	return filepath.Join(dir, "feedsync", "token.json")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %d\n", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %f\n", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
