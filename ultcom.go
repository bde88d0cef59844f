// Package ultcom registers the UltCom Cloud Functions.
package ultcom

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/klipach/ultcom/auth"
	"github.com/klipach/ultcom/config"
	"github.com/klipach/ultcom/inflight"
	"github.com/klipach/ultcom/log"
	"github.com/klipach/ultcom/logger"
	"github.com/klipach/ultcom/store"
)

const (
	traceHeader     = "X-Cloud-Trace-Context"
	sendGuardPrefix = "ultcom:send:"
)

var (
	serverOnce sync.Once
	server     *Server
	projectID  string
	serverErr  error
)

func init() {
	functions.HTTP("Connect", serve((*Server).Connect))
	functions.HTTP("Send", serve((*Server).Send))
}

// serve builds the shared server on the first request, so that a cold
// start without credentials fails the request instead of the process.
func serve(h func(*Server, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverOnce.Do(func() {
			server, projectID, serverErr = newServer(context.Background())
		})
		ctx := r.Context()
		if id := traceID(r); id != "" && projectID != "" {
			ctx = log.WithTraceID(ctx, fmt.Sprintf("projects/%s/traces/%s", projectID, id))
		}
		if serverErr != nil {
			log.LoggerFromContext(ctx).ErrorContext(ctx, "error while initializing", log.Err(serverErr))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		h(server, w, r.WithContext(ctx))
	}
}

func newServer(ctx context.Context) (*Server, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", err
	}
	if _, _, err := logger.Setup(ctx, cfg); err != nil {
		return nil, "", err
	}
	project, err := cfg.ResolveProjectID(ctx)
	if err != nil {
		return nil, "", err
	}

	admin, err := auth.NewAdmin(ctx, project, cfg.ClientOptions()...)
	if err != nil {
		return nil, "", err
	}
	fs, err := store.NewFirestore(ctx, project, cfg.ClientOptions()...)
	if err != nil {
		return nil, "", err
	}

	var guard inflight.Guard = inflight.NewLocal()
	if cfg.Redis.Addr != "" {
		rdb, err := inflight.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, "", fmt.Errorf("send guard: %w", err)
		}
		guard = inflight.NewRedis(rdb, sendGuardPrefix, cfg.SendDedupeTTL)
	}

	log.LoggerFromContext(ctx).Info("server initialized",
		slog.String("projectID", project),
		slog.Bool("redisGuard", cfg.Redis.Addr != ""),
	)
	return NewServer(admin, fs, cfg.PhoneRules(), guard, admin), project, nil
}

// traceID reads the trace id from "TRACE_ID/SPAN_ID;o=TRACE_TRUE".
func traceID(r *http.Request) string {
	h := r.Header.Get(traceHeader)
	if h == "" {
		return ""
	}
	id, _, _ := strings.Cut(h, "/")
	return id
}
