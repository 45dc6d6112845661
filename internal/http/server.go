package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"wallet/internal/cache"
	"wallet/internal/core"
	"wallet/internal/log"
	"wallet/internal/middleware/ratelimit"
	"wallet/internal/middleware/trace"
	"wallet/internal/services"
)

// Ledger is the write side used by the handlers.
type Ledger interface {
	Add(ctx context.Context, profile core.Profile, t core.Transaction) (core.Transaction, core.Profile, error)
	Amend(ctx context.Context, req services.AmendRequest) (core.Transaction, core.Profile, error)
	Delete(ctx context.Context, transactionID int64, owner string) (core.Profile, error)
	LookupOwned(ctx context.Context, id int64, profile core.Profile) (core.Transaction, error)
	Profile(ctx context.Context, owner string) (core.Profile, error)
	OpenProfile(ctx context.Context, username string) (core.Profile, bool, error)
}

// Reports is the read side used by the handlers.
type Reports interface {
	RecentTransactions(ctx context.Context, profile core.Profile) ([]core.Transaction, error)
	MaxCategoryBetween(ctx context.Context, profile core.Profile, isIncome bool, from, to core.Date) (core.CategoryAmount, error)
	Summary(ctx context.Context, profile core.Profile, from, to core.Date) (core.Summary, error)
}

// Options configures NewServer. Ledger and Reports are required.
type Options struct {
	Addr               string
	Ledger             Ledger
	Reports            Reports
	Logger             *log.Logger
	RateLimitPerMinute int

	// SummaryCacheTTL bounds how long a summary report is served from
	// memory. Zero disables the cache.
	SummaryCacheTTL time.Duration

	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready func(ctx context.Context) error

	// Now is the clock for default report windows. Nil means time.Now.
	Now func() time.Time
}

type Server struct {
	http.Server
	ledger  Ledger
	reports Reports
	logger  *log.Logger
	ready   func(ctx context.Context) error
	now     func() time.Time

	rateLimiter     *ratelimit.Limiter
	traceMiddleware *trace.Middleware
	startedAt       time.Time

	summaries    cache.Cache[summaryResponse]
	cacheManager *cache.Manager

	// summaryMu orders cache fills against invalidation. summaryGen
	// counts ledger changes per user.
	summaryMu  sync.Mutex
	summaryGen map[string]uint64

	shutdownOnce sync.Once
}

const summaryCacheSize = 1000

// userHandler serves a request on behalf of an identified user.
type userHandler func(w http.ResponseWriter, r *http.Request, user string)

// NewServer configures routes and middleware, returning a ready-to-run http.Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		ledger:          opts.Ledger,
		reports:         opts.Reports,
		logger:          logger.WithComponent(log.ComponentHTTP),
		ready:           opts.Ready,
		now:             now,
		rateLimiter:     ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: opts.RateLimitPerMinute}),
		traceMiddleware: trace.NewMiddleware(logger, extractClientIP),
		startedAt:       time.Now(),
		cacheManager:    cache.NewManager(),
		summaryGen:      make(map[string]uint64),
	}
	if opts.SummaryCacheTTL > 0 {
		summaries := cache.NewLRUCache[summaryResponse](summaryCacheSize, opts.SummaryCacheTTL)
		s.cacheManager.Register(summaries)
		s.cacheManager.StartCleanup(time.Minute)
		s.summaries = summaries
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.Handle("GET /profile", s.api(s.handleGetProfile))
	mux.Handle("PUT /profile", s.api(s.handleOpenProfile))

	mux.Handle("GET /transactions", s.api(s.handleListTransactions))
	mux.Handle("POST /transactions", s.api(s.handleAddTransaction))
	mux.Handle("GET /transactions/{id}", s.api(s.handleGetTransaction))
	mux.Handle("PUT /transactions/{id}", s.api(s.handleAmendTransaction))
	mux.Handle("DELETE /transactions/{id}", s.api(s.handleDeleteTransaction))

	mux.Handle("GET /reports/summary", s.api(s.handleSummary))
	mux.Handle("GET /reports/max-category", s.api(s.handleMaxCategory))

	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           s.traceMiddleware.Middleware(withSecurityHeaders(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// api applies rate limiting, then requires an identity.
func (s *Server) api(h userHandler) http.Handler {
	limit := s.rateLimiter.Middleware(rateLimitKey, func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
			log.FieldClientIP, extractClientIP(r),
			log.FieldPath, r.URL.Path)
		TooManyRequestsError().Write(w)
	})
	return limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := currentUser(r)
		if !ok {
			UnauthorizedError().Write(w)
			return
		}
		h(w, r, user)
	}))
}

// Shutdown gracefully shuts down the server and its background routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		s.cacheManager.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func summaryKey(user string, w DateWindow) string {
	return user + "|" + w.From.String() + "|" + w.To.String()
}

// summaryGeneration returns the user's change counter. Read it before
// computing a report and pass it to cacheSummary.
func (s *Server) summaryGeneration(user string) uint64 {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	return s.summaryGen[user]
}

// cacheSummary stores resp unless the user's ledger changed since gen
// was read.
func (s *Server) cacheSummary(user, key string, gen uint64, resp summaryResponse) {
	if s.summaries == nil {
		return
	}
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	if s.summaryGen[user] == gen {
		s.summaries.Set(key, resp)
	}
}

// invalidateSummaries drops cached reports after the user's ledger changed.
func (s *Server) invalidateSummaries(user string) {
	if s.summaries == nil {
		return
	}
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	s.summaryGen[user]++
	s.summaries.DeletePrefix(user + "|")
}
