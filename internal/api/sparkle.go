package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/sparkle-im/sparkle/internal/config"
	"github.com/sparkle-im/sparkle/internal/database"
	"github.com/sparkle-im/sparkle/internal/relay"
	"github.com/teris-io/shortid"
)

type SparkleApp struct {
	log            *log.Logger
	db             database.SparkleRepository
	mux            *http.Server
	relay          *relay.Relay
	signingKey     []byte
	allowedOrigins []string
	stunServers    []string
	uploadDir      string
	sid            *shortid.Shortid
}

func NewSparkleApp(mux *http.ServeMux, logger *log.Logger, rl *relay.Relay, db database.SparkleRepository, cfg *config.Config) (*SparkleApp, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, 2342)
	if err != nil {
		return nil, fmt.Errorf("create shortid generator: %w", err)
	}

	s := &SparkleApp{
		log:            logger,
		db:             db,
		relay:          rl,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		stunServers:    cfg.StunServers,
		uploadDir:      cfg.UploadDir,
		sid:            sid,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	// both methods are registered explicitly so the pattern stays more
	// specific than GET /api/users/{id}
	mux.Handle("GET /api/users/profile", s.authMiddleware(s.profile))
	mux.Handle("PUT /api/users/profile", s.authMiddleware(s.profile))
	mux.Handle("GET /api/users", s.authMiddleware(s.listUsers))
	mux.Handle("GET /api/users/{id}", s.authMiddleware(s.getUser))
	mux.Handle("/api/contacts", s.authMiddleware(s.contacts))
	mux.Handle("/api/conversations", s.authMiddleware(s.conversations))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("DELETE /api/messages/{id}", s.authMiddleware(s.deleteMessage))
	mux.Handle("POST /api/upload", s.authMiddleware(s.upload))
	mux.Handle("GET /api/calls/ice-servers", s.authMiddleware(s.iceServers))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.UploadDir))))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s, nil
}

func (s *SparkleApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *SparkleApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
