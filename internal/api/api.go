package api

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/oauth2"

	"github.com/lumenlabs/faucetbot/internal/config"
	"github.com/lumenlabs/faucetbot/internal/db"
	"github.com/lumenlabs/faucetbot/internal/faucet"
)

type API struct {
	router      *mux.Router
	db          *db.DB
	faucet      *faucet.Faucet
	config      *config.Config
	oauthConfig *oauth2.Config
	jwtSecret   []byte
}

func New(cfg *config.Config, database *db.DB, f *faucet.Faucet) *API {
	api := &API{
		router:    mux.NewRouter(),
		db:        database,
		faucet:    f,
		config:    cfg,
		jwtSecret: []byte(cfg.JWTSecret),
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.DiscordClientID,
			ClientSecret: cfg.DiscordClientSecret,
			RedirectURL:  cfg.DiscordRedirectURI,
			Scopes:       []string{"identify"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://discord.com/api/oauth2/authorize",
				TokenURL: "https://discord.com/api/oauth2/token",
			},
		},
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	// Auth endpoints
	a.router.HandleFunc("/api/auth/login", a.handleLogin).Methods("GET")
	a.router.HandleFunc("/api/auth/callback", a.handleCallback).Methods("GET")
	a.router.HandleFunc("/api/auth/logout", a.handleLogout).Methods("POST")

	// Public endpoints
	a.router.HandleFunc("/api/public/health", a.handleHealth).Methods("GET")

	// Protected operator endpoints
	protected := a.router.PathPrefix("/api").Subrouter()
	protected.Use(a.authMiddleware)

	protected.HandleFunc("/status", a.handleStatus).Methods("GET")
	protected.HandleFunc("/queue/pause", a.handlePause).Methods("POST")
	protected.HandleFunc("/queue/resume", a.handleResume).Methods("POST")
	protected.HandleFunc("/dispatches", a.handleDispatches).Methods("GET")
}

func (a *API) Start() error {
	// Setup CORS - allow all origins for development, restrict in production
	// Note: When AllowedOrigins is "*", AllowCredentials must be false for security
	corsOptions := cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}

	handler := cors.New(corsOptions).Handler(a.router)

	log.Printf("API server listening on http://%s", a.config.WebBind)
	return http.ListenAndServe(a.config.WebBind, handler)
}
