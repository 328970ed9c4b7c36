package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/triptales/triptales-server/service/badges"
	"github.com/triptales/triptales-server/service/chat"
	"github.com/triptales/triptales-server/service/groups"
	"github.com/triptales/triptales-server/service/invites"
	"github.com/triptales/triptales-server/service/membership"
	"github.com/triptales/triptales-server/service/posts"
	"github.com/triptales/triptales-server/service/users"
)

type APIServer struct {
	address string
	db      *gorm.DB
}

func NewApiServer(address string, db *gorm.DB) *APIServer {
	return &APIServer{
		address: address,
		db:      db,
	}
}

func (s *APIServer) Run() error {
	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	members := membership.NewStore(s.db)
	badgeEngine := badges.NewEngine(s.db)

	userHandler := users.NewHandler(s.db)
	userHandler.RegisterRoutes(subrouter)

	groupHandler := groups.NewHandler(s.db, members)
	groupHandler.RegisterRoutes(subrouter)

	var mailer invites.Mailer
	if m := invites.NewSMTPMailerFromEnv(); m != nil {
		mailer = m
	} else {
		zap.L().Info("SMTP not configured, invite emails disabled")
	}
	inviteHandler := invites.NewHandler(invites.NewWorkflow(s.db, members, mailer))
	inviteHandler.RegisterRoutes(subrouter)

	postHandler := posts.NewHandler(s.db, members, badgeEngine)
	postHandler.RegisterRoutes(subrouter)

	hub := chat.NewHub()
	defer hub.Close()
	chatHandler := chat.NewHandler(s.db, hub, members)
	chatHandler.RegisterRoutes(router)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	zap.L().Info("server listening", zap.String("address", s.address))
	return http.ListenAndServe(s.address, handlers.RecoveryHandler()(cors(router)))
}
