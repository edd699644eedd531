package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"dealflow/agent"
	"dealflow/auth"
	"dealflow/client"
	"dealflow/deal"
	"dealflow/document"
	"dealflow/metrics"
	"dealflow/ratelimit"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Identity, error)
	SyncUser(ctx context.Context, identity auth.Identity) (auth.User, error)
	ResolveProfile(ctx context.Context, subject string) (auth.Profile, error)
}

type agentService interface {
	Create(ctx context.Context, user auth.User, in agent.ProfileInput) (agent.Agent, error)
	GetCurrent(ctx context.Context, user auth.User) (agent.Agent, error)
	UpdateProfile(ctx context.Context, user auth.User, in agent.ProfileInput) (agent.Agent, error)
	UpdateSubscription(ctx context.Context, agentID string, status agent.SubscriptionStatus, endsAt *time.Time) error
	Delete(ctx context.Context, user auth.User) (int, error)
}

type clientService interface {
	AddAsAgent(ctx context.Context, actor auth.Profile, in client.AddInput) (client.Client, error)
	Accept(ctx context.Context, redeemer auth.User, token string) (client.Client, error)
	InvitationDetails(ctx context.Context, token string) (client.InvitationDetails, error)
	PendingInvitations(ctx context.Context, user auth.User) ([]client.PendingInvitation, error)
	GenerateInvitationLink(ctx context.Context, actor auth.Profile, clientID string) (client.InvitationLink, error)
	List(ctx context.Context, actor auth.Profile) ([]client.Client, error)
	Update(ctx context.Context, actor auth.Profile, clientID string, patch client.Patch) (client.Client, error)
	UpdateInvitedEmail(ctx context.Context, actor auth.Profile, clientID, email string) (client.Client, error)
	Remove(ctx context.Context, actor auth.Profile, clientID string) error
	CreateSelf(ctx context.Context, user auth.User, agentID, phone string) (client.Client, error)
	GetCurrent(ctx context.Context, user auth.User) (client.Current, error)
	DeleteSelf(ctx context.Context, user auth.User) error
	AddDemo(ctx context.Context, actor auth.Profile, in client.DemoInput) (client.Client, error)
	ConvertDemo(ctx context.Context, actor auth.Profile, clientIDs []string, sendInvitations bool) (client.ConvertResult, error)
}

type dealService interface {
	Create(ctx context.Context, actor auth.Profile, in deal.CreateInput) (deal.Deal, error)
	Update(ctx context.Context, actor auth.Profile, dealID string, patch deal.Patch, message string) (deal.Deal, error)
	UpdateStage(ctx context.Context, actor auth.Profile, dealID string, stage deal.Stage, message string) (deal.Deal, error)
	Remove(ctx context.Context, actor auth.Profile, dealID string) error
	Get(ctx context.Context, actor auth.Profile, dealID string) (deal.Detail, error)
	List(ctx context.Context, actor auth.Profile, status deal.Status) ([]deal.Summary, error)
	RevisionHistory(ctx context.Context, actor auth.Profile, dealID string, limit int) ([]deal.Revision, error)
	RevisionAt(ctx context.Context, actor auth.Profile, dealID string, n int) (deal.Revision, error)
	AddClient(ctx context.Context, actor auth.Profile, dealID, clientID string, role deal.Role) (deal.Participant, error)
	RemoveClient(ctx context.Context, actor auth.Profile, dealID, clientID string) error
}

type documentService interface {
	GenerateUploadURL(ctx context.Context, actor auth.Profile) (document.UploadURL, error)
	Upload(ctx context.Context, storageID, ticket string, body io.Reader, contentType string) (int64, error)
	Save(ctx context.Context, actor auth.Profile, in document.SaveInput) (document.Document, error)
	Rename(ctx context.Context, actor auth.Profile, docID, newName string) (document.Document, error)
	ChangeCategory(ctx context.Context, actor auth.Profile, docID string, category document.Category) (document.Document, error)
	Delete(ctx context.Context, actor auth.Profile, docID string) error
	List(ctx context.Context, actor auth.Profile, dealID string, category document.Category) ([]document.Document, error)
	StorageStats(ctx context.Context, actor auth.Profile, dealID string) (document.Stats, error)
	AccessLogs(ctx context.Context, actor auth.Profile, docID string) ([]document.AccessLog, error)
	IssueToken(ctx context.Context, subject, docID, ip string) (document.IssuedToken, error)
	Redeem(ctx context.Context, docID, token string, download bool) (document.Served, error)
}

// Server holds the HTTP dependencies.
type Server struct {
	authService     authService
	agentService    agentService
	clientService   clientService
	dealService     dealService
	documentService documentService
	limiter         *ratelimit.Limiter
	metrics         *metrics.Metrics
	health          *metrics.Health
	logger          *zap.Logger
}

// Bodies served to anonymous readers.
var (
	noItems  = newList[struct{}](nil)
	jsonNull = json.RawMessage("null")
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(s.requestLogger)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.health != nil {
		r.Get("/health", s.health.Live)
		r.Get("/ready", s.health.Ready)
	}

	r.With(s.limiter.Middleware).Get("/secure-documents", s.handleSecureDocument)
	r.Put("/uploads/{storageID}", s.handleUpload)
	r.Get("/invitations/{token}", s.handleInvitationDetails)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Post("/users/sync", s.handleSyncUser)
			r.Get("/me", orEmpty(jsonNull, s.handleMe))

			r.Route("/agents", func(r chi.Router) {
				r.Post("/me", s.handleCreateAgent)
				r.Get("/me", orEmpty(jsonNull, s.handleGetAgent))
				r.Patch("/me", s.handleUpdateAgent)
				r.Delete("/me", s.handleDeleteAgent)
				r.Patch("/{agentID}/subscription", s.handleUpdateSubscription)
			})

			r.Route("/clients", func(r chi.Router) {
				r.Get("/", orEmpty(noItems, s.handleListClients))
				r.Post("/", s.handleAddClient)
				r.Post("/demo", s.handleAddDemoClient)
				r.Post("/demo/convert", s.handleConvertDemoClients)
				r.Post("/me", s.handleCreateSelfClient)
				r.Get("/me", orEmpty(jsonNull, s.handleGetSelfClient))
				r.Delete("/me", s.handleDeleteSelfClient)
				r.Patch("/{clientID}", s.handleUpdateClient)
				r.Delete("/{clientID}", s.handleRemoveClient)
				r.Patch("/{clientID}/email", s.handleUpdateClientEmail)
				r.Post("/{clientID}/invitation", s.handleGenerateInvitation)
			})

			r.Get("/invitations", orEmpty(noItems, s.handlePendingInvitations))
			r.Post("/invitations/{token}/accept", s.handleAcceptInvitation)

			r.Route("/deals", func(r chi.Router) {
				r.Get("/", orEmpty(noItems, s.handleListDeals))
				r.Post("/", s.handleCreateDeal)
				r.Route("/{dealID}", func(r chi.Router) {
					r.Get("/", orEmpty(jsonNull, s.handleGetDeal))
					r.Patch("/", s.handleUpdateDeal)
					r.Delete("/", s.handleRemoveDeal)
					r.Patch("/stage", s.handleUpdateStage)
					r.Get("/revisions", orEmpty(noItems, s.handleRevisionHistory))
					r.Get("/revisions/{n}", orEmpty(jsonNull, s.handleRevisionAt))
					r.Post("/clients", s.handleAddDealClient)
					r.Delete("/clients/{clientID}", s.handleRemoveDealClient)
					r.Get("/documents", orEmpty(noItems, s.handleListDocuments))
					r.Post("/documents", s.handleSaveDocument)
					r.Get("/documents/stats", orEmpty(jsonNull, s.handleStorageStats))
				})
			})

			r.Get("/documents/categories", s.handleCategories)
			r.Route("/documents/{documentID}", func(r chi.Router) {
				r.Patch("/", s.handleUpdateDocument)
				r.Delete("/", s.handleDeleteDocument)
				r.With(s.limiter.Middleware).Post("/access-token", s.handleIssueAccessToken)
				r.Get("/access-logs", orEmpty(noItems, s.handleAccessLogs))
			})

			r.Post("/uploads", s.handleGenerateUploadURL)
		})
	})

	return r
}
