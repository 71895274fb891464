package rest

import (
	"crypto/rsa"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/overtime-management/internal/approval"
	"github.com/frahmantamala/overtime-management/internal/audit"
	"github.com/frahmantamala/overtime-management/internal/overtime"
	"github.com/frahmantamala/overtime-management/internal/transport/middleware"
	"github.com/frahmantamala/overtime-management/internal/transport/swagger"
	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, overtimeHandler *overtime.Handler, approvalHandler *approval.Handler, auditHandler *audit.Handler, publicKey *rsa.PublicKey, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	// Apply global middleware
	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))

	// Serve OpenAPI spec at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	// Swagger UI route at root
	router.Handle("/swagger/*", swagger.Handler())

	// Mount API under /api/v1 to match OpenAPI basePath
	router.Route("/api/v1", func(r chi.Router) {
		// Health check route
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// Everything below requires a valid bearer token
		r.Group(func(pr chi.Router) {
			pr.Use(middleware.ActorContext(publicKey, logger))

			if overtimeHandler != nil {
				pr.Route("/overtime", func(or chi.Router) {
					or.Post("/requests", overtimeHandler.SubmitRequest) // POST /overtime/requests
					or.Get("/requests", overtimeHandler.ListMyRequests) // GET /overtime/requests
					or.Get("/requests/{id}", overtimeHandler.GetRequest) // GET /overtime/requests/:id
					or.Patch("/requests/{id}/cancel", overtimeHandler.CancelRequest)

					or.Post("/drafts", overtimeHandler.SaveDraft) // POST /overtime/drafts
					or.Post("/drafts/{id}/submit", overtimeHandler.SubmitDraft)
				})
			}

			if approvalHandler != nil {
				pr.Get("/approvals/pending", approvalHandler.ListPending)
				pr.Patch("/overtime/requests/{id}/steps/{order}/decide", approvalHandler.DecideStep)
			}

			if auditHandler != nil {
				pr.Route("/audit", func(ar chi.Router) {
					ar.Use(middleware.RequireRole(logger, "supervisor", "manager", "hr"))
					ar.Get("/{table}/{id}", auditHandler.GetTrail)
					ar.Get("/{table}/{id}/verify", auditHandler.VerifyChain)
				})
			}
		})
	})
}
