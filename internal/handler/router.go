package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/akozyrev/citypass-system/internal/middleware"
	"github.com/akozyrev/citypass-system/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса citypass.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/offers", h.GetOffers)
			r.Get("/user/codes", h.GetCodes)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(string(model.RoleCitizen)))

				r.Post("/offers/{offerID}/claim", h.ClaimOffer)
			})

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(string(model.RoleSupplier)))

				r.Post("/offers", h.CreateOffer)
				r.Post("/supplier/codes/validate", h.ValidateCode)
				r.Get("/supplier/transactions", h.GetTransactions)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
