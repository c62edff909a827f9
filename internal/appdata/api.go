package appdata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"shellgate/internal/backend"
)

const (
	SessionHeader = "X-Session-ID"
	APIPrefix     = "/app/v1"
)

type API struct {
	svc *Service
}

func NewAPI(svc *Service) *API {
	return &API{svc: svc}
}

// Router mounts the data API under /app/v1.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix(APIPrefix).Subrouter()

	api.HandleFunc("/sessions", a.signIn).Methods(http.MethodPost)
	api.HandleFunc("/sessions/current", a.signOut).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/current/role", a.switchRole).Methods(http.MethodPut)

	api.HandleFunc("/orders", a.customerOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{orderID}", a.updateOrder).Methods(http.MethodPatch)
	api.HandleFunc("/stores/{storeID}/orders", a.storeOrders).Methods(http.MethodGet)
	api.HandleFunc("/stores/{storeID}/products", a.storeProducts).Methods(http.MethodGet)
	api.HandleFunc("/deliveries", a.courierDeliveries).Methods(http.MethodGet)
	return r
}

type signInRequest struct {
	Role string `json:"role"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      Role   `json:"role"`
}

func (a *API) signIn(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var body signInRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, err := ParseRole(body.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := a.svc.SignIn(r.Context(), token, role)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: sess.ID, UserID: sess.UserID, Role: sess.Role()})
}

func (a *API) signOut(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.SignOut(r.Context(), r.Header.Get(SessionHeader)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) switchRole(w http.ResponseWriter, r *http.Request) {
	var body signInRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, err := ParseRole(body.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SwitchRole(r.Header.Get(SessionHeader), role); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listFunc func(ctx context.Context, sessionID string, refresh bool) (json.RawMessage, error)

func (a *API) serveList(w http.ResponseWriter, r *http.Request, fn listFunc) {
	refresh := r.URL.Query().Get("refresh")
	rows, err := fn(r.Context(), r.Header.Get(SessionHeader), refresh == "1" || refresh == "true")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rows)
}

func (a *API) customerOrders(w http.ResponseWriter, r *http.Request) {
	a.serveList(w, r, a.svc.CustomerOrders)
}

func (a *API) courierDeliveries(w http.ResponseWriter, r *http.Request) {
	a.serveList(w, r, a.svc.CourierDeliveries)
}

func (a *API) storeOrders(w http.ResponseWriter, r *http.Request) {
	storeID := mux.Vars(r)["storeID"]
	a.serveList(w, r, func(ctx context.Context, sid string, refresh bool) (json.RawMessage, error) {
		return a.svc.StoreOrders(ctx, sid, storeID, refresh)
	})
}

func (a *API) storeProducts(w http.ResponseWriter, r *http.Request) {
	storeID := mux.Vars(r)["storeID"]
	a.serveList(w, r, func(ctx context.Context, sid string, refresh bool) (json.RawMessage, error) {
		return a.svc.StoreProducts(ctx, sid, storeID, refresh)
	})
}

type updateOrderRequest struct {
	Status string `json:"status"`
}

func (a *API) updateOrder(w http.ResponseWriter, r *http.Request) {
	var body updateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	rows, err := a.svc.UpdateOrderStatus(r.Context(), r.Header.Get(SessionHeader), mux.Vars(r)["orderID"], body.Status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rows)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, ErrNoSession):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &apiErr):
		writeError(w, apiErr.Status, apiErr.Message)
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
