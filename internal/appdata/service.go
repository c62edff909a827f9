// Package appdata serves the application's backend reads through per-session
// data caches and invalidates them on writes and realtime changes.
package appdata

import (
	"context"
	"encoding/json"
	"fmt"

	"shellgate/internal/backend"
	"shellgate/internal/datacache"
	"shellgate/internal/logging"
)

type Service struct {
	backend  *backend.Client
	sessions *Sessions
	logger   logging.Logger
}

func NewService(client *backend.Client, sessions *Sessions, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Service{backend: client, sessions: sessions, logger: logger}
}

func (s *Service) Sessions() *Sessions { return s.sessions }

// SignIn resolves token to a user and opens a session for it in role.
func (s *Service) SignIn(ctx context.Context, token string, role Role) (*Session, error) {
	u, err := s.backend.User(ctx, token)
	if err != nil {
		return nil, err
	}
	sess := s.sessions.Create(u.ID, token, role)
	s.logger.Info("session created", "session", sess.ID, "user", u.ID, "role", role)
	return sess, nil
}

// SignOut revokes the backend session and drops the local one with its cache.
// The local session is disposed even when the backend call fails.
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	logoutErr := s.backend.Logout(ctx, sess.Token)
	if err := s.sessions.Dispose(sessionID); err != nil {
		return err
	}
	s.logger.Info("session disposed", "session", sessionID, "user", sess.UserID)
	return logoutErr
}

// SwitchRole changes the active role and clears the session's cache so data
// loaded for the previous role is never served under the new one.
func (s *Service) SwitchRole(sessionID string, role Role) error {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	sess.cache.Clear()
	sess.setRole(role)
	s.logger.Info("role switched", "session", sessionID, "role", role)
	return nil
}

func (s *Service) fetch(ctx context.Context, sess *Session, key string, refresh bool, q *backend.QueryBuilder) (json.RawMessage, error) {
	var opts []datacache.FetchOption
	if refresh {
		opts = append(opts, datacache.ForceRefresh())
	}
	return sess.cache.Fetch(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		s.logger.Debug("data cache miss", "session", sess.ID, "key", key)
		return q.Execute(ctx, sess.Token)
	}, opts...)
}

func (s *Service) CustomerOrders(ctx context.Context, sessionID string, refresh bool) (json.RawMessage, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	q := s.backend.From("orders").Select("*").Eq("customer_id", sess.UserID).Order("created_at", false)
	return s.fetch(ctx, sess, OrdersKey(sess.UserID), refresh, q)
}

func (s *Service) StoreOrders(ctx context.Context, sessionID, storeID string, refresh bool) (json.RawMessage, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	q := s.backend.From("orders").Select("*").Eq("store_id", storeID).Order("created_at", false)
	return s.fetch(ctx, sess, StoreOrdersKey(storeID), refresh, q)
}

func (s *Service) StoreProducts(ctx context.Context, sessionID, storeID string, refresh bool) (json.RawMessage, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	q := s.backend.From("products").Select("*").Eq("store_id", storeID).Order("name", true)
	return s.fetch(ctx, sess, StoreProductsKey(storeID), refresh, q)
}

func (s *Service) CourierDeliveries(ctx context.Context, sessionID string, refresh bool) (json.RawMessage, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	q := s.backend.From("orders").Select("*").Eq("courier_id", sess.UserID).Order("created_at", false)
	return s.fetch(ctx, sess, DeliveriesKey(sess.UserID), refresh, q)
}

// UpdateOrderStatus writes the new status and removes every cached list the
// updated order appears in, across all sessions.
func (s *Service) UpdateOrderStatus(ctx context.Context, sessionID, orderID, status string) (json.RawMessage, error) {
	if orderID == "" || status == "" {
		return nil, fmt.Errorf("order id and status are required")
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := s.backend.From("orders").Eq("id", orderID).
		Update(ctx, sess.Token, map[string]string{"status": status})
	if err != nil {
		return nil, err
	}

	keys := rowsKeys("orders", rows)
	s.sessions.Invalidate(keys...)
	s.logger.Info("order status updated", "order", orderID, "status", status, "invalidated", keys)
	return rows, nil
}

// ApplyChange invalidates cached lists touched by a realtime row change.
func (s *Service) ApplyChange(ch backend.Change) {
	keys := rowsKeys(ch.Table, ch.Record, ch.OldRecord)
	if len(keys) == 0 {
		return
	}
	s.sessions.Invalidate(keys...)
	s.logger.Debug("realtime invalidation", "table", ch.Table, "type", ch.Type, "keys", keys)
}
