package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/vmartins/corrigeai/internal/model"
)

// CreatePurchaseIntent records a request to buy credits and returns its
// ID. Recording is the whole job: fulfillment (payment confirmation plus
// an AddCredits call) happens out of band.
func (s *Store) CreatePurchaseIntent(userID int64, credits int) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO purchase_intents (id, user_id, credits, created_at) VALUES (?, ?, ?, ?)`,
		id, userID, credits, time.Now(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListPurchaseIntents returns a user's purchase intents, newest first.
func (s *Store) ListPurchaseIntents(userID int64) ([]model.PurchaseIntent, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, credits, created_at FROM purchase_intents WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var intents []model.PurchaseIntent
	for rows.Next() {
		var pi model.PurchaseIntent
		if err := rows.Scan(&pi.ID, &pi.UserID, &pi.Credits, &pi.CreatedAt); err != nil {
			return nil, err
		}
		intents = append(intents, pi)
	}
	return intents, rows.Err()
}
