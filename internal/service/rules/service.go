// Package rules manages user-authored policy rules.
package rules

import (
	"context"

	"go.uber.org/zap"

	"inviteflow/internal/model"
)

type Store interface {
	List(ctx context.Context, userID int64) ([]*model.Rule, error)
	Get(ctx context.Context, userID, id int64) (*model.Rule, error)
	Create(ctx context.Context, rule *model.Rule) error
	Update(ctx context.Context, rule *model.Rule) error
	Delete(ctx context.Context, userID, id int64) error
}

type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func (s *Service) List(ctx context.Context, userID int64) ([]*model.Rule, error) {
	return s.store.List(ctx, userID)
}

func (s *Service) Get(ctx context.Context, userID, id int64) (*model.Rule, error) {
	return s.store.Get(ctx, userID, id)
}

// Create validates and stores a new rule owned by userID.
func (s *Service) Create(ctx context.Context, userID int64, rule *model.Rule) error {
	rule.UserID = userID
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.store.Create(ctx, rule); err != nil {
		return err
	}
	s.logger.Info("Rule created",
		zap.Int64("user_id", userID),
		zap.Int64("rule_id", rule.ID),
		zap.String("name", rule.Name),
		zap.Int("priority", rule.Priority),
	)
	return nil
}

// Update validates and replaces rule id of userID.
func (s *Service) Update(ctx context.Context, userID, id int64, rule *model.Rule) error {
	rule.ID = id
	rule.UserID = userID
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.store.Update(ctx, rule); err != nil {
		return err
	}
	s.logger.Info("Rule updated", zap.Int64("user_id", userID), zap.Int64("rule_id", id))
	return nil
}

func (s *Service) Delete(ctx context.Context, userID, id int64) error {
	if err := s.store.Delete(ctx, userID, id); err != nil {
		return err
	}
	s.logger.Info("Rule deleted", zap.Int64("user_id", userID), zap.Int64("rule_id", id))
	return nil
}
