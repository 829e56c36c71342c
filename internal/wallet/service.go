package wallet

import (
	"context"
)

type WalletService interface {
	GetBalance(ctx context.Context, userID string) (*BalanceResponse, error)
}

type Service struct {
	repo WalletRepository
}

func NewService(repo WalletRepository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetBalance(ctx context.Context, userID string) (*BalanceResponse, error) {
	w, err := s.repo.Get(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{
		UserID:         w.UserID,
		Balance:        w.Balance,
		LockedBalance:  w.LockedBalance,
		TotalEarned:    w.TotalEarned,
		TotalWithdrawn: w.TotalWithdrawn,
	}, nil
}
