package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/herdpay/internal/account/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo accountdomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo accountdomain.Repository
}

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("account.service"),
		repo: p.Repo,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*accountdomain.Account, error) {
	if id == 0 {
		return nil, accountdomain.ErrInvalidAccount
	}
	account, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrNotFound
	}
	return account, nil
}

func (s *Service) ResolvePayer(ctx context.Context, id snowflake.ID) (accountdomain.Payer, error) {
	account, err := s.Get(ctx, id)
	if err != nil {
		return accountdomain.Payer{}, err
	}

	payer := accountdomain.Payer{
		AccountID: account.ID,
		Email:     strings.TrimSpace(account.Email),
	}
	if account.ProviderCustomerID != nil {
		payer.ProviderCustomerID = strings.TrimSpace(*account.ProviderCustomerID)
	}
	if payer.ProviderCustomerID == "" {
		s.log.Debug("payer has no provider customer yet", zap.String("account_id", id.String()))
	}
	return payer, nil
}
