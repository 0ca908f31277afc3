package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/herdpay/internal/account/domain"
	auditdomain "github.com/smallbiznis/herdpay/internal/audit/domain"
	"github.com/smallbiznis/herdpay/internal/clock"
	"github.com/smallbiznis/herdpay/internal/config"
	connectdomain "github.com/smallbiznis/herdpay/internal/connect/domain"
	"github.com/smallbiznis/herdpay/internal/observability/logger"
	"github.com/smallbiznis/herdpay/internal/observability/metrics"
	"github.com/smallbiznis/herdpay/internal/outbox"
	"github.com/smallbiznis/herdpay/internal/payment/provider"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sourceWebhook = "webhook"
	sourcePull    = "pull"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Config      config.Config
	AccountRepo accountdomain.Repository
	Accounts    accountdomain.Service
	Provider    provider.Client
	Outbox      *outbox.Writer
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock       clock.Clock
	country     string
	accountRepo accountdomain.Repository
	accounts    accountdomain.Service
	provider    provider.Client
	outbox      *outbox.Writer
	metrics     *metrics.Metrics
}

func NewService(p Params) connectdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("connect.service"),

		clock:       p.Clock,
		country:     strings.ToUpper(strings.TrimSpace(p.Config.Stripe.ConnectCountry)),
		accountRepo: p.AccountRepo,
		accounts:    p.Accounts,
		provider:    p.Provider,
		outbox:      p.Outbox,
		metrics:     p.Metrics,
	}
}

// SyncFromEvent copies the provider's capability flags onto the linked
// account.
func (s *Service) SyncFromEvent(ctx context.Context, tx *gorm.DB, event connectdomain.AccountUpdated) (connectdomain.Outcome, error) {
	connectedID := strings.TrimSpace(event.ConnectedAccountID)
	if connectedID == "" {
		return connectdomain.Outcome{}, connectdomain.ErrInvalidEvent
	}
	log := logger.WithEvent(logger.WithContext(ctx, s.log), event.EventID, event.EventType)

	account, err := s.accountRepo.FindByConnectedAccountID(ctx, tx, connectedID)
	if err != nil {
		return connectdomain.Outcome{}, err
	}
	if account == nil {
		log.Warn("account.updated for unlinked connected account", zap.String("connected_account_id", connectedID))
		return connectdomain.Outcome{Reason: connectdomain.ReasonUnknownAccount}, nil
	}

	flags := accountdomain.ConnectFlags{
		ChargesEnabled:   event.ChargesEnabled,
		PayoutsEnabled:   event.PayoutsEnabled,
		DetailsSubmitted: event.DetailsSubmitted,
	}
	if _, err := s.accountRepo.UpdateConnectFlags(ctx, tx, connectedID, flags, s.clock.Now().UTC()); err != nil {
		return connectdomain.Outcome{}, err
	}

	changed := account.OnboardingComplete != flags.OnboardingComplete()
	if changed {
		outbox.DeferAudit(ctx, s.auditEntry(account.ID, connectedID, flags, sourceWebhook))
		log.Info("connected account onboarding changed",
			zap.String("account_id", account.ID.String()),
			zap.Bool("onboarding_complete", flags.OnboardingComplete()),
		)
	}
	s.metrics.RecordConnectSync(ctx, sourceWebhook, changed)

	return connectdomain.Outcome{Applied: true, AccountID: account.ID}, nil
}

// GetConnectedAccountStatus reads the flags from the provider. The local row
// is written only when the onboarding outcome differs.
func (s *Service) GetConnectedAccountStatus(ctx context.Context, accountID snowflake.ID) (connectdomain.Status, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return connectdomain.Status{}, err
	}
	if account.ConnectedAccountID == nil || *account.ConnectedAccountID == "" {
		return connectdomain.Status{}, connectdomain.ErrNotConnected
	}
	connectedID := *account.ConnectedAccountID

	remote, err := s.provider.GetConnectedAccount(ctx, connectedID)
	if err != nil {
		return connectdomain.Status{}, fmt.Errorf("get connected account: %w", err)
	}
	flags := accountdomain.ConnectFlags{
		ChargesEnabled:   remote.ChargesEnabled,
		PayoutsEnabled:   remote.PayoutsEnabled,
		DetailsSubmitted: remote.DetailsSubmitted,
	}

	changed := account.OnboardingComplete != flags.OnboardingComplete()
	if changed {
		if _, err := s.accountRepo.UpdateConnectFlags(ctx, s.db, connectedID, flags, s.clock.Now().UTC()); err != nil {
			return connectdomain.Status{}, err
		}
		if err := s.outbox.EnqueueAudit(ctx, s.db, s.auditEntry(account.ID, connectedID, flags, sourcePull)); err != nil {
			s.log.Warn("connect audit enqueue failed", zap.String("account_id", account.ID.String()), zap.Error(err))
		}
	}
	s.metrics.RecordConnectSync(ctx, sourcePull, changed)

	return connectdomain.Status{
		AccountID:          account.ID,
		ConnectedAccountID: connectedID,
		ChargesEnabled:     flags.ChargesEnabled,
		PayoutsEnabled:     flags.PayoutsEnabled,
		DetailsSubmitted:   flags.DetailsSubmitted,
		OnboardingComplete: flags.OnboardingComplete(),
	}, nil
}

// StartOnboarding links a connected account on first use and returns a
// fresh hosted onboarding link.
func (s *Service) StartOnboarding(ctx context.Context, accountID snowflake.ID) (connectdomain.OnboardingLink, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return connectdomain.OnboardingLink{}, err
	}

	connectedID := ""
	if account.ConnectedAccountID != nil {
		connectedID = strings.TrimSpace(*account.ConnectedAccountID)
	}
	if connectedID == "" {
		created, err := s.provider.CreateConnectedAccount(ctx, provider.ConnectedAccountRequest{
			Email:    account.Email,
			Country:  s.country,
			Metadata: map[string]string{"account_id": account.ID.String()},
		})
		if err != nil {
			return connectdomain.OnboardingLink{}, fmt.Errorf("create connected account: %w", err)
		}
		if err := s.accountRepo.SetConnectedAccountID(ctx, s.db, account.ID, created, s.clock.Now().UTC()); err != nil {
			return connectdomain.OnboardingLink{}, err
		}

		// A concurrent request may have linked first.
		linked, err := s.accountRepo.FindByID(ctx, s.db, account.ID)
		if err != nil {
			return connectdomain.OnboardingLink{}, err
		}
		if linked == nil || linked.ConnectedAccountID == nil {
			return connectdomain.OnboardingLink{}, connectdomain.ErrNotConnected
		}
		connectedID = *linked.ConnectedAccountID
		if connectedID != created {
			s.log.Warn("discarding duplicate connected account",
				zap.String("account_id", account.ID.String()),
				zap.String("connected_account_id", created),
			)
		} else {
			logger.WithAccount(s.log, account.ID.String()).Info("connected account created", zap.String("connected_account_id", created))
		}
	}

	url, err := s.provider.CreateOnboardingLink(ctx, connectedID)
	if err != nil {
		return connectdomain.OnboardingLink{}, fmt.Errorf("create onboarding link: %w", err)
	}
	return connectdomain.OnboardingLink{URL: url, ConnectedAccountID: connectedID}, nil
}

func (s *Service) auditEntry(accountID snowflake.ID, connectedID string, flags accountdomain.ConnectFlags, source string) auditdomain.Entry {
	return auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeProvider,
		ActorID:    provider.Name,
		Action:     "connect.onboarding_changed",
		TargetType: "account",
		TargetID:   accountID.String(),
		Metadata: map[string]any{
			"connected_account_id": connectedID,
			"charges_enabled":      flags.ChargesEnabled,
			"payouts_enabled":      flags.PayoutsEnabled,
			"details_submitted":    flags.DetailsSubmitted,
			"onboarding_complete":  flags.OnboardingComplete(),
			"source":               source,
		},
	}
}
