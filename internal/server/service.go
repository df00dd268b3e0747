package server

import (
	"PerpSettle/internal/api"
	"PerpSettle/internal/command"
	"PerpSettle/internal/core"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/metadata"
)

// Caller credentials, as gRPC metadata keys and HTTP headers.
const (
	MetadataCallerID    = "x-caller-id"
	MetadataCallerToken = "x-caller-token"
)

// errUnauthenticated marks credential failures, as opposed to a verified caller lacking rights.
var errUnauthenticated = fmt.Errorf("%w: unauthenticated", errs.ErrUnauthorized)

// Settler runs commands and consistent reads against the settlement core. *core.Sequencer
// satisfies it.
type Settler interface {
	Submit(ctx context.Context, cmd command.Command) (*core.Result, error)
	Read(ctx context.Context, fn func(*core.SettlementCore) error) error
}

// Authenticator checks a caller's token.
type Authenticator interface {
	Verify(caller uuid.UUID, token string) error
}

// Service implements the settlement API once for both transports: the gRPC ServiceDesc and
// the HTTP gateway call the same methods.
type Service struct {
	settler Settler
	auth    Authenticator
	clock   func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewService(settler Settler, auth Authenticator, metrics *observability.Metrics) *Service {
	return &Service{
		settler: settler,
		auth:    auth,
		clock:   time.Now,
		metrics: metrics,
		logger:  observability.NewLogger("api"),
	}
}

// WithClock overrides the clock used to value positions in read queries.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Execute authenticates the caller and submits one command.
func (s *Service) Execute(ctx context.Context, commandType string, req api.Request) (resp *api.CommandResponse, err error) {
	defer s.observe(commandType, time.Now(), &err)

	caller, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	cmd, err := req.ToCommand(caller)
	if err != nil {
		return nil, err
	}
	res, err := s.settler.Submit(ctx, cmd)
	if err != nil {
		s.logger.Debug().Err(err).Str("command_type", commandType).Str("caller", caller.String()).Msg("command rejected")
		return nil, err
	}
	return api.NewCommandResponse(res)
}

func (s *Service) GetConfiguredCollaterals(ctx context.Context, _ *api.Empty) (resp *api.CollateralsResponse, err error) {
	defer s.observe("GetConfiguredCollaterals", time.Now(), &err)
	err = s.settler.Read(ctx, func(c *core.SettlementCore) error {
		resp = api.NewCollateralsResponse(c.GetConfiguredCollaterals())
		return nil
	})
	return resp, err
}

func (s *Service) GetMarketConfiguration(ctx context.Context, req *api.MarketRequest) (resp *api.MarketConfiguration, err error) {
	defer s.observe("GetMarketConfiguration", time.Now(), &err)
	err = s.settler.Read(ctx, func(c *core.SettlementCore) error {
		cfg, err := c.GetMarketConfiguration(req.MarketID)
		if err != nil {
			return err
		}
		out := api.NewMarketConfiguration(cfg)
		resp = &out
		return nil
	})
	return resp, err
}

func (s *Service) GetNotionalValue(ctx context.Context, req *api.AccountMarketRequest) (resp *api.NotionalResponse, err error) {
	defer s.observe("GetNotionalValue", time.Now(), &err)
	account, err := req.Account()
	if err != nil {
		return nil, err
	}
	now := s.clock().Unix()
	err = s.settler.Read(ctx, func(c *core.SettlementCore) error {
		notional, err := c.GetNotionalValueUsd(account, req.MarketID, now)
		if err != nil {
			return err
		}
		resp = api.NewNotionalResponse(account, req.MarketID, notional)
		return nil
	})
	return resp, err
}

func (s *Service) GetMarginSummary(ctx context.Context, req *api.AccountMarketRequest) (resp *api.MarginSummary, err error) {
	defer s.observe("GetMarginSummary", time.Now(), &err)
	account, err := req.Account()
	if err != nil {
		return nil, err
	}
	now := s.clock().Unix()
	err = s.settler.Read(ctx, func(c *core.SettlementCore) error {
		sum, err := c.GetMarginSummary(account, req.MarketID, now)
		if err != nil {
			return err
		}
		resp = api.NewMarginSummary(sum)
		return nil
	})
	return resp, err
}

func (s *Service) GetPendingOrder(ctx context.Context, req *api.AccountMarketRequest) (resp *api.Order, err error) {
	defer s.observe("GetPendingOrder", time.Now(), &err)
	account, err := req.Account()
	if err != nil {
		return nil, err
	}
	err = s.settler.Read(ctx, func(c *core.SettlementCore) error {
		o, err := c.GetPendingOrder(account, req.MarketID)
		if err != nil {
			return err
		}
		resp = api.NewOrder(o)
		return nil
	})
	return resp, err
}

// authenticate reads the caller credentials from incoming metadata.
func (s *Service) authenticate(ctx context.Context) (uuid.UUID, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	rawID := firstValue(md, MetadataCallerID)
	if rawID == "" {
		return uuid.Nil, fmt.Errorf("%w: missing %s", errUnauthenticated, MetadataCallerID)
	}
	caller, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed %s", errUnauthenticated, MetadataCallerID)
	}
	if s.auth == nil {
		return caller, nil
	}
	if err := s.auth.Verify(caller, firstValue(md, MetadataCallerToken)); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	return caller, nil
}

func (s *Service) observe(endpoint string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if *errp != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, errs.Code(*errp)).Inc()
	}
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
