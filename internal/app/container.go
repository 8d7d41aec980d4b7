package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acme/outbound-dialer/internal/admission"
	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/dispatch"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/infra/db"
	"github.com/acme/outbound-dialer/internal/infra/redis"
	"github.com/acme/outbound-dialer/internal/pool"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/retry"
	dialersvc "github.com/acme/outbound-dialer/internal/service/dialer"
	"github.com/acme/outbound-dialer/internal/state"
	scyllastate "github.com/acme/outbound-dialer/internal/state/scylla"
	"github.com/acme/outbound-dialer/internal/telephony"
	telephonymock "github.com/acme/outbound-dialer/internal/telephony/mock"
	"github.com/acme/outbound-dialer/internal/throttle"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Container wires together shared infrastructure and the scheduling core.
// Infra handles are nil when the deployment does not configure them; the
// core degrades accordingly (no leader lock, loopback outcomes, nop
// history).
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	components struct {
		once     sync.Once
		buildErr error
		core     *Core
		services *Services
	}
}

// OutcomeSink accepts attempt outcomes for delivery to the scheduling core,
// either through the broker or directly in loopback mode.
type OutcomeSink interface {
	Publish(ctx context.Context, evt domain.OutcomeEvent) error
}

// Core bundles the scheduling components.
type Core struct {
	Sink OutcomeSink

	Scheduler  *retry.Scheduler
	Guard      *admission.Guard
	Selector   *pool.Selector
	Gate       *throttle.Limiter
	Store      state.Store
	History    state.AttemptHistory
	Initiator  telephony.Initiator
	Publisher  *queue.OutcomePublisher
	Consumer   *queue.OutcomeConsumer
	Dispatcher *dispatch.Dispatcher
}

// Services bundles the operational facades.
type Services struct {
	Dialer *dialersvc.Service
}

// Build constructs a container for the given configuration path. Only the
// infrastructure the config actually names is dialed.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	container := &Container{Config: cfg, Logger: lg}

	if cfg.Storage.Backend == "postgres" {
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("bootstrap postgres: %w", err)
		}
		container.Postgres = pg
	}

	if len(cfg.Scylla.Hosts) > 0 {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
		container.Scylla = scylla
	}

	if cfg.Redis.Address != "" {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		container.Redis = redisClient
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		container.Kafka = kafka
	}

	return container, nil
}

// loopbackPublisher short-circuits outcomes straight into the dispatcher
// when no broker is configured (single-process development mode).
type loopbackPublisher struct {
	mu      sync.RWMutex
	handler queue.OutcomeHandler
}

func (p *loopbackPublisher) bind(handler queue.OutcomeHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *loopbackPublisher) Publish(ctx context.Context, evt domain.OutcomeEvent) error {
	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("loopback publisher: no handler bound")
	}
	return handler.HandleOutcome(ctx, evt)
}

func (c *Container) initComponents(ctx context.Context) error {
	c.components.once.Do(func() {
		c.components.buildErr = c.buildComponents(ctx)
	})
	return c.components.buildErr
}

func (c *Container) buildComponents(ctx context.Context) error {
	cfg := c.Config
	lg := c.Logger

	location := time.UTC
	if cfg.Dialer.DefaultTimeZone != "" {
		loc, err := time.LoadLocation(cfg.Dialer.DefaultTimeZone)
		if err != nil {
			return fmt.Errorf("load default timezone: %w", err)
		}
		location = loc
	}

	successSet := make(map[domain.Outcome]struct{}, len(cfg.Dialer.SuccessOutcomes))
	for _, o := range cfg.Dialer.SuccessOutcomes {
		successSet[domain.Outcome(o)] = struct{}{}
	}
	neverSet := make(map[domain.Outcome]struct{}, len(cfg.Dialer.NeverRecontactOutcomes))
	for _, o := range cfg.Dialer.NeverRecontactOutcomes {
		neverSet[domain.Outcome(o)] = struct{}{}
	}

	scheduler, err := retry.NewScheduler(retry.Config{
		MaxAttempts:     cfg.Dialer.MaxAttempts,
		SameDay:         cfg.Dialer.Tiers.SameDay,
		NextDay:         cfg.Dialer.Tiers.NextDay,
		Older:           cfg.Dialer.Tiers.Older,
		MinDelay:        cfg.Dialer.MinRetryDelay,
		Retention:       cfg.Dialer.Retention,
		SuccessSet:      successSet,
		DefaultLocation: location,
	}, lg)
	if err != nil {
		return err
	}

	resources := make([]domain.Resource, 0, len(cfg.Pool.Resources))
	for _, r := range cfg.Pool.Resources {
		resources = append(resources, r.Resource())
	}
	selector, err := pool.NewSelector(pool.Config{
		Resources:       resources,
		MinSample:       cfg.Pool.MinSample,
		NeutralWeight:   cfg.Pool.NeutralWeight,
		WeightFloor:     cfg.Pool.WeightFloor,
		BalanceBonus:    cfg.Pool.BalanceBonus,
		StreakThreshold: cfg.Pool.StreakThreshold,
		CooldownBase:    cfg.Pool.CooldownBase,
		WindowAge:       cfg.Pool.WindowAge,
	}, lg)
	if err != nil {
		return err
	}

	guard := admission.NewGuard(admission.Config{
		PerDayCap:       cfg.Dialer.PerDayAttemptCap,
		DedupWindow:     cfg.Dialer.DedupWindow,
		TransferHold:    cfg.Dialer.TransferHold,
		NeverRecontact:  neverSet,
		RetryVoicemail:  cfg.Dialer.RetryVoicemail,
		RetryNoAnswer:   cfg.Dialer.RetryNoAnswer,
		DefaultLocation: location,
	}, lg)

	gate, err := throttle.NewLimiter(cfg.Dialer.AttemptsPerSecond, cfg.Dialer.PerTargetInterval)
	if err != nil {
		return err
	}

	store, err := c.buildStore(ctx)
	if err != nil {
		return err
	}

	var history state.AttemptHistory = state.NopHistory{}
	if c.Scylla != nil {
		attempts := scyllastate.NewAttemptStore(c.Scylla.Session())
		if err := attempts.EnsureSchema(ctx); err != nil {
			return err
		}
		history = attempts
	}

	var locker dispatch.TickLocker
	if c.Redis != nil {
		locker = dispatch.NewRedisTickLock(c.Redis.Inner(), cfg.Dialer.LockKey, cfg.Dialer.LockTTL)
	}

	var (
		publisher *queue.OutcomePublisher
		loopback  *loopbackPublisher
		initiator telephony.Initiator
	)
	if c.Kafka != nil {
		publisher = queue.NewOutcomePublisher(c.Kafka, cfg.Kafka.OutcomeTopic)
		initiator = telephonymock.NewProvider(publisher, lg)
	} else {
		loopback = &loopbackPublisher{}
		initiator = telephonymock.NewProvider(loopback, lg)
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		TickInterval:  cfg.Dialer.TickInterval,
		MaxBatchSize:  cfg.Dialer.MaxBatchSize,
		BlockedDefer:  cfg.Dialer.BlockedDefer,
		FlushInterval: cfg.Storage.FlushInterval,
	}, dispatch.Deps{
		Scheduler: scheduler,
		Guard:     guard,
		Selector:  selector,
		Gate:      gate,
		Initiator: initiator,
		Store:     store,
		History:   history,
		Locker:    locker,
	}, lg)
	if err != nil {
		return err
	}
	if loopback != nil {
		loopback.bind(dispatcher)
	}

	var consumer *queue.OutcomeConsumer
	if c.Kafka != nil {
		consumer = queue.NewOutcomeConsumer(c.Kafka, cfg.Kafka.OutcomeTopic, cfg.Kafka.ConsumerGroup, dispatcher, lg)
	}

	var sink OutcomeSink = publisher
	if publisher == nil {
		sink = loopback
	}

	c.components.core = &Core{
		Sink:       sink,
		Scheduler:  scheduler,
		Guard:      guard,
		Selector:   selector,
		Gate:       gate,
		Store:      store,
		History:    history,
		Initiator:  initiator,
		Publisher:  publisher,
		Consumer:   consumer,
		Dispatcher: dispatcher,
	}
	c.components.services = &Services{
		Dialer: dialersvc.NewService(scheduler, guard, selector, history, lg),
	}
	return nil
}

func (c *Container) buildStore(ctx context.Context) (state.Store, error) {
	cfg := c.Config.Storage
	switch cfg.Backend {
	case "file":
		return state.NewFileStore(cfg.Path)
	case "postgres":
		if c.Postgres == nil {
			return nil, fmt.Errorf("storage backend postgres requires postgres config")
		}
		return state.NewPostgresStore(ctx, c.Postgres.DB())
	default:
		return state.NewBoltStore(cfg.Path)
	}
}

// Core exposes the initialized scheduling components.
func (c *Container) Core(ctx context.Context) (*Core, error) {
	if err := c.initComponents(ctx); err != nil {
		return nil, err
	}
	return c.components.core, nil
}

// Services exposes the initialized service facades.
func (c *Container) Services(ctx context.Context) (*Services, error) {
	if err := c.initComponents(ctx); err != nil {
		return nil, err
	}
	return c.components.services, nil
}

// EnsureTopics creates the outcome topic when a broker is configured.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.OutcomeTopic}, 3, 1)
}

// Close releases every held resource.
func (c *Container) Close() {
	if c.components.core != nil {
		if c.components.core.Publisher != nil {
			_ = c.components.core.Publisher.Close()
		}
		if c.components.core.Store != nil {
			_ = c.components.core.Store.Close()
		}
	}
	if c.Kafka != nil {
		_ = c.Kafka.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Scylla != nil {
		_ = c.Scylla.Close()
	}
	if c.Postgres != nil {
		_ = c.Postgres.Close()
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
}
