package svc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fundarb/internal/application/port"
	"fundarb/internal/application/service"
	"fundarb/internal/application/usecase/monitor"
	"fundarb/internal/domain/model"
	domain "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/credential"
	"fundarb/internal/infrastructure/factory"
	"fundarb/internal/infrastructure/storage/composite"
	"fundarb/internal/infrastructure/storage/memory"
	pgrepo "fundarb/internal/infrastructure/storage/postgres"
	redisrepo "fundarb/internal/infrastructure/storage/redis"
	sqliterepo "fundarb/internal/infrastructure/storage/sqlite"
	"fundarb/internal/infrastructure/websocket"
	"fundarb/internal/interfaces/console"
	"fundarb/internal/interfaces/httpapi"
	"fundarb/internal/interfaces/wspush"
)

type ServiceContext struct {
	Config *config.Config

	// 基础设施层
	Exchanges   *factory.ExchangeFactory
	Connections *websocket.PrivateManager
	redisClient *redisclient.Client
	repo        *composite.Repo
	locker      port.Locker
	publisher   *redisrepo.Publisher
	hub         *wspush.Hub

	// 应用层
	Positions    *service.PositionTracker
	Balances     *service.BalanceTracker
	Syncer       *service.FundingRateSyncer
	Orchestrator *service.Orchestrator
	Notifier     *service.OpportunityNotifier
	emitter      *service.ProgressEmitter
	router       *service.EventRouter
	throttle     *service.PersistThrottle

	// 输出端口
	Sink port.Sink

	closerChain []func() error
}

// New 创建并初始化 ServiceContext，按依赖顺序构造全部组件
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	sc := &ServiceContext{
		Config:      cfg,
		Sink:        console.NewSink(nil),
		closerChain: make([]func() error, 0),
	}
	if err := sc.initializeComponents(ctx); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

func (sc *ServiceContext) initializeComponents(ctx context.Context) error {
	// 0. 存储层
	if err := sc.initializeStorage(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}

	// 1. 交易所与私有连接
	creds, err := credential.NewEnvStore(sc.Config.Credentials.EnvFile, sc.Config.Credentials.Prefix)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	if len(sc.Config.EnabledExchanges()) == 0 {
		return ErrNoExchangesEnabled
	}
	sc.Exchanges, err = factory.NewExchangeFactory(sc.Config, creds)
	if err != nil {
		return fmt.Errorf("exchange factory: %w", err)
	}
	sc.Connections = websocket.NewPrivateManager(sc.Exchanges.NewStream, creds, websocket.ManagerConfig{
		ConnectTimeout: sc.Config.WebSocket.ManagerConnectTimeout(),
	})
	sc.closerChain = append(sc.closerChain, sc.Connections.Close)

	// 2. 推送
	sc.hub = wspush.NewHub()
	sc.closerChain = append(sc.closerChain, sc.hub.Close)
	var hub port.Broadcaster = sc.hub
	var stream port.NotificationSink
	if sc.publisher != nil {
		hub = composite.NewBroadcaster(sc.hub, sc.publisher)
		stream = sc.publisher
	}
	sc.emitter = service.NewProgressEmitter(hub)

	// 3. 状态跟踪
	sc.throttle = service.NewPersistThrottle(service.DefaultPersistInterval)
	sc.closerChain = append(sc.closerChain, func() error {
		sc.throttle.Flush()
		return nil
	})
	sc.Positions = service.NewPositionTracker(sc.repo, sc.throttle)
	sc.Balances = service.NewBalanceTracker()
	sc.router = service.NewEventRouter(sc.Positions, sc.Balances, sc.emitter)

	// 4. 费率
	rc := sc.Config.Rate
	engine := domain.NewRateEngine(domain.RateEngineConfig{
		Basis:                model.TimeBasis(rc.TimeBasis),
		OpportunityThreshold: rc.OpportunityThreshold,
		ApproachingRatio:     rc.ApproachingRatio,
		PaybackMaxPeriods:    rc.PaybackMaxPeriods,
	})
	sc.Syncer = service.NewFundingRateSyncer(sc.Exchanges.FundingSources(), sc.Config.Symbols.List, engine, rc.PollInterval())
	if rc.StreamFunding {
		sc.Syncer.WithStreams(sc.Exchanges.FundingStreams()...)
	}
	sc.Notifier = service.NewOpportunityNotifier(rc.NotifyDebounce(), hub, sc.repo, stream)

	// 5. 开平仓编排
	oc := sc.Config.Orchestrator
	sc.Orchestrator = service.NewOrchestrator(service.OrchestratorConfig{
		MarginBuffer:   decimal.NewFromFloat(oc.MarginBuffer),
		LockTTL:        oc.LockTTL(),
		MaxSplitGroups: oc.MaxSplitGroups,
		MinQuantity:    decimal.NewFromFloat(oc.MinQuantity),
		QuantityPlaces: oc.QuantityPlaces,
		OrderTimeout:   oc.OrderTimeout(),
		Restrictions:   domain.NewRestrictions(oc.RestrictedPairs),
	}, sc.Exchanges, sc.locker, sc.repo, sc.emitter)

	log.Info().
		Int("exchanges", len(sc.Exchanges.Enabled())).
		Int("symbols", len(sc.Config.Symbols.List)).
		Int("repositories", sc.repo.Len()).
		Bool("redis", sc.redisClient != nil).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化仓储、锁与 Redis 推送
func (sc *ServiceContext) initializeStorage(ctx context.Context) error {
	st := sc.Config.Storage
	var repos []port.PositionRepository

	if st.SQLite.Enabled {
		repo, err := sqliterepo.New(st.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		repos = append(repos, repo)
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing sqlite connection")
			return repo.Close()
		})
		log.Info().Str("path", st.SQLite.Path).Msg("✓ SQLite initialized")
	}
	if st.Postgres.Enabled {
		repo, err := pgrepo.New(st.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		repos = append(repos, repo)
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing postgres connection")
			return repo.Close()
		})
		log.Info().Msg("✓ Postgres initialized")
	}
	if len(repos) == 0 {
		log.Warn().Msg("no persistent storage enabled, positions are kept in memory")
		repos = append(repos, memory.New())
	}
	sc.repo = composite.New(repos...)

	if !st.Redis.Enabled {
		sc.locker = memory.NewLocker()
		return nil
	}
	return sc.initRedis(ctx)
}

// initRedis 初始化 Redis 连接、分布式锁和事件发布
func (sc *ServiceContext) initRedis(ctx context.Context) error {
	rc := sc.Config.Storage.Redis
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	sc.locker = redisrepo.NewLocker(rdb, strings.TrimSuffix(rc.Prefix, ":"))
	sc.publisher = redisrepo.NewPublisher(rdb, rc.Prefix, rc.Channel, rc.NotifyStream)
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", rc.Addr).
		Int("db", rc.DB).
		Msg("✓ Redis initialized")
	return nil
}

// Handler HTTP 路由
func (sc *ServiceContext) Handler() http.Handler {
	return httpapi.NewRouter(httpapi.Deps{
		Orchestrator: sc.Orchestrator,
		Rates:        sc.Syncer,
		Connections:  sc.Connections,
		Exchanges:    sc.Exchanges.Enabled(),
		Positions:    sc.Positions,
		Balances:     sc.Balances,
		Push:         sc.hub.ServeWS,
	})
}

// BuildMonitorServiceDeps 构建行情监控依赖
func (sc *ServiceContext) BuildMonitorServiceDeps(batches <-chan []model.MarketRate) monitor.ServiceDeps {
	return monitor.ServiceDeps{
		Batches:       batches,
		Symbols:       sc.Config.Symbols.List,
		PrintEveryMin: sc.Config.App.PrintEveryMin,
		Sink:          sc.Sink,
		Notifier:      sc.Notifier,
	}
}

// Run 启动事件路由、费率监控、HTTP 服务，并为配置的用户建立私有连接
// 阻塞直到 ctx 取消或某个组件失败
func (sc *ServiceContext) Run(ctx context.Context) error {
	events, unsubscribe := sc.Connections.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sc.router.Run(gctx, events)
		return nil
	})
	g.Go(func() error {
		svc := monitor.NewService(sc.BuildMonitorServiceDeps(sc.Syncer.Start(gctx)))
		if err := svc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	srv := &http.Server{
		Addr:              sc.Config.HTTP.Addr,
		Handler:           sc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	sc.connectUsers(gctx)
	return g.Wait()
}

// connectUsers 为启动配置中的用户连接全部已启用交易所，单个失败只记录日志
func (sc *ServiceContext) connectUsers(ctx context.Context) {
	for _, user := range sc.Config.App.Users {
		for _, ex := range sc.Exchanges.Enabled() {
			go func(user string, ex model.ExchangeID) {
				if err := sc.Connections.ConnectUser(ctx, user, ex); err != nil {
					log.Warn().Err(err).Str("user_id", user).Str("exchange", string(ex)).Msg("auto connect failed")
				}
			}(user, ex)
		}
		go sc.Exchanges.LogBalances(ctx, user)
	}
}

// Close 逆序关闭全部资源
func (sc *ServiceContext) Close() error {
	var errs []error
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			errs = append(errs, err)
		}
	}
	sc.closerChain = nil
	if len(errs) > 0 {
		log.Error().Errs("errors", errs).Msg("service context closed with errors")
		return errors.Join(errs...)
	}
	log.Info().Msg("✓ Service context closed")
	return nil
}
