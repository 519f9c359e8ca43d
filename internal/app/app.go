package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pvzzle/tipledger/internal/api"
	"github.com/pvzzle/tipledger/internal/bus"
	"github.com/pvzzle/tipledger/internal/changefeed"
	"github.com/pvzzle/tipledger/internal/ledger"
	"github.com/pvzzle/tipledger/internal/locale"
	"github.com/pvzzle/tipledger/internal/notify"
	"github.com/pvzzle/tipledger/internal/observability"
	"github.com/pvzzle/tipledger/internal/price"
	"github.com/pvzzle/tipledger/internal/storage/pg"
	"github.com/pvzzle/tipledger/internal/tg"
	"github.com/pvzzle/tipledger/internal/tipping"
	"github.com/pvzzle/tipledger/internal/transfer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	tgbot "github.com/go-telegram/bot"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func Run(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if !common.IsHexAddress(cfg.SenderAddress) {
		return fmt.Errorf("SENDER_ADDRESS: not an address: %q", cfg.SenderAddress)
	}

	metrics := observability.NewMetrics("tipledger")
	printer := locale.New(cfg.Locale)

	pgPool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("pgxpool new: %w", err)
	}
	defer pgPool.Close()

	repo := pg.New(pgPool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	ethCl, err := ethclient.DialContext(ctx, cfg.BSCRPCURL)
	if err != nil {
		return fmt.Errorf("dial bsc rpc: %w", err)
	}
	defer ethCl.Close()

	chainID, err := ethCl.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}

	registry := price.NewRegistry(price.DefaultTokens(cfg.CamlyTokenAddress)...)
	feed, err := price.NewCoinGecko(&http.Client{Timeout: cfg.PriceFeedTimeout}, price.CoinGeckoConfig{
		BaseURL: cfg.PriceFeedURL,
		APIKey:  cfg.PriceFeedAPIKey,
		RPS:     cfg.PriceFeedRPS,
	})
	if err != nil {
		return err
	}
	oracle := price.NewOracle(registry, feed, onChainStrategies(cfg, ethCl), logger, metrics, price.OracleConfig{
		RefreshInterval: cfg.PriceRefreshInterval,
		FeedTimeout:     cfg.PriceFeedTimeout,
		MaxStale:        cfg.PriceMaxStale,
	})

	signer, err := transfer.NewClefSigner(cfg.ClefURL, common.HexToAddress(cfg.SenderAddress))
	if err != nil {
		return fmt.Errorf("clef signer: %w", err)
	}
	executor := transfer.NewExecutor(ethCl, signer, logger, transfer.ExecutorConfig{
		PollInterval: cfg.ConfirmPollInterval,
	})
	recorder := ledger.NewRecorder(repo, logger)

	hub := bus.NewHub(logger, 16, cfg.NotifyBuffer)
	defer hub.Close()

	tips := tipping.NewService(ctx, executor, recorder, registry, oracle, hub, printer, logger, metrics, tipping.Config{})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(oracle, tips, recorder, hub, metrics.Handler(), logger, api.Config{TransferWait: cfg.TransferWait}).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	changes, err := newChangeFeed(cfg, pgPool, logger)
	if err != nil {
		return err
	}
	var dispatcher *notify.Dispatcher
	if changes != nil {
		dispatcher, err = notify.NewDispatcher(changes, hub, hub, printer, logger, metrics, notify.Config{
			SessionCacheSize: cfg.SessionCacheSize,
		})
		if err != nil {
			return err
		}
	}

	var (
		bot   *tgbot.Bot
		tgSvc *tg.Service
	)
	if cfg.TelegramToken != "" {
		opts := []tgbot.Option{
			tgbot.WithWorkers(4),
			tgbot.WithNotAsyncHandlers(),
			tgbot.WithErrorsHandler(func(err error) {
				logger.Warn("telegram", zap.Error(err))
			}),
		}
		if cfg.LogDev {
			opts = append(opts, tgbot.WithDebug())
		}
		bot, err = tgbot.New(cfg.TelegramToken, opts...)
		if err != nil {
			return fmt.Errorf("telegram bot init: %w", err)
		}
		tgSvc = tg.NewService(bot, oracle, recorder, hub.Notifications(), cfg.TelegramChatID, printer, logger, metrics)
	}

	if err := oracle.Start(ctx); err != nil {
		return fmt.Errorf("price oracle: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if dispatcher != nil {
		g.Go(func() error {
			err := dispatcher.Run(gctx)
			dispatcher.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if tgSvc != nil {
		g.Go(func() error {
			tgSvc.StartNotifyLoop(gctx)
			return nil
		})
		g.Go(func() error {
			bot.Start(gctx)
			return nil
		})
	} else {
		g.Go(func() error {
			tg.LogSink(gctx, hub.Notifications(), logger)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := tips.Stop(sctx); err != nil {
			errs = append(errs, fmt.Errorf("tipping stop: %w", err))
		}
		if err := oracle.Stop(sctx); err != nil {
			errs = append(errs, fmt.Errorf("price oracle stop: %w", err))
		}
		return errors.Join(errs...)
	})

	logger.Info("started",
		zap.String("chain_id", chainID.String()),
		zap.String("sender", signer.Address().Hex()),
		zap.String("change_feed", cfg.ChangeFeed),
		zap.Bool("telegram", cfg.TelegramToken != ""),
	)

	return g.Wait()
}

// onChainStrategies registers router quotes for every token whose feed price
// may be missing. CAMLY is only quoted when a real contract address is set.
func onChainStrategies(cfg Config, caller price.Caller) *price.OnChain {
	router := common.HexToAddress(cfg.RouterAddress)
	wbnb := common.HexToAddress(cfg.WBNBAddress)
	usdt := common.HexToAddress(cfg.USDTAddress)
	const usdtDecimals = 18

	oc := price.NewOnChain()
	oc.Add("BNB", price.NewRouterPath(caller, router, []common.Address{wbnb, usdt}, usdtDecimals, cfg.QuoteTimeout))
	oc.Add("BTCB", price.PancakePaths(caller, router, common.HexToAddress(price.BTCBAddress), wbnb, usdt, usdtDecimals, cfg.QuoteTimeout)...)
	oc.Add("ETH", price.PancakePaths(caller, router, common.HexToAddress(price.ETHAddress), wbnb, usdt, usdtDecimals, cfg.QuoteTimeout)...)
	if common.IsHexAddress(cfg.CamlyTokenAddress) {
		camly := common.HexToAddress(cfg.CamlyTokenAddress)
		oc.Add("CAMLY", price.PancakePaths(caller, router, camly, wbnb, usdt, usdtDecimals, cfg.QuoteTimeout)...)
	}
	return oc
}

// newChangeFeed returns nil when reward notifications are disabled.
func newChangeFeed(cfg Config, pool *pgxpool.Pool, logger *zap.Logger) (changefeed.Feed, error) {
	switch cfg.ChangeFeed {
	case ChangeFeedRealtime:
		return changefeed.NewRealtime(changefeed.RealtimeConfig{
			URL:    cfg.SupabaseURL,
			APIKey: cfg.SupabaseAnonKey,
			UserID: cfg.RewardUserID,
		}, logger)
	case ChangeFeedPostgres:
		return changefeed.NewPGListen(pool, pg.RewardChannel, cfg.RewardUserID, logger), nil
	default:
		return nil, nil
	}
}
