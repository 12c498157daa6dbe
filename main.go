// Command arbi runs the cross-exchange arbitrage engine. It scans order
// books on the configured exchanges, detects profitable spreads and
// executes both legs concurrently, guarded by circuit breakers and risk
// limits.
//
// Usage:
//
//	arbi --config config.yaml
//	arbi --symbols BTCUSDT,ETHUSDT
//
// Required environment variables:
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vadiminshakov/arbi/config"
	"github.com/vadiminshakov/arbi/internal"
	"github.com/vadiminshakov/arbi/internal/exchange"
	"github.com/vadiminshakov/arbi/internal/exchange/binance"
	"github.com/vadiminshakov/arbi/internal/exchange/bybit"
	"github.com/vadiminshakov/arbi/internal/symbols"
)

func main() {
	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	clients := make(map[string]exchange.Client, len(cfg.Exchanges))
	for name, excfg := range cfg.Exchanges {
		switch name {
		case "binance":
			clients[name] = binance.New(binance.Config{
				APIKey:    excfg.APIKey,
				APISecret: excfg.APISecret,
				MakerFee:  excfg.MakerFee,
				TakerFee:  excfg.TakerFee,
			})
		case "bybit":
			clients[name] = bybit.New(bybit.Config{
				APIKey:    excfg.APIKey,
				APISecret: excfg.APISecret,
				MakerFee:  excfg.MakerFee,
				TakerFee:  excfg.TakerFee,
			})
		default:
			logger.Fatal("unsupported exchange in config", zap.String("exchange", name))
		}
	}

	resolver := symbols.NewResolver()
	resolver.RegisterExchange("binance", symbols.ExchangeInfo{
		Quotes: []string{"USDT", "USDC", "BTC", "ETH"},
		Format: symbols.FormatConcat,
	})
	resolver.RegisterExchange("bybit", symbols.ExchangeInfo{
		Quotes: []string{"USDT", "USDC", "BTC", "ETH"},
		Format: symbols.FormatConcat,
	})

	engine, err := internal.NewEngine(cfg, clients, resolver, nil, logger)
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("engine stopped", zap.Error(err))
	}
}
