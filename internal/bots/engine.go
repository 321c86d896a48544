// Package bots runs strategies: one execution engine per running bot, and a
// process-wide lifecycle manager that owns engine start/stop.
package bots

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"botcore/internal/strategy"
	"botcore/pkg/db"
	"botcore/pkg/exchanges/common"
)

const (
	// stopGrace bounds how long Stop waits for the loop to acknowledge.
	defaultStopGrace = 10 * time.Second
	// fatalErrorStreak flips the bot to ERROR after this many consecutive
	// failed ticks, regardless of class.
	fatalErrorStreak = 5
	// tickTimeout bounds one snapshot+OnTick round.
	tickTimeout = 30 * time.Second
)

var ErrStopTimeout = errors.New("engine did not stop within grace period")

// Engine drives one bot: fetch snapshot, tick the strategy, sleep, repeat.
// Exactly one tick runs at a time; the strategy instance is never shared.
type Engine struct {
	botID    string
	userID   string
	symbol   string
	interval time.Duration
	grace    time.Duration

	gw    common.Gateway
	strat strategy.Strategy
	store *db.Database

	// onFatal is invoked (from the engine goroutine) when the engine gives
	// up; the manager uses it to flip the bot to ERROR and drop the engine.
	onFatal func(botID string, err error)

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewEngine(bot *db.Bot, gw common.Gateway, strat strategy.Strategy, store *db.Database, onFatal func(string, error)) *Engine {
	interval := time.Duration(bot.CheckIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Engine{
		botID:    bot.ID,
		userID:   bot.UserID,
		symbol:   bot.Symbol,
		interval: interval,
		grace:    defaultStopGrace,
		gw:       gw,
		strat:    strat,
		store:    store,
		onFatal:  onFatal,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the tick loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop signals the loop and waits up to the grace period for it to drain.
func (e *Engine) Stop() error {
	select {
	case <-e.stopCh:
		// already stopping
	default:
		close(e.stopCh)
	}
	select {
	case <-e.doneCh:
		return nil
	case <-time.After(e.grace):
		log.Printf("executor: bot %s did not stop within %s", e.botID, e.grace)
		return ErrStopTimeout
	}
}

func (e *Engine) run() {
	defer close(e.doneCh)
	log.Printf("executor: bot %s started (symbol=%s interval=%s)", e.botID, e.symbol, e.interval)

	consecutive := 0
	for {
		select {
		case <-e.stopCh:
			log.Printf("executor: bot %s stopped", e.botID)
			return
		default:
		}

		if err := e.tick(); err != nil {
			consecutive++
			e.recordTickError(err)
			if fatal := e.classify(err, consecutive); fatal != nil {
				log.Printf("executor: bot %s fatal: %v", e.botID, fatal)
				if e.onFatal != nil {
					e.onFatal(e.botID, fatal)
				}
				return
			}
			log.Printf("executor: bot %s tick skipped (%d consecutive): %v", e.botID, consecutive, err)
		} else {
			consecutive = 0
		}

		select {
		case <-e.stopCh:
			log.Printf("executor: bot %s stopped", e.botID)
			return
		case <-time.After(e.interval):
		}
	}
}

// tick fetches the market snapshot and hands it to the strategy.
func (e *Engine) tick() error {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	data := strategy.MarketData{}
	ticker, err := e.gw.GetTicker(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}
	data.Ticker = &ticker

	for _, tf := range e.strat.RequiredTimeframes() {
		candles, err := e.gw.GetKlines(ctx, e.symbol, tf, 100)
		if err != nil {
			return fmt.Errorf("fetch %s klines: %w", tf, err)
		}
		data.Candles = candles
		break // one timeframe per snapshot; strategies needing more fetch via toolkit
	}

	return e.strat.OnTick(ctx, data)
}

// classify decides whether an error ends the engine. Auth and bad-request
// failures will not heal on retry; a long failure streak means something is
// persistently wrong even if each error looks transient.
func (e *Engine) classify(err error, consecutive int) error {
	switch common.ClassOf(err) {
	case common.ClassAuth, common.ClassBadRequest:
		return err
	}
	if consecutive >= fatalErrorStreak {
		return fmt.Errorf("%d consecutive tick failures, last: %w", consecutive, err)
	}
	return nil
}

func (e *Engine) recordTickError(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if dbErr := e.store.SetBotError(ctx, e.botID, err.Error()); dbErr != nil {
		log.Printf("executor: bot %s record error: %v", e.botID, dbErr)
	}
}
