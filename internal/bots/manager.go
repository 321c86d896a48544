package bots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"botcore/internal/events"
	"botcore/internal/orders"
	"botcore/internal/strategy"
	"botcore/pkg/apperr"
	"botcore/pkg/db"
)

var (
	ErrNotRunning   = errors.New("bot is not running")
	ErrInvalidState = errors.New("bot cannot start from its current status")
)

// Bot status values.
const (
	StatusRunning = "RUNNING"
	StatusPaused  = "PAUSED"
	StatusError   = "ERROR"
)

// StreamEnsurer starts a user data stream for a connection if none runs yet.
type StreamEnsurer interface {
	Ensure(ctx context.Context, userID, connectionID string) error
}

// Manager is the single-instance bot lifecycle owner. All engine start/stop
// serializes on its mutex.
type Manager struct {
	mu      sync.Mutex
	engines map[string]*Engine

	store    *db.Database
	bus      *events.Bus
	pool     orders.GatewayPool
	registry *strategy.Registry
	orders   *orders.Service
	streams  StreamEnsurer
}

func NewManager(store *db.Database, bus *events.Bus, pool orders.GatewayPool, registry *strategy.Registry, orderSvc *orders.Service) *Manager {
	return &Manager{
		engines:  make(map[string]*Engine),
		store:    store,
		bus:      bus,
		pool:     pool,
		registry: registry,
		orders:   orderSvc,
	}
}

// SetStreams wires the user stream service after construction.
func (m *Manager) SetStreams(s StreamEnsurer) { m.streams = s }

// Start brings a bot to RUNNING. A leftover engine under the same id is
// treated as stale and stopped best-effort first. Only PAUSED and ERROR bots
// may start.
func (m *Manager) Start(ctx context.Context, userID, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stale, ok := m.engines[botID]; ok {
		log.Printf("manager: bot %s has a stale engine, stopping it", botID)
		_ = stale.Stop()
		delete(m.engines, botID)
	}

	bot, err := m.store.GetBot(ctx, botID, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "load bot", err)
	}
	if bot == nil {
		return apperr.Newf(apperr.KindNotFound, "bot %s not found", botID)
	}
	if bot.Status != StatusPaused && bot.Status != StatusError {
		return apperr.Wrap(apperr.KindConflict,
			fmt.Sprintf("cannot start from %s", bot.Status), ErrInvalidState)
	}

	engine, err := m.buildEngine(ctx, bot)
	if err != nil {
		msg := err.Error()
		if dbErr := m.store.MarkBotError(ctx, botID, msg); dbErr != nil {
			log.Printf("manager: mark bot %s error: %v", botID, dbErr)
		}
		m.publishStatus(bot.UserID, botID, StatusError, msg)
		return err
	}

	// Status flips before the first tick so the engine's own error writes
	// never race the cleared last_error.
	if err := m.store.MarkBotRunning(ctx, botID); err != nil {
		return apperr.Wrap(apperr.KindInternal, "mark bot running", err)
	}
	m.engines[botID] = engine
	engine.Start()
	m.publishStatus(bot.UserID, botID, StatusRunning, "")

	// Fills for this bot's orders arrive over the connection's user stream.
	if m.streams != nil {
		if err := m.streams.Ensure(ctx, bot.UserID, bot.ConnectionID); err != nil {
			log.Printf("manager: user stream for connection %s: %v", bot.ConnectionID, err)
		}
	}
	log.Printf("manager: bot %s running", botID)
	return nil
}

// buildEngine resolves the gateway, the strategy and the merged settings.
func (m *Manager) buildEngine(ctx context.Context, bot *db.Bot) (*Engine, error) {
	gw, err := m.pool.Get(ctx, bot.UserID, bot.ConnectionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "resolve connection", err)
	}

	strat, err := m.store.GetStrategy(ctx, bot.StrategyID, bot.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load strategy", err)
	}
	if strat == nil {
		// Seed strategies belong to the system user and are shared.
		strat, err = m.store.GetStrategy(ctx, bot.StrategyID, "system")
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "load strategy", err)
		}
	}
	if strat == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "strategy %s not found", bot.StrategyID)
	}

	params, err := mergedParams(strat, bot)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "strategy settings", err)
	}

	tk := strategy.Toolkit{
		Gateway: gw,
		Symbol:  bot.Symbol,
		Params:  params,
		OnOrder: m.orderCallback(bot),
	}
	instance, err := m.registry.Build(strat.StrategyType, tk)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "build strategy", err)
	}

	return NewEngine(bot, gw, instance, m.store, m.onEngineFatal), nil
}

// mergedParams layers strategy defaults, bot configuration and the bot's own
// strategy_settings, later layers winning.
func mergedParams(strat *db.Strategy, bot *db.Bot) (map[string]any, error) {
	defaults := map[string]any{}
	if strat.Params != "" {
		if err := json.Unmarshal([]byte(strat.Params), &defaults); err != nil {
			return nil, fmt.Errorf("strategy params: %w", err)
		}
	}
	botCfg := map[string]any{}
	if bot.BaseQty > 0 {
		botCfg["quantity"] = bot.BaseQty
	}
	if bot.TakeProfitPct > 0 {
		botCfg["profit_target_pct"] = bot.TakeProfitPct
	}
	if bot.StopLossPct > 0 {
		botCfg["stop_pct"] = bot.StopLossPct
	}
	overrides := map[string]any{}
	if bot.StrategySettings != "" && bot.StrategySettings != "{}" {
		if err := json.Unmarshal([]byte(bot.StrategySettings), &overrides); err != nil {
			return nil, fmt.Errorf("bot strategy settings: %w", err)
		}
	}
	return strategy.MergeParams(defaults, botCfg, overrides), nil
}

// orderCallback routes strategy intents through the order service.
func (m *Manager) orderCallback(bot *db.Bot) func(ctx context.Context, intent strategy.OrderIntent) error {
	botID, userID := bot.ID, bot.UserID
	connectionID, symbol := bot.ConnectionID, bot.Symbol
	return func(ctx context.Context, intent strategy.OrderIntent) error {
		if intent.Note != "" {
			log.Printf("executor: bot %s signal: %s", botID, intent.Note)
		}
		_, err := m.orders.Create(ctx, userID, orders.CreateRequest{
			BotID:        botID,
			ConnectionID: connectionID,
			Symbol:       symbol,
			Side:         intent.Side,
			Type:         intent.Type,
			Quantity:     intent.Quantity,
			Price:        intent.Price,
		})
		return err
	}
}

// onEngineFatal runs on the engine goroutine when it self-stops.
func (m *Manager) onEngineFatal(botID string, cause error) {
	ctx := context.Background()
	if err := m.store.MarkBotError(ctx, botID, cause.Error()); err != nil {
		log.Printf("manager: mark bot %s error: %v", botID, err)
	}

	m.mu.Lock()
	delete(m.engines, botID)
	m.mu.Unlock()

	userID := ""
	if bot, err := m.store.GetBotByID(ctx, botID); err == nil && bot != nil {
		userID = bot.UserID
	}
	m.publishStatus(userID, botID, StatusError, cause.Error())
}

// Stop pauses a running bot.
func (m *Manager) Stop(ctx context.Context, userID, botID string) error {
	m.mu.Lock()
	engine, ok := m.engines[botID]
	if ok {
		delete(m.engines, botID)
	}
	m.mu.Unlock()
	if !ok {
		return apperr.Wrap(apperr.KindConflict, fmt.Sprintf("bot %s is not running", botID), ErrNotRunning)
	}

	if err := engine.Stop(); err != nil {
		log.Printf("manager: stop bot %s: %v", botID, err)
	}
	if err := m.store.MarkBotPaused(ctx, botID); err != nil {
		return apperr.Wrap(apperr.KindInternal, "mark bot paused", err)
	}
	m.publishStatus(userID, botID, StatusPaused, "")
	log.Printf("manager: bot %s paused", botID)
	return nil
}

// StopAll stops every engine at shutdown, swallowing per-bot errors. Bot
// statuses stay RUNNING in storage; the operator decides on restart.
func (m *Manager) StopAll() {
	m.mu.Lock()
	engines := make(map[string]*Engine, len(m.engines))
	for id, e := range m.engines {
		engines[id] = e
		delete(m.engines, id)
	}
	m.mu.Unlock()

	for id, engine := range engines {
		if err := engine.Stop(); err != nil {
			log.Printf("manager: shutdown stop bot %s: %v", id, err)
		}
	}
	log.Printf("manager: stopped %d engine(s)", len(engines))
}

// IsRunning reports whether the manager holds an engine for the bot.
func (m *Manager) IsRunning(botID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.engines[botID]
	return ok
}

// RunningIDs returns the ids of all live engines, sorted.
func (m *Manager) RunningIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) publishStatus(userID, botID, status, lastError string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventBotStatus, events.BotStatusPayload{
		UserID:    userID,
		BotID:     botID,
		Status:    status,
		LastError: lastError,
	})
}
