package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"botcore/internal/bots"
	"botcore/pkg/apperr"
	"botcore/pkg/db"
)

// createBotRequest is the POST /bots body.
type createBotRequest struct {
	StrategyID       string  `json:"strategy_id" binding:"required"`
	ConnectionID     string  `json:"connection_id" binding:"required"`
	Name             string  `json:"name" binding:"required"`
	Symbol           string  `json:"symbol" binding:"required"`
	BaseQty          float64 `json:"base_qty"`
	QuoteQty         float64 `json:"quote_qty"`
	TakeProfitPct    float64 `json:"take_profit_pct"`
	StopLossPct      float64 `json:"stop_loss_pct"`
	CheckIntervalSec int     `json:"check_interval_sec"`
	StrategySettings string  `json:"strategy_settings"`
	RiskLevel        string  `json:"risk_level"`
}

func (s *Server) handleCreateBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidBody(err))
		return
	}
	ctx := c.Request.Context()
	uid := userID(c)

	conn, err := s.store.GetConnection(ctx, req.ConnectionID, uid)
	if err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, "load connection", err))
		return
	}
	if conn == nil {
		writeError(c, apperr.Newf(apperr.KindNotFound, "connection %s not found", req.ConnectionID))
		return
	}
	strat, err := s.store.GetStrategy(ctx, req.StrategyID, uid)
	if err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, "load strategy", err))
		return
	}
	if strat == nil {
		if strat, err = s.store.GetStrategy(ctx, req.StrategyID, "system"); err != nil {
			writeError(c, apperr.Wrap(apperr.KindInternal, "load strategy", err))
			return
		}
	}
	if strat == nil {
		writeError(c, apperr.Newf(apperr.KindNotFound, "strategy %s not found", req.StrategyID))
		return
	}

	settings := req.StrategySettings
	if settings == "" {
		settings = "{}"
	}
	risk := req.RiskLevel
	if risk == "" {
		risk = "medium"
	}
	bot := db.Bot{
		ID:               uuid.NewString(),
		UserID:           uid,
		StrategyID:       req.StrategyID,
		ConnectionID:     req.ConnectionID,
		Name:             req.Name,
		Symbol:           req.Symbol,
		BaseQty:          req.BaseQty,
		QuoteQty:         req.QuoteQty,
		TakeProfitPct:    req.TakeProfitPct,
		StopLossPct:      req.StopLossPct,
		CheckIntervalSec: req.CheckIntervalSec,
		StrategySettings: settings,
		Status:           bots.StatusPaused,
		RiskLevel:        risk,
	}
	if err := s.store.CreateBot(ctx, bot); err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, "create bot", err))
		return
	}
	c.JSON(http.StatusCreated, bot)
}

func (s *Server) handleListBots(c *gin.Context) {
	list, err := s.store.ListBotsByUser(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, "list bots", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": list})
}

func (s *Server) handleGetBot(c *gin.Context) {
	bot, err := s.loadBot(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bot)
}

func (s *Server) handleUpdateBot(c *gin.Context) {
	bot, err := s.loadBot(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if s.bots.IsRunning(bot.ID) {
		writeError(c, apperr.New(apperr.KindConflict, "stop the bot before editing it"))
		return
	}

	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidBody(err))
		return
	}
	bot.Name = req.Name
	bot.Symbol = req.Symbol
	bot.BaseQty = req.BaseQty
	bot.QuoteQty = req.QuoteQty
	bot.TakeProfitPct = req.TakeProfitPct
	bot.StopLossPct = req.StopLossPct
	bot.CheckIntervalSec = req.CheckIntervalSec
	if req.StrategySettings != "" {
		bot.StrategySettings = req.StrategySettings
	}
	if req.RiskLevel != "" {
		bot.RiskLevel = req.RiskLevel
	}
	if err := s.store.UpdateBotConfig(c.Request.Context(), bot.ID, userID(c), *bot); err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, "update bot", err))
		return
	}
	c.JSON(http.StatusOK, bot)
}

func (s *Server) handleDeleteBot(c *gin.Context) {
	bot, err := s.loadBot(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if s.bots.IsRunning(bot.ID) {
		writeError(c, apperr.New(apperr.KindConflict, "stop the bot before deleting it"))
		return
	}
	if err := s.store.DeleteBot(c.Request.Context(), bot.ID, userID(c)); err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, "delete bot", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleStartBot(c *gin.Context) {
	if err := s.bots.Start(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": bots.StatusRunning})
}

func (s *Server) handleStopBot(c *gin.Context) {
	if err := s.bots.Stop(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": bots.StatusPaused})
}

func (s *Server) loadBot(c *gin.Context) (*db.Bot, error) {
	bot, err := s.store.GetBot(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load bot", err)
	}
	if bot == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "bot %s not found", c.Param("id"))
	}
	return bot, nil
}
