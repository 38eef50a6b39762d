package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nminh2209/tradesim/libs/httpmiddleware"
	"github.com/nminh2209/tradesim/services/settlement/internal/service"
	"github.com/nminh2209/tradesim/services/settlement/internal/storage"
	"github.com/nminh2209/tradesim/services/settlement/internal/validation"
	"github.com/shopspring/decimal"
)

type SettlementService interface {
	Buy(ctx context.Context, req service.TradeRequest) (*service.SettlementResult, error)
	Sell(ctx context.Context, req service.TradeRequest) (*service.SettlementResult, error)
	ListAssets(ctx context.Context) ([]storage.Asset, error)
	GetAsset(ctx context.Context, symbol string) (storage.Asset, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error
	Portfolio(ctx context.Context, userID uuid.UUID) ([]storage.PortfolioItem, error)
	Transactions(ctx context.Context, userID uuid.UUID) ([]storage.TransactionRecord, error)
}

type Handler struct {
	Service SettlementService
	Logger  *slog.Logger
}

// tradeRequest accepts price and volume as JSON numbers or numeric strings.
type tradeRequest struct {
	UserID string      `json:"userId"`
	Symbol string      `json:"symbol"`
	Price  json.Number `json:"price"`
	Volume json.Number `json:"volume"`
}

type setBalanceRequest struct {
	Balance json.Number `json:"balance"`
}

type positionView struct {
	Symbol   string `json:"symbol"`
	Volume   int64  `json:"volume"`
	AvgPrice string `json:"avg_price"`
}

type transactionView struct {
	ID        string `json:"id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Volume    int64  `json:"volume"`
	CreatedAt string `json:"created_at"`
}

type settlementResponse struct {
	Success     bool            `json:"success"`
	Message     string          `json:"message"`
	Balance     string          `json:"balance"`
	Position    *positionView   `json:"position"`
	Transaction transactionView `json:"transaction"`
}

type assetItem struct {
	ID           string `json:"asset_id"`
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	CurrentPrice string `json:"current_price"`
	UpdatedAt    string `json:"updated_at"`
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

type portfolioItem struct {
	AssetID      string `json:"asset_id"`
	Symbol       string `json:"symbol"`
	Volume       int64  `json:"volume"`
	AvgPrice     string `json:"avg_price"`
	CurrentPrice string `json:"current_price"`
	UpdatedAt    string `json:"updated_at"`
}

type transactionItem struct {
	ID        string `json:"transaction_id"`
	AssetID   string `json:"asset_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Volume    int64  `json:"volume"`
	CreatedAt string `json:"created_at"`
}

type errorResponse struct {
	Success bool                    `json:"success"`
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func New(svc SettlementService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "API is running"})
	})

	api := r.Group("/api")
	api.POST("/buy", h.Buy)
	api.POST("/sell", h.Sell)
	api.GET("/assets", h.ListAssets)
	api.GET("/assets/:symbol", h.GetAsset)
	api.GET("/balance/:userId", h.GetBalance)
	api.PUT("/balance/:userId", h.SetBalance)
	api.GET("/portfolio/:userId", h.Portfolio)
	api.GET("/transactions/:userId", h.Transactions)
}

func (h *Handler) Buy(c *gin.Context) {
	h.settle(c, storage.SideBuy, h.Service.Buy)
}

func (h *Handler) Sell(c *gin.Context) {
	h.settle(c, storage.SideSell, h.Service.Sell)
}

type settleFunc func(ctx context.Context, req service.TradeRequest) (*service.SettlementResult, error)

func (h *Handler) settle(c *gin.Context, side string, fn settleFunc) {
	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_INPUT", "invalid payload", nil)
		return
	}

	trade, errs := validation.ValidateTradeRequest(req.UserID, req.Symbol, req.Price.String(), req.Volume.String())
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_INPUT", errs.Error(), errs)
		return
	}

	res, err := fn(c.Request.Context(), service.TradeRequest{
		UserID:        trade.UserID,
		Symbol:        trade.Symbol,
		Price:         trade.Price,
		Volume:        trade.Volume,
		CorrelationID: httpmiddleware.RequestIDFromContext(c),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	resp := settlementResponse{
		Success: true,
		Message: settlementMessage(side, res),
		Balance: res.Balance.String(),
		Transaction: transactionView{
			ID:        res.Transaction.ID.String(),
			Side:      res.Transaction.Side,
			Price:     res.Transaction.Price.String(),
			Volume:    res.Transaction.Volume,
			CreatedAt: res.Transaction.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if res.Position != nil {
		resp.Position = &positionView{
			Symbol:   res.Symbol,
			Volume:   res.Position.Volume,
			AvgPrice: res.Position.AvgPrice.String(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

func settlementMessage(side string, res *service.SettlementResult) string {
	if side == storage.SideSell {
		return "Stock sold successfully"
	}
	if res.Position != nil && res.Position.Volume == res.Transaction.Volume {
		return "Stock bought and added to portfolio"
	}
	return "Stock bought and updated in portfolio"
}

func (h *Handler) ListAssets(c *gin.Context) {
	assets, err := h.Service.ListAssets(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	items := make([]assetItem, 0, len(assets))
	for _, asset := range assets {
		items = append(items, toAssetItem(asset))
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) GetAsset(c *gin.Context) {
	asset, err := h.Service.GetAsset(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAssetItem(asset))
}

func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	balance, err := h.Service.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{UserID: userID.String(), Balance: balance.String()})
}

func (h *Handler) SetBalance(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	var req setBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_INPUT", "invalid payload", nil)
		return
	}
	balance, errs := validation.ValidateBalance(req.Balance.String())
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_INPUT", errs.Error(), errs)
		return
	}
	if err := h.Service.SetBalance(c.Request.Context(), userID, balance); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) Portfolio(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	positions, err := h.Service.Portfolio(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	items := make([]portfolioItem, 0, len(positions))
	for _, pos := range positions {
		items = append(items, portfolioItem{
			AssetID:      pos.AssetID.String(),
			Symbol:       pos.Symbol,
			Volume:       pos.Volume,
			AvgPrice:     pos.AvgPrice.String(),
			CurrentPrice: pos.CurrentPrice.String(),
			UpdatedAt:    pos.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) Transactions(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	records, err := h.Service.Transactions(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	items := make([]transactionItem, 0, len(records))
	for _, rec := range records {
		items = append(items, transactionItem{
			ID:        rec.ID.String(),
			AssetID:   rec.AssetID.String(),
			Symbol:    rec.Symbol,
			Side:      rec.Side,
			Price:     rec.Price.String(),
			Volume:    rec.Volume,
			CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, items)
}

func toAssetItem(asset storage.Asset) assetItem {
	return assetItem{
		ID:           asset.ID.String(),
		Symbol:       asset.Symbol,
		Name:         asset.Name,
		CurrentPrice: asset.CurrentPrice.String(),
		UpdatedAt:    asset.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func userIDParam(c *gin.Context) (uuid.UUID, bool) {
	userID, err := validation.ParseUserID(c.Param("userId"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_INPUT", err.Error(), []validation.FieldError{{Field: "userId", Message: err.Error()}})
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Handler) writeServiceError(c *gin.Context, err error) {
	code := service.Code(err)
	if code == "STORAGE_ERROR" {
		h.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		writeError(c, http.StatusInternalServerError, code, "storage error", nil)
		return
	}
	writeError(c, http.StatusBadRequest, code, err.Error(), nil)
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{
		Success: false,
		Code:    code,
		Message: message,
		Fields:  fields,
	})
}
