package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tixchange/escrow/internal/hold"
	"github.com/tixchange/escrow/internal/ledger"
	"github.com/tixchange/escrow/pkg/errors"
	"github.com/tixchange/escrow/pkg/models"
)

type handlers struct {
	svc    hold.Service
	repo   ledger.Repository
	logger *zap.Logger
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	var e *errors.Error
	if !errors.As(err, &e) {
		e = errors.Internal(err, "internal error")
	}
	c.AbortWithStatusJSON(status, errorResponse{Kind: string(e.Kind), Message: e.Message})
}

func (h *handlers) badRequest(c *gin.Context, err error) {
	h.fail(c, errors.Invalid("invalid request: %v", err))
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createHoldBody struct {
	TicketID    string          `json:"ticket_id" binding:"required"`
	UserID      string          `json:"user_id" binding:"required"`
	Asset       string          `json:"asset" binding:"required,asset"`
	AmountUnits decimal.Decimal `json:"amount_units" binding:"required"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	PriceUSD    decimal.Decimal `json:"price_usd"`
	FeePercent  decimal.Decimal `json:"fee_percent"`
}

func (h *handlers) createHold(c *gin.Context) {
	var body createHoldBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	created, err := h.svc.CreateHold(c.Request.Context(), &hold.CreateHoldRequest{
		TicketID:    body.TicketID,
		UserID:      body.UserID,
		Asset:       body.Asset,
		AmountUnits: body.AmountUnits,
		AmountUSD:   body.AmountUSD,
		PriceUSD:    body.PriceUSD,
		FeePercent:  body.FeePercent,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

type multiAssetHoldBody struct {
	TicketID  string                     `json:"ticket_id" binding:"required"`
	UserID    string                     `json:"user_id" binding:"required"`
	AmountUSD decimal.Decimal            `json:"amount_usd" binding:"required"`
	Prices    map[string]decimal.Decimal `json:"prices" binding:"required"`
}

func (h *handlers) createMultiAssetHold(c *gin.Context) {
	var body multiAssetHoldBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	created, err := h.svc.CreateMultiAssetHold(c.Request.Context(), &hold.MultiAssetHoldRequest{
		TicketID:  body.TicketID,
		UserID:    body.UserID,
		AmountUSD: body.AmountUSD,
		Prices:    body.Prices,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

type resolveHoldBody struct {
	DeductFee *bool `json:"deduct_fee"`
}

// bindResolveBody reads an optional resolve body. An absent or empty body
// means fee deduction stays on; ContentLength is not consulted so chunked
// requests bind too.
func (h *handlers) bindResolveBody(c *gin.Context) (bool, bool) {
	deductFee := true
	var body resolveHoldBody
	if err := c.ShouldBindJSON(&body); err != nil {
		if !errors.Is(err, io.EOF) {
			h.badRequest(c, err)
			return false, false
		}
	} else if body.DeductFee != nil {
		deductFee = *body.DeductFee
	}
	return deductFee, true
}

func (h *handlers) releaseHold(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.badRequest(c, err)
		return
	}
	deductFee, ok := h.bindResolveBody(c)
	if !ok {
		return
	}
	released, err := h.svc.ReleaseHold(c.Request.Context(), id, deductFee)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, released)
}

func (h *handlers) refundHold(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.badRequest(c, err)
		return
	}
	refunded, err := h.svc.RefundHold(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, refunded)
}

func (h *handlers) releaseAllForTicket(c *gin.Context) {
	deductFee, ok := h.bindResolveBody(c)
	if !ok {
		return
	}
	resolved, err := h.svc.ReleaseAllForTicket(c.Request.Context(), c.Param("id"), deductFee)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

func (h *handlers) refundAllForTicket(c *gin.Context) {
	resolved, err := h.svc.RefundAllForTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

func (h *handlers) getHoldByTicket(c *gin.Context) {
	found, err := h.svc.GetHoldByTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (h *handlers) getHoldsByTicket(c *gin.Context) {
	holds, err := h.svc.GetHoldsByTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, holds)
}

func (h *handlers) getActiveHolds(c *gin.Context) {
	holds, err := h.svc.GetActiveHolds(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, holds)
}

func (h *handlers) listDeposits(c *gin.Context) {
	deposits, err := h.repo.ListDeposits(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deposits)
}

type createDepositBody struct {
	UserID        string          `json:"user_id" binding:"required"`
	Asset         string          `json:"asset" binding:"required,asset"`
	BalanceUnits  decimal.Decimal `json:"balance_units"`
	ClaimLimitUSD decimal.Decimal `json:"claim_limit_usd"`
}

func (h *handlers) createDeposit(c *gin.Context) {
	var body createDepositBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	dep := &models.DepositBalance{
		UserID:        body.UserID,
		Asset:         body.Asset,
		BalanceUnits:  body.BalanceUnits,
		ClaimLimitUSD: body.ClaimLimitUSD,
	}
	if err := h.repo.CreateDeposit(c.Request.Context(), dep); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dep)
}

type creditBody struct {
	AmountUnits decimal.Decimal `json:"amount_units" binding:"required"`
}

func (h *handlers) creditDeposit(c *gin.Context) {
	var body creditBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	user, asset := c.Param("user"), c.Param("asset")
	if err := h.repo.CreditBalance(c.Request.Context(), user, asset, body.AmountUnits); err != nil {
		h.fail(c, err)
		return
	}
	dep, err := h.repo.GetDeposit(c.Request.Context(), user, asset)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}

type claimLimitBody struct {
	ClaimLimitUSD decimal.Decimal `json:"claim_limit_usd" binding:"required"`
}

func (h *handlers) setClaimLimit(c *gin.Context) {
	var body claimLimitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	user, asset := c.Param("user"), c.Param("asset")
	if err := h.repo.SetClaimLimit(c.Request.Context(), user, asset, body.ClaimLimitUSD); err != nil {
		h.fail(c, err)
		return
	}
	dep, err := h.repo.GetDeposit(c.Request.Context(), user, asset)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}
