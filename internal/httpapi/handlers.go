package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/deposit"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/revenue"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/settlement"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger   *zap.Logger
	services Services
	cfg      Config
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// actor resolves the caller from the session claims, answering 401 when it cannot.
func (handler *httpHandler) actor(ctx *gin.Context) (ledger.Actor, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.Actor{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "session without user"))
		return ledger.Actor{}, false
	}
	roles := make([]string, 0, len(claims.GetUserRoles()))
	for _, role := range claims.GetUserRoles() {
		switch trimmed := strings.TrimSpace(role); {
		case strings.EqualFold(trimmed, handler.cfg.AdminRole):
			role = ledger.RoleAdmin
		case strings.EqualFold(trimmed, handler.cfg.QuestRole):
			role = ledger.RoleQuestService
		}
		roles = append(roles, role)
	}
	return ledger.Actor{UserID: userID, Roles: roles}, true
}

func (handler *httpHandler) requireAdmin(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	if err := ledger.RequireAdmin(actor); err != nil {
		handler.respondError(ctx, err)
		ctx.Abort()
		return
	}
	ctx.Next()
}

func (handler *httpHandler) requireQuestGranter(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	if err := ledger.RequireQuestGranter(actor); err != nil {
		handler.respondError(ctx, err)
		ctx.Abort()
		return
	}
	ctx.Next()
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.services.Engine.Balance(requestCtx, actor.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newAccountPayload(account))
}

func (handler *httpHandler) handleEntries(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	before, ok := queryInt64(ctx, "before", handler.services.Engine.Now()+1)
	if !ok {
		return
	}
	limit, ok := queryInt64(ctx, "limit", defaultEntriesLimit)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entries, err := handler.services.Engine.ListEntries(requestCtx, actor.UserID, before, int(limit))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleCreateDeposit(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	var request depositRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	created, err := handler.services.Deposits.Create(requestCtx, deposit.Input{
		RequestID:      request.RequestID,
		UserID:         actor.UserID,
		AmountCurrency: request.Amount,
		Currency:       request.Currency,
		Method:         request.Method,
		TransferCode:   request.TransferCode,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"deposit": newDepositPayload(created)})
}

func (handler *httpHandler) handleListDeposits(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	requests, err := handler.services.Deposits.ListByUser(requestCtx, actor.UserID, ctx.Query("status"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"deposits": newDepositPayloads(requests)})
}

func (handler *httpHandler) handleGetDeposit(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	request, err := handler.services.Deposits.Get(requestCtx, ctx.Param("request_id"))
	if err == nil && request.UserID != actor.UserID && !actor.IsAdmin() {
		err = ledger.ErrUnknownDepositRequest
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"deposit": newDepositPayload(request)})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	chapter, err := handler.chapterOffer(requestCtx, request)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	receipt, err := handler.services.Settlement.PurchaseChapter(requestCtx, actor.UserID, chapter)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"receipt": newReceiptPayload(receipt)})
}

// chapterOffer prefers the catalog over the offer carried in the request body.
func (handler *httpHandler) chapterOffer(ctx context.Context, request purchaseRequest) (settlement.Chapter, error) {
	if handler.services.Catalog != nil {
		return handler.services.Catalog.Chapter(ctx, request.ChapterID)
	}
	authorID, err := ledger.NewUserID(request.AuthorID)
	if err != nil {
		return settlement.Chapter{}, err
	}
	price, err := ledger.NewPositiveCoins(request.Price)
	if err != nil {
		return settlement.Chapter{}, err
	}
	return settlement.Chapter{
		ChapterID: request.ChapterID,
		StoryID:   request.StoryID,
		AuthorID:  authorID,
		Price:     price,
		IsLocked:  request.IsLocked,
	}, nil
}

func (handler *httpHandler) handleHasPurchased(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	chapterID := ctx.Param("chapter_id")
	purchased, err := handler.services.Settlement.HasPurchased(requestCtx, actor.UserID, chapterID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"chapter_id": chapterID, "purchased": purchased})
}

func (handler *httpHandler) handleTip(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	var request tipRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	authorID, err := ledger.NewUserID(request.AuthorID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCoins(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	receipt, err := handler.services.Settlement.SendTip(requestCtx, settlement.Tip{
		TipID:    request.TipID,
		ReaderID: actor.UserID,
		AuthorID: authorID,
		Amount:   amount,
		StoryID:  request.StoryID,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"receipt": newReceiptPayload(receipt)})
}

// handleQuestReward is called by the quest service on behalf of a user. The reward
// always counts towards the current UTC day.
func (handler *httpHandler) handleQuestReward(ctx *gin.Context) {
	var request questRewardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCoins(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	day := ledger.DayOf(handler.services.Engine.Now())
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	grant, err := handler.services.Quests.GrantReward(requestCtx, userID, ctx.Param("quest_id"), amount, day)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, grantPayload{
		QuestID:   grant.QuestID,
		Day:       grant.Day.String(),
		Requested: grant.Requested.Int64(),
		Granted:   grant.Granted.Int64(),
		Replayed:  grant.Replayed,
	})
}

func (handler *httpHandler) handleQuestProgress(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	day, err := parseDay(ctx.Query("day"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	progress, err := handler.services.Quests.Progress(requestCtx, actor.UserID, day)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"day":       progress.Day.String(),
		"earned":    progress.Earned.Int64(),
		"cap":       progress.Cap.Int64(),
		"remaining": progress.Remaining.Int64(),
	})
}

func (handler *httpHandler) handleCreateWithdrawal(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	var request withdrawalRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := ledger.NewPositiveCoins(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	created, err := handler.services.Withdrawals.Create(requestCtx, actor.UserID, amount, request.BankDetails, request.RequestID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"withdrawal": newWithdrawalPayload(created)})
}

func (handler *httpHandler) handleListWithdrawals(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	requests, err := handler.services.Withdrawals.ListByAuthor(requestCtx, actor.UserID, ctx.Query("status"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"withdrawals": newWithdrawalPayloads(requests)})
}

func (handler *httpHandler) handleGetWithdrawal(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	request, err := handler.services.Withdrawals.Get(requestCtx, ctx.Param("request_id"))
	if err == nil && request.AuthorID != actor.UserID && !actor.IsAdmin() {
		err = ledger.ErrUnknownWithdrawRequest
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"withdrawal": newWithdrawalPayload(request)})
}

func (handler *httpHandler) handleCancelWithdrawal(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	cancelled, err := handler.services.Withdrawals.Cancel(requestCtx, actor.UserID, ctx.Param("request_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"withdrawal": newWithdrawalPayload(cancelled)})
}

func (handler *httpHandler) handleAuthorRevenue(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	handler.respondAuthorRevenue(ctx, actor.UserID)
}

func (handler *httpHandler) handleAdminAuthorRevenue(ctx *gin.Context) {
	authorID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondAuthorRevenue(ctx, authorID)
}

func (handler *httpHandler) respondAuthorRevenue(ctx *gin.Context, authorID ledger.UserID) {
	window, err := revenue.ParseWindow(ctx.Query("window"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.services.Revenue.AuthorRevenue(requestCtx, authorID, window)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, report)
}

func (handler *httpHandler) handlePlatformRevenue(ctx *gin.Context) {
	window, err := revenue.ParseWindow(ctx.Query("window"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.services.Revenue.PlatformRevenue(requestCtx, window)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, report)
}

func (handler *httpHandler) handlePendingDeposits(ctx *gin.Context) {
	limit, ok := queryInt64(ctx, "limit", 0)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	requests, err := handler.services.Deposits.ListPending(requestCtx, int(limit))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"deposits": newDepositPayloads(requests)})
}

func (handler *httpHandler) handleResolveDeposit(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	var request resolveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	decision, err := ledger.ParseDepositStatus(request.Decision)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	resolved, err := handler.services.Deposits.Resolve(requestCtx, actor, ctx.Param("request_id"), decision, request.Note)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"deposit": newDepositPayload(resolved)})
}

func (handler *httpHandler) handlePendingWithdrawals(ctx *gin.Context) {
	limit, ok := queryInt64(ctx, "limit", 0)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	requests, err := handler.services.Withdrawals.ListPending(requestCtx, int(limit))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"withdrawals": newWithdrawalPayloads(requests)})
}

func (handler *httpHandler) handleApproveWithdrawal(ctx *gin.Context) {
	handler.resolveWithdrawal(ctx, true)
}

func (handler *httpHandler) handleRejectWithdrawal(ctx *gin.Context) {
	handler.resolveWithdrawal(ctx, false)
}

func (handler *httpHandler) resolveWithdrawal(ctx *gin.Context, approve bool) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	var request noteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	var (
		resolved ledger.WithdrawalRequest
		err      error
	)
	if approve {
		resolved, err = handler.services.Withdrawals.Approve(requestCtx, actor, ctx.Param("request_id"), request.Note)
	} else {
		resolved, err = handler.services.Withdrawals.Reject(requestCtx, actor, ctx.Param("request_id"), request.Note)
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"withdrawal": newWithdrawalPayload(resolved)})
}

func (handler *httpHandler) handleAdjust(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestID, err := ledger.NewReferenceID(request.RequestID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	receipt, err := handler.services.Engine.AdjustBalance(requestCtx, actor, userID, ledger.SignedCoins(request.Amount), request.Reason, requestID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"receipt": newReceiptPayload(receipt)})
}

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.services.Engine.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newAccountPayload(account))
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reconciliation, err := handler.services.Engine.Reconcile(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":        reconciliation.UserID.String(),
		"stored_balance": reconciliation.StoredBalance.Int64(),
		"log_balance":    reconciliation.LogBalance.Int64(),
		"version":        reconciliation.Version,
		"drift":          reconciliation.Drift(),
		"consistent":     reconciliation.Consistent(),
	})
}

func queryInt64(ctx *gin.Context, name string, fallback int64) (int64, bool) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", name+" must be a non-negative integer"))
		return 0, false
	}
	return parsed, true
}

func parseDay(raw string) (ledger.Day, error) {
	if strings.TrimSpace(raw) == "" {
		return ledger.Day{}, nil
	}
	return ledger.NewDay(raw)
}

type depositRequest struct {
	RequestID    string          `json:"request_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Method       string          `json:"method"`
	TransferCode string          `json:"transfer_code"`
}

type purchaseRequest struct {
	ChapterID string `json:"chapter_id"`
	StoryID   string `json:"story_id"`
	AuthorID  string `json:"author_id"`
	Price     int64  `json:"price"`
	IsLocked  bool   `json:"is_locked"`
}

type tipRequest struct {
	TipID    string `json:"tip_id"`
	AuthorID string `json:"author_id"`
	Amount   int64  `json:"amount"`
	StoryID  string `json:"story_id"`
}

type questRewardRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type withdrawalRequest struct {
	RequestID   string `json:"request_id"`
	Amount      int64  `json:"amount"`
	BankDetails string `json:"bank_details"`
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

type noteRequest struct {
	Note string `json:"note"`
}

type adjustRequest struct {
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id"`
}
