package api

import (
	"context"
	"io"
	"net/http"

	"gmail-bridge/internal/bridge/domain"
	"gmail-bridge/internal/identity"
	"gmail-bridge/pkg/dedup"
	"gmail-bridge/pkg/matrix"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maximum accepted transaction body
const maxTransactionBytes = 10 << 20

// EventQueue accepts chat events for asynchronous handling.
type EventQueue interface {
	Enqueue(ctx context.Context, events ...*domain.ChatEvent) error
}

// PuppetRegistrar creates puppet accounts on demand.
type PuppetRegistrar interface {
	BotUserID() string
	EnsurePuppet(ctx context.Context, userID, displayName string) error
}

// Handler serves the application service API the homeserver calls.
type Handler struct {
	queue   EventQueue
	puppets PuppetRegistrar
	mapper  *identity.Mapper
	dedup   dedup.Deduper
	log     *zap.Logger
}

func NewHandler(queue EventQueue, puppets PuppetRegistrar, mapper *identity.Mapper, deduper dedup.Deduper, log *zap.Logger) *Handler {
	return &Handler{
		queue:   queue,
		puppets: puppets,
		mapper:  mapper,
		dedup:   deduper,
		log:     log.Named("appservice"),
	}
}

// PutTransaction receives a batch of events pushed by the homeserver.
func (h *Handler) PutTransaction(c *gin.Context) {
	txnID := c.Param("txnId")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTransactionBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, matrixError("M_BAD_JSON", "unable to read body"))
		return
	}
	events, err := matrix.ParseTransaction(body)
	if err != nil {
		h.log.Warn("Rejected transaction", zap.String("txn", txnID), zap.Error(err))
		c.JSON(http.StatusBadRequest, matrixError("M_BAD_JSON", err.Error()))
		return
	}

	ctx := c.Request.Context()
	if !h.dedup.AcquireOnce(ctx, "txn", txnID) {
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	queued := make([]*domain.ChatEvent, len(events))
	for i := range events {
		queued[i] = &events[i]
	}
	if err := h.queue.Enqueue(ctx, queued...); err != nil {
		h.log.Error("Unable to queue transaction", zap.String("txn", txnID), zap.Error(err))
		// the homeserver retries on 503, so the retry must not look like a duplicate
		if err := h.dedup.Release(context.WithoutCancel(ctx), "txn", txnID); err != nil {
			h.log.Warn("Unable to release transaction", zap.String("txn", txnID), zap.Error(err))
		}
		c.JSON(http.StatusServiceUnavailable, matrixError("M_UNKNOWN", "bridge is shutting down"))
		return
	}
	h.log.Debug("Transaction queued", zap.String("txn", txnID), zap.Int("events", len(events)))
	c.JSON(http.StatusOK, gin.H{})
}

// QueryUser tells the homeserver whether a user in our namespace exists,
// creating valid puppets on the way.
func (h *Handler) QueryUser(c *gin.Context) {
	userID := c.Param("userId")
	if userID == h.puppets.BotUserID() {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	address, err := h.mapper.HandleToAddress(userID)
	if err != nil {
		c.JSON(http.StatusNotFound, matrixError("M_NOT_FOUND", "no such puppet"))
		return
	}
	if err := h.puppets.EnsurePuppet(c.Request.Context(), userID, address); err != nil {
		h.log.Error("Unable to provision puppet", zap.String("user", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, matrixError("M_UNKNOWN", "unable to provision puppet"))
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// QueryAlias always answers 404: thread rooms are created by the bridge
// itself, never on alias lookup.
func (h *Handler) QueryAlias(c *gin.Context) {
	c.JSON(http.StatusNotFound, matrixError("M_NOT_FOUND", "rooms are not created on demand"))
}
