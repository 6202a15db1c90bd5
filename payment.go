package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mayur1518990-code/projects-sub000/models"
	"github.com/mayur1518990-code/projects-sub000/pkg/gateway"
	"github.com/mayur1518990-code/projects-sub000/pkg/lifecycle"
)

const paymentCurrency = "INR"

// createOrderHandler registers a payment intent with the gateway and persists
// the pending PaymentRecord. Amount arrives in rupees and is stored in paise.
func (s *server) createOrderHandler(c *gin.Context) {
	var req struct {
		FileID string  `json:"fileId" binding:"required"`
		UserID uint    `json:"userId" binding:"required"`
		Amount float64 `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amountMinor := int64(math.Round(req.Amount * 100))
	if amountMinor <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	rec, ok := s.loadOwnedFile(c, req.FileID, req.UserID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), gateway.OrderTimeout)
	defer cancel()
	order, err := s.gateway.CreateOrder(ctx, amountMinor, paymentCurrency, uuid.NewString())
	if err != nil {
		log.Printf("gateway order for file %s failed: %v", rec.ID, err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "payment gateway timed out"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable"})
		return
	}

	payment := models.PaymentRecord{
		ID:             uuid.NewString(),
		FileID:         rec.ID,
		UserID:         rec.UserID,
		Amount:         amountMinor,
		Currency:       paymentCurrency,
		Status:         models.PaymentPending,
		GatewayOrderID: order.ID,
		Metadata:       requestFingerprint(c),
	}
	if err := s.db.Create(&payment).Error; err != nil {
		log.Printf("payment record create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id":   order.ID,
		"payment_id": payment.ID,
		"amount":     amountMinor,
		"currency":   paymentCurrency,
		"key_id":     s.gatewayKeyID,
	})
}

func requestFingerprint(c *gin.Context) string {
	return fmt.Sprintf("ua=%s ip=%s", c.Request.UserAgent(), c.ClientIP())
}

type verifyRequest struct {
	OrderID   string
	PaymentID string
	Signature string
	FileID    string
	UserID    uint
	Amount    int64 // minor units; used only when the pending record is missing
	Meta      string
}

// verifyPaymentHandler is the JSON entry point for the checkout callback.
func (s *server) verifyPaymentHandler(c *gin.Context) {
	var req struct {
		OrderID   string   `json:"orderId" binding:"required"`
		PaymentID string   `json:"paymentId" binding:"required"`
		Signature string   `json:"signature" binding:"required"`
		FileID    string   `json:"fileId" binding:"required"`
		UserID    uint     `json:"userId" binding:"required"`
		Amount    *float64 `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v := verifyRequest{
		OrderID:   req.OrderID,
		PaymentID: req.PaymentID,
		Signature: req.Signature,
		FileID:    req.FileID,
		UserID:    req.UserID,
		Meta:      requestFingerprint(c),
	}
	if req.Amount != nil {
		v.Amount = int64(math.Round(*req.Amount * 100))
	}
	status, err := s.verifyAndCapture(v)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// verifyRedirectHandler is the browser-redirect entry point: the gateway
// sends the user here with the callback fields in the query string. It runs
// the same verification and 302s to a human-readable status page.
func (s *server) verifyRedirectHandler(c *gin.Context) {
	v := verifyRequest{
		OrderID:   c.Query("razorpay_order_id"),
		PaymentID: c.Query("razorpay_payment_id"),
		Signature: c.Query("razorpay_signature"),
		FileID:    c.Query("fileId"),
		UserID:    parseUserID(c.Query("userId")),
		Meta:      requestFingerprint(c),
	}
	if v.OrderID == "" || v.PaymentID == "" || v.Signature == "" || v.FileID == "" || v.UserID == 0 {
		c.Redirect(http.StatusFound, s.statusPage+"?status=failed")
		return
	}
	if _, err := s.verifyAndCapture(v); err != nil {
		c.Redirect(http.StatusFound, s.statusPage+"?status=failed")
		return
	}
	c.Redirect(http.StatusFound, s.statusPage+"?status=success&fileId="+v.FileID)
}

// verifyAndCapture validates the callback and, on a genuine signature, runs
// the capture sequence. Returns the HTTP status to use on error. Ownership
// and signature failures change nothing; re-verifying an already-captured
// payment is a no-op success.
func (s *server) verifyAndCapture(v verifyRequest) (int, error) {
	var rec models.FileRecord
	if err := s.db.Where("id = ?", v.FileID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return http.StatusNotFound, errors.New("file not found")
		}
		log.Printf("file lookup %s failed: %v", v.FileID, err)
		return http.StatusInternalServerError, errors.New("lookup failed")
	}
	if rec.UserID != v.UserID {
		return http.StatusForbidden, errors.New("forbidden")
	}
	if err := gateway.VerifySignature(v.OrderID, v.PaymentID, v.Signature, s.gatewaySecret); err != nil {
		return http.StatusBadRequest, errors.New("invalid payment signature")
	}

	if err := s.capturePayment(&rec, v); err != nil {
		log.Printf("payment capture for file %s failed: %v", rec.ID, err)
		return http.StatusInternalServerError, errors.New("payment could not be recorded")
	}

	// Assignment is a side effect of capture, never a reason to fail it.
	if rec.Status == lifecycle.StatusPaid && rec.AssignedAgentID == nil {
		if err := s.assignAgent(&rec); err != nil {
			log.Printf("agent assignment for file %s failed: %v", rec.ID, err)
		}
	}
	return 0, nil
}

// capturePayment is the capture saga: mark (or create) the captured
// PaymentRecord and move the file to paid, atomically where the database
// allows. Each step is idempotent so the whole sequence can be re-run.
func (s *server) capturePayment(rec *models.FileRecord, v verifyRequest) error {
	// Re-delivery of a processed callback: nothing left to do.
	var done models.PaymentRecord
	err := s.db.Where("gateway_payment_id = ? AND status = ?", v.PaymentID, models.PaymentCaptured).
		First(&done).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var payment models.PaymentRecord
		err := tx.Where("gateway_order_id = ? AND file_id = ? AND user_id = ? AND status = ?",
			v.OrderID, rec.ID, rec.UserID, models.PaymentPending).First(&payment).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Redirect-only flows skip the client-side order step; the
			// verified signature is the source of truth, so record the
			// capture directly.
			payment = models.PaymentRecord{
				ID:               uuid.NewString(),
				FileID:           rec.ID,
				UserID:           rec.UserID,
				Amount:           v.Amount,
				Currency:         paymentCurrency,
				Status:           models.PaymentCaptured,
				GatewayOrderID:   v.OrderID,
				GatewayPaymentID: v.PaymentID,
				GatewaySignature: v.Signature,
				Metadata:         v.Meta,
			}
			if err := tx.Create(&payment).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			updates := map[string]interface{}{
				"status":             models.PaymentCaptured,
				"gateway_payment_id": v.PaymentID,
				"gateway_signature":  v.Signature,
			}
			if err := tx.Model(&models.PaymentRecord{}).Where("id = ?", payment.ID).Updates(updates).Error; err != nil {
				return err
			}
		}

		if lifecycle.CanTransition(rec.Status, lifecycle.StatusPaid) {
			if err := tx.Model(&models.FileRecord{}).Where("id = ?", rec.ID).
				Update("status", lifecycle.StatusPaid).Error; err != nil {
				return err
			}
			rec.Status = lifecycle.StatusPaid
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.Delete(fileCacheKey(rec.ID))
	return nil
}

// assignAgent hands the freshly paid file to a randomly chosen active agent.
// No active agents is not an error; the file stays paid until an operator
// assigns it manually.
func (s *server) assignAgent(rec *models.FileRecord) error {
	var agents []models.User
	err := s.db.Joins("JOIN roles ON roles.id = users.role_id").
		Where("roles.name = ? AND users.active = ?", "agent", true).
		Find(&agents).Error
	if err != nil {
		return err
	}
	agent := s.strategy.Pick(agents)
	if agent == nil {
		return nil
	}

	now := time.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":            lifecycle.StatusAssigned,
			"assigned_agent_id": agent.ID,
			"assigned_at":       now,
			"assignment_type":   "automatic",
		}
		if err := tx.Model(&models.FileRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Create(&models.AssignmentLog{
			FileID:         rec.ID,
			AgentID:        agent.ID,
			AssignmentType: "automatic",
		}).Error
	})
	if err != nil {
		return err
	}
	s.cache.Delete(fileCacheKey(rec.ID))
	rec.Status = lifecycle.StatusAssigned
	rec.AssignedAgentID = &agent.ID
	rec.AssignedAt = &now
	return nil
}
