package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	escrowdomain "github.com/smallbiznis/herdpay/internal/escrow/domain"
)

type createEscrowPaymentRequest struct {
	LoadID         string `json:"load_id"`
	PayeeAccountID string `json:"payee_account_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

func (s *Server) CreateEscrowPayment(c *gin.Context) {
	var req createEscrowPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payeeID, err := snowflake.ParseString(strings.TrimSpace(req.PayeeAccountID))
	if err != nil || payeeID <= 0 {
		AbortWithError(c, newValidationError("payee_account_id", "invalid_payee_account_id", "invalid payee_account_id"))
		return
	}

	resp, err := s.escrowSvc.CreateFunding(c.Request.Context(), escrowdomain.CreateFundingRequest{
		LoadID:         strings.TrimSpace(req.LoadID),
		PayerAccountID: accountIDFromContext(c),
		PayeeAccountID: payeeID,
		Amount:         req.Amount,
		Currency:       strings.TrimSpace(req.Currency),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetEscrowPayment(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.escrowSvc.Get(c.Request.Context(), accountIDFromContext(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) ReleaseEscrowPayment(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.escrowSvc.Release(c.Request.Context(), accountIDFromContext(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}
