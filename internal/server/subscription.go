package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/herdpay/internal/subscription/domain"
)

type checkoutRequest struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type subscribeRequest struct {
	BillingCycle string `json:"billing_cycle"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	successURL := strings.TrimSpace(req.SuccessURL)
	if successURL == "" {
		successURL = s.cfg.Stripe.CheckoutSuccessURL
	}
	cancelURL := strings.TrimSpace(req.CancelURL)
	if cancelURL == "" {
		cancelURL = s.cfg.Stripe.CheckoutCancelURL
	}

	resp, err := s.subscriptionSvc.CreateCheckout(c.Request.Context(), subscriptiondomain.CheckoutRequest{
		AccountID:  accountIDFromContext(c),
		PriceID:    strings.TrimSpace(req.PriceID),
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": resp.URL, "session_id": resp.SessionID})
}

func (s *Server) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.Subscribe(c.Request.Context(), subscriptiondomain.SubscribeRequest{
		AccountID:    accountIDFromContext(c),
		BillingCycle: strings.TrimSpace(req.BillingCycle),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCurrentSubscription(c *gin.Context) {
	resp, err := s.subscriptionSvc.GetCurrent(c.Request.Context(), accountIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
