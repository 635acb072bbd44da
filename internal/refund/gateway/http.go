package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/orderflow/internal/refund/domain"
)

const HTTPName = "http"

type httpRefundRequest struct {
	OrderID          string `json:"order_id"`
	CorrelationID    string `json:"correlation_id"`
	PaymentReference string `json:"payment_reference,omitempty"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
}

type httpRefundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type httpErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// HTTP posts refunds as JSON to a provider endpoint.
type HTTP struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTP(endpoint, apiKey string, client *http.Client) (*HTTP, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("refund gateway url is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(apiKey),
		client:   client,
	}, nil
}

func (g *HTTP) Name() string { return HTTPName }

func (g *HTTP) Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	body, err := json.Marshal(httpRefundRequest{
		OrderID:          req.OrderID.String(),
		CorrelationID:    req.CorrelationID,
		PaymentReference: req.PaymentReference,
		Amount:           req.Amount,
		Currency:         strings.ToLower(req.Currency),
	})
	if err != nil {
		return domain.SubmitResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.SubmitResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.CorrelationID)
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("%w: %v", domain.ErrExternalGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		message := "refund_request_failed"
		var payload httpErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && strings.TrimSpace(payload.Error.Message) != "" {
			message = strings.TrimSpace(payload.Error.Message)
		}
		if resp.StatusCode < http.StatusInternalServerError &&
			resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusConflict {
			return domain.SubmitResult{}, fmt.Errorf("%w: %s", domain.ErrGatewayRejected, message)
		}
		return domain.SubmitResult{}, fmt.Errorf("%w: %s", domain.ErrExternalGateway, message)
	}

	var out httpRefundResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("%w: %v", domain.ErrExternalGateway, err)
	}
	if out.ID == "" {
		return domain.SubmitResult{}, fmt.Errorf("%w: refund_response_invalid", domain.ErrExternalGateway)
	}
	return domain.SubmitResult{GatewayRefundID: out.ID, Status: out.Status}, nil
}
