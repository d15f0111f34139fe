package platform

import (
	"context"
	"fmt"
	"strings"

	"ArbCore/internal/domain/models"
	domsvc "ArbCore/internal/domain/service"
	xhttp "ArbCore/pkg/http"
)

// HTTPAdapter forwards tickets to an order gateway that answers with an
// OrderAck document. Transport failures and non-2xx answers are unknown
// outcomes and surface as errors.
type HTTPAdapter struct {
	client  *xhttp.Client
	baseURL string
	apiKey  string
}

func NewHTTPAdapter(client *xhttp.Client, baseURL, apiKey string) *HTTPAdapter {
	return &HTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (a *HTTPAdapter) PlaceOrder(ctx context.Context, t models.OrderTicket) (models.OrderAck, error) {
	headers := map[string]string{"Idempotency-Key": t.ClientOrderID}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}

	var ack models.OrderAck
	err := a.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:  xhttp.MethodPost,
		URL:     a.baseURL + "/orders",
		Headers: headers,
		Body:    t,
	}, &ack)
	if err != nil {
		return models.OrderAck{}, fmt.Errorf("place order %s on %s: %w", t.ClientOrderID, t.Platform, err)
	}
	return ack, nil
}

// Router dispatches tickets to the adapter registered for their platform.
type Router struct {
	adapters map[string]domsvc.PlatformAdapter
	fallback domsvc.PlatformAdapter
}

// NewRouter builds a router; fallback may be nil.
func NewRouter(adapters map[string]domsvc.PlatformAdapter, fallback domsvc.PlatformAdapter) *Router {
	if adapters == nil {
		adapters = map[string]domsvc.PlatformAdapter{}
	}
	return &Router{adapters: adapters, fallback: fallback}
}

func (r *Router) PlaceOrder(ctx context.Context, t models.OrderTicket) (models.OrderAck, error) {
	a, ok := r.adapters[t.Platform]
	if !ok {
		a = r.fallback
	}
	if a == nil {
		return models.OrderAck{Accepted: false, RejectReason: "unknown_platform"}, nil
	}
	return a.PlaceOrder(ctx, t)
}

var (
	_ domsvc.PlatformAdapter = (*HTTPAdapter)(nil)
	_ domsvc.PlatformAdapter = (*PaperAdapter)(nil)
	_ domsvc.PlatformAdapter = (*Router)(nil)
)
