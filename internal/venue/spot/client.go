// Package spot implements the Spot venue ExchangeAdapter. Spot has no
// concept of a position (spec §4.1 tie-break): GetOpenPositions always
// returns empty and CloseAllPositions only cancels open orders. Grounded
// on pkg/exchanges/binance/spot/binance.go's REST shape.
package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"risk-core/internal/riskerr"
	"risk-core/internal/venue/common"
)

// Config is the Spot venue's routing configuration (spec §6
// venue.*.baseUrl/demoUrl/useDemo).
type Config struct {
	BaseURL        string
	DemoURL        string
	UseDemo        bool
	RequestsPerSec float64
}

// Adapter implements common.Adapter for the Spot venue.
type Adapter struct {
	client *common.Client
}

// New builds a Spot adapter from venue routing configuration.
func New(cfg Config) *Adapter {
	base := cfg.BaseURL
	if cfg.UseDemo {
		base = cfg.DemoURL
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	return &Adapter{client: common.NewClient(base, common.NewRateLimiter(rps))}
}

func signerFor(creds common.Credentials) *common.Signer { return common.NewSigner(creds.APISecret) }

func (a *Adapter) GetBalance(ctx context.Context, creds common.Credentials) (common.Balance, error) {
	params := url.Values{"apiKey": {creds.APIKey}}
	body, err := a.client.DoSigned(ctx, signerFor(creds), "GET", "/api/v3/account", params)
	if err != nil {
		return common.Balance{}, err
	}
	var out struct {
		Balances []struct {
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return common.Balance{}, riskerr.Wrap(riskerr.VenueReject, "decode account response", err)
	}
	var total, available float64
	for _, b := range out.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		available += free
		total += free + locked
	}
	return common.Balance{Total: total, Available: available}, nil
}

// GetOpenPositions always returns empty: spot has no position concept.
func (a *Adapter) GetOpenPositions(ctx context.Context, creds common.Credentials) ([]common.Position, error) {
	return nil, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, creds common.Credentials, spec common.OrderSpec) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", spec.Symbol)
	params.Set("side", string(spec.Side))
	params.Set("type", string(spec.Type))
	params.Set("quantity", fmt.Sprintf("%g", spec.Qty))
	if spec.Type == common.OrderTypeLimit {
		params.Set("price", fmt.Sprintf("%g", spec.Price))
		params.Set("timeInForce", "GTC")
	}

	body, err := a.client.DoSigned(ctx, signerFor(creds), "POST", "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var out struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return common.OrderResult{}, riskerr.Wrap(riskerr.VenueReject, "decode order response", err)
	}
	return common.OrderResult{OrderID: fmt.Sprintf("%d", out.OrderID)}, nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, creds common.Credentials, symbol string) (common.CancelResult, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := a.client.DoSigned(ctx, signerFor(creds), "DELETE", "/api/v3/openOrders", params)
	if err != nil {
		return common.CancelResult{}, err
	}
	var out []struct {
		OrderID int64 `json:"orderId"`
	}
	_ = json.Unmarshal(body, &out)
	var cancelled []string
	for _, o := range out {
		cancelled = append(cancelled, fmt.Sprintf("%d", o.OrderID))
	}
	return common.CancelResult{Cancelled: cancelled}, nil
}

// CloseAllPositions has nothing to flatten on a spot venue; it cancels all
// open orders instead (spec §4.1 tie-break:
// "{closedPositions=[], cancelled=openOrders}").
func (a *Adapter) CloseAllPositions(ctx context.Context, creds common.Credentials) (common.ClosedPositions, error) {
	cancelled, err := a.CancelAllOrders(ctx, creds, "")
	if err != nil {
		return common.ClosedPositions{}, err
	}
	return common.ClosedPositions{CancelledOrders: cancelled.Cancelled}, nil
}

// StreamAccount: the spot venue is poll-only in this deployment.
func (a *Adapter) StreamAccount(ctx context.Context, creds common.Credentials, sink common.StreamSink) (common.Subscription, bool) {
	return nil, false
}
