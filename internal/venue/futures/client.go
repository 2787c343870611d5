// Package futures implements the Futures venue ExchangeAdapter. Grounded
// on pkg/exchanges/binance/futures_usdt/client.go's REST shape
// (GetAccountInfo, GetPositions, SubmitOrder with reduceOnly) and
// user_stream_futures.go's listen-key lifecycle for streaming, ported onto
// the shared internal/venue/common HTTP client and Signer.
package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"

	"risk-core/internal/riskerr"
	"risk-core/internal/venue/common"
)

// Config is the Futures venue's routing configuration (spec §6
// venue.*.baseUrl/demoUrl/useDemo).
type Config struct {
	BaseURL          string
	DemoURL          string
	UseDemo          bool
	RequestsPerSec   float64
	StreamURL        string
}

// Adapter implements common.Adapter for the Futures venue.
type Adapter struct {
	client    *common.Client
	streamURL string
}

// New builds a Futures adapter from venue routing configuration.
func New(cfg Config) *Adapter {
	base := cfg.BaseURL
	if cfg.UseDemo {
		base = cfg.DemoURL
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 20
	}
	return &Adapter{
		client:    common.NewClient(base, common.NewRateLimiter(rps)),
		streamURL: cfg.StreamURL,
	}
}

func signerFor(creds common.Credentials) *common.Signer { return common.NewSigner(creds.APISecret) }

func (a *Adapter) GetBalance(ctx context.Context, creds common.Credentials) (common.Balance, error) {
	params := url.Values{"apiKey": {creds.APIKey}}
	body, err := a.client.DoSigned(ctx, signerFor(creds), "GET", "/fapi/v2/balance", params)
	if err != nil {
		return common.Balance{}, err
	}
	var out []struct {
		Balance            string `json:"balance"`
		AvailableBalance   string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return common.Balance{}, riskerr.Wrap(riskerr.VenueReject, "decode balance response", err)
	}
	var total, available float64
	for _, b := range out {
		t, _ := strconv.ParseFloat(b.Balance, 64)
		av, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		total += t
		available += av
	}
	return common.Balance{Total: total, Available: available}, nil
}

func (a *Adapter) GetOpenPositions(ctx context.Context, creds common.Credentials) ([]common.Position, error) {
	params := url.Values{"apiKey": {creds.APIKey}}
	body, err := a.client.DoSigned(ctx, signerFor(creds), "GET", "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var out []struct {
		Symbol         string `json:"symbol"`
		PositionAmt    string `json:"positionAmt"`
		Notional       string `json:"notional"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, riskerr.Wrap(riskerr.VenueReject, "decode positions response", err)
	}

	var positions []common.Position
	for _, p := range out {
		qty, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if qty == 0 {
			continue
		}
		notional, _ := strconv.ParseFloat(p.Notional, 64)
		side := common.SideBuy
		if qty < 0 {
			side = common.SideSell
			qty = -qty
		}
		positions = append(positions, common.Position{
			ID:     p.Symbol,
			Symbol: p.Symbol,
			Side:   side,
			Qty:    qty,
			Value:  notional,
		})
	}
	return positions, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, creds common.Credentials, spec common.OrderSpec) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", spec.Symbol)
	params.Set("side", string(spec.Side))
	params.Set("type", string(spec.Type))
	params.Set("quantity", fmt.Sprintf("%g", spec.Qty))
	if spec.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if spec.Type == common.OrderTypeLimit {
		params.Set("price", fmt.Sprintf("%g", spec.Price))
		params.Set("timeInForce", "GTC")
	}

	body, err := a.client.DoSigned(ctx, signerFor(creds), "POST", "/fapi/v1/order", params)
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
	_, err := a.client.DoSigned(ctx, signerFor(creds), "DELETE", "/fapi/v1/allOpenOrders", params)
	if err != nil {
		return common.CancelResult{}, err
	}
	return common.CancelResult{}, nil
}

// CloseAllPositions snapshots open positions and flattens each with an
// opposite-side reduceOnly market order, aggregating outcomes (spec
// §4.1). A rejected close for one position never aborts the others.
func (a *Adapter) CloseAllPositions(ctx context.Context, creds common.Credentials) (common.ClosedPositions, error) {
	positions, err := a.GetOpenPositions(ctx, creds)
	if err != nil {
		return common.ClosedPositions{}, err
	}

	var out common.ClosedPositions
	for _, p := range positions {
		_, err := a.PlaceOrder(ctx, creds, common.OrderSpec{
			Symbol:     p.Symbol,
			Side:       p.Side.Opposite(),
			Qty:        p.Qty,
			Type:       common.OrderTypeMarket,
			ReduceOnly: true,
		})
		if err != nil {
			out.FailedPositionIDs = append(out.FailedPositionIDs, p.ID)
			continue
		}
		out.ClosedPositionIDs = append(out.ClosedPositionIDs, p.ID)
		out.TotalClosedValue += p.Value
	}

	cancelled, err := a.CancelAllOrders(ctx, creds, "")
	if err == nil {
		out.CancelledOrders = cancelled.Cancelled
	}
	return out, nil
}

// StreamAccount opens a user-data-stream websocket for live balance
// updates. Grounded on user_stream_futures.go's listen-key lifecycle,
// simplified to the sink contract common.Adapter defines.
func (a *Adapter) StreamAccount(ctx context.Context, creds common.Credentials, sink common.StreamSink) (common.Subscription, bool) {
	if a.streamURL == "" {
		return nil, false
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.streamURL, nil)
	if err != nil {
		sink.Disconnected(err)
		return nil, false
	}

	sub := &wsSubscription{conn: conn}
	go sub.pump(sink)
	return sub, true
}

type wsSubscription struct {
	conn *websocket.Conn
}

func (s *wsSubscription) Close() error { return s.conn.Close() }

func (s *wsSubscription) pump(sink common.StreamSink) {
	for {
		var msg struct {
			EventType string `json:"e"`
			Balance   struct {
				Total     string `json:"wb"`
				Available string `json:"cw"`
			} `json:"a"`
		}
		if err := s.conn.ReadJSON(&msg); err != nil {
			sink.Disconnected(err)
			return
		}
		total, _ := strconv.ParseFloat(msg.Balance.Total, 64)
		available, _ := strconv.ParseFloat(msg.Balance.Available, 64)
		sink.OnBalance(total, available)
	}
}
