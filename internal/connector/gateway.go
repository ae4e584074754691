package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"funding-bot/internal/connector/rest"
	"funding-bot/internal/connector/ws"

	"go.uber.org/zap"
)

// Gateway implements Connector against a linear-perpetuals exchange speaking
// a v5-style JSON API. Credentials are injected through the REST client's
// AuthFunc; this package never signs anything itself.
type Gateway struct {
	rest     *rest.Client
	stream   *ws.Client
	category string
	log      *zap.Logger

	mu         sync.Mutex
	nextSubID  int
	tickerSubs map[string]map[int]func(Ticker)
	posSubs    map[int]func(PositionUpdate)
	lastTicks  map[string]Ticker
	started    bool
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func NewGateway(restClient *rest.Client, stream *ws.Client, log *zap.Logger) *Gateway {
	return &Gateway{
		rest:       restClient,
		stream:     stream,
		category:   "linear",
		log:        log,
		tickerSubs: make(map[string]map[int]func(Ticker)),
		posSubs:    make(map[int]func(PositionUpdate)),
		lastTicks:  make(map[string]Ticker),
	}
}

// Init connects the push stream and starts its read loop. The loop lives for
// the duration of ctx.
func (g *Gateway) Init(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.mu.Unlock()
	if err := g.stream.Connect(ctx); err != nil {
		return err
	}
	go func() {
		if err := g.stream.Run(ctx, g.dispatch); err != nil && ctx.Err() == nil && g.log != nil {
			g.log.Error("gateway stream terminated", zap.Error(err))
		}
	}()
	return nil
}

func (g *Gateway) GetServerTime(ctx context.Context) (time.Time, error) {
	var result struct {
		TimeNano   string `json:"timeNano"`
		TimeSecond string `json:"timeSecond"`
	}
	if err := g.get(ctx, "/v5/market/time", nil, &result); err != nil {
		return time.Time{}, err
	}
	if result.TimeNano != "" {
		nanos, err := strconv.ParseInt(result.TimeNano, 10, 64)
		if err == nil && nanos > 0 {
			return time.Unix(0, nanos).UTC(), nil
		}
	}
	secs, err := strconv.ParseInt(result.TimeSecond, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse server time: %w", err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

func (g *Gateway) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	query := url.Values{}
	query.Set("category", g.category)
	query.Set("symbol", symbol)
	var result struct {
		List []tickerPayload `json:"list"`
	}
	if err := g.get(ctx, "/v5/market/tickers", query, &result); err != nil {
		return Ticker{}, err
	}
	if len(result.List) == 0 {
		return Ticker{}, fmt.Errorf("ticker not found for %s", symbol)
	}
	return result.List[0].toTicker(), nil
}

func (g *Gateway) PlaceOrderWithProtection(ctx context.Context, symbol string, side Side, size, takeProfit, stopLoss float64) (Order, error) {
	if size <= 0 {
		return Order{}, errors.New("order size must be > 0")
	}
	body := map[string]any{
		"category":  g.category,
		"symbol":    symbol,
		"side":      string(side),
		"orderType": "Market",
		"qty":       formatFloat(size),
	}
	if takeProfit > 0 {
		body["takeProfit"] = formatFloat(takeProfit)
	}
	if stopLoss > 0 {
		body["stopLoss"] = formatFloat(stopLoss)
	}
	var result struct {
		OrderID  string `json:"orderId"`
		AvgPrice string `json:"avgPrice"`
	}
	if err := g.post(ctx, "/v5/order/create", body, &result); err != nil {
		return Order{}, err
	}
	if result.OrderID == "" {
		return Order{}, errors.New("missing order id in exchange response")
	}
	return Order{
		OrderID:    result.OrderID,
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		EntryPrice: parseFloat(result.AvgPrice),
		TakeProfit: takeProfit,
		StopLoss:   stopLoss,
	}, nil
}

func (g *Gateway) ClosePosition(ctx context.Context, symbol string, side Side) error {
	body := map[string]any{
		"category": g.category,
		"symbol":   symbol,
	}
	if side != "" {
		body["side"] = string(side)
	}
	return g.post(ctx, "/v5/position/close", body, nil)
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return errors.New("leverage must be > 0")
	}
	body := map[string]any{
		"category":     g.category,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	return g.post(ctx, "/v5/position/set-leverage", body, nil)
}

func (g *Gateway) SubscribeTicker(symbol string, cb func(Ticker)) (Unsubscribe, error) {
	topic := "tickers." + symbol
	g.mu.Lock()
	g.nextSubID++
	id := g.nextSubID
	first := len(g.tickerSubs[symbol]) == 0
	if g.tickerSubs[symbol] == nil {
		g.tickerSubs[symbol] = make(map[int]func(Ticker))
	}
	g.tickerSubs[symbol][id] = cb
	g.mu.Unlock()
	if first {
		if err := g.stream.Subscribe(context.Background(), topic); err != nil {
			g.removeTickerSub(symbol, id)
			return nil, err
		}
	}
	return func() {
		if g.removeTickerSub(symbol, id) {
			_ = g.stream.Unsubscribe(context.Background(), topic)
		}
	}, nil
}

func (g *Gateway) SubscribePositions(cb func(PositionUpdate)) (Unsubscribe, error) {
	g.mu.Lock()
	g.nextSubID++
	id := g.nextSubID
	first := len(g.posSubs) == 0
	g.posSubs[id] = cb
	g.mu.Unlock()
	if first {
		if err := g.stream.Subscribe(context.Background(), "position"); err != nil {
			g.mu.Lock()
			delete(g.posSubs, id)
			g.mu.Unlock()
			return nil, err
		}
	}
	return func() {
		g.mu.Lock()
		delete(g.posSubs, id)
		last := len(g.posSubs) == 0
		g.mu.Unlock()
		if last {
			_ = g.stream.Unsubscribe(context.Background(), "position")
		}
	}, nil
}

func (g *Gateway) removeTickerSub(symbol string, id int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tickerSubs[symbol], id)
	if len(g.tickerSubs[symbol]) == 0 {
		delete(g.tickerSubs, symbol)
		return true
	}
	return false
}

func (g *Gateway) dispatch(raw json.RawMessage) {
	var msg struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Topic == "" {
		return
	}
	switch {
	case strings.HasPrefix(msg.Topic, "tickers."):
		g.dispatchTicker(strings.TrimPrefix(msg.Topic, "tickers."), msg.Data)
	case msg.Topic == "position":
		g.dispatchPositions(msg.Data)
	}
}

// dispatchTicker merges a stream frame onto the last known tick for the
// symbol. The stream sends full snapshots followed by deltas that carry only
// changed fields; an absent field keeps its previous value instead of
// collapsing to zero.
func (g *Gateway) dispatchTicker(symbol string, data json.RawMessage) {
	var payload tickerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	g.mu.Lock()
	tick := g.lastTicks[symbol]
	tick.Symbol = symbol
	if payload.LastPrice != "" {
		tick.LastPrice = parseFloat(payload.LastPrice)
	}
	if payload.FundingRate != "" {
		tick.FundingRate = parseFloat(payload.FundingRate)
	}
	if ms, err := strconv.ParseInt(payload.NextFundingTime, 10, 64); err == nil && ms > 0 {
		tick.NextFundingTime = time.UnixMilli(ms).UTC()
	}
	g.lastTicks[symbol] = tick
	callbacks := make([]func(Ticker), 0, len(g.tickerSubs[symbol]))
	for _, cb := range g.tickerSubs[symbol] {
		callbacks = append(callbacks, cb)
	}
	g.mu.Unlock()
	for _, cb := range callbacks {
		cb(tick)
	}
}

func (g *Gateway) dispatchPositions(data json.RawMessage) {
	var payloads []struct {
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Size       string `json:"size"`
		EntryPrice string `json:"entryPrice"`
	}
	if err := json.Unmarshal(data, &payloads); err != nil {
		return
	}
	g.mu.Lock()
	callbacks := make([]func(PositionUpdate), 0, len(g.posSubs))
	for _, cb := range g.posSubs {
		callbacks = append(callbacks, cb)
	}
	g.mu.Unlock()
	for _, payload := range payloads {
		update := PositionUpdate{
			Symbol:     payload.Symbol,
			Side:       Side(payload.Side),
			Size:       parseFloat(payload.Size),
			EntryPrice: parseFloat(payload.EntryPrice),
		}
		for _, cb := range callbacks {
			cb(update)
		}
	}
}

type tickerPayload struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (p tickerPayload) toTicker() Ticker {
	tick := Ticker{
		Symbol:      p.Symbol,
		LastPrice:   parseFloat(p.LastPrice),
		FundingRate: parseFloat(p.FundingRate),
	}
	if ms, err := strconv.ParseInt(p.NextFundingTime, 10, 64); err == nil && ms > 0 {
		tick.NextFundingTime = time.UnixMilli(ms).UTC()
	}
	return tick
}

func (g *Gateway) get(ctx context.Context, path string, query url.Values, out any) error {
	var resp apiResponse
	if err := g.rest.Get(ctx, path, query, &resp); err != nil {
		return err
	}
	return resp.unwrap(out)
}

func (g *Gateway) post(ctx context.Context, path string, body any, out any) error {
	var resp apiResponse
	if err := g.rest.Post(ctx, path, body, &resp); err != nil {
		return err
	}
	return resp.unwrap(out)
}

func (r apiResponse) unwrap(out any) error {
	if r.RetCode != 0 {
		return fmt.Errorf("exchange error %d: %s", r.RetCode, r.RetMsg)
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, out)
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
