package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"helmsman/internal/gateway/exchange"
	"helmsman/internal/logger"
	"helmsman/internal/market"
	"helmsman/internal/types"
)

const maxHistoryLimit = 1500

// Gateway 基于 go-binance 的 USDT 本位合约网关（单向持仓模式）。
// 未配置密钥时只能用作行情源。
type Gateway struct {
	cfg    Config
	client *futures.Client

	mu        sync.Mutex
	precision map[string]symbolPrecision
}

type symbolPrecision struct {
	quantity int32
	price    int32
}

var _ exchange.Gateway = (*Gateway)(nil)

func New(cfg Config) *Gateway {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.SecretKey)
	client.BaseURL = final.RESTBaseURL
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Gateway{
		cfg:       final,
		client:    client,
		precision: make(map[string]symbolPrecision),
	}
}

func (g *Gateway) Name() string { return "binance" }

func (g *Gateway) OpenLong(ctx context.Context, req exchange.OpenRequest) (exchange.OpenResult, error) {
	return g.open(ctx, types.DirectionLong, req)
}

func (g *Gateway) OpenShort(ctx context.Context, req exchange.OpenRequest) (exchange.OpenResult, error) {
	return g.open(ctx, types.DirectionShort, req)
}

func (g *Gateway) open(ctx context.Context, dir types.Direction, req exchange.OpenRequest) (exchange.OpenResult, error) {
	symbol := toExchange(req.Symbol)
	res := exchange.OpenResult{Symbol: symbol, Direction: dir, Leverage: req.Leverage, Status: exchange.StatusRejected}
	if !g.cfg.authenticated() {
		return res, fmt.Errorf("%w: binance gateway has no api key", exchange.ErrRejected)
	}
	if req.Leverage <= 0 || req.Margin <= 0 {
		return res, fmt.Errorf("%w: leverage and margin must be positive", exchange.ErrRejected)
	}
	prec, err := g.symbolPrecision(ctx, symbol)
	if err != nil {
		return res, err
	}
	if err := g.prepareSymbol(ctx, symbol, req.Leverage); err != nil {
		return res, err
	}

	refPrice := req.RefPrice
	if refPrice <= 0 {
		if refPrice, err = g.GetPrice(ctx, symbol); err != nil {
			return res, err
		}
	}
	qty := req.Quantity
	if qty <= 0 {
		qty = req.Margin * float64(req.Leverage) / refPrice
	}
	qtyStr := formatDecimal(qty, prec.quantity)
	if qtyStr == "0" {
		return res, fmt.Errorf("%w: quantity %.8f below lot size", exchange.ErrRejected, qty)
	}

	side := futures.SideTypeBuy
	if dir == types.DirectionShort {
		side = futures.SideTypeSell
	}
	svc := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		res.Status = statusForError(err)
		return res, classify(err)
	}
	res.OrderID = strconv.FormatInt(order.OrderID, 10)
	res.Status = mapStatus(order.Status)
	res.ExecutedQty = parseFloat(order.ExecutedQuantity)
	res.AvgPrice = parseFloat(order.AvgPrice)
	logger.Infof("Binance: open %s %s qty=%s order=%s status=%s avg=%.4f", dir, symbol, qtyStr, res.OrderID, res.Status, res.AvgPrice)

	g.placeProtection(ctx, symbol, dir, req.TakeProfit, req.StopLoss, prec.price)
	return res, nil
}

// prepareSymbol 设置杠杆与保证金模式。保证金模式已是目标值时交易所返回 -4046，可忽略。
func (g *Gateway) prepareSymbol(ctx context.Context, symbol string, leverage int) error {
	if _, err := g.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return fmt.Errorf("change leverage: %w", classify(err))
	}
	err := g.client.NewChangeMarginTypeService().
		Symbol(symbol).
		MarginType(futures.MarginType(g.cfg.MarginType)).
		Do(ctx)
	var apiErr *common.APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Code == -4046) {
		return fmt.Errorf("change margin type: %w", classify(err))
	}
	return nil
}

// placeProtection 挂交易所侧止盈止损单；失败只告警，本地监控仍会兜底平仓。
func (g *Gateway) placeProtection(ctx context.Context, symbol string, dir types.Direction, tp, sl float64, pricePrec int32) {
	closeSide := futures.SideTypeSell
	if dir == types.DirectionShort {
		closeSide = futures.SideTypeBuy
	}
	place := func(kind futures.OrderType, price float64) {
		if price <= 0 {
			return
		}
		_, err := g.client.NewCreateOrderService().
			Symbol(symbol).
			Side(closeSide).
			Type(kind).
			StopPrice(formatDecimal(price, pricePrec)).
			ClosePosition(true).
			WorkingType(futures.WorkingTypeMarkPrice).
			Do(ctx)
		if err != nil {
			logger.Warnf("Binance: place %s for %s at %.4f failed: %v", kind, symbol, price, err)
		}
	}
	place(futures.OrderTypeTakeProfitMarket, tp)
	place(futures.OrderTypeStopMarket, sl)
}

func (g *Gateway) ClosePosition(ctx context.Context, req exchange.CloseRequest) (exchange.CloseResult, error) {
	symbol := toExchange(req.Symbol)
	res := exchange.CloseResult{Status: exchange.StatusRejected}
	if !g.cfg.authenticated() {
		return res, fmt.Errorf("%w: binance gateway has no api key", exchange.ErrRejected)
	}
	pos, err := g.GetPosition(ctx, symbol)
	if err != nil {
		res.Status = exchange.StatusUnknown
		return res, err
	}
	if pos == nil {
		return res, fmt.Errorf("%w: %s", exchange.ErrNoPosition, symbol)
	}
	prec, err := g.symbolPrecision(ctx, symbol)
	if err != nil {
		return res, err
	}
	qty := pos.Quantity
	if req.Quantity > 0 && req.Quantity < qty {
		qty = req.Quantity
	}
	side := futures.SideTypeSell
	if pos.Direction == types.DirectionShort {
		side = futures.SideTypeBuy
	}
	order, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(formatDecimal(qty, prec.quantity)).
		ReduceOnly(true).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		res.Status = statusForError(err)
		return res, classify(err)
	}
	if qty >= pos.Quantity {
		if err := g.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
			logger.Warnf("Binance: cancel leftover orders for %s failed: %v", symbol, err)
		}
	}
	res.OrderID = strconv.FormatInt(order.OrderID, 10)
	res.Status = mapStatus(order.Status)
	res.ExecutedQty = parseFloat(order.ExecutedQuantity)
	res.AvgPrice = parseFloat(order.AvgPrice)
	logger.Infof("Binance: close %s %s order=%s status=%s reason=%s", pos.Direction, symbol, res.OrderID, res.Status, req.Reason)
	return res, nil
}

func (g *Gateway) GetAccountBalance(ctx context.Context) (exchange.Balance, error) {
	balances, err := g.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return exchange.Balance{}, classify(err)
	}
	for _, b := range balances {
		if b == nil || !strings.EqualFold(b.Asset, "USDT") {
			continue
		}
		return exchange.Balance{
			Asset:         b.Asset,
			Total:         parseFloat(b.Balance),
			Available:     parseFloat(b.AvailableBalance),
			UnrealizedPnL: parseFloat(b.CrossUnPnl),
			UpdatedAt:     time.Now(),
		}, nil
	}
	return exchange.Balance{Asset: "USDT", UpdatedAt: time.Now()}, nil
}

func (g *Gateway) GetPosition(ctx context.Context, symbol string) (*exchange.PositionSnapshot, error) {
	symbol = toExchange(symbol)
	risks, err := g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	for _, r := range risks {
		if r == nil || !strings.EqualFold(r.Symbol, symbol) {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		dir := types.DirectionLong
		if amt < 0 {
			dir = types.DirectionShort
		}
		lev, _ := strconv.Atoi(strings.TrimSpace(r.Leverage))
		return &exchange.PositionSnapshot{
			Symbol:           symbol,
			Direction:        dir,
			Quantity:         math.Abs(amt),
			EntryPrice:       parseFloat(r.EntryPrice),
			MarkPrice:        parseFloat(r.MarkPrice),
			Leverage:         lev,
			UnrealizedPnL:    parseFloat(r.UnRealizedProfit),
			LiquidationPrice: parseFloat(r.LiquidationPrice),
		}, nil
	}
	return nil, nil
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(orderID), 10, 64)
	if err != nil {
		return exchange.OrderStatus{OrderID: orderID, Status: exchange.StatusUnknown}, fmt.Errorf("%w: invalid order id %q", exchange.ErrRejected, orderID)
	}
	order, err := g.client.NewGetOrderService().Symbol(toExchange(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		return exchange.OrderStatus{OrderID: orderID, Status: exchange.StatusUnknown}, classify(err)
	}
	return exchange.OrderStatus{
		OrderID:     orderID,
		Status:      mapStatus(order.Status),
		ExecutedQty: parseFloat(order.ExecutedQuantity),
		AvgPrice:    parseFloat(order.AvgPrice),
	}, nil
}

func (g *Gateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	limit = min(limit, maxHistoryLimit)
	symbol = toExchange(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	kls, err := g.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:       kl.OpenTime,
			CloseTime:      kl.CloseTime,
			Open:           parseFloat(kl.Open),
			High:           parseFloat(kl.High),
			Low:            parseFloat(kl.Low),
			Close:          parseFloat(kl.Close),
			Volume:         parseFloat(kl.Volume),
			TakerBuyVolume: parseFloat(kl.TakerBuyBaseAssetVolume),
			Trades:         kl.TradeNum,
		})
	}
	return market.DropUnclosed(out, time.Now()), nil
}

func (g *Gateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = toExchange(symbol)
	prices, err := g.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	for _, p := range prices {
		if p != nil && strings.EqualFold(p.Symbol, symbol) {
			if v := parseFloat(p.Price); v > 0 {
				return v, nil
			}
		}
	}
	return 0, fmt.Errorf("price not available for %s", symbol)
}

func (g *Gateway) symbolPrecision(ctx context.Context, symbol string) (symbolPrecision, error) {
	g.mu.Lock()
	p, ok := g.precision[symbol]
	g.mu.Unlock()
	if ok {
		return p, nil
	}
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return symbolPrecision{}, fmt.Errorf("exchange info: %w", classify(err))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range info.Symbols {
		g.precision[s.Symbol] = symbolPrecision{quantity: int32(s.QuantityPrecision), price: int32(s.PricePrecision)}
	}
	p, ok = g.precision[symbol]
	if !ok {
		return symbolPrecision{}, fmt.Errorf("%w: unknown symbol %s", exchange.ErrRejected, symbol)
	}
	return p, nil
}

// classify 把 SDK 错误映射为 exchange 包的哨兵错误，保留原始信息。
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015:
			return fmt.Errorf("%w: %s", exchange.ErrRateLimited, apiErr.Message)
		case -1000, -1001, -1006, -1007, -1008:
			return fmt.Errorf("%w: %s", exchange.ErrBusy, apiErr.Message)
		case -2018, -2019:
			return fmt.Errorf("%w: %s", exchange.ErrInsufficientFunds, apiErr.Message)
		case -2022:
			return fmt.Errorf("%w: %s", exchange.ErrNoPosition, apiErr.Message)
		default:
			return fmt.Errorf("%w: code=%d %s", exchange.ErrRejected, apiErr.Code, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", exchange.ErrBusy, err)
}

// statusForError 区分“确定被拒”与“结果未知”。
func statusForError(err error) exchange.Status {
	if exchange.Business(classify(err)) {
		return exchange.StatusRejected
	}
	return exchange.StatusUnknown
}

func mapStatus(s futures.OrderStatusType) exchange.Status {
	switch s {
	case futures.OrderStatusTypeFilled:
		return exchange.StatusFilled
	case futures.OrderStatusTypePartiallyFilled:
		return exchange.StatusPartial
	case futures.OrderStatusTypeNew:
		return exchange.StatusPending
	case futures.OrderStatusTypeRejected:
		return exchange.StatusRejected
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return exchange.StatusCanceled
	default:
		return exchange.StatusUnknown
	}
}

func toExchange(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
}

func formatDecimal(v float64, places int32) string {
	return decimal.NewFromFloat(v).Truncate(places).String()
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
