// Package broker provides the brokerage client used to trade vertical
// option spreads. It implements the Tradier API with sandbox support.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Market clock state constants
const (
	marketStateOpen       = "open"
	marketStatePreMarket  = "premarket"
	marketStatePostMarket = "postmarket"
)

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// LegSide is the broker-side action for one option leg.
type LegSide string

const (
	LegSellToOpen  LegSide = "sell_to_open"
	LegBuyToOpen   LegSide = "buy_to_open"
	LegSellToClose LegSide = "sell_to_close"
	LegBuyToClose  LegSide = "buy_to_close"
)

// SpreadLeg is one leg of a multileg order.
type SpreadLeg struct {
	OptionSymbol string
	Side         LegSide
	Quantity     int
}

// SpreadOrderRequest describes a two-leg (or more) multileg limit order.
// PriceType is "credit", "debit" or "even"; LimitPrice is the net amount
// per spread. Tag carries the client order id.
type SpreadOrderRequest struct {
	Symbol     string
	Legs       []SpreadLeg
	PriceType  string
	LimitPrice float64
	Duration   string
	Preview    bool
	Tag        string
}

// SingleLegOrderRequest describes a one-leg option order. OrderType is
// "limit" or "market"; LimitPrice is ignored for market orders.
type SingleLegOrderRequest struct {
	OptionSymbol string
	Side         LegSide
	Quantity     int
	OrderType    string
	LimitPrice   float64
	Duration     string
	Tag          string
}

// OrderAck is the broker's acknowledgement of a placed order.
type OrderAck struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
}

// orderAckResponse wraps the placement response envelope.
type orderAckResponse struct {
	Order OrderAck `json:"order"`
}

// TradierAPI is the HTTP client for the Tradier brokerage API.
type TradierAPI struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	accountID string
	limiter   *rate.Limiter
	sandbox   bool
}

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierAPIWithBaseURL creates a client against a custom base URL,
// used by tests to point at a local server.
func NewTradierAPIWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	// Tradier allows 120 req/min on sandbox, 500 req/min on production.
	perMinute := 500.0
	if sandbox {
		perMinute = 120.0
	}

	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		client:    &http.Client{Timeout: 15 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(perMinute/60.0), 10),
		sandbox:   sandbox,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

var _ Broker = (*TradierAPI)(nil)

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// OptionChainResponse represents the API response for option chain requests.
type OptionChainResponse struct {
	Options struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

// Option represents an option contract from the Tradier API.
type Option struct {
	Greeks         *Greeks `json:"greeks,omitempty"`
	Symbol         string  `json:"symbol"`
	Description    string  `json:"description"`
	OptionType     string  `json:"option_type"`
	ExpirationDate string  `json:"expiration_date"`
	Underlying     string  `json:"underlying"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	BidSize        int     `json:"bid_size"`
	AskSize        int     `json:"ask_size"`
	Volume         int64   `json:"volume"`
	OpenInterest   int64   `json:"open_interest"`
	Strike         float64 `json:"strike"`
}

// Greeks contains option Greeks data from the Tradier API.
type Greeks struct {
	UpdatedAt string  `json:"updated_at"`
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Vega      float64 `json:"vega"`
	Rho       float64 `json:"rho"`
	BidIV     float64 `json:"bid_iv"`
	MidIV     float64 `json:"mid_iv"`
	AskIV     float64 `json:"ask_iv"`
	SmvVol    float64 `json:"smv_vol"`
}

// PositionsResponse represents the positions response from the Tradier API.
type PositionsResponse struct {
	Positions PositionsWrapper `json:"positions"`
}

// PositionsWrapper handles the case where positions can be "null" string or an object.
type PositionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

func (pw *PositionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = PositionsWrapper{}
		return nil
	}
	type normalWrapper PositionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

// PositionItem represents a single position item from the Tradier API.
// Quantity is negative for short positions.
type PositionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol           string  `json:"symbol"`
	Description      string  `json:"description"`
	Type             string  `json:"type"`
	Low              float64 `json:"low"`
	High             float64 `json:"high"`
	Open             float64 `json:"open"`
	Close            float64 `json:"close"`
	PrevClose        float64 `json:"prevclose"`
	ChangePercentage float64 `json:"change_percentage"`
	Volume           int64   `json:"volume"`
	AverageVolume    int64   `json:"average_volume"`
	Bid              float64 `json:"bid"`
	BidSize          int     `json:"bidsize"`
	Ask              float64 `json:"ask"`
	AskSize          int     `json:"asksize"`
	Last             float64 `json:"last"`
}

// ExpirationsResponse represents the expirations response from the Tradier API.
type ExpirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

// BalanceResponse represents the account balance response from the Tradier API.
type BalanceResponse struct {
	Balances struct {
		AccountNumber      string  `json:"account_number"`
		AccountType        string  `json:"account_type"`
		TotalEquity        float64 `json:"total_equity"`
		TotalCash          float64 `json:"total_cash"`
		Equity             float64 `json:"equity"`
		MarketValue        float64 `json:"market_value"`
		OpenPL             float64 `json:"open_pl"`
		ClosePL            float64 `json:"close_pl"`
		CurrentRequirement float64 `json:"current_requirement"`
		OptionRequirement  float64 `json:"option_requirement"`
		PendingOrdersCount int     `json:"pending_orders_count"`
		UnclearedFunds     float64 `json:"uncleared_funds"`
		PendingCash        float64 `json:"pending_cash"`

		Margin *struct {
			FedCall           float64 `json:"fed_call"`
			MaintenanceCall   float64 `json:"maintenance_call"`
			OptionBuyingPower float64 `json:"option_buying_power"`
			StockBuyingPower  float64 `json:"stock_buying_power"`
			Sweep             float64 `json:"sweep"`
		} `json:"margin"`

		Cash *struct {
			CashAvailable  float64 `json:"cash_available"`
			Sweep          float64 `json:"sweep"`
			UnsettledFunds float64 `json:"unsettled_funds"`
		} `json:"cash"`

		PDT *struct {
			FedCall           float64 `json:"fed_call"`
			MaintenanceCall   float64 `json:"maintenance_call"`
			OptionBuyingPower float64 `json:"option_buying_power"`
			StockBuyingPower  float64 `json:"stock_buying_power"`
		} `json:"pdt"`
	} `json:"balances"`
}

// GetOptionBuyingPower extracts option buying power based on account type.
func (b *BalanceResponse) GetOptionBuyingPower() (float64, error) {
	switch b.Balances.AccountType {
	case "margin":
		if b.Balances.Margin != nil {
			return b.Balances.Margin.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("margin account type specified but margin data is missing")
	case "pdt":
		if b.Balances.PDT != nil {
			return b.Balances.PDT.OptionBuyingPower, nil
		}
		return 0, fmt.Errorf("pdt account type specified but pdt data is missing")
	case "cash":
		if b.Balances.Cash != nil {
			return b.Balances.Cash.CashAvailable, nil
		}
		return 0, fmt.Errorf("cash account type specified but cash data is missing")
	}
	return 0, fmt.Errorf("unknown account type: %s", b.Balances.AccountType)
}

// MarketClockResponse represents the market clock response from the Tradier API.
type MarketClockResponse struct {
	Clock struct {
		Date        string `json:"date"`
		Description string `json:"description"`
		State       string `json:"state"`
		Timestamp   int64  `json:"timestamp"`
		NextChange  string `json:"next_change"`
		NextState   string `json:"next_state"`
	} `json:"clock"`
}

// OrderItem represents an order in the broker's order listing. Tag carries
// back the client order id supplied at placement.
type OrderItem struct {
	ID                int     `json:"id"`
	Type              string  `json:"type"`
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	Class             string  `json:"class"`
	Status            string  `json:"status"`
	Duration          string  `json:"duration"`
	Tag               string  `json:"tag"`
	CreateDate        string  `json:"create_date"`
	TransactionDate   string  `json:"transaction_date"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	ExecQuantity      float64 `json:"exec_quantity"`
	LastFillPrice     float64 `json:"last_fill_price"`
	RemainingQuantity float64 `json:"remaining_quantity"`
	Price             float64 `json:"price"`
	Quantity          float64 `json:"quantity"`
	ReasonDescription string  `json:"reason_description"`
}

// ordersResponse wraps the order listing envelope.
type ordersResponse struct {
	Orders ordersWrapper `json:"orders"`
}

type ordersWrapper struct {
	Order singleOrArray[OrderItem] `json:"order"`
}

func (ow *ordersWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*ow = ordersWrapper{}
		return nil
	}
	type normalWrapper ordersWrapper
	return json.Unmarshal(b, (*normalWrapper)(ow))
}

type orderItemResponse struct {
	Order OrderItem `json:"order"`
}

// ClosedPosition is one row of the account gain/loss report.
type ClosedPosition struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	Cost         float64 `json:"cost"`
	Proceeds     float64 `json:"proceeds"`
	GainLoss     float64 `json:"gain_loss"`
	GainLossPct  float64 `json:"gain_loss_percent"`
	OpenDate     string  `json:"open_date"`
	CloseDate    string  `json:"close_date"`
	TermDays     int     `json:"term"`
}

type gainLossResponse struct {
	GainLoss struct {
		ClosedPosition singleOrArray[ClosedPosition] `json:"closed_position"`
	} `json:"gainloss"`
}

// HistoricalDataPoint represents a single daily bar.
type HistoricalDataPoint struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// HistoricalDataResponse represents the response from the history API.
type HistoricalDataResponse struct {
	History struct {
		Day singleOrArray[struct {
			Date   string  `json:"date"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
		}] `json:"day"`
	} `json:"history"`
}

// ============ API Methods ============

// GetUnderlyingQuote retrieves the current market quote for a symbol.
func (t *TradierAPI) GetUnderlyingQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	quotes := response.Quotes.Quote
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}
	first := quotes[0]
	return &first, nil
}

// GetExpirations retrieves available expiration dates for options on a symbol.
func (t *TradierAPI) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response ExpirationsResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.Expirations.Date, nil
}

// GetOptionChain retrieves the option chain for a symbol and expiration date.
func (t *TradierAPI) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	params.Set("greeks", fmt.Sprintf("%t", withGreeks))
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response OptionChainResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []Option(response.Options.Option), nil
}

// GetPositions retrieves current positions from the account.
func (t *TradierAPI) GetPositions(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response PositionsResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []PositionItem(response.Positions.Position), nil
}

// GetBalances retrieves account balance information.
func (t *TradierAPI) GetBalances(ctx context.Context) (*BalanceResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response BalanceResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetGainLoss retrieves the account's closed-position gain/loss report.
func (t *TradierAPI) GetGainLoss(ctx context.Context) ([]ClosedPosition, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/gainloss", t.baseURL, t.accountID)

	var response gainLossResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []ClosedPosition(response.GainLoss.ClosedPosition), nil
}

// GetMarketClock retrieves the current market clock status.
func (t *TradierAPI) GetMarketClock(ctx context.Context, delayed bool) (*MarketClockResponse, error) {
	endpoint := fmt.Sprintf("%s/markets/clock?delayed=%t", t.baseURL, delayed)

	var response MarketClockResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// IsTradingDay returns true on a trading session day (open, premarket, or postmarket).
func (t *TradierAPI) IsTradingDay(ctx context.Context, delayed bool) (bool, error) {
	clock, err := t.GetMarketClock(ctx, delayed)
	if err != nil {
		return false, err
	}
	state := clock.Clock.State
	return state == marketStateOpen || state == marketStatePreMarket || state == marketStatePostMarket, nil
}

// GetHistoricalDailyCloses retrieves daily bars for a symbol over a date range.
func (t *TradierAPI) GetHistoricalDailyCloses(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalDataPoint, error) {
	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("interval", "daily")
	params.Add("start", start.Format("2006-01-02"))
	params.Add("end", end.Format("2006-01-02"))
	endpoint := t.baseURL + "/markets/history?" + params.Encode()

	var response HistoricalDataResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("failed to get historical data for %s: %w", symbol, err)
	}

	dataPoints := make([]HistoricalDataPoint, 0, len(response.History.Day))
	for _, day := range response.History.Day {
		date, err := time.Parse("2006-01-02", day.Date)
		if err != nil {
			return nil, fmt.Errorf("failed to parse date %s: %w", day.Date, err)
		}
		dataPoints = append(dataPoints, HistoricalDataPoint{
			Date:   date,
			Open:   day.Open,
			High:   day.High,
			Low:    day.Low,
			Close:  day.Close,
			Volume: day.Volume,
		})
	}
	return dataPoints, nil
}

// normalizeDuration normalizes and validates the duration parameter.
func normalizeDuration(duration string) (string, error) {
	if duration == "" {
		return "day", nil
	}
	normalized := strings.ToLower(strings.TrimSpace(duration))
	switch normalized {
	case "good-til-cancelled", "goodtilcancelled", "gtc":
		return "gtc", nil
	case "day", "pre", "post":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid duration '%s': must be one of 'day', 'gtc', 'pre', or 'post'", duration)
	}
}

// PlaceSpreadOrder places a multileg limit order for a vertical spread.
func (t *TradierAPI) PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*OrderAck, error) {
	if len(req.Legs) < 2 {
		return nil, fmt.Errorf("spread order requires at least 2 legs, got %d", len(req.Legs))
	}
	switch req.PriceType {
	case "credit", "debit", "even":
	default:
		return nil, fmt.Errorf("invalid spread price type: %q", req.PriceType)
	}
	if req.PriceType != "even" && req.LimitPrice <= 0 {
		return nil, fmt.Errorf("invalid %s price: %.2f (must be > 0)", req.PriceType, req.LimitPrice)
	}

	duration, err := normalizeDuration(req.Duration)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Add("class", "multileg")
	params.Add("symbol", req.Symbol)
	params.Add("type", req.PriceType)
	params.Add("duration", duration)
	if req.PriceType != "even" {
		params.Add("price", fmt.Sprintf("%.2f", req.LimitPrice))
	}
	if req.Preview {
		params.Add("preview", "true")
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	for i, leg := range req.Legs {
		if leg.Quantity <= 0 {
			return nil, fmt.Errorf("invalid quantity %d for leg %s", leg.Quantity, leg.OptionSymbol)
		}
		params.Add(fmt.Sprintf("option_symbol[%d]", i), leg.OptionSymbol)
		params.Add(fmt.Sprintf("side[%d]", i), string(leg.Side))
		params.Add(fmt.Sprintf("quantity[%d]", i), fmt.Sprintf("%d", leg.Quantity))
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response orderAckResponse
	if err := t.makeRequestCtx(ctx, "POST", endpoint, params, &response); err != nil {
		return nil, err
	}
	return &response.Order, nil
}

// PlaceSingleLegOrder places a one-leg option order.
func (t *TradierAPI) PlaceSingleLegOrder(ctx context.Context, req SingleLegOrderRequest) (*OrderAck, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", req.Quantity)
	}
	switch req.OrderType {
	case "limit":
		if req.LimitPrice <= 0 {
			return nil, fmt.Errorf("invalid price for limit order: %.2f, price must be positive", req.LimitPrice)
		}
	case "market":
	default:
		return nil, fmt.Errorf("invalid order type: %q", req.OrderType)
	}

	duration, err := normalizeDuration(req.Duration)
	if err != nil {
		return nil, err
	}

	parsed, err := ParseOCC(req.OptionSymbol)
	if err != nil {
		return nil, fmt.Errorf("failed to extract underlying symbol from option symbol %s: %w", req.OptionSymbol, err)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", parsed.Underlying)
	params.Add("option_symbol", req.OptionSymbol)
	params.Add("side", string(req.Side))
	params.Add("quantity", fmt.Sprintf("%d", req.Quantity))
	params.Add("type", req.OrderType)
	params.Add("duration", duration)
	if req.OrderType == "limit" {
		params.Add("price", fmt.Sprintf("%.2f", req.LimitPrice))
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response orderAckResponse
	if err := t.makeRequestCtx(ctx, "POST", endpoint, params, &response); err != nil {
		return nil, err
	}
	return &response.Order, nil
}

// GetOrder retrieves a single order by broker id.
func (t *TradierAPI) GetOrder(ctx context.Context, brokerOrderID int) (*OrderItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, brokerOrderID)
	var response orderItemResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response.Order, nil
}

// GetAllOrders retrieves the account's order listing including tags.
func (t *TradierAPI) GetAllOrders(ctx context.Context) ([]OrderItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders?includeTags=true", t.baseURL, t.accountID)
	var response ordersResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []OrderItem(response.Orders.Order), nil
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation.
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	var req *http.Request
	var err error

	if method == "POST" && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "dunder-verticals/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s (retry-after: %s)", method, endpoint, ct, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
