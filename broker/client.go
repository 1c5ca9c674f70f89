// broker/client.go
package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tango_bot/logs"

	"github.com/google/uuid"
)

// Ensure APIClient implements Client.
var _ Client = (*APIClient)(nil)

// APIClient talks to an MT5 terminal through its REST bridge.
// Every request is signed with HMAC-SHA256 over "timestamp + method + path + body".
type APIClient struct {
	ApiKey    string
	ApiSecret string
	BaseURL   string
	Http      *http.Client
}

type bridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type bridgePosition struct {
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Volume     float64 `json:"volume"`
	PriceOpen  float64 `json:"price_open"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
	Profit     float64 `json:"profit"`
	Magic      int64   `json:"magic"`
	Comment    string  `json:"comment"`
	Time       int64   `json:"time"` // unix seconds
}

type bridgeTick struct {
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	TimeMs int64   `json:"time_msc"`
}

type orderRequest struct {
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Volume     float64 `json:"volume"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
	Magic      int64   `json:"magic"`
	Comment    string  `json:"comment"`
	RequestID  string  `json:"request_id"`
}

// NewAPIClient creates a new bridge client.
func NewAPIClient(apiKey, apiSecret, baseURL string, timeoutSeconds int) *APIClient {
	return &APIClient{
		ApiKey:    apiKey,
		ApiSecret: apiSecret,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Http:      &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
	}
}

func (c *APIClient) sign(timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.ApiSecret))
	_, _ = mac.Write([]byte(timestamp + method + path))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// sendRequest signs, sends and decodes one bridge call, classifying failures:
// transport errors and 5xx become ErrConnectionLost, 404 ErrPositionNotFound, other 4xx ErrOrderRejected.
func (c *APIClient) sendRequest(ctx context.Context, method, endpoint string, params url.Values, payload interface{}, target interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	path := endpoint
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.ApiKey)
	req.Header.Set("X-TIMESTAMP", timestamp)
	req.Header.Set("X-SIGNATURE", c.sign(timestamp, method, path, body))
	req.Header.Set("X-REQUEST-ID", uuid.NewString())

	resp, err := c.Http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", ErrConnectionLost, err)
	}

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(respBody))
		var errResp bridgeError
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			msg = fmt.Sprintf("%s (code: %d)", errResp.Message, errResp.Code)
		}
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: HTTP %d: %s", ErrConnectionLost, resp.StatusCode, msg)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrPositionNotFound, msg)
		default:
			return fmt.Errorf("%w: %s", ErrOrderRejected, msg)
		}
	}

	if target != nil {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("failed to decode JSON: %w, body: %s", err, string(respBody))
		}
	}
	return nil
}

// Ping checks that the bridge and its terminal are up.
func (c *APIClient) Ping(ctx context.Context) error {
	return c.sendRequest(ctx, http.MethodGet, "/api/v1/ping", nil, nil, nil)
}

// CurrentPrice returns the latest tick for a symbol.
func (c *APIClient) CurrentPrice(ctx context.Context, symbol string) (Quote, error) {
	var tick bridgeTick
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v1/symbols/"+url.PathEscape(symbol)+"/tick", nil, nil, &tick); err != nil {
		return Quote{}, err
	}
	return Quote{
		Symbol: symbol,
		Bid:    tick.Bid,
		Ask:    tick.Ask,
		Time:   time.UnixMilli(tick.TimeMs),
	}, nil
}

// ListOpenPositions returns the open positions for symbol carrying magic.
func (c *APIClient) ListOpenPositions(ctx context.Context, symbol string, magic int64) ([]Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("magic", strconv.FormatInt(magic, 10))

	var resp struct {
		Positions []bridgePosition `json:"positions"`
	}
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v1/positions", params, nil, &resp); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		// The bridge filters server side; this guards against a bridge that ignores the filter.
		if p.Magic != magic || !strings.EqualFold(p.Symbol, symbol) {
			continue
		}
		dir, err := ParseDirection(p.Type)
		if err != nil {
			logs.Warnf("[Bridge Client] Skipping position %d with unknown type %q", p.Ticket, p.Type)
			continue
		}
		positions = append(positions, Position{
			Ticket:     p.Ticket,
			Symbol:     p.Symbol,
			Direction:  dir,
			Volume:     p.Volume,
			EntryPrice: p.PriceOpen,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
			Profit:     p.Profit,
			Magic:      p.Magic,
			Comment:    p.Comment,
			OpenTime:   time.Unix(p.Time, 0),
		})
	}
	return positions, nil
}

// OpenPosition sends a market order with no SL/TP.
func (c *APIClient) OpenPosition(ctx context.Context, req OpenRequest) (int64, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	payload := orderRequest{
		Symbol:    req.Symbol,
		Type:      string(req.Direction),
		Volume:    req.Volume,
		Magic:     req.Magic,
		Comment:   req.Comment,
		RequestID: req.RequestID,
	}
	var resp struct {
		Ticket int64 `json:"ticket"`
	}
	if err := c.sendRequest(ctx, http.MethodPost, "/api/v1/orders", nil, payload, &resp); err != nil {
		return 0, err
	}
	if resp.Ticket == 0 {
		return 0, errors.New("bridge accepted order but returned no ticket")
	}
	return resp.Ticket, nil
}

// ModifyStopLoss moves the stop of an open position.
func (c *APIClient) ModifyStopLoss(ctx context.Context, ticket int64, stopLoss float64) error {
	payload := map[string]float64{"sl": stopLoss}
	return c.sendRequest(ctx, http.MethodPost, fmt.Sprintf("/api/v1/positions/%d/modify", ticket), nil, payload, nil)
}

// ClosePosition closes an open position at market.
func (c *APIClient) ClosePosition(ctx context.Context, ticket int64) error {
	return c.sendRequest(ctx, http.MethodPost, fmt.Sprintf("/api/v1/positions/%d/close", ticket), nil, nil, nil)
}
