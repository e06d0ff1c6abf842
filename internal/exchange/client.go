// Package exchange implements the CLOB REST and WebSocket clients.
//
// The REST client (Client) covers order management:
//   - GetOrderBook:       GET  /book                 — L2 book for a token
//   - PostOrder:          POST /order                — place one signed order
//   - CancelOrders:       DELETE /orders             — cancel by ID
//   - CancelMarketOrders: DELETE /cancel-market-orders — cancel one market
//   - GetOpenOrders:      GET  /data/orders          — open-order snapshot
//   - GetOrder:           GET  /data/order/{id}      — single order re-read
//   - DeriveAPIKey:       GET  /auth/derive-api-key  — bootstrap L2 creds
//
// Every request goes through the rate-limited gateway under its endpoint
// category, and trading endpoints carry L2 HMAC headers. Orders are signed
// EIP-712 against the exchange contract before submission.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"

	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/gateway"
	"polymarket-hedger/pkg/types"
)

// Exchange contract addresses on Polygon. NegRisk markets settle through
// the adapter's own exchange.
const (
	ctfExchangeAddress     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	zeroAddress            = "0x0000000000000000000000000000000000000000"
)

// signedOrder is the wire form of an order: EIP-712 signed, amounts scaled
// to 6 decimals, all numerics as strings.
type signedOrder struct {
	Salt          string              `json:"salt"`
	Maker         string              `json:"maker"`
	Signer        string              `json:"signer"`
	Taker         string              `json:"taker"`
	TokenID       string              `json:"tokenId"`
	MakerAmount   string              `json:"makerAmount"`
	TakerAmount   string              `json:"takerAmount"`
	Expiration    string              `json:"expiration"`
	Nonce         string              `json:"nonce"`
	FeeRateBps    string              `json:"feeRateBps"`
	Side          string              `json:"side"`
	SignatureType types.SignatureType `json:"signatureType"`
	Signature     string              `json:"signature"`
}

type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"` // L2 API key
	OrderType string      `json:"orderType"`
}

// Client is the CLOB REST API client.
type Client struct {
	http   *resty.Client
	auth   *Auth
	gw     *gateway.Gateway
	dryRun bool // mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client. The gateway paces every request.
func NewClient(cfg *config.Config, auth *Auth, gw *gateway.Gateway, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		gw:     gw,
		dryRun: cfg.DryRun,
		logger: logger.With("component", "clob_client"),
	}
}

// Auth exposes the auth provider for consumers that need WS credentials.
func (c *Client) Auth() *Auth { return c.auth }

// checkStatus converts HTTP failures into typed errors the gateway and
// executor can branch on.
func checkStatus(resp *resty.Response, op string) error {
	code := resp.StatusCode()
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		var retryAfter time.Duration
		if s := resp.Header().Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return fmt.Errorf("%s: %w", op, gateway.RateLimitedHTTP(code, retryAfter))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: status %d: %s: %w", op, code, resp.String(), types.ErrUnauthorized)
	default:
		return fmt.Errorf("%s: status %d: %s", op, code, resp.String())
	}
}

// GetOrderBook fetches the order book for a single token over HTTP. Used
// for the initial load and for fresh probes defending against stale WS.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	var result types.BookResponse
	err := c.gw.Execute(ctx, gateway.CategoryCLOBMarketData, func(ctx context.Context) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("token_id", tokenID).
			SetResult(&result).
			Get("/book")
		if err != nil {
			return fmt.Errorf("get book: %w", err)
		}
		return checkStatus(resp, "get book")
	}, "get book "+tokenID)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// PostOrder signs and submits one order. The synchronous response may
// already carry fill amounts; callers trust those over later WS events.
func (c *Client) PostOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post order",
			"token", req.TokenID, "side", req.Side, "price", req.Price, "size", req.Size, "type", req.OrderType)
		return &types.OrderResponse{Success: true, OrderID: fmt.Sprintf("dry-run-%d", rand.Int63()), Status: "matched"}, nil
	}

	payload, err := c.buildOrderPayload(req)
	if err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var result types.OrderResponse
	err = c.gw.Execute(ctx, gateway.CategoryCLOBGeneral, func(ctx context.Context) error {
		headers, err := c.auth.L2Headers("POST", "/order", string(body))
		if err != nil {
			return fmt.Errorf("l2 headers: %w", err)
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(json.RawMessage(body)).
			SetResult(&result).
			Post("/order")
		if err != nil {
			return fmt.Errorf("post order: %w", err)
		}
		return checkStatus(resp, "post order")
	}, "post order "+string(req.Side))
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelOrders cancels specific orders by ID and returns how many the venue
// actually cancelled. Zero with no error means they had already filled.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return &types.CancelResponse{Canceled: orderIDs}, nil
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}

	var result types.CancelResponse
	err = c.gw.Execute(ctx, gateway.CategoryCLOBGeneral, func(ctx context.Context) error {
		headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
		if err != nil {
			return fmt.Errorf("l2 headers: %w", err)
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(json.RawMessage(body)).
			SetResult(&result).
			Delete("/orders")
		if err != nil {
			return fmt.Errorf("cancel orders: %w", err)
		}
		return checkStatus(resp, "cancel orders")
	}, "cancel orders")
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelMarketOrders cancels all of our orders on one market, optionally
// narrowed to a single token.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID, tokenID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel market orders", "market", conditionID)
		return &types.CancelResponse{}, nil
	}

	payload := map[string]string{"market": conditionID}
	if tokenID != "" {
		payload["asset_id"] = tokenID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}

	var result types.CancelResponse
	err = c.gw.Execute(ctx, gateway.CategoryCLOBGeneral, func(ctx context.Context) error {
		headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", string(body))
		if err != nil {
			return fmt.Errorf("l2 headers: %w", err)
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(json.RawMessage(body)).
			SetResult(&result).
			Delete("/cancel-market-orders")
		if err != nil {
			return fmt.Errorf("cancel market orders: %w", err)
		}
		return checkStatus(resp, "cancel market orders")
	}, "cancel market orders "+conditionID)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetOpenOrders returns our open orders, optionally filtered by market and
// token. Used for reconciliation after user-channel gaps.
func (c *Client) GetOpenOrders(ctx context.Context, conditionID, tokenID string) ([]types.OpenOrder, error) {
	var result []types.OpenOrder
	err := c.gw.Execute(ctx, gateway.CategoryCLOBGeneral, func(ctx context.Context) error {
		headers, err := c.auth.L2Headers("GET", "/data/orders", "")
		if err != nil {
			return fmt.Errorf("l2 headers: %w", err)
		}
		r := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&result)
		if conditionID != "" {
			r.SetQueryParam("market", conditionID)
		}
		if tokenID != "" {
			r.SetQueryParam("asset_id", tokenID)
		}
		resp, err := r.Get("/data/orders")
		if err != nil {
			return fmt.Errorf("get open orders: %w", err)
		}
		return checkStatus(resp, "get open orders")
	}, "get open orders")
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetOrder re-reads a single order by ID. Used after a "delayed" status.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	var result types.OpenOrder
	path := "/data/order/" + orderID
	err := c.gw.Execute(ctx, gateway.CategoryCLOBGeneral, func(ctx context.Context) error {
		headers, err := c.auth.L2Headers("GET", path, "")
		if err != nil {
			return fmt.Errorf("l2 headers: %w", err)
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetResult(&result).
			Get(path)
		if err != nil {
			return fmt.Errorf("get order: %w", err)
		}
		return checkStatus(resp, "get order")
	}, "get order "+orderID)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication and
// installs them on the auth provider.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	var result Credentials
	err := c.gw.Execute(ctx, gateway.CategoryCLOBGeneral, func(ctx context.Context) error {
		headers, err := c.auth.L1Headers(0)
		if err != nil {
			return fmt.Errorf("l1 headers: %w", err)
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetResult(&result).
			Get("/auth/derive-api-key")
		if err != nil {
			return fmt.Errorf("derive api key: %w", err)
		}
		return checkStatus(resp, "derive api key")
	}, "derive api key")
	if err != nil {
		return nil, err
	}
	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// buildOrderPayload converts a high-level request into the signed wire
// order. The maker is the funder wallet, the signer the EOA, the taker the
// zero address (open order).
func (c *Client) buildOrderPayload(req types.OrderRequest) (*orderPayload, error) {
	makerAmt, takerAmt := PriceToAmounts(req.Price, req.Size, req.Side)

	sideCode := "0"
	if req.Side == types.SELL {
		sideCode = "1"
	}
	order := signedOrder{
		Salt:          strconv.FormatInt(rand.Int63(), 10),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    strconv.FormatInt(req.Expiration, 10),
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideCode,
		SignatureType: c.auth.sigType,
	}

	sig, err := c.signOrder(&order, req.NegRisk)
	if err != nil {
		return nil, err
	}
	order.Signature = sig

	return &orderPayload{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: string(req.OrderType),
	}, nil
}

// signOrder produces the EIP-712 signature over the exchange's Order type.
func (c *Client) signOrder(o *signedOrder, negRisk bool) (string, error) {
	verifying := ctfExchangeAddress
	if negRisk {
		verifying = negRiskExchangeAddress
	}

	sig, err := c.auth.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(c.auth.ChainID())),
			VerifyingContract: verifying,
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		apitypes.TypedDataMessage{
			"salt":          o.Salt,
			"maker":         o.Maker,
			"signer":        o.Signer,
			"taker":         o.Taker,
			"tokenId":       o.TokenID,
			"makerAmount":   o.MakerAmount,
			"takerAmount":   o.TakerAmount,
			"expiration":    o.Expiration,
			"nonce":         o.Nonce,
			"feeRateBps":    o.FeeRateBps,
			"side":          o.Side,
			"signatureType": strconv.Itoa(int(o.SignatureType)),
		},
		"Order",
	)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	return "0x" + fmt.Sprintf("%x", sig), nil
}
