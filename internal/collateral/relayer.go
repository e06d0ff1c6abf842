// relayer.go is the gasless PROXY path: contract calls are wrapped in a
// safe-transaction request and executed by Polymarket's relayer.
package collateral

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"

	"polymarket-hedger/pkg/types"
)

const (
	relayerPollEvery   = 2 * time.Second
	relayerWaitTimeout = 90 * time.Second
)

// relayerTxRequest is the submission body.
type relayerTxRequest struct {
	Type        string `json:"type"` // "SAFE"
	From        string `json:"from"`
	To          string `json:"to"`
	ProxyWallet string `json:"proxyWallet"`
	Data        string `json:"data"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

type relayerTxResponse struct {
	ID              string `json:"id"`
	TransactionHash string `json:"transactionHash"`
	State           string `json:"state"` // STATE_NEW .. STATE_MINED / STATE_FAILED
	Error           string `json:"error,omitempty"`
}

// RelayerClient executes transactions through the proxy wallet without
// paying gas.
type RelayerClient struct {
	http    *resty.Client
	privKey *ecdsa.PrivateKey
	signer  common.Address
	proxy   common.Address
	logger  *slog.Logger
}

// NewRelayerClient creates a client for the given relayer endpoint.
func NewRelayerClient(baseURL, privateKeyHex string, proxy common.Address, logger *slog.Logger) (*RelayerClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RelayerClient{
		http:    httpClient,
		privKey: key,
		signer:  crypto.PubkeyToAddress(key.PublicKey),
		proxy:   proxy,
		logger:  logger.With("component", "relayer"),
	}, nil
}

// Submit relays one contract call through the proxy wallet and waits for
// it to mine.
func (r *RelayerClient) Submit(ctx context.Context, call ContractCall) (string, error) {
	nonce, err := r.fetchNonce(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", call.Desc, err)
	}

	digest := crypto.Keccak256(
		r.proxy.Bytes(), call.To.Bytes(), call.Data, []byte(nonce),
	)
	sig, err := crypto.Sign(digest, r.privKey)
	if err != nil {
		return "", fmt.Errorf("%s: sign relayer request: %w", call.Desc, err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	req := relayerTxRequest{
		Type:        "SAFE",
		From:        r.signer.Hex(),
		To:          call.To.Hex(),
		ProxyWallet: r.proxy.Hex(),
		Data:        "0x" + hex.EncodeToString(call.Data),
		Nonce:       nonce,
		Signature:   "0x" + hex.EncodeToString(sig),
	}

	var result relayerTxResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/submit")
	if err != nil {
		return "", fmt.Errorf("%s: relayer submit: %w", call.Desc, err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("%s: relayer status %d: %s", call.Desc, resp.StatusCode(), resp.String())
	}
	if result.Error != "" {
		return "", fmt.Errorf("%s: relayer rejected: %s", call.Desc, result.Error)
	}
	r.logger.Info("relayer accepted", "op", call.Desc, "id", result.ID, "state", result.State)

	return r.waitMined(ctx, result.ID, call.Desc)
}

func (r *RelayerClient) fetchNonce(ctx context.Context) (string, error) {
	var result struct {
		Nonce string `json:"nonce"`
	}
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParam("address", r.proxy.Hex()).
		SetResult(&result).
		Get("/nonce")
	if err != nil {
		return "", fmt.Errorf("relayer nonce: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("relayer nonce: status %d", resp.StatusCode())
	}
	return result.Nonce, nil
}

// waitMined polls the relayer until the transaction mines or fails.
func (r *RelayerClient) waitMined(ctx context.Context, id, desc string) (string, error) {
	deadline := time.NewTimer(relayerWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(relayerPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%s: %w", desc, types.ErrRelayerTimeout)
		case <-ticker.C:
			var result relayerTxResponse
			resp, err := r.http.R().
				SetContext(ctx).
				SetResult(&result).
				Get("/transaction/" + id)
			if err != nil || resp.StatusCode() != 200 {
				continue
			}
			switch result.State {
			case "STATE_MINED", "STATE_CONFIRMED":
				r.logger.Info("relayer transaction mined", "op", desc, "tx", result.TransactionHash)
				return result.TransactionHash, nil
			case "STATE_FAILED":
				return "", fmt.Errorf("%s: %w: %s", desc, types.ErrTransactionReverted, result.Error)
			}
		}
	}
}
