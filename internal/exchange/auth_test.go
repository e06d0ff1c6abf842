package exchange

import (
	"math/big"
	"strings"
	"testing"

	"polymarket-hedger/internal/config"
	"polymarket-hedger/pkg/types"
)

// Well-known throwaway key (hardhat account #0), never funded on mainnet.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testAuth(t *testing.T) *Auth {
	t.Helper()
	cfg := &config.Config{}
	cfg.Wallet.PrivateKey = testPrivateKey
	cfg.Wallet.ChainID = 137
	cfg.Wallet.AuthMode = types.AuthModeEOA
	cfg.API.ApiKey = "key"
	cfg.API.Secret = "c2VjcmV0LXNlY3JldC1zZWNyZXQ=" // base64 "secret-secret-secret"
	cfg.API.Passphrase = "pass"

	a, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return a
}

func TestNewAuthDerivesAddress(t *testing.T) {
	t.Parallel()
	a := testAuth(t)
	want := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	if got := a.Address().Hex(); got != want {
		t.Fatalf("Address = %s, want %s", got, want)
	}
	// No funder configured: funder == signer.
	if a.FunderAddress() != a.Address() {
		t.Fatalf("FunderAddress = %s, want signer", a.FunderAddress().Hex())
	}
}

func TestProxyModeDefaultsSignatureType(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Wallet.PrivateKey = testPrivateKey
	cfg.Wallet.ChainID = 137
	cfg.Wallet.AuthMode = types.AuthModeProxy
	cfg.Wallet.FunderAddress = "0x1111111111111111111111111111111111111111"

	a, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	if a.sigType != types.SigProxy {
		t.Fatalf("sigType = %d, want proxy", a.sigType)
	}
	if a.FunderAddress() == a.Address() {
		t.Fatal("funder should differ from signer in proxy mode")
	}
}

func TestL1HeadersComplete(t *testing.T) {
	t.Parallel()
	a := testAuth(t)
	headers, err := a.L1Headers(0)
	if err != nil {
		t.Fatalf("L1Headers: %v", err)
	}
	for _, key := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_NONCE"} {
		if headers[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}
	if !strings.HasPrefix(headers["POLY_SIGNATURE"], "0x") {
		t.Errorf("signature %q not hex-prefixed", headers["POLY_SIGNATURE"])
	}
}

func TestL2HeadersComplete(t *testing.T) {
	t.Parallel()
	a := testAuth(t)
	headers, err := a.L2Headers("POST", "/order", `{"order":{}}`)
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}
	for _, key := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_API_KEY", "POLY_PASSPHRASE"} {
		if headers[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}
}

func TestL2HMACIsDeterministicPerInput(t *testing.T) {
	t.Parallel()
	a := testAuth(t)
	sig1, err := a.buildHMAC("1700000000", "POST", "/order", "body")
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	sig2, _ := a.buildHMAC("1700000000", "POST", "/order", "body")
	if sig1 != sig2 {
		t.Fatal("same input produced different signatures")
	}
	sig3, _ := a.buildHMAC("1700000000", "POST", "/order", "other")
	if sig1 == sig3 {
		t.Fatal("different body produced the same signature")
	}
}

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		price   float64
		size    float64
		side    types.Side
		wantMkr int64
		wantTkr int64
	}{
		{
			name:  "BUY at 0.50, size 100",
			price: 0.50, size: 100, side: types.BUY,
			wantMkr: 50_000_000,  // 50 USDC
			wantTkr: 100_000_000, // 100 tokens
		},
		{
			name:  "SELL at 0.50, size 100",
			price: 0.50, size: 100, side: types.SELL,
			wantMkr: 100_000_000,
			wantTkr: 50_000_000,
		},
		{
			name:  "BUY at 0.42, size 10",
			price: 0.42, size: 10, side: types.BUY,
			wantMkr: 4_200_000,
			wantTkr: 10_000_000,
		},
		{
			name:  "size truncated to 2 decimals",
			price: 0.55, size: 1.999, side: types.BUY,
			wantMkr: 1_094_500, // 1.99 * 0.55 = 1.0945
			wantTkr: 1_990_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mkr, tkr := PriceToAmounts(tt.price, tt.size, tt.side)
			if mkr.Cmp(big.NewInt(tt.wantMkr)) != 0 {
				t.Errorf("makerAmount = %s, want %d", mkr, tt.wantMkr)
			}
			if tkr.Cmp(big.NewInt(tt.wantTkr)) != 0 {
				t.Errorf("takerAmount = %s, want %d", tkr, tt.wantTkr)
			}
		})
	}
}

func TestPriceToAmountsSellMirrorsBuy(t *testing.T) {
	t.Parallel()
	buyMkr, buyTkr := PriceToAmounts(0.60, 50, types.BUY)
	sellMkr, sellTkr := PriceToAmounts(0.60, 50, types.SELL)
	if buyMkr.Cmp(sellTkr) != 0 {
		t.Errorf("BUY maker (%s) != SELL taker (%s)", buyMkr, sellTkr)
	}
	if buyTkr.Cmp(sellMkr) != 0 {
		t.Errorf("BUY taker (%s) != SELL maker (%s)", buyTkr, sellMkr)
	}
}
