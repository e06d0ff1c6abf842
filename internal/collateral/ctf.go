// ctf.go is the direct on-chain path: calldata building and signed
// transaction submission against the CTF and NegRisk adapter contracts.
package collateral

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"polymarket-hedger/pkg/types"
)

// Polygon contract addresses.
const (
	ctfAddress     = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	usdcAddress    = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	negRiskAdapter = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"

	ctfExchange     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"

	polygonChainID = int64(137)
)

// Conservative gas ceilings used when estimation fails.
const (
	collateralGasLimit = uint64(300_000)
	approvalGasLimit   = uint64(80_000)

	gasPriceCacheTTL = 5 * time.Minute
	receiptTimeout   = 60 * time.Second
	receiptPollEvery = 3 * time.Second
)

var (
	ctfABI     abi.ABI
	negRiskABI abi.ABI
	erc20ABI   abi.ABI
	erc1155ABI abi.ABI
)

func init() {
	mustParse := func(dst *abi.ABI, src string) {
		parsed, err := abi.JSON(strings.NewReader(src))
		if err != nil {
			panic("collateral abi parse: " + err.Error())
		}
		*dst = parsed
	}

	mustParse(&ctfABI, `[
		{"name":"splitPosition","type":"function","inputs":[
			{"name":"collateralToken","type":"address"},
			{"name":"parentCollectionId","type":"bytes32"},
			{"name":"conditionId","type":"bytes32"},
			{"name":"partition","type":"uint256[]"},
			{"name":"amount","type":"uint256"}],"outputs":[]},
		{"name":"mergePositions","type":"function","inputs":[
			{"name":"collateralToken","type":"address"},
			{"name":"parentCollectionId","type":"bytes32"},
			{"name":"conditionId","type":"bytes32"},
			{"name":"partition","type":"uint256[]"},
			{"name":"amount","type":"uint256"}],"outputs":[]},
		{"name":"redeemPositions","type":"function","inputs":[
			{"name":"collateralToken","type":"address"},
			{"name":"parentCollectionId","type":"bytes32"},
			{"name":"conditionId","type":"bytes32"},
			{"name":"indexSets","type":"uint256[]"}],"outputs":[]}]`)

	mustParse(&negRiskABI, `[
		{"name":"splitPosition","type":"function","inputs":[
			{"name":"conditionId","type":"bytes32"},
			{"name":"amount","type":"uint256"}],"outputs":[]},
		{"name":"mergePositions","type":"function","inputs":[
			{"name":"conditionId","type":"bytes32"},
			{"name":"amount","type":"uint256"}],"outputs":[]},
		{"name":"redeemPositions","type":"function","inputs":[
			{"name":"conditionId","type":"bytes32"},
			{"name":"amounts","type":"uint256[]"}],"outputs":[]}]`)

	mustParse(&erc20ABI, `[
		{"name":"approve","type":"function","inputs":[
			{"name":"spender","type":"address"},
			{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"allowance","type":"function","inputs":[
			{"name":"owner","type":"address"},
			{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`)

	mustParse(&erc1155ABI, `[
		{"name":"setApprovalForAll","type":"function","inputs":[
			{"name":"operator","type":"address"},
			{"name":"approved","type":"bool"}],"outputs":[]},
		{"name":"isApprovedForAll","type":"function","inputs":[
			{"name":"account","type":"address"},
			{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]}]`)
}

// ContractCall is one prepared calldata blob bound for a contract.
type ContractCall struct {
	To   common.Address
	Data []byte
	Desc string
}

// usdcUnits converts a USD amount to 6-decimal token units.
func usdcUnits(amount float64) *big.Int {
	return big.NewInt(int64(amount*1_000_000 + 0.5))
}

// hexToBytes32 parses a 0x-prefixed condition ID.
func hexToBytes32(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("condition id: expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, fmt.Errorf("condition id: %w", err)
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

// packSplit builds a split call. Standard markets hit the CTF with the
// full signature; NegRisk markets hit the adapter's two-arg variant.
func packSplit(conditionID string, amount float64, negRisk bool) (ContractCall, error) {
	cond, err := hexToBytes32(conditionID)
	if err != nil {
		return ContractCall{}, err
	}
	units := usdcUnits(amount)
	if negRisk {
		data, err := negRiskABI.Pack("splitPosition", cond, units)
		if err != nil {
			return ContractCall{}, fmt.Errorf("pack split: %w", err)
		}
		return ContractCall{To: common.HexToAddress(negRiskAdapter), Data: data, Desc: "split negrisk"}, nil
	}
	data, err := ctfABI.Pack("splitPosition",
		common.HexToAddress(usdcAddress), [32]byte{}, cond,
		[]*big.Int{big.NewInt(1), big.NewInt(2)}, units)
	if err != nil {
		return ContractCall{}, fmt.Errorf("pack split: %w", err)
	}
	return ContractCall{To: common.HexToAddress(ctfAddress), Data: data, Desc: "split"}, nil
}

func packMerge(conditionID string, amount float64, negRisk bool) (ContractCall, error) {
	cond, err := hexToBytes32(conditionID)
	if err != nil {
		return ContractCall{}, err
	}
	units := usdcUnits(amount)
	if negRisk {
		data, err := negRiskABI.Pack("mergePositions", cond, units)
		if err != nil {
			return ContractCall{}, fmt.Errorf("pack merge: %w", err)
		}
		return ContractCall{To: common.HexToAddress(negRiskAdapter), Data: data, Desc: "merge negrisk"}, nil
	}
	data, err := ctfABI.Pack("mergePositions",
		common.HexToAddress(usdcAddress), [32]byte{}, cond,
		[]*big.Int{big.NewInt(1), big.NewInt(2)}, units)
	if err != nil {
		return ContractCall{}, fmt.Errorf("pack merge: %w", err)
	}
	return ContractCall{To: common.HexToAddress(ctfAddress), Data: data, Desc: "merge"}, nil
}

// packRedeem builds a redeem call. The NegRisk variant needs explicit
// per-outcome share amounts; the CTF variant redeems by index set.
func packRedeem(conditionID string, outcomeIndex int, negRisk bool, shares float64) (ContractCall, error) {
	cond, err := hexToBytes32(conditionID)
	if err != nil {
		return ContractCall{}, err
	}
	if negRisk {
		amounts := []*big.Int{big.NewInt(0), big.NewInt(0)}
		if outcomeIndex < 0 || outcomeIndex > 1 {
			return ContractCall{}, fmt.Errorf("outcome index %d out of range", outcomeIndex)
		}
		amounts[outcomeIndex] = usdcUnits(shares)
		data, err := negRiskABI.Pack("redeemPositions", cond, amounts)
		if err != nil {
			return ContractCall{}, fmt.Errorf("pack redeem: %w", err)
		}
		return ContractCall{To: common.HexToAddress(negRiskAdapter), Data: data, Desc: "redeem negrisk"}, nil
	}
	data, err := ctfABI.Pack("redeemPositions",
		common.HexToAddress(usdcAddress), [32]byte{}, cond,
		[]*big.Int{big.NewInt(1), big.NewInt(2)})
	if err != nil {
		return ContractCall{}, fmt.Errorf("pack redeem: %w", err)
	}
	return ContractCall{To: common.HexToAddress(ctfAddress), Data: data, Desc: "redeem"}, nil
}

// ChainClient submits signed transactions from the EOA, paying gas.
type ChainClient struct {
	client  *ethclient.Client
	privKey *ecdsa.PrivateKey
	address common.Address
	logger  *slog.Logger

	mu           sync.Mutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

// NewChainClient dials the RPC and derives the sender address.
func NewChainClient(rpcURL, privateKeyHex string, logger *slog.Logger) (*ChainClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &ChainClient{
		client:  client,
		privKey: key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		logger:  logger.With("component", "chain_client"),
	}, nil
}

// Address returns the sending EOA.
func (c *ChainClient) Address() common.Address { return c.address }

// Close releases the RPC connection.
func (c *ChainClient) Close() { c.client.Close() }

// Submit signs, sends, and waits for the receipt of one contract call.
func (c *ChainClient) Submit(ctx context.Context, call ContractCall) (string, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("%s: nonce: %w", call.Desc, types.ErrNonce)
	}
	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: gas price: %w", call.Desc, err)
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.address, To: &call.To, GasPrice: gasPrice, Data: call.Data,
	})
	if err != nil {
		gasLimit = collateralGasLimit
		c.logger.Warn("gas estimate failed, using ceiling", "op", call.Desc, "error", err)
	}
	gasLimit = gasLimit * 12 / 10

	tx := ethtypes.NewTransaction(nonce, call.To, big.NewInt(0), gasLimit, gasPrice, call.Data)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(big.NewInt(polygonChainID)), c.privKey)
	if err != nil {
		return "", fmt.Errorf("%s: sign tx: %w", call.Desc, err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(err.Error(), "insufficient funds") {
			return "", fmt.Errorf("%s: %w", call.Desc, types.ErrInsufficientGas)
		}
		return "", fmt.Errorf("%s: send tx: %w", call.Desc, err)
	}

	hash := signed.Hash()
	c.logger.Info("transaction sent", "op", call.Desc, "tx", hash.Hex())

	receiptCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	receipt, err := c.waitForReceipt(receiptCtx, hash)
	if err != nil {
		// Sent but unconfirmed: report the hash, let the caller decide.
		c.logger.Warn("receipt not confirmed in time", "tx", hash.Hex(), "error", err)
		return hash.Hex(), nil
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return hash.Hex(), fmt.Errorf("%s: %w: %s", call.Desc, types.ErrTransactionReverted, hash.Hex())
	}
	return hash.Hex(), nil
}

func (c *ChainClient) gasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached, at := c.cachedGasWei, c.gasUpdatedAt
	c.mu.Unlock()
	if cached != nil && time.Since(at) < gasPriceCacheTTL {
		return cached, nil
	}

	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}
	// 10% bump for faster inclusion.
	price = new(big.Int).Div(new(big.Int).Mul(price, big.NewInt(11)), big.NewInt(10))

	c.mu.Lock()
	c.cachedGasWei = price
	c.gasUpdatedAt = time.Now()
	c.mu.Unlock()
	return price, nil
}

func (c *ChainClient) waitForReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue
			}
			return receipt, nil
		}
	}
}

// call runs a read-only contract call.
func (c *ChainClient) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// IsApprovedForAll checks the ERC1155 operator approval on the CTF.
func (c *ChainClient) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	data, err := erc1155ABI.Pack("isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	raw, err := c.call(ctx, common.HexToAddress(ctfAddress), data)
	if err != nil {
		return false, fmt.Errorf("isApprovedForAll: %w", err)
	}
	out, err := erc1155ABI.Unpack("isApprovedForAll", raw)
	if err != nil || len(out) == 0 {
		return false, fmt.Errorf("unpack isApprovedForAll: %w", err)
	}
	approved, _ := out[0].(bool)
	return approved, nil
}

// Allowance queries the USDC allowance granted to spender.
func (c *ChainClient) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, common.HexToAddress(usdcAddress), data)
	if err != nil {
		return nil, fmt.Errorf("allowance: %w", err)
	}
	out, err := erc20ABI.Unpack("allowance", raw)
	if err != nil || len(out) == 0 {
		return nil, fmt.Errorf("unpack allowance: %w", err)
	}
	allowance, _ := out[0].(*big.Int)
	return allowance, nil
}

// ApproveCall builds an unlimited USDC approval for spender.
func ApproveCall(spender common.Address) (ContractCall, error) {
	maxUint := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	data, err := erc20ABI.Pack("approve", spender, maxUint)
	if err != nil {
		return ContractCall{}, fmt.Errorf("pack approve: %w", err)
	}
	return ContractCall{To: common.HexToAddress(usdcAddress), Data: data, Desc: "usdc approve"}, nil
}

// SetApprovalCall builds an ERC1155 operator approval on the CTF.
func SetApprovalCall(operator common.Address) (ContractCall, error) {
	data, err := erc1155ABI.Pack("setApprovalForAll", operator, true)
	if err != nil {
		return ContractCall{}, fmt.Errorf("pack setApprovalForAll: %w", err)
	}
	return ContractCall{To: common.HexToAddress(ctfAddress), Data: data, Desc: "ctf approval"}, nil
}
