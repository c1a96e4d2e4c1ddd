// Package eth implements chain.Adapter for EVM networks using a deployed
// hash time locked contract. Values cross the adapter boundary in gwei.
package eth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/silvermint/swapd/pkg/chain"
	"github.com/silvermint/swapd/pkg/crypto"
)

const swapABI = `[
  {"name":"initiate","type":"function","stateMutability":"payable","inputs":[{"name":"refundTimestamp","type":"uint256"},{"name":"secretHash","type":"bytes32"},{"name":"participant","type":"address"}],"outputs":[]},
  {"name":"redeem","type":"function","stateMutability":"nonpayable","inputs":[{"name":"secret","type":"bytes32"},{"name":"secretHash","type":"bytes32"}],"outputs":[]},
  {"name":"refund","type":"function","stateMutability":"nonpayable","inputs":[{"name":"secretHash","type":"bytes32"}],"outputs":[]},
  {"name":"swap","type":"function","stateMutability":"view","inputs":[{"name":"secretHash","type":"bytes32"}],"outputs":[
    {"name":"initBlockNumber","type":"uint256"},
    {"name":"refundBlockTimestamp","type":"uint256"},
    {"name":"secretHash","type":"bytes32"},
    {"name":"secret","type":"bytes32"},
    {"name":"initiator","type":"address"},
    {"name":"participant","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"state","type":"uint8"}
  ]}
]`

// Contract swap states.
const (
	stateEmpty uint8 = iota
	stateFilled
	stateRedeemed
	stateRefunded
)

// Gas limits for the three contract calls and a plain transfer.
const (
	initiateGas = 158_000
	redeemGas   = 68_000
	refundGas   = 48_000
	transferGas = 21_000
)

var gweiFactor = big.NewInt(1e9)

// Client talks to one EVM network through a JSON-RPC endpoint.
type Client struct {
	name     string
	ec       *ethclient.Client
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
}

var _ chain.Adapter = (*Client)(nil)

// NewClient dials the RPC endpoint and resolves the chain id.
func NewClient(ctx context.Context, name, rpcURL, contractAddr string) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(swapABI))
	if err != nil {
		return nil, fmt.Errorf("parse swap contract abi: %w", err)
	}
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return &Client{
		name:     name,
		ec:       ec,
		abi:      parsed,
		contract: common.HexToAddress(contractAddr),
		chainID:  chainID,
	}, nil
}

func (c *Client) Close() { c.ec.Close() }

func (c *Client) Name() string { return c.name }

func (c *Client) Address(priv *ecdsa.PrivateKey) string {
	return crypto.NewSigner(priv).Address().Hex()
}

func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	wei, err := c.ec.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return 0, err
	}
	return weiToGwei(wei), nil
}

func (c *Client) SignMessage(digest []byte, priv *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.NewSigner(priv).Sign(digest)
}

func (c *Client) Recover(digest, sig []byte) (string, error) {
	addr, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

func (c *Client) InitFee(ctx context.Context) (uint64, error) {
	return c.feeAt(ctx, initiateGas)
}

func (c *Client) RedeemFee(ctx context.Context) (uint64, error) {
	return c.feeAt(ctx, redeemGas)
}

func (c *Client) feeAt(ctx context.Context, gas uint64) (uint64, error) {
	price, err := c.ec.SuggestGasPrice(ctx)
	if err != nil {
		return 0, err
	}
	return weiToGwei(new(big.Int).Mul(price, new(big.Int).SetUint64(gas))), nil
}

func (c *Client) Send(ctx context.Context, value uint64, to string, priv *ecdsa.PrivateKey) (string, error) {
	addr := common.HexToAddress(to)
	return c.submit(ctx, priv, &addr, value, transferGas, nil)
}

func (c *Client) InitiateSwap(ctx context.Context, p chain.SwapParams, priv *ecdsa.PrivateKey) (string, error) {
	return c.lock(ctx, p, priv, chain.InitiateLockDuration)
}

func (c *Client) ParticipateSwap(ctx context.Context, p chain.SwapParams, priv *ecdsa.PrivateKey) (string, error) {
	return c.lock(ctx, p, priv, chain.ParticipateLockDuration)
}

func (c *Client) lock(ctx context.Context, p chain.SwapParams, priv *ecdsa.PrivateKey, d time.Duration) (string, error) {
	refundTimestamp := big.NewInt(time.Now().Add(d).Unix())
	data, err := c.abi.Pack("initiate", refundTimestamp, p.HashedSecret, common.HexToAddress(p.Participant))
	if err != nil {
		return "", fmt.Errorf("pack initiate: %w", err)
	}
	return c.submit(ctx, priv, &c.contract, p.Value, initiateGas, data)
}

func (c *Client) RedeemSwap(ctx context.Context, secret, hashedSecret [32]byte, priv *ecdsa.PrivateKey) (string, error) {
	data, err := c.abi.Pack("redeem", secret, hashedSecret)
	if err != nil {
		return "", fmt.Errorf("pack redeem: %w", err)
	}
	return c.submit(ctx, priv, &c.contract, 0, redeemGas, data)
}

func (c *Client) RefundSwap(ctx context.Context, hashedSecret [32]byte, priv *ecdsa.PrivateKey) (string, error) {
	data, err := c.abi.Pack("refund", hashedSecret)
	if err != nil {
		return "", fmt.Errorf("pack refund: %w", err)
	}
	return c.submit(ctx, priv, &c.contract, 0, refundGas, data)
}

// submit builds, signs and broadcasts a legacy transaction.
func (c *Client) submit(ctx context.Context, priv *ecdsa.PrivateKey, to *common.Address, gweiValue, gas uint64, data []byte) (string, error) {
	from := crypto.NewSigner(priv).Address()
	nonce, err := c.ec.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", chain.ErrSubmission, err)
	}
	gasPrice, err := c.ec.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price: %v", chain.ErrSubmission, err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    gweiToWei(gweiValue),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), priv)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", chain.ErrSubmission, err)
	}
	if err := c.ec.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrSubmission, err)
	}
	return signed.Hash().Hex(), nil
}

// swapState reads the contract record for a hashed secret.
type swapState struct {
	InitBlockNumber      *big.Int
	RefundBlockTimestamp *big.Int
	SecretHash           [32]byte
	Secret               [32]byte
	Initiator            common.Address
	Participant          common.Address
	Value                *big.Int
	State                uint8
}

func (c *Client) readSwap(ctx context.Context, hashedSecret [32]byte) (*swapState, error) {
	data, err := c.abi.Pack("swap", hashedSecret)
	if err != nil {
		return nil, err
	}
	res, err := c.ec.CallContract(ctx, callMsg(c.contract, data), nil)
	if err != nil {
		return nil, err
	}
	var st swapState
	if err := c.abi.UnpackIntoInterface(&st, "swap", res); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) SwapInitTx(ctx context.Context, txid string) (*chain.SwapInfo, error) {
	tx, pending, err := c.ec.TransactionByHash(ctx, common.HexToHash(txid))
	if err != nil {
		return nil, chain.ErrTxNotFound
	}
	method, args, err := c.decodeCall(tx.Data())
	if err != nil || method != "initiate" {
		return nil, chain.ErrNotSwap
	}
	refundTimestamp := args[0].(*big.Int).Int64()
	hashedSecret := args[1].([32]byte)
	participant := args[2].(common.Address)

	info := &chain.SwapInfo{
		Recipient:    participant.Hex(),
		Value:        weiToGwei(tx.Value()),
		HashedSecret: hashedSecret,
	}
	if pending {
		return info, nil
	}
	receipt, err := c.ec.TransactionReceipt(ctx, tx.Hash())
	if err != nil {
		return info, nil
	}
	header, err := c.ec.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, err
	}
	tip, err := c.ec.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	info.Success = receipt.Status == types.ReceiptStatusSuccessful
	info.Confirmations = confs(tip, receipt.BlockNumber.Uint64())
	info.Timestamp = time.Unix(int64(header.Time), 0)
	info.RefundTime = time.Unix(refundTimestamp, 0).Sub(info.Timestamp)

	st, err := c.readSwap(ctx, hashedSecret)
	if err != nil {
		return nil, err
	}
	info.Spent = st.State == stateRedeemed || st.State == stateRefunded
	return info, nil
}

func (c *Client) SwapRedeemTx(ctx context.Context, txid string) (*chain.RedeemInfo, error) {
	tx, pending, err := c.ec.TransactionByHash(ctx, common.HexToHash(txid))
	if err != nil {
		return nil, chain.ErrTxNotFound
	}
	method, args, err := c.decodeCall(tx.Data())
	if err != nil || method != "redeem" {
		return nil, chain.ErrNotSwap
	}
	secret := args[0].([32]byte)
	hashedSecret := args[1].([32]byte)

	info := &chain.RedeemInfo{
		Secret:       secret,
		HashedSecret: hashedSecret,
	}
	if pending {
		return info, nil
	}
	receipt, err := c.ec.TransactionReceipt(ctx, tx.Hash())
	if err != nil {
		return info, nil
	}
	st, err := c.readSwap(ctx, hashedSecret)
	if err != nil {
		return nil, err
	}
	info.Success = receipt.Status == types.ReceiptStatusSuccessful && st.State == stateRedeemed
	info.Recipient = st.Participant.Hex()
	info.Value = weiToGwei(st.Value)
	return info, nil
}

func (c *Client) FindRedemption(ctx context.Context, hashedSecret [32]byte) (*chain.RedeemInfo, error) {
	st, err := c.readSwap(ctx, hashedSecret)
	if err != nil {
		return nil, err
	}
	if st.State != stateRedeemed {
		return nil, chain.ErrTxNotFound
	}
	return &chain.RedeemInfo{
		Success:      true,
		Secret:       st.Secret,
		HashedSecret: st.SecretHash,
		Recipient:    st.Participant.Hex(),
		Value:        weiToGwei(st.Value),
	}, nil
}

func (c *Client) SwapRefundTx(ctx context.Context, txid string) (*chain.RefundInfo, error) {
	tx, pending, err := c.ec.TransactionByHash(ctx, common.HexToHash(txid))
	if err != nil {
		return nil, chain.ErrTxNotFound
	}
	method, args, err := c.decodeCall(tx.Data())
	if err != nil || method != "refund" {
		return nil, chain.ErrNotSwap
	}
	hashedSecret := args[0].([32]byte)

	info := &chain.RefundInfo{HashedSecret: hashedSecret}
	if pending {
		return info, nil
	}
	receipt, err := c.ec.TransactionReceipt(ctx, tx.Hash())
	if err != nil {
		return info, nil
	}
	st, err := c.readSwap(ctx, hashedSecret)
	if err != nil {
		return nil, err
	}
	info.Success = receipt.Status == types.ReceiptStatusSuccessful && st.State == stateRefunded
	info.Recipient = st.Initiator.Hex()
	info.Value = weiToGwei(st.Value)
	return info, nil
}

func (c *Client) Confirmations(ctx context.Context, txid string) (uint32, error) {
	receipt, err := c.ec.TransactionReceipt(ctx, common.HexToHash(txid))
	if err != nil {
		return 0, chain.ErrTxNotFound
	}
	tip, err := c.ec.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	return confs(tip, receipt.BlockNumber.Uint64()), nil
}

// decodeCall resolves the contract method and unpacks its arguments from
// transaction calldata.
func (c *Client) decodeCall(data []byte) (string, []any, error) {
	if len(data) < 4 {
		return "", nil, chain.ErrNotSwap
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return "", nil, chain.ErrNotSwap
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, err
	}
	return method.Name, args, nil
}

func callMsg(to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: data}
}

func confs(tip, mined uint64) uint32 {
	if tip < mined {
		return 0
	}
	return uint32(tip - mined + 1)
}

func weiToGwei(wei *big.Int) uint64 {
	return new(big.Int).Div(wei, gweiFactor).Uint64()
}

func gweiToWei(gwei uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), gweiFactor)
}
