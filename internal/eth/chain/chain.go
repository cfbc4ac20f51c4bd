// Package chain reads registration-fee transactions over the wallet JSON-RPC.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrTxNotFound         = errors.New("transaction not found")
	ErrInvalidTxHash      = errors.New("invalid transaction hash")
	ErrPaymentUnconfirmed = errors.New("registration payment not confirmed")
	ErrRPC                = errors.New("json-rpc request failed")
)

// TxReader is the part of ethclient.Client used here
// (eth_getTransactionByHash, eth_getTransactionReceipt).
type TxReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Client struct {
	rpc      TxReader
	treasury common.Address
	fee      *big.Int
	timeout  time.Duration
}

func New(rpc TxReader, treasury string, fee *big.Int, timeout time.Duration) *Client {
	if fee == nil {
		fee = big.NewInt(0)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{rpc: rpc, fee: fee, timeout: timeout}
	if treasury != "" {
		c.treasury = common.HexToAddress(treasury)
	}
	return c
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, url, treasury string, fee *big.Int, timeout time.Duration) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(ec, treasury, fee, timeout), nil
}

// TxInfo is the verification view of a transaction.
type TxInfo struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to,omitempty"`
	Value       string `json:"value"`
	Pending     bool   `json:"pending"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

const (
	TxStatusPending = "pending"
	TxStatusSuccess = "success"
	TxStatusFailed  = "failed"
)

func parseHash(hash string) (common.Hash, error) {
	hash = strings.TrimSpace(hash)
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidTxHash, hash)
	}
	return common.HexToHash(hash), nil
}

// LookupTransaction fetches a transaction and, once mined, its receipt status.
func (c *Client) LookupTransaction(ctx context.Context, hash string) (*TxInfo, error) {
	h, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tx, pending, err := c.rpc.TransactionByHash(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: eth_getTransactionByHash: %w", ErrRPC, err)
	}

	info := &TxInfo{
		Hash:    strings.ToLower(h.Hex()),
		Value:   tx.Value().String(),
		Pending: pending,
		Status:  TxStatusPending,
	}
	if to := tx.To(); to != nil {
		info.To = strings.ToLower(to.Hex())
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	info.From = strings.ToLower(from.Hex())

	if pending {
		return info, nil
	}
	receipt, err := c.rpc.TransactionReceipt(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return info, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: eth_getTransactionReceipt: %w", ErrRPC, err)
	}
	if receipt.BlockNumber != nil {
		info.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		info.Status = TxStatusSuccess
	} else {
		info.Status = TxStatusFailed
	}
	return info, nil
}

// ConfirmPayment checks that hash is a mined, successful payment from `from`
// to the treasury of at least the registration fee.
func (c *Client) ConfirmPayment(ctx context.Context, from, hash string) (*TxInfo, error) {
	info, err := c.LookupTransaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(info.From, from) {
		return info, fmt.Errorf("%w: sent by %s, not %s", ErrPaymentUnconfirmed, info.From, from)
	}
	if c.treasury != (common.Address{}) && !strings.EqualFold(info.To, c.treasury.Hex()) {
		return info, fmt.Errorf("%w: recipient %s is not the treasury", ErrPaymentUnconfirmed, info.To)
	}
	value, _ := new(big.Int).SetString(info.Value, 10)
	if value == nil || value.Cmp(c.fee) < 0 {
		return info, fmt.Errorf("%w: value %s below fee %s", ErrPaymentUnconfirmed, info.Value, c.fee)
	}
	if info.Status != TxStatusSuccess {
		return info, fmt.Errorf("%w: transaction is %s", ErrPaymentUnconfirmed, info.Status)
	}
	return info, nil
}
