// Package chain submits settlement transactions to the lending contract on
// an EVM chain. It is pass-through plumbing: all lending decisions are made
// off chain, the contract only mirrors them.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Submitter is the narrow surface the services use to settle operations on
// chain. A nil Submitter means chain settlement is disabled.
type Submitter interface {
	// Submit signs and broadcasts the intent, returning the transaction hash.
	Submit(ctx context.Context, intent TxIntent) (string, error)
	// Confirm blocks until the transaction is mined or the configured
	// timeout elapses.
	Confirm(ctx context.Context, txHash string) error
}

// ClientConfig holds connection and signing parameters for the chain client.
type ClientConfig struct {
	RPCURL         string
	ChainID        int64
	Contract       string
	PrivateKeyHex  string
	GasLimit       uint64
	ConfirmTimeout time.Duration
}

// Client implements Submitter against a JSON-RPC endpoint.
type Client struct {
	eth      *ethclient.Client
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	chainID  *big.Int
	gasLimit uint64
	confirm  *Confirmer
}

// NewClient dials the RPC endpoint and prepares the signing key.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("chain: invalid contract address %q", cfg.Contract)
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	c := &Client{
		eth:      eth,
		key:      key,
		from:     ethcrypto.PubkeyToAddress(key.PublicKey),
		contract: common.HexToAddress(cfg.Contract),
		chainID:  big.NewInt(cfg.ChainID),
		gasLimit: cfg.GasLimit,
	}
	c.confirm = NewConfirmer(eth, cfg.ConfirmTimeout)
	return c, nil
}

// From returns the operator address transactions are sent from.
func (c *Client) From() common.Address {
	return c.from
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Submit signs and broadcasts the intent, returning the transaction hash.
// It does not wait for inclusion; use Confirm for that.
func (c *Client) Submit(ctx context.Context, intent TxIntent) (string, error) {
	calldata, err := intent.Calldata()
	if err != nil {
		return "", err
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("chain: pending nonce: %w", err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("chain: sign %s: %w", intent.Method(), err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: send %s: %w", intent.Method(), err)
	}

	return signed.Hash().Hex(), nil
}

// Confirm blocks until the transaction is mined or the confirmation timeout
// elapses.
func (c *Client) Confirm(ctx context.Context, txHash string) error {
	return c.confirm.WaitMined(ctx, common.HexToHash(txHash))
}

var _ Submitter = (*Client)(nil)
