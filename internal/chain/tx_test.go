package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLoanCalldata(t *testing.T) {
	intent := OpenLoan{
		PositionID:       "7a9f4a2e-2f1c-4f25-a9d1-0d7b9c3c8e11",
		Borrower:         "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		CollateralAsset:  "btc",
		CollateralAmount: 1.5,
		BorrowAsset:      "usdc",
		BorrowAmount:     39000,
	}

	data, err := intent.Calldata()
	require.NoError(t, err)

	// selector + 6 words
	require.Len(t, data, 4+6*32)
	selector := ethcrypto.Keccak256([]byte(intent.Method()))[:4]
	assert.Equal(t, selector, data[:4])

	// borrower word: 12 zero bytes then the address
	borrowerWord := data[4+32 : 4+64]
	assert.Equal(t, make([]byte, 12), borrowerWord[:12])
	assert.Equal(t, common.HexToAddress(intent.Borrower).Bytes(), borrowerWord[12:])

	// symbols are upper-cased left-aligned bytes32
	assert.Equal(t, byte('B'), data[4+64])
	assert.Equal(t, byte('T'), data[4+65])
	assert.Equal(t, byte('C'), data[4+66])
}

func TestOpenLoanRejectsBadAddress(t *testing.T) {
	_, err := OpenLoan{Borrower: "not-an-address"}.Calldata()
	require.Error(t, err)
}

func TestCalldataVariantsDistinct(t *testing.T) {
	draw, err := DrawLoan{PositionID: "p1", Amount: 100}.Calldata()
	require.NoError(t, err)
	repay, err := RepayLoan{PositionID: "p1", Amount: 100}.Calldata()
	require.NoError(t, err)

	// Same args, different method, different selector.
	assert.NotEqual(t, draw[:4], repay[:4])
	assert.Equal(t, draw[4:], repay[4:])
}

func TestLiquidateLoanCalldata(t *testing.T) {
	intent := LiquidateLoan{
		PositionID: "p1",
		IntentID:   "i1",
		Amount:     40000,
		MinOut:     0.5,
	}

	data, err := intent.Calldata()
	require.NoError(t, err)

	// selector + position, intent, amount, minOut words
	require.Len(t, data, 4+4*32)
	selector := ethcrypto.Keccak256([]byte(intent.Method()))[:4]
	assert.Equal(t, selector, data[:4])

	amount := new(big.Int).SetBytes(data[4+64 : 4+96])
	want, ok := new(big.Int).SetString("40000000000000000000000", 10)
	require.True(t, ok)
	assert.Zero(t, amount.Cmp(want))

	minOut := new(big.Int).SetBytes(data[4+96 : 4+128])
	wantMin, ok := new(big.Int).SetString("500000000000000000", 10)
	require.True(t, ok)
	assert.Zero(t, minOut.Cmp(wantMin))
}

func TestAmountWordScaling(t *testing.T) {
	w := amountWord(1.5)
	got := new(big.Int).SetBytes(w[:])
	want, ok := new(big.Int).SetString("1500000000000000000", 10)
	require.True(t, ok)
	assert.Zero(t, got.Cmp(want), "1.5 scales to 1.5e18, got %s", got)
}

type fakeReceiptSource struct {
	calls   int
	after   int
	receipt *types.Receipt
}

func (f *fakeReceiptSource) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.calls++
	if f.calls >= f.after {
		return f.receipt, nil
	}
	return nil, errors.New("not found")
}

func TestConfirmerWaitsForReceipt(t *testing.T) {
	src := &fakeReceiptSource{after: 2, receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}
	c := NewConfirmer(src, 30*time.Second)

	err := c.WaitMined(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, src.calls, 2)
}

func TestConfirmerRevertedReceipt(t *testing.T) {
	src := &fakeReceiptSource{after: 1, receipt: &types.Receipt{Status: types.ReceiptStatusFailed}}
	c := NewConfirmer(src, 30*time.Second)

	err := c.WaitMined(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, ErrTxReverted)
}

func TestConfirmerTimeout(t *testing.T) {
	src := &fakeReceiptSource{after: 1 << 30}
	c := NewConfirmer(src, 700*time.Millisecond)

	err := c.WaitMined(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, ErrConfirmTimeout)
}
