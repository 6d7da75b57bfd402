package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// amountScale converts float64 amounts to 18-decimal fixed point for the
// settlement contract.
var amountScale = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// TxIntent is a settlement operation bound for the lending contract. Each
// variant carries a typed argument record and encodes its own calldata;
// adding a variant means adding a type, not extending a method-name switch.
type TxIntent interface {
	// Method returns the Solidity method signature the intent targets.
	Method() string
	// Calldata returns the ABI-encoded payload, selector included.
	Calldata() ([]byte, error)
}

// OpenLoan registers a new collateralized loan on chain.
type OpenLoan struct {
	PositionID       string
	Borrower         string
	CollateralAsset  string
	CollateralAmount float64
	BorrowAsset      string
	BorrowAmount     float64
}

func (OpenLoan) Method() string {
	return "openLoan(bytes32,address,bytes32,uint256,bytes32,uint256)"
}

func (t OpenLoan) Calldata() ([]byte, error) {
	if !common.IsHexAddress(t.Borrower) {
		return nil, fmt.Errorf("chain: open loan: invalid borrower address %q", t.Borrower)
	}
	return encodeCall(t.Method(),
		idWord(t.PositionID),
		addressWord(t.Borrower),
		symbolWord(t.CollateralAsset),
		amountWord(t.CollateralAmount),
		symbolWord(t.BorrowAsset),
		amountWord(t.BorrowAmount),
	), nil
}

// DrawLoan increases the principal of an active loan.
type DrawLoan struct {
	PositionID string
	Amount     float64
}

func (DrawLoan) Method() string { return "drawLoan(bytes32,uint256)" }

func (t DrawLoan) Calldata() ([]byte, error) {
	return encodeCall(t.Method(), idWord(t.PositionID), amountWord(t.Amount)), nil
}

// RepayLoan records a repayment against a loan.
type RepayLoan struct {
	PositionID string
	Amount     float64
}

func (RepayLoan) Method() string { return "repayLoan(bytes32,uint256)" }

func (t RepayLoan) Calldata() ([]byte, error) {
	return encodeCall(t.Method(), idWord(t.PositionID), amountWord(t.Amount)), nil
}

// LiquidateLoan seizes collateral from an underwater loan. Amount is the
// debt being repaid and MinOut the least collateral the caller accepts.
type LiquidateLoan struct {
	PositionID string
	IntentID   string
	Amount     float64
	MinOut     float64
}

func (LiquidateLoan) Method() string {
	return "liquidateLoan(bytes32,bytes32,uint256,uint256)"
}

func (t LiquidateLoan) Calldata() ([]byte, error) {
	return encodeCall(t.Method(),
		idWord(t.PositionID),
		idWord(t.IntentID),
		amountWord(t.Amount),
		amountWord(t.MinOut),
	), nil
}

// UpdatePrice pushes an approved oracle quote to the contract.
type UpdatePrice struct {
	Asset string
	Price float64
}

func (UpdatePrice) Method() string { return "updatePrice(bytes32,uint256)" }

func (t UpdatePrice) Calldata() ([]byte, error) {
	return encodeCall(t.Method(), symbolWord(t.Asset), amountWord(t.Price)), nil
}

// ---------------------------------------------------------------------------
// ABI word encoding helpers
// ---------------------------------------------------------------------------

// encodeCall builds selector || words.
func encodeCall(method string, words ...[32]byte) []byte {
	out := make([]byte, 0, 4+32*len(words))
	out = append(out, ethcrypto.Keccak256([]byte(method))[:4]...)
	for _, w := range words {
		out = append(out, w[:]...)
	}
	return out
}

// idWord hashes a UUID string into a bytes32 identifier.
func idWord(id string) [32]byte {
	var w [32]byte
	copy(w[:], ethcrypto.Keccak256([]byte(id)))
	return w
}

// symbolWord encodes an asset symbol as left-aligned bytes32, the usual
// short-string convention.
func symbolWord(symbol string) [32]byte {
	var w [32]byte
	copy(w[:], strings.ToUpper(symbol))
	return w
}

// addressWord left-pads a 20-byte address to 32 bytes.
func addressWord(addr string) [32]byte {
	var w [32]byte
	copy(w[12:], common.HexToAddress(addr).Bytes())
	return w
}

// amountWord scales a float64 amount to 18-decimal fixed point.
func amountWord(amount float64) [32]byte {
	scaled, _ := new(big.Float).Mul(big.NewFloat(amount), amountScale).Int(nil)
	var w [32]byte
	scaled.FillBytes(w[:])
	return w
}
