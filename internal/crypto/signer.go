package crypto

import (
	"cmp"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// EIP-712 type hashes of the canonical type strings.
var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	perpOrderTypeHash = ethcrypto.Keccak256(
		[]byte("PerpOrder(address account,string instrument,bool isLong,uint256 sizeUsd,uint256 leverage,uint256 acceptablePrice,uint256 nonce,uint256 deadline)"),
	)

	perpCloseTypeHash = ethcrypto.Keccak256(
		[]byte("PerpClose(address account,string instrument,bool isLong,uint256 sizeUsd,string reference,uint256 nonce,uint256 deadline)"),
	)
)

// UnitDecimals is the fixed-point scale applied to USD sizes and prices
// before they are signed.
const UnitDecimals = 30

// Domain identifies the venue contract a signature is bound to.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// PerpOrder is the EIP-712 struct signed when opening a position. Sizes and
// prices are scaled by UnitDecimals.
type PerpOrder struct {
	Account         common.Address
	Instrument      string
	IsLong          bool
	SizeUSD         *big.Int
	Leverage        int64
	AcceptablePrice *big.Int
	Nonce           *big.Int
	Deadline        int64
}

// PerpClose is the EIP-712 struct signed when closing a position.
type PerpClose struct {
	Account    common.Address
	Instrument string
	IsLong     bool
	SizeUSD    *big.Int
	Reference  string
	Nonce      *big.Int
	Deadline   int64
}

// Signer holds a wallet key and produces EIP-712 signatures for one venue
// domain.
type Signer struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	domain    Domain
	separator []byte
}

// NewSigner binds the hex secp256k1 key (0x optional) to d. An empty
// d.Version becomes "1".
func NewSigner(privateKeyHex string, d Domain) (*Signer, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: signer key: %w", err)
	}
	d.Version = cmp.Or(d.Version, "1")
	return &Signer{
		key:       key,
		address:   ethcrypto.PubkeyToAddress(key.PublicKey),
		domain:    d,
		separator: d.separator(),
	}, nil
}

func (s *Signer) Address() common.Address { return s.address }

func (s *Signer) Domain() Domain { return s.domain }

// SignOrder returns the 0x-prefixed 65-byte signature over o.
func (s *Signer) SignOrder(o PerpOrder) (string, error) {
	return s.sign(s.OrderDigest(o))
}

// SignClose returns the 0x-prefixed 65-byte signature over c.
func (s *Signer) SignClose(c PerpClose) (string, error) {
	return s.sign(typedDataHash(s.separator, CloseStructHash(c)))
}

// OrderDigest is the 32-byte hash SignOrder signs.
func (s *Signer) OrderDigest(o PerpOrder) []byte {
	return typedDataHash(s.separator, OrderStructHash(o))
}

// sign returns r || s || v with v in {27, 28}.
func (s *Signer) sign(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// ToUnits scales a decimal amount to a UnitDecimals fixed-point integer.
// Fractions below the scale are truncated.
func ToUnits(d decimal.Decimal) *big.Int {
	return d.Shift(UnitDecimals).Truncate(0).BigInt()
}

// OrderStructHash is hashStruct(PerpOrder).
func OrderStructHash(o PerpOrder) []byte {
	return ethcrypto.Keccak256(
		perpOrderTypeHash,
		word.addr(o.Account),
		word.str(o.Instrument),
		word.boolean(o.IsLong),
		word.u256(o.SizeUSD),
		word.num(o.Leverage),
		word.u256(o.AcceptablePrice),
		word.u256(o.Nonce),
		word.num(o.Deadline),
	)
}

// CloseStructHash is hashStruct(PerpClose).
func CloseStructHash(c PerpClose) []byte {
	return ethcrypto.Keccak256(
		perpCloseTypeHash,
		word.addr(c.Account),
		word.str(c.Instrument),
		word.boolean(c.IsLong),
		word.u256(c.SizeUSD),
		word.str(c.Reference),
		word.u256(c.Nonce),
		word.num(c.Deadline),
	)
}

// RecoverAddress returns the address that produced sig over digest. sig may
// carry v as {0, 1} or {27, 28}.
func RecoverAddress(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: signature: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("crypto: signature is %d bytes", len(sig))
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func (d Domain) separator() []byte {
	return ethcrypto.Keccak256(
		eip712DomainTypeHash,
		word.str(d.Name),
		word.str(d.Version),
		word.num(d.ChainID),
		word.addr(common.HexToAddress(d.VerifyingContract)),
	)
}

// typedDataHash is keccak256("\x19\x01" || domainSeparator || structHash).
func typedDataHash(separator, structHash []byte) []byte {
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, separator, structHash)
}

// word encodes EIP-712 atomic and dynamic values as 32-byte ABI words.
var word abiWord

type abiWord struct{}

func (abiWord) u256(n *big.Int) []byte {
	if n == nil {
		return make([]byte, 32)
	}
	return math.U256Bytes(new(big.Int).Set(n))
}

func (w abiWord) num(n int64) []byte { return w.u256(big.NewInt(n)) }

func (w abiWord) boolean(b bool) []byte {
	if b {
		return w.num(1)
	}
	return w.num(0)
}

func (abiWord) addr(a common.Address) []byte { return common.LeftPadBytes(a.Bytes(), 32) }

func (abiWord) str(s string) []byte { return ethcrypto.Keccak256([]byte(s)) }
