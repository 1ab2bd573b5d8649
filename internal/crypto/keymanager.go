// Package crypto provides wallet key storage, EIP-712 order signing, and
// HMAC request authentication for external perpetual venues.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/scrypt"
)

// Key file format. The wallet address is stored in clear and bound to the
// ciphertext as GCM additional data, so a file cannot be paired with another
// wallet's address without failing to open.
const (
	keyFileVersion = 2
	kdfScrypt      = "scrypt"

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

type keyFile struct {
	Version    int       `json:"version"`
	Address    string    `json:"address"`
	KDF        kdfParams `json:"kdf"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

type kdfParams struct {
	Name string `json:"name"`
	Salt []byte `json:"salt"`
	N    int    `json:"n"`
	R    int    `json:"r"`
	P    int    `json:"p"`
}

func (k kdfParams) derive(password string) ([]byte, error) {
	if k.Name != kdfScrypt {
		return nil, fmt.Errorf("crypto: unsupported kdf %q", k.Name)
	}
	key, err := scrypt.Key([]byte(password), k.Salt, k.N, k.R, k.P, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}

// KeyConfig says where the wallet key comes from. It is populated from the
// [wallet] config section.
type KeyConfig struct {
	RawPrivateKey    string // hex, optional 0x prefix; wins when set
	EncryptedKeyPath string // file written by WriteEncryptedKey
	KeyPassword      string
}

// parseKey validates a hex secp256k1 key and returns it without 0x together
// with its address.
func parseKey(privateKeyHex string) (string, string, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return "", "", fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return strings.ToLower(keyHex), ethcrypto.PubkeyToAddress(pk.PublicKey).Hex(), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptKey seals a hex private key under password with scrypt and
// AES-256-GCM and returns the JSON key file.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	keyHex, addr, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	plain, _ := hex.DecodeString(keyHex)

	kdf := kdfParams{Name: kdfScrypt, Salt: make([]byte, saltLen), N: scryptN, R: scryptR, P: scryptP}
	if _, err := rand.Read(kdf.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	dk, err := kdf.derive(password)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(dk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Address:    addr,
		KDF:        kdf,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plain, []byte(addr)),
	}, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey and returns the hex
// private key without 0x. The decrypted key must match the stored address.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}

	dk, err := kf.KDF.derive(password)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(dk)
	if err != nil {
		return "", err
	}
	if len(kf.Nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce length %d", len(kf.Nonce))
	}
	plain, err := gcm.Open(nil, kf.Nonce, kf.Ciphertext, []byte(kf.Address))
	if err != nil {
		return "", errors.New("crypto: key file did not open (wrong password or tampered file)")
	}

	keyHex, addr, err := parseKey(hex.EncodeToString(plain))
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(addr, kf.Address) {
		return "", fmt.Errorf("crypto: key file address %s does not match key", kf.Address)
	}
	return keyHex, nil
}

// LoadKey resolves the wallet key: a raw key wins, then the encrypted file.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		keyHex, _, err := parseKey(cfg.RawPrivateKey)
		return keyHex, err
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: read key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	default:
		return "", errors.New("crypto: no wallet key configured (set private_key or encrypted_key_path)")
	}
}

// WriteEncryptedKey encrypts privateKeyHex with password and writes it to
// path with owner-only permissions. An existing file is not overwritten.
func WriteEncryptedKey(path, privateKeyHex, password string) error {
	blob, err := EncryptKey(privateKeyHex, password)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("crypto: create key file: %w", err)
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		return fmt.Errorf("crypto: write key file: %w", err)
	}
	return f.Close()
}

// LoadSigner resolves the wallet key and returns a Signer bound to d.
func LoadSigner(cfg KeyConfig, d Domain) (*Signer, error) {
	key, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewSigner(key, d)
}
