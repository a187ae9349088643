package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/Dan9191/card-ledger/internal/apperr"
)

const (
	// PANLength is the number of digits of a generated card number
	PANLength = 16
	// DefaultPANPrefix is the network prefix digit (Visa)
	DefaultPANPrefix = "4"

	vaultKeySize = 32
	maskedEmpty  = "****"
	maskPrefix   = "**** **** **** "
)

// Vault encrypts, decrypts, masks and generates card numbers.
//
// Encryption is deterministic: AES-256 applied block by block (ECB) with
// PKCS#7 padding and no IV, so equal PANs always produce equal ciphertext.
// The store relies on this to enforce PAN uniqueness and to look cards up
// by ciphertext. The price is that equal plaintext blocks are visible as
// equal ciphertext blocks.
type Vault struct {
	block  cipher.Block
	prefix string
}

// NewVault derives a 32-byte key from secret, truncating or zero-padding it
func NewVault(secret, prefix string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key := make([]byte, vaultKeySize)
	copy(key, secret)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if prefix == "" {
		prefix = DefaultPANPrefix
	}
	if len(prefix) >= PANLength || strings.Trim(prefix, "0123456789") != "" {
		return nil, fmt.Errorf("invalid card number prefix: %q", prefix)
	}
	return &Vault{block: block, prefix: prefix}, nil
}

// Encrypt returns the Base64 ciphertext of pan
func (v *Vault) Encrypt(pan string) (string, error) {
	if len(pan) == 0 {
		return "", apperr.Crypto(fmt.Errorf("input data is empty"))
	}

	// Add PKCS#7 padding
	data := []byte(pan)
	padding := aes.BlockSize - len(data)%aes.BlockSize
	for i := 0; i < padding; i++ {
		data = append(data, byte(padding))
	}

	ciphertext := make([]byte, len(data))
	for off := 0; off < len(data); off += aes.BlockSize {
		v.block.Encrypt(ciphertext[off:off+aes.BlockSize], data[off:off+aes.BlockSize])
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Malformed or corrupted input yields apperr.ErrCrypto.
func (v *Vault) Decrypt(encrypted string) (string, error) {
	if len(encrypted) == 0 {
		return "", apperr.Crypto(fmt.Errorf("encrypted data is empty"))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", apperr.Crypto(fmt.Errorf("failed to decode base64: %w", err))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", apperr.Crypto(fmt.Errorf("invalid ciphertext length: %d bytes", len(ciphertext)))
	}

	plaintext := make([]byte, len(ciphertext))
	for off := 0; off < len(ciphertext); off += aes.BlockSize {
		v.block.Decrypt(plaintext[off:off+aes.BlockSize], ciphertext[off:off+aes.BlockSize])
	}

	// Remove PKCS#7 padding
	padding := int(plaintext[len(plaintext)-1])
	if padding > aes.BlockSize || padding == 0 {
		return "", apperr.Crypto(fmt.Errorf("invalid padding value: %d", padding))
	}
	for i := len(plaintext) - padding; i < len(plaintext); i++ {
		if int(plaintext[i]) != padding {
			return "", apperr.Crypto(fmt.Errorf("invalid padding bytes at position %d", i))
		}
	}
	return string(plaintext[:len(plaintext)-padding]), nil
}

// Generate returns a random 16-digit card number starting with the vault prefix.
// Uniqueness is the caller's concern.
func (v *Vault) Generate() (string, error) {
	return GenerateCardNumber(v.prefix, PANLength)
}

// Mask returns the display form of pan showing only its last four digits
func Mask(pan string) string {
	if len(pan) < 4 {
		return maskedEmpty
	}
	return maskPrefix + pan[len(pan)-4:]
}

// MaskEncrypted decrypts and masks in one step so plaintext never leaves the vault
func (v *Vault) MaskEncrypted(encrypted string) (string, error) {
	pan, err := v.Decrypt(encrypted)
	if err != nil {
		return "", err
	}
	return Mask(pan), nil
}

// GenerateCardNumber generates a card number with the specified prefix and length
func GenerateCardNumber(prefix string, length int) (string, error) {
	if length < len(prefix) || length > 19 {
		return "", fmt.Errorf("invalid card number length: %d", length)
	}

	var builder strings.Builder
	builder.WriteString(prefix)
	ten := big.NewInt(10)
	for i := len(prefix); i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate random digits: %w", err)
		}
		builder.WriteByte(byte('0' + n.Int64()))
	}

	cardNumber := builder.String()
	if len(cardNumber) != length {
		return "", fmt.Errorf("generated card number has incorrect length: got %d, want %d", len(cardNumber), length)
	}
	return cardNumber, nil
}
