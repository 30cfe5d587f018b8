package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/aleister1102/webtrack/internal/common"
)

// ErrExpired is returned by CheckAuthToken once the embedded deadline has
// passed.
var ErrExpired = common.NewError("auth token expired")

// Codec encrypts record ids for serve URLs and mints the short-lived auth
// tokens the webserver checks. Both use AES-256-CBC under the shared
// signing key with a random IV per message, urlsafe base64 on the wire.
type Codec struct {
	key []byte
}

// NewCodec validates the signing key. AES-256 needs exactly 32 bytes.
func NewCodec(signingKey string) (*Codec, error) {
	if len(signingKey) != 32 {
		return nil, common.NewValidationError("signing_key", len(signingKey), "signing key must be exactly 32 bytes")
	}
	return &Codec{key: []byte(signingKey)}, nil
}

// EncryptID turns a record id into an opaque URL path segment. Ids are
// sequential; exposing them raw would let anyone walk the serve URLs.
func (c *Codec) EncryptID(id int64) (string, error) {
	return c.encrypt([]byte(strconv.FormatInt(id, 10)))
}

// DecryptID reverses EncryptID.
func (c *Codec) DecryptID(encoded string) (int64, error) {
	plain, err := c.decrypt(encoded)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(string(plain), 10, 64)
	if err != nil {
		return 0, common.WrapError(err, "decrypted id is not numeric")
	}
	return id, nil
}

// NewAuthToken mints a token valid for the given duration. The token is
// the encrypted unix-seconds deadline.
func (c *Codec) NewAuthToken(validity time.Duration) (string, error) {
	deadline := time.Now().Add(validity).Unix()
	return c.encrypt([]byte(strconv.FormatInt(deadline, 10)))
}

// CheckAuthToken verifies a token and its deadline. Garbage and expiry are
// reported separately so the server can log them apart.
func (c *Codec) CheckAuthToken(tok string) error {
	plain, err := c.decrypt(tok)
	if err != nil {
		return err
	}
	deadline, err := strconv.ParseInt(string(plain), 10, 64)
	if err != nil {
		return common.WrapError(err, "auth token payload is not a deadline")
	}
	if time.Now().Unix() > deadline {
		return ErrExpired
	}
	return nil
}

func (c *Codec) encrypt(plain []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", common.WrapError(err, "failed to build cipher")
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return "", common.WrapError(err, "failed to generate iv")
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.URLEncoding.EncodeToString(out), nil
}

func (c *Codec) decrypt(encoded string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, common.WrapError(err, "token is not valid base64")
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, common.NewError("token has invalid length %d", len(raw))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, common.WrapError(err, "failed to build cipher")
	}

	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, common.NewError("invalid padded length %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, common.NewError("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, common.NewError("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
