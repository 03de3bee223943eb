// Package crypto provides the two encryption schemes the coordination
// backend relies on: AES-256-GCM at rest for medical payload fields, and a
// per-patient AES-128-GCM envelope (HKDF-derived from a master secret) for
// the "TMT:v1:" short-message wire format used over SMS.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrEncryptionKeyNotSet = errors.New("encryption key not set: ENCRYPTION_MASTER_KEY environment variable is required")
	ErrInvalidKeyLength    = errors.New("invalid encryption key length: must be 32 bytes for AES-256")
	ErrDecryptionFailed    = errors.New("decryption failed: invalid ciphertext or key")
	ErrCiphertextTooShort  = errors.New("ciphertext too short")
	ErrInvalidPadding      = errors.New("invalid PKCS7 padding")
	ErrMalformedEnvelope   = errors.New("malformed TMT envelope")
)

// TMTPrefix tags every encrypted short message so a receiver can tell an
// envelope apart from plaintext SMS before attempting to decrypt it.
const TMTPrefix = "TMT:v1:"

// Service holds the at-rest AES-256 key plus the master secret used to
// derive per-patient SMS keys; it generalizes the teacher's single-purpose
// EncryptionService into both roles.
type Service struct {
	atRestKey    []byte // 32 bytes, AES-256
	smsMasterKey []byte // HKDF input key material for per-patient SMS keys
}

// NewService builds a Service from the configured master key strings,
// SHA-256 hashing each into 32 bytes of key material per spec, rather than
// requiring callers to provision pre-sized base64 keys.
func NewService(encryptionMasterKey, smsMasterKey string) (*Service, error) {
	if encryptionMasterKey == "" {
		return nil, ErrEncryptionKeyNotSet
	}
	if smsMasterKey == "" {
		smsMasterKey = encryptionMasterKey
	}
	atRestSum := sha256.Sum256([]byte(encryptionMasterKey))
	smsSum := sha256.Sum256([]byte(smsMasterKey))
	return &Service{atRestKey: atRestSum[:], smsMasterKey: smsSum[:]}, nil
}

// NewServiceWithKeys builds a Service directly from raw key bytes, mainly
// for tests.
func NewServiceWithKeys(atRestKey, smsMasterKey []byte) (*Service, error) {
	if len(atRestKey) != 32 {
		return nil, ErrInvalidKeyLength
	}
	return &Service{atRestKey: atRestKey, smsMasterKey: smsMasterKey}, nil
}


// --- At-rest medical payload: AES-256-GCM, same shape as the teacher's
// EncryptValue/DecryptValue, kept verbatim for everything stored in the
// database. ---

func (s *Service) EncryptValue(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.atRestKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *Service) DecryptValue(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.atRestKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertextTooShort
	}
	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// --- At-rest medical payload variant: AES-256-CBC + PKCS7, for the bulk
// medical-history blob where a fixed-size block cipher without an auth tag
// is the documented on-disk format. ---

func (s *Service) EncryptRecordCBC(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.atRestKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return append(iv, out...), nil
}

func (s *Service) DecryptRecordCBC(blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.atRestKey)
	if err != nil {
		return nil, err
	}
	if len(blob) < aes.BlockSize || (len(blob)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, ErrCiphertextTooShort
	}
	iv, data := blob[:aes.BlockSize], blob[aes.BlockSize:]
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > n {
		return nil, ErrInvalidPadding
	}
	return data[:n-padLen], nil
}

// --- Per-patient SMS envelope: HKDF-SHA256 derives a 16-byte AES-128-GCM
// key from the master secret and the patient's id, so a compromised
// device key never exposes another patient's SMS traffic. ---

// DerivePatientSMSKey derives the AES-128 key used for one patient's
// "TMT:v1:" envelope.
func (s *Service) DerivePatientSMSKey(patientID string) ([]byte, error) {
	h := hkdf.New(sha256.New, s.smsMasterKey, nil, []byte(patientID))
	key := make([]byte, 16)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncodeSMSEnvelope encrypts body under the patient's derived key and
// returns the "TMT:v1:<base64>" wire string.
func (s *Service) EncodeSMSEnvelope(patientID string, body string) (string, error) {
	key, err := s.DerivePatientSMSKey(patientID)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(body), nil)
	return TMTPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecodeSMSEnvelope reverses EncodeSMSEnvelope given the sender's patient id.
func (s *Service) DecodeSMSEnvelope(patientID string, envelope string) (string, error) {
	if len(envelope) <= len(TMTPrefix) || envelope[:len(TMTPrefix)] != TMTPrefix {
		return "", ErrMalformedEnvelope
	}
	key, err := s.DerivePatientSMSKey(patientID)
	if err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope[len(TMTPrefix):])
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertextTooShort
	}
	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEnvelope reports whether a raw SMS body is a TMT envelope rather than
// plaintext, so the inbound webhook can branch without attempting a decrypt.
func IsEnvelope(body string) bool {
	return len(body) > len(TMTPrefix) && body[:len(TMTPrefix)] == TMTPrefix
}

// GenerateRandomKey generates a new random 32-byte key, base64-encoded, for
// ENCRYPTION_MASTER_KEY or SMS_MASTER_KEY provisioning.
func GenerateRandomKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
