package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	passwordAlgorithm        = "argon2id"
	minPasswordMemoryKB      = 8 * 1024
	minPasswordSaltLength    = 16
	minPasswordKeyLength     = 16
	dummyPasswordPlaintext   = "timing-equalizer-not-a-password"
	passwordHashSegmentCount = 6
)

// ErrInvalidPasswordConfig indicates argon2 parameters below the accepted floor.
var ErrInvalidPasswordConfig = errors.New("auth: invalid password hasher config")

// PasswordHasherConfig tunes the argon2id cost parameters.
type PasswordHasherConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultPasswordHasherConfig returns production argon2id parameters.
func DefaultPasswordHasherConfig() PasswordHasherConfig {
	return PasswordHasherConfig{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// PasswordHasher hashes and verifies local credentials with argon2id.
type PasswordHasher struct {
	config    PasswordHasherConfig
	dummyHash string
}

// NewPasswordHasher validates the configuration and prepares a dummy hash used
// to equalize verification cost for unknown accounts.
func NewPasswordHasher(cfg PasswordHasherConfig) (*PasswordHasher, error) {
	switch {
	case cfg.Memory < minPasswordMemoryKB:
		return nil, fmt.Errorf("%w: memory must be >= %d KB", ErrInvalidPasswordConfig, minPasswordMemoryKB)
	case cfg.Time < 1:
		return nil, fmt.Errorf("%w: time must be >= 1", ErrInvalidPasswordConfig)
	case cfg.Parallelism < 1:
		return nil, fmt.Errorf("%w: parallelism must be >= 1", ErrInvalidPasswordConfig)
	case cfg.SaltLength < minPasswordSaltLength:
		return nil, fmt.Errorf("%w: salt length must be >= %d", ErrInvalidPasswordConfig, minPasswordSaltLength)
	case cfg.KeyLength < minPasswordKeyLength:
		return nil, fmt.Errorf("%w: key length must be >= %d", ErrInvalidPasswordConfig, minPasswordKeyLength)
	}

	hasher := &PasswordHasher{config: cfg}
	dummy, err := hasher.Hash(dummyPasswordPlaintext)
	if err != nil {
		return nil, err
	}
	hasher.dummyHash = dummy
	return hasher, nil
}

// Hash derives a salted argon2id hash encoded in PHC format.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, h.config.Time, h.config.Memory, h.config.Parallelism, h.config.KeyLength)
	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		passwordAlgorithm,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encodedHash. A missing or malformed
// hash never matches.
func (h *PasswordHasher) Verify(encodedHash, password string) bool {
	if strings.TrimSpace(encodedHash) == "" {
		return false
	}
	parsed, err := parsePasswordHash(encodedHash)
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(password), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.key)))
	return subtle.ConstantTimeCompare(computed, parsed.key) == 1
}

// VerifyDummy spends one verification against a throwaway hash.
func (h *PasswordHasher) VerifyDummy(password string) {
	_ = h.Verify(h.dummyHash, password)
}

type passwordHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parsePasswordHash(encoded string) (passwordHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != passwordHashSegmentCount || parts[0] != "" || parts[1] != passwordAlgorithm {
		return passwordHash{}, errors.New("unsupported password hash format")
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return passwordHash{}, errors.New("unsupported argon2 version")
	}

	var parsed passwordHash
	for _, pair := range strings.Split(parts[3], ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return passwordHash{}, errors.New("invalid argon2 parameter")
		}
		number, err := strconv.ParseUint(value, 10, 32)
		if err != nil || number == 0 {
			return passwordHash{}, errors.New("invalid argon2 parameter value")
		}
		switch key {
		case "m":
			parsed.memory = uint32(number)
		case "t":
			parsed.time = uint32(number)
		case "p":
			if number > 255 {
				return passwordHash{}, errors.New("invalid argon2 parallelism")
			}
			parsed.parallelism = uint8(number)
		default:
			return passwordHash{}, errors.New("unknown argon2 parameter")
		}
	}
	if parsed.memory == 0 || parsed.time == 0 || parsed.parallelism == 0 {
		return passwordHash{}, errors.New("missing argon2 parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < minPasswordSaltLength {
		return passwordHash{}, errors.New("invalid salt")
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return passwordHash{}, errors.New("invalid key")
	}
	parsed.salt = salt
	parsed.key = key
	return parsed, nil
}
