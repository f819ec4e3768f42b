package mfa

import (
	cryptoRand "crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/pkg/crypto"
)

const (
	defaultIssuer            = "Warden"
	defaultRecoveryCodeCount = 10
	defaultQRCodeSize        = 256
)

// Option allows customising the TOTP service.
type Option func(*TOTPService)

// WithIssuer overrides the default issuer string encoded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(s *TOTPService) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
		}
	}
}

// WithRecoveryCodeCount overrides the number of recovery codes generated for users.
func WithRecoveryCodeCount(count int) Option {
	return func(s *TOTPService) {
		if count > 0 {
			s.recoveryCodes = count
		}
	}
}

// WithQRCodeSize controls the pixel size of generated QR codes.
func WithQRCodeSize(size int) Option {
	return func(s *TOTPService) {
		if size > 0 {
			s.qrCodeSize = size
		}
	}
}

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *TOTPService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// UsageContext carries request metadata recorded when a recovery code is spent.
type UsageContext struct {
	IPAddress string
	UserAgent string
}

// TOTPService manages user MFA secrets, recovery codes, and QR provisioning.
// Secrets are encrypted at rest; recovery codes are stored as bcrypt hashes
// and every consumption appends a RecoveryCodeUsage row.
type TOTPService struct {
	db            *gorm.DB
	encryptionKey []byte

	issuer        string
	recoveryCodes int
	qrCodeSize    int
	now           func() time.Time
}

// NewTOTPService constructs a TOTP service backed by the provided database.
func NewTOTPService(db *gorm.DB, encryptionKey []byte, opts ...Option) (*TOTPService, error) {
	if db == nil {
		return nil, errors.New("totp: db is required")
	}
	if len(encryptionKey) == 0 {
		return nil, errors.New("totp: encryption key is required")
	}

	service := &TOTPService{
		db:            db,
		encryptionKey: encryptionKey,
		issuer:        defaultIssuer,
		recoveryCodes: defaultRecoveryCodeCount,
		qrCodeSize:    defaultQRCodeSize,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// GenerateSecret provisions a new MFA secret and recovery codes for a user.
// Re-provisioning replaces the previous secret and all unspent codes.
func (s *TOTPService) GenerateSecret(userID, username string) (*otp.Key, []string, error) {
	userID = strings.TrimSpace(userID)
	username = strings.TrimSpace(username)
	if userID == "" || username == "" {
		return nil, nil, errors.New("totp: user id and username are required")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: username,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("totp: generate key: %w", err)
	}

	plain, hashedJSON, err := s.mintRecoveryCodes()
	if err != nil {
		return nil, nil, err
	}

	sealed, err := crypto.Encrypt([]byte(key.Secret()), s.encryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("totp: encrypt secret: %w", err)
	}

	if err := s.storeSecret(userID, sealed, hashedJSON); err != nil {
		return nil, nil, err
	}
	return key, plain, nil
}

// mintRecoveryCodes produces a fresh code set, returning the plaintext codes
// (shown once to the user) and the bcrypt-hashed set in its persisted form.
func (s *TOTPService) mintRecoveryCodes() ([]string, datatypes.JSON, error) {
	plain := make([]string, s.recoveryCodes)
	hashed := make([]string, s.recoveryCodes)
	for i := range plain {
		code, err := generateRecoveryCode()
		if err != nil {
			return nil, nil, fmt.Errorf("totp: generate recovery code: %w", err)
		}
		hash, err := crypto.HashPassword(code)
		if err != nil {
			return nil, nil, fmt.Errorf("totp: hash recovery code: %w", err)
		}
		plain[i], hashed[i] = code, hash
	}

	encoded, err := json.Marshal(hashed)
	if err != nil {
		return nil, nil, fmt.Errorf("totp: marshal recovery codes: %w", err)
	}
	return plain, datatypes.JSON(encoded), nil
}

// storeSecret writes the encrypted secret and code set, replacing any prior
// enrolment and clearing its last-used marker.
func (s *TOTPService) storeSecret(userID, sealed string, codes datatypes.JSON) error {
	var secret models.MFASecret
	err := s.db.Where("user_id = ?", userID).First(&secret).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		secret = models.MFASecret{UserID: userID, Secret: sealed, BackupCodes: codes}
		if err := s.db.Create(&secret).Error; err != nil {
			return fmt.Errorf("totp: create mfa secret: %w", err)
		}
	case err != nil:
		return fmt.Errorf("totp: load mfa secret: %w", err)
	default:
		secret.Secret = sealed
		secret.BackupCodes = codes
		secret.LastUsedAt = nil
		if err := s.db.Save(&secret).Error; err != nil {
			return fmt.Errorf("totp: update mfa secret: %w", err)
		}
	}
	return nil
}

// VerifyCode checks a submitted TOTP code against the stored secret.
func (s *TOTPService) VerifyCode(userID, code string) (bool, error) {
	userID = strings.TrimSpace(userID)
	code = strings.TrimSpace(code)
	if userID == "" || code == "" {
		return false, errors.New("totp: user id and code are required")
	}

	secret, err := s.loadSecret(userID)
	if err != nil {
		return false, err
	}

	rawSecret, err := crypto.Decrypt(secret.Secret, s.encryptionKey)
	if err != nil {
		return false, fmt.Errorf("totp: decrypt secret: %w", err)
	}
	if !totp.Validate(code, string(rawSecret)) {
		return false, nil
	}

	now := s.now()
	if err := s.db.Model(secret).Update("last_used_at", &now).Error; err != nil {
		return false, fmt.Errorf("totp: update last used: %w", err)
	}
	return true, nil
}

// UseRecoveryCode validates and consumes a single recovery code. A spent code
// is removed from the stored set and an append-only usage row is written, so
// the same code can never pass twice and every use stays reviewable.
func (s *TOTPService) UseRecoveryCode(userID, code string, usage UsageContext) (bool, error) {
	userID = strings.TrimSpace(userID)
	code = strings.TrimSpace(code)
	if userID == "" || code == "" {
		return false, errors.New("totp: user id and code are required")
	}

	secret, err := s.loadSecret(userID)
	if err != nil {
		return false, err
	}
	hashedCodes, err := decodeCodes(secret.BackupCodes)
	if err != nil {
		return false, err
	}

	remaining, consumed := spendCode(hashedCodes, code)
	if !consumed {
		return false, nil
	}

	encoded, err := json.Marshal(remaining)
	if err != nil {
		return false, fmt.Errorf("totp: marshal recovery codes: %w", err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(secret).Update("backup_codes", datatypes.JSON(encoded)).Error; err != nil {
			return fmt.Errorf("totp: update recovery codes: %w", err)
		}
		record := models.RecoveryCodeUsage{
			UserID:    userID,
			CodeHash:  crypto.HashToken(code),
			IPAddress: strings.TrimSpace(usage.IPAddress),
			UserAgent: strings.TrimSpace(usage.UserAgent),
			UsedAt:    s.now(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("totp: record recovery code usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// spendCode removes the first hash matching code, reporting whether one matched.
func spendCode(hashed []string, code string) ([]string, bool) {
	for i, stored := range hashed {
		if crypto.VerifyPassword(stored, code) {
			return append(hashed[:i], hashed[i+1:]...), true
		}
	}
	return hashed, false
}

// RemainingRecoveryCodes returns the number of recovery codes still available.
func (s *TOTPService) RemainingRecoveryCodes(userID string) (int, error) {
	secret, err := s.loadSecret(strings.TrimSpace(userID))
	if err != nil {
		return 0, err
	}
	hashedCodes, err := decodeCodes(secret.BackupCodes)
	if err != nil {
		return 0, err
	}
	return len(hashedCodes), nil
}

// GenerateQRCode returns a PNG-encoded QR code for the provided TOTP key.
func (s *TOTPService) GenerateQRCode(key *otp.Key) ([]byte, error) {
	if key == nil {
		return nil, errors.New("totp: key is required")
	}
	return qrcode.Encode(key.String(), qrcode.Medium, s.qrCodeSize)
}

func (s *TOTPService) loadSecret(userID string) (*models.MFASecret, error) {
	if userID == "" {
		return nil, errors.New("totp: user id is required")
	}

	var secret models.MFASecret
	if err := s.db.Where("user_id = ?", userID).First(&secret).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("totp: secret not found for user %s", userID)
		}
		return nil, fmt.Errorf("totp: load secret: %w", err)
	}
	return &secret, nil
}

func decodeCodes(stored datatypes.JSON) ([]string, error) {
	var hashed []string
	if err := json.Unmarshal([]byte(stored), &hashed); err != nil {
		return nil, fmt.Errorf("totp: unmarshal recovery codes: %w", err)
	}
	return hashed, nil
}

func generateRecoveryCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := cryptoRand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(buf)[:8], nil
}
