// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"

	"github.com/zstok/keygate/internal/hwid"
	"github.com/zstok/keygate/internal/models"
	"github.com/zstok/keygate/internal/sign"
)

// Clock supplies the current time. Services never call time.Now directly so
// tests can pin it.
type Clock func() time.Time

const (
	licenseCacheTTL = 30 * time.Second
	maxBatchSize    = 100
)

// LicenseService orchestrates issuing, activation, validation, and
// deactivation. Domain outcomes are reported as reason codes in the result;
// a non-nil error always means an infrastructure failure.
type LicenseService struct {
	licenses    *models.LicenseStore
	customers   *models.CustomerStore
	activations *models.ActivationStore
	signer      *sign.Signer
	cache       *ristretto.Cache
	salt        string
	now         Clock
}

func NewLicenseService(licenses *models.LicenseStore, customers *models.CustomerStore, activations *models.ActivationStore, signer *sign.Signer, salt string) (*LicenseService, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create license cache: %w", err)
	}

	return &LicenseService{
		licenses:    licenses,
		customers:   customers,
		activations: activations,
		signer:      signer,
		cache:       cache,
		salt:        salt,
		now:         time.Now,
	}, nil
}

// WithClock replaces the service's time source. Test hook.
func (s *LicenseService) WithClock(now Clock) *LicenseService {
	s.now = now
	return s
}

// EntitlementProof is the signed payload returned on successful activation.
// Clients persist it and verify the signature offline against the server's
// public key.
type EntitlementProof struct {
	LicenseKey          string    `json:"license_key"`
	CustomerID          int64     `json:"customer_id"`
	CustomerName        string    `json:"customer_name"`
	CustomerEmail       string    `json:"customer_email"`
	HardwareFingerprint string    `json:"hardware_fingerprint"`
	ActivatedAt         time.Time `json:"activated_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Edition             string    `json:"edition"`
	Features            []string  `json:"features"`
	DaysRemaining       int       `json:"days_remaining"`
	NeedsRenewal        bool      `json:"needs_renewal"`
	Signature           string    `json:"signature"`
}

type ActivateRequest struct {
	LicenseKey string         `json:"license_key"`
	Email      string         `json:"email"`
	HardwareID string         `json:"hardware_id"`
	SystemInfo map[string]any `json:"system_info,omitempty"`
	IPAddress  string         `json:"-"`
	UserAgent  string         `json:"-"`
}

type ActivateResult struct {
	Code    string
	Message string
	Proof   *EntitlementProof
}

// Activate binds a license to a piece of hardware, subject to the ordered
// validity checks and the activation ceiling, and returns a signed
// entitlement proof on success.
func (s *LicenseService) Activate(ctx context.Context, req ActivateRequest) (*ActivateResult, error) {
	now := s.now()

	license, err := s.getLicense(ctx, req.LicenseKey)
	if errors.Is(err, models.ErrLicenseNotFound) {
		return &ActivateResult{Code: CodeInvalidLicense, Message: "license key not found"}, nil
	}
	if err != nil {
		return nil, err
	}

	customer, err := s.customers.GetByID(ctx, license.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load license owner: %w", err)
	}

	if !strings.EqualFold(strings.TrimSpace(req.Email), customer.Email) {
		log.Warn().
			Str("licenseKey", maskLicenseKey(license.Key)).
			Msg("Activation rejected: email does not match license owner")
		return &ActivateResult{Code: CodeOwnerMismatch, Message: "email does not match the license owner"}, nil
	}

	if validity := EvaluateLicense(license, now); !validity.Valid {
		return &ActivateResult{Code: validity.Code, Message: validity.Message}, nil
	}

	fingerprint := hwid.Fingerprint(req.HardwareID, req.SystemInfo, s.salt)
	systemInfo, err := encodeSystemInfo(req.SystemInfo)
	if err != nil {
		return nil, err
	}

	activation, err := s.activations.Activate(ctx, license, fingerprint, systemInfo, req.IPAddress, req.UserAgent, now)
	if errors.Is(err, models.ErrCeilingReached) {
		return &ActivateResult{
			Code:    CodeMaxActivationsReached,
			Message: fmt.Sprintf("maximum number of activations reached (%d)", license.MaxActivations),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to activate license: %w", err)
	}

	proof, err := s.buildProof(license, customer, activation, now)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("licenseKey", maskLicenseKey(license.Key)).
		Int64("customerID", customer.ID).
		Msg("License activated")

	return &ActivateResult{Code: CodeLicenseValid, Message: "license activated", Proof: proof}, nil
}

func (s *LicenseService) buildProof(license *models.License, customer *models.Customer, activation *models.Activation, now time.Time) (*EntitlementProof, error) {
	payload := sign.ProofString(license.Key, customer.ID, activation.HardwareFingerprint, license.ExpiresAt)
	signature, err := s.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign entitlement proof: %w", err)
	}

	days := daysBetween(now, license.ExpiresAt)

	return &EntitlementProof{
		LicenseKey:          license.Key,
		CustomerID:          customer.ID,
		CustomerName:        customer.Name,
		CustomerEmail:       customer.Email,
		HardwareFingerprint: activation.HardwareFingerprint,
		ActivatedAt:         activation.ActivatedAt,
		ExpiresAt:           license.ExpiresAt,
		Edition:             license.Edition,
		Features:            license.EffectiveFeatures(),
		DaysRemaining:       days,
		NeedsRenewal:        days <= renewalWindowDays,
		Signature:           signature,
	}, nil
}

type ValidateRequest struct {
	LicenseKey       string         `json:"license_key"`
	HardwareID       string         `json:"hardware_id"`
	SystemInfo       map[string]any `json:"system_info,omitempty"`
	Signature        string         `json:"signature,omitempty"`
	ValidationString string         `json:"validation_string,omitempty"`
}

type ValidateResult struct {
	Validity
	Edition  string   `json:"edition,omitempty"`
	Features []string `json:"features,omitempty"`
}

// Validate re-checks an existing activation without issuing a new proof.
// When the client supplies a signature and the string it covers, the
// signature is checked first; a bad signature short-circuits everything else.
func (s *LicenseService) Validate(ctx context.Context, req ValidateRequest) (*ValidateResult, error) {
	now := s.now()

	if req.Signature != "" && req.ValidationString != "" {
		if !s.signer.Verify(req.ValidationString, req.Signature) {
			return &ValidateResult{Validity: Validity{
				Code:    CodeInvalidSignature,
				Message: "signature verification failed",
			}}, nil
		}
	}

	license, err := s.getLicense(ctx, req.LicenseKey)
	if errors.Is(err, models.ErrLicenseNotFound) {
		return &ValidateResult{Validity: Validity{
			Code:    CodeInvalidLicense,
			Message: "license key not found",
		}}, nil
	}
	if err != nil {
		return nil, err
	}

	validity := EvaluateLicense(license, now)
	if !validity.Valid {
		return &ValidateResult{Validity: validity}, nil
	}

	fingerprint := hwid.Fingerprint(req.HardwareID, req.SystemInfo, s.salt)
	activation, err := s.activations.GetActive(ctx, license.ID, fingerprint)
	if errors.Is(err, models.ErrActivationNotFound) {
		return &ValidateResult{Validity: Validity{
			Code:      CodeHardwareNotActivated,
			Message:   "license is not activated on this hardware",
			ExpiresAt: license.ExpiresAt,
		}}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.activations.TouchLastSeen(ctx, activation.ID, now); err != nil {
		log.Error().Err(err).Msg("Failed to update activation last-seen")
	}

	return &ValidateResult{
		Validity: validity,
		Edition:  license.Edition,
		Features: license.EffectiveFeatures(),
	}, nil
}

type DeactivateResult struct {
	Code    string
	Message string
}

// Deactivate releases the activation slot held by this hardware. A missing
// activation is an error outcome, not a silent no-op, so clients learn their
// local state is stale.
func (s *LicenseService) Deactivate(ctx context.Context, licenseKey, hardwareID string, systemInfo map[string]any) (*DeactivateResult, error) {
	license, err := s.getLicense(ctx, licenseKey)
	if errors.Is(err, models.ErrLicenseNotFound) {
		return &DeactivateResult{Code: CodeInvalidLicense, Message: "license key not found"}, nil
	}
	if err != nil {
		return nil, err
	}

	fingerprint := hwid.Fingerprint(hardwareID, systemInfo, s.salt)

	err = s.activations.Deactivate(ctx, license.ID, fingerprint)
	if errors.Is(err, models.ErrActivationNotFound) {
		return &DeactivateResult{Code: CodeActivationNotFound, Message: "license is not activated on this hardware"}, nil
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("licenseKey", maskLicenseKey(license.Key)).Msg("License deactivated")

	return &DeactivateResult{Code: CodeLicenseValid, Message: "license deactivated"}, nil
}

type IssueRequest struct {
	CustomerName    string   `json:"customer_name"`
	CustomerEmail   string   `json:"customer_email"`
	CustomerPhone   string   `json:"customer_phone,omitempty"`
	CustomerCompany string   `json:"customer_company,omitempty"`
	ExpiryDays      int      `json:"expiry_days"`
	Edition         string   `json:"edition"`
	Features        []string `json:"features,omitempty"`
	MaxActivations  int      `json:"max_activations"`
	Notes           string   `json:"notes,omitempty"`
	Count           int      `json:"count,omitempty"`
}

// Issue creates one or more licenses for a customer, creating the customer
// record on first contact. Count defaults to 1 and is capped at 100 per
// request.
func (s *LicenseService) Issue(ctx context.Context, req IssueRequest) ([]*models.License, *models.Customer, error) {
	if req.CustomerEmail == "" {
		return nil, nil, errors.New("customer email is required")
	}
	if req.ExpiryDays <= 0 {
		return nil, nil, errors.New("expiry days must be positive")
	}
	if req.MaxActivations <= 0 {
		return nil, nil, errors.New("max activations must be positive")
	}
	if !models.ValidEdition(req.Edition) {
		return nil, nil, fmt.Errorf("unknown edition %q", req.Edition)
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	if count < 0 || count > maxBatchSize {
		return nil, nil, fmt.Errorf("count must be between 1 and %d", maxBatchSize)
	}

	customer, err := s.customers.GetByEmail(ctx, req.CustomerEmail)
	if errors.Is(err, models.ErrCustomerNotFound) {
		if req.CustomerName == "" {
			return nil, nil, errors.New("customer name is required for new customers")
		}
		customer, err = s.customers.Create(ctx, req.CustomerName, req.CustomerEmail, req.CustomerPhone, req.CustomerCompany)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve customer: %w", err)
	}

	expiresAt := s.now().Add(time.Duration(req.ExpiryDays) * 24 * time.Hour).UTC()

	licenses := make([]*models.License, 0, count)
	for range count {
		license, err := s.licenses.Create(ctx, customer.ID, expiresAt, req.Edition, req.Features, req.MaxActivations, req.Notes)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create license: %w", err)
		}
		licenses = append(licenses, license)
	}

	log.Info().
		Int64("customerID", customer.ID).
		Int("count", len(licenses)).
		Str("edition", req.Edition).
		Msg("Licenses issued")

	return licenses, customer, nil
}

// Revoke marks a license inactive and releases every activation under it.
func (s *LicenseService) Revoke(ctx context.Context, licenseKey string) error {
	if err := s.licenses.Revoke(ctx, licenseKey); err != nil {
		return err
	}

	s.cache.Del(licenseCacheKey(licenseKey))
	log.Info().Str("licenseKey", maskLicenseKey(licenseKey)).Msg("License revoked")
	return nil
}

// Extend pushes a license's expiry forward by days. Extending also
// reinstates a revoked license; revocation is a suspension, extension is the
// recovery path.
func (s *LicenseService) Extend(ctx context.Context, licenseKey string, days int) (*models.License, error) {
	if days <= 0 {
		return nil, errors.New("extension days must be positive")
	}

	license, err := s.licenses.Extend(ctx, licenseKey, days, s.now())
	if err != nil {
		return nil, err
	}

	s.cache.Del(licenseCacheKey(licenseKey))
	log.Info().
		Str("licenseKey", maskLicenseKey(licenseKey)).
		Time("expiresAt", license.ExpiresAt).
		Msg("License extended")
	return license, nil
}

// getLicense reads through the short-TTL cache. Admin mutations invalidate;
// the TTL bounds staleness for anything that slips through.
func (s *LicenseService) getLicense(ctx context.Context, key string) (*models.License, error) {
	if cached, found := s.cache.Get(licenseCacheKey(key)); found {
		if license, ok := cached.(*models.License); ok {
			return license, nil
		}
	}

	license, err := s.licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	s.cache.SetWithTTL(licenseCacheKey(key), license, 1, licenseCacheTTL)
	return license, nil
}

func licenseCacheKey(key string) string {
	return "license:" + key
}

func encodeSystemInfo(info map[string]any) (*string, error) {
	if len(info) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode system info: %w", err)
	}
	encoded := string(raw)
	return &encoded, nil
}

// maskLicenseKey hides the middle groups of a key for logging.
func maskLicenseKey(key string) string {
	parts := strings.Split(key, "-")
	if len(parts) != 5 {
		return "****"
	}
	return parts[0] + "-" + parts[1] + "-****-****-" + parts[4]
}
