package authkit

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/tyemirov/medauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const verificationCodeDigits = 6

var (
	errMissingUserStore = errors.New("auth.service.missing_user_store")
	errMissingHasher    = errors.New("auth.service.missing_hasher")
	errMissingCodec     = errors.New("auth.service.missing_codec")
	errMissingSessions  = errors.New("auth.service.missing_sessions")
	errMissingCodeStore = errors.New("auth.service.missing_code_store")
	errInvalidLifetimes = errors.New("auth.service.invalid_lifetimes")
)

// ServiceDependencies wires the collaborators of Service.
type ServiceDependencies struct {
	Config   ServerConfig
	Users    UserStore
	Hasher   PasswordHasher
	Codec    *sessionvalidator.Codec
	Sessions *SessionStore
	Codes    TTLStore
	Notifier Notifier
	Metrics  MetricsRecorder
	Logger   *zap.Logger

	// HealthProfiles is purged on withdrawal when set.
	HealthProfiles HealthProfileStore
}

// TokenPair is the result of a login or refresh. Refresh leaves RefreshToken empty.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// GoogleIdentity is a verified Google account.
type GoogleIdentity struct {
	Subject string
	Email   string
	Name    string
}

// Service orchestrates signup, credential checks, token issuance and session bookkeeping.
type Service struct {
	configuration ServerConfig
	users         UserStore
	hasher        PasswordHasher
	codec         *sessionvalidator.Codec
	sessions      *SessionStore
	codes         TTLStore
	healthEntries HealthProfileStore
	notifier      Notifier
	metrics       MetricsRecorder
	logger        *zap.Logger
}

// NewService validates dependencies and constructs a Service.
func NewService(dependencies ServiceDependencies) (*Service, error) {
	switch {
	case dependencies.Users == nil:
		return nil, errMissingUserStore
	case dependencies.Hasher == nil:
		return nil, errMissingHasher
	case dependencies.Codec == nil:
		return nil, errMissingCodec
	case dependencies.Sessions == nil:
		return nil, errMissingSessions
	case dependencies.Codes == nil:
		return nil, errMissingCodeStore
	}
	configuration := dependencies.Config
	if configuration.AccessTTL <= 0 || configuration.RefreshTTL <= 0 || configuration.RefreshTTLShort <= 0 || configuration.VerificationCodeTTL <= 0 {
		return nil, errInvalidLifetimes
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := dependencies.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{
		configuration: configuration,
		users:         dependencies.Users,
		hasher:        dependencies.Hasher,
		codec:         dependencies.Codec,
		sessions:      dependencies.Sessions,
		codes:         dependencies.Codes,
		healthEntries: dependencies.HealthProfiles,
		notifier:      notifier,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Signup validates request, enforces uniqueness and persists a new local credential record.
func (service *Service) Signup(ctx context.Context, request SignupRequest) (UserRecord, error) {
	if !request.IsTermsAgreed || !request.IsPrivacyAgreed {
		return UserRecord{}, fmt.Errorf("auth.signup: %w", ErrAgreementRequired)
	}
	request.ID = strings.TrimSpace(request.ID)
	request.Name = strings.TrimSpace(request.Name)
	request.Nickname = strings.TrimSpace(request.Nickname)
	request.PhoneNumber = strings.TrimSpace(request.PhoneNumber)
	if err := ValidateRequest(request); err != nil {
		return UserRecord{}, fmt.Errorf("auth.signup: %w", err)
	}
	phoneNumber := NormalizePhoneNumber(request.PhoneNumber)

	if err := service.ensureSubjectAvailable(ctx, "auth.signup", request.ID); err != nil {
		return UserRecord{}, err
	}
	phoneTaken, phoneErr := service.users.ExistsByPhone(ctx, phoneNumber)
	if phoneErr != nil {
		return UserRecord{}, unavailable("auth.signup.phone", phoneErr)
	}
	if phoneTaken {
		return UserRecord{}, fmt.Errorf("auth.signup: %w", &ConflictError{Field: "phone_number"})
	}
	nationalIDTaken, nationalIDErr := service.users.ExistsByNationalID(ctx, request.NationalID)
	if nationalIDErr != nil {
		return UserRecord{}, unavailable("auth.signup.national_id", nationalIDErr)
	}
	if nationalIDTaken {
		return UserRecord{}, fmt.Errorf("auth.signup: %w", &ConflictError{Field: "national_id"})
	}

	passwordHash, hashErr := service.hasher.Hash(request.Password)
	if hashErr != nil {
		return UserRecord{}, fmt.Errorf("auth.signup: %w", hashErr)
	}
	record := UserRecord{
		ID:                request.ID,
		PasswordHash:      passwordHash,
		Name:              request.Name,
		Nickname:          request.Nickname,
		PhoneNumber:       phoneNumber,
		NationalID:        request.NationalID,
		IsTermsAgreed:     request.IsTermsAgreed,
		IsPrivacyAgreed:   request.IsPrivacyAgreed,
		IsMarketingAgreed: request.IsMarketingAgreed,
		ChronicDisease:    strings.TrimSpace(request.ChronicDisease),
		Provider:          ProviderLocal,
	}
	if err := service.users.Create(ctx, record); err != nil {
		if errors.Is(err, ErrUserExists) {
			return UserRecord{}, fmt.Errorf("auth.signup: %w", conflictFromDuplicate(err, "id"))
		}
		return UserRecord{}, unavailable("auth.signup.create", err)
	}
	service.metrics.Increment(metricSignupSuccess)
	service.logger.Info("account created", zap.String("user_id", record.ID))
	return record, nil
}

// CheckIDAvailable fails with a conflict when id is already registered.
func (service *Service) CheckIDAvailable(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if err := ValidateEmail("id", id); err != nil {
		return fmt.Errorf("auth.id_check: %w", err)
	}
	return service.ensureSubjectAvailable(ctx, "auth.id_check", id)
}

func (service *Service) ensureSubjectAvailable(ctx context.Context, scope string, subject string) error {
	_, err := service.users.GetBySubject(ctx, subject)
	switch {
	case err == nil:
		return fmt.Errorf("%s: %w", scope, &ConflictError{Field: "id"})
	case errors.Is(err, ErrUserNotFound):
		return nil
	default:
		return unavailable(scope+".lookup", err)
	}
}

// Authenticate verifies id and password. Unknown ids and wrong passwords fail identically.
func (service *Service) Authenticate(ctx context.Context, id string, password string) (UserRecord, error) {
	record, err := service.users.GetBySubject(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			service.rejectLogin("auth.login.unknown_subject")
			return UserRecord{}, fmt.Errorf("auth.authenticate: %w", ErrInvalidCredentials)
		}
		return UserRecord{}, unavailable("auth.authenticate.lookup", err)
	}
	if record.PasswordHash == "" {
		service.rejectLogin("auth.login.no_local_password")
		return UserRecord{}, fmt.Errorf("auth.authenticate: %w", ErrInvalidCredentials)
	}
	if verifyErr := service.hasher.Verify(record.PasswordHash, password); verifyErr != nil {
		if errors.Is(verifyErr, ErrPasswordMismatch) {
			service.rejectLogin("auth.login.invalid_credentials")
			return UserRecord{}, fmt.Errorf("auth.authenticate: %w", ErrInvalidCredentials)
		}
		return UserRecord{}, fmt.Errorf("auth.authenticate: %w", verifyErr)
	}
	return record, nil
}

func (service *Service) rejectLogin(code string) {
	service.metrics.Increment(metricLoginFailure)
	service.logger.Warn("login rejected", zap.String("code", code))
}

// Login issues an access and a refresh token and records the access token as the
// subject's only live session, superseding any earlier one.
func (service *Service) Login(ctx context.Context, record UserRecord, rememberMe bool) (TokenPair, error) {
	accessToken, accessExpiresAt, accessErr := service.codec.Issue(record.ID, sessionvalidator.TokenTypeAccess, service.configuration.AccessTTL)
	if accessErr != nil {
		return TokenPair{}, fmt.Errorf("auth.login.access: %w", accessErr)
	}
	refreshToken, refreshExpiresAt, refreshErr := service.codec.Issue(record.ID, sessionvalidator.TokenTypeRefresh, service.configuration.RefreshLifetime(rememberMe))
	if refreshErr != nil {
		return TokenPair{}, fmt.Errorf("auth.login.refresh: %w", refreshErr)
	}
	if err := service.sessions.Set(ctx, record.ID, accessToken, service.configuration.AccessTTL); err != nil {
		return TokenPair{}, unavailable("auth.login.session", err)
	}
	service.metrics.Increment(metricLoginSuccess)
	service.logger.Info("login succeeded", zap.String("user_id", record.ID), zap.Bool("remember_me", rememberMe))
	return TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// Refresh exchanges a refresh token for a new access token and overwrites the session entry.
func (service *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, decodeErr := service.codec.Decode(refreshToken)
	if decodeErr != nil {
		service.rejectRefresh("auth.refresh.invalid_token")
		return TokenPair{}, fmt.Errorf("auth.refresh: %w", ErrUnauthorized)
	}
	if claims.TokenType != sessionvalidator.TokenTypeRefresh {
		service.rejectRefresh("auth.refresh.wrong_type")
		return TokenPair{}, fmt.Errorf("auth.refresh: %w", ErrUnauthorized)
	}
	if _, lookupErr := service.users.GetBySubject(ctx, claims.UserID); lookupErr != nil {
		if errors.Is(lookupErr, ErrUserNotFound) {
			service.rejectRefresh("auth.refresh.subject_missing")
			return TokenPair{}, fmt.Errorf("auth.refresh: %w", ErrUnauthorized)
		}
		return TokenPair{}, unavailable("auth.refresh.lookup", lookupErr)
	}
	accessToken, accessExpiresAt, issueErr := service.codec.Issue(claims.UserID, sessionvalidator.TokenTypeAccess, service.configuration.AccessTTL)
	if issueErr != nil {
		return TokenPair{}, fmt.Errorf("auth.refresh.issue: %w", issueErr)
	}
	if err := service.sessions.Set(ctx, claims.UserID, accessToken, service.configuration.AccessTTL); err != nil {
		return TokenPair{}, unavailable("auth.refresh.session", err)
	}
	service.metrics.Increment(metricRefreshSuccess)
	return TokenPair{AccessToken: accessToken, AccessExpiresAt: accessExpiresAt}, nil
}

func (service *Service) rejectRefresh(code string) {
	service.metrics.Increment(metricRefreshFailure)
	service.logger.Warn("refresh rejected", zap.String("code", code))
}

// Logout removes the session entry for subject.
func (service *Service) Logout(ctx context.Context, subject string) error {
	if err := service.sessions.Delete(ctx, subject); err != nil {
		return unavailable("auth.logout", err)
	}
	service.metrics.Increment(metricLogoutSuccess)
	service.logger.Info("logout", zap.String("user_id", subject))
	return nil
}

// ChangePassword replaces the password after checking the current one and ends the live session.
func (service *Service) ChangePassword(ctx context.Context, subject string, currentPassword string, newPassword string) error {
	record, err := service.loadSubject(ctx, "auth.change_password", subject)
	if err != nil {
		return err
	}
	if record.PasswordHash == "" {
		return fmt.Errorf("auth.change_password: %w", ErrForbidden)
	}
	if verifyErr := service.hasher.Verify(record.PasswordHash, currentPassword); verifyErr != nil {
		if errors.Is(verifyErr, ErrPasswordMismatch) {
			return fmt.Errorf("auth.change_password: %w", ErrInvalidCredentials)
		}
		return fmt.Errorf("auth.change_password: %w", verifyErr)
	}
	if err := service.storeNewPassword(ctx, "auth.change_password", record, newPassword); err != nil {
		return err
	}
	service.logger.Info("password changed", zap.String("user_id", subject))
	return nil
}

// SendVerificationCode stores a fresh six digit code for email and delivers it.
func (service *Service) SendVerificationCode(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if err := ValidateEmail("email", email); err != nil {
		return fmt.Errorf("auth.send_code: %w", err)
	}
	code, codeErr := newVerificationCode()
	if codeErr != nil {
		return fmt.Errorf("auth.send_code: %w", codeErr)
	}
	if err := service.codes.Set(ctx, codeKeyPrefix+email, code, service.configuration.VerificationCodeTTL); err != nil {
		return unavailable("auth.send_code.store", err)
	}
	if err := service.notifier.Send(ctx, email, code); err != nil {
		return unavailable("auth.send_code.notify", err)
	}
	return nil
}

// VerifyCode checks code against the live code for email without consuming it.
func (service *Service) VerifyCode(ctx context.Context, email string, code string) error {
	return service.checkCode(ctx, "auth.verify_code", strings.TrimSpace(email), code)
}

func (service *Service) checkCode(ctx context.Context, scope string, email string, code string) error {
	stored, err := service.codes.Get(ctx, codeKeyPrefix+email)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("%s: %w", scope, ErrVerificationFailed)
		}
		return unavailable(scope, err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return fmt.Errorf("%s: %w", scope, ErrVerificationFailed)
	}
	return nil
}

// ResetPassword sets a new password without the old one once the code, name and phone all match.
func (service *Service) ResetPassword(ctx context.Context, request ResetPasswordRequest) error {
	request.ID = strings.TrimSpace(request.ID)
	request.Name = strings.TrimSpace(request.Name)
	request.PhoneNumber = strings.TrimSpace(request.PhoneNumber)
	if err := ValidateRequest(request); err != nil {
		return fmt.Errorf("auth.reset_password: %w", err)
	}
	if err := service.checkCode(ctx, "auth.reset_password", request.ID, request.Code); err != nil {
		return err
	}
	record, lookupErr := service.users.GetBySubject(ctx, request.ID)
	if lookupErr != nil {
		if errors.Is(lookupErr, ErrUserNotFound) {
			return fmt.Errorf("auth.reset_password: %w", ErrVerificationFailed)
		}
		return unavailable("auth.reset_password.lookup", lookupErr)
	}
	if record.Name != request.Name || record.PhoneNumber != NormalizePhoneNumber(request.PhoneNumber) {
		service.logger.Warn("password reset rejected", zap.String("code", "auth.reset_password.identity_mismatch"))
		return fmt.Errorf("auth.reset_password: %w", ErrVerificationFailed)
	}
	if err := service.codes.Delete(ctx, codeKeyPrefix+request.ID); err != nil {
		return unavailable("auth.reset_password.consume", err)
	}
	if err := service.storeNewPassword(ctx, "auth.reset_password", record, request.NewPassword); err != nil {
		return err
	}
	service.metrics.Increment(metricPasswordReset)
	service.logger.Info("password reset", zap.String("user_id", record.ID))
	return nil
}

func (service *Service) storeNewPassword(ctx context.Context, scope string, record UserRecord, newPassword string) error {
	if err := ValidatePassword("new_password", newPassword); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}
	passwordHash, hashErr := service.hasher.Hash(newPassword)
	if hashErr != nil {
		return fmt.Errorf("%s: %w", scope, hashErr)
	}
	record.PasswordHash = passwordHash
	if err := service.users.Update(ctx, record); err != nil {
		return unavailable(scope+".update", err)
	}
	if err := service.sessions.Delete(ctx, record.ID); err != nil {
		return unavailable(scope+".session", err)
	}
	return nil
}

// FindID returns the subject registered under name and phone number.
func (service *Service) FindID(ctx context.Context, name string, phoneNumber string) (string, error) {
	name = strings.TrimSpace(name)
	phoneNumber = strings.TrimSpace(phoneNumber)
	if name == "" {
		return "", fmt.Errorf("auth.find_id: %w", &ValidationError{Field: "name", Message: "is required"})
	}
	if !IsMobileNumber(phoneNumber) {
		return "", fmt.Errorf("auth.find_id: %w", &ValidationError{Field: "phone_number", Message: "must be a mobile number"})
	}
	record, err := service.users.FindByNameAndPhone(ctx, name, NormalizePhoneNumber(phoneNumber))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", fmt.Errorf("auth.find_id: %w", ErrNotFound)
		}
		return "", unavailable("auth.find_id", err)
	}
	return record.ID, nil
}

// UpdateProfile applies the supplied profile fields to subject's record.
func (service *Service) UpdateProfile(ctx context.Context, subject string, update ProfileUpdate) (UserRecord, error) {
	if err := ValidateRequest(update); err != nil {
		return UserRecord{}, fmt.Errorf("auth.update_profile: %w", err)
	}
	record, err := service.loadSubject(ctx, "auth.update_profile", subject)
	if err != nil {
		return UserRecord{}, err
	}
	if update.Nickname != nil {
		record.Nickname = strings.TrimSpace(*update.Nickname)
	}
	if update.PhoneNumber != nil {
		phoneNumber := NormalizePhoneNumber(*update.PhoneNumber)
		if phoneNumber != record.PhoneNumber {
			taken, existsErr := service.users.ExistsByPhone(ctx, phoneNumber)
			if existsErr != nil {
				return UserRecord{}, unavailable("auth.update_profile.phone", existsErr)
			}
			if taken {
				return UserRecord{}, fmt.Errorf("auth.update_profile: %w", &ConflictError{Field: "phone_number"})
			}
			record.PhoneNumber = phoneNumber
		}
	}
	if update.IsMarketingAgreed != nil {
		record.IsMarketingAgreed = *update.IsMarketingAgreed
	}
	if update.ChronicDisease != nil {
		record.ChronicDisease = strings.TrimSpace(*update.ChronicDisease)
	}
	if err := service.users.Update(ctx, record); err != nil {
		if errors.Is(err, ErrUserExists) {
			return UserRecord{}, fmt.Errorf("auth.update_profile: %w", conflictFromDuplicate(err, "phone_number"))
		}
		return UserRecord{}, unavailable("auth.update_profile.update", err)
	}
	return record, nil
}

// Withdraw deletes subject's session and then its record. Local accounts must confirm their password.
func (service *Service) Withdraw(ctx context.Context, subject string, password string) error {
	record, err := service.loadSubject(ctx, "auth.withdraw", subject)
	if err != nil {
		return err
	}
	if record.PasswordHash != "" {
		if verifyErr := service.hasher.Verify(record.PasswordHash, password); verifyErr != nil {
			if errors.Is(verifyErr, ErrPasswordMismatch) {
				return fmt.Errorf("auth.withdraw: %w", ErrInvalidCredentials)
			}
			return fmt.Errorf("auth.withdraw: %w", verifyErr)
		}
	}
	if err := service.sessions.Delete(ctx, subject); err != nil {
		return unavailable("auth.withdraw.session", err)
	}
	if service.healthEntries != nil {
		if err := service.healthEntries.RemoveAll(ctx, subject); err != nil {
			return unavailable("auth.withdraw.health", err)
		}
	}
	if err := service.users.Delete(ctx, subject); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return fmt.Errorf("auth.withdraw: %w", ErrUnauthorized)
		}
		return unavailable("auth.withdraw.delete", err)
	}
	service.logger.Info("account withdrawn", zap.String("user_id", subject))
	return nil
}

// SocialLogin signs in a verified Google identity, creating its record on first use.
// An email already registered with a password is never linked to the Google identity.
func (service *Service) SocialLogin(ctx context.Context, identity GoogleIdentity, rememberMe bool) (TokenPair, UserRecord, error) {
	record, err := service.users.GetBySubject(ctx, identity.Email)
	switch {
	case err == nil:
	case errors.Is(err, ErrUserNotFound):
		record = UserRecord{
			ID:              identity.Email,
			Name:            truncateRunes(identity.Name, 20),
			Nickname:        socialNickname(identity),
			IsTermsAgreed:   true,
			IsPrivacyAgreed: true,
			Provider:        ProviderGoogle,
		}
		createErr := service.users.Create(ctx, record)
		switch {
		case createErr == nil:
			service.metrics.Increment(metricSignupSuccess)
		case errors.Is(createErr, ErrUserExists):
			existing, lookupErr := service.users.GetBySubject(ctx, identity.Email)
			if lookupErr != nil {
				return TokenPair{}, UserRecord{}, unavailable("auth.social_login.lookup", lookupErr)
			}
			record = existing
		default:
			return TokenPair{}, UserRecord{}, unavailable("auth.social_login.create", createErr)
		}
	default:
		return TokenPair{}, UserRecord{}, unavailable("auth.social_login.lookup", err)
	}
	if record.Provider != ProviderGoogle {
		service.metrics.Increment(metricSocialLoginRefused)
		service.logger.Warn("google sign-in refused for password account",
			zap.String("code", "auth.social_login.provider_mismatch"),
			zap.String("user_id", record.ID))
		return TokenPair{}, UserRecord{}, fmt.Errorf("auth.social_login: %w", &ConflictError{Field: "id"})
	}
	tokens, loginErr := service.Login(ctx, record, rememberMe)
	if loginErr != nil {
		return TokenPair{}, UserRecord{}, loginErr
	}
	return tokens, record, nil
}

func (service *Service) loadSubject(ctx context.Context, scope string, subject string) (UserRecord, error) {
	record, err := service.users.GetBySubject(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return UserRecord{}, fmt.Errorf("%s: %w", scope, ErrUnauthorized)
		}
		return UserRecord{}, unavailable(scope+".lookup", err)
	}
	return record, nil
}

func newVerificationCode() (string, error) {
	upperBound := big.NewInt(1)
	for range verificationCodeDigits {
		upperBound.Mul(upperBound, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, upperBound)
	if err != nil {
		return "", fmt.Errorf("auth.code.generate: %w", err)
	}
	return fmt.Sprintf("%0*d", verificationCodeDigits, value.Int64()), nil
}

func socialNickname(identity GoogleIdentity) string {
	nickname := truncateRunes(strings.TrimSpace(identity.Name), 40)
	if len([]rune(nickname)) >= 2 {
		return nickname
	}
	localPart, _, _ := strings.Cut(identity.Email, "@")
	return truncateRunes(localPart, 40)
}

func truncateRunes(value string, limit int) string {
	runes := []rune(strings.TrimSpace(value))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit])
}
