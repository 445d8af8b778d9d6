package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/medauth/internal/authkit"
	"github.com/tyemirov/medauth/internal/web"
	"github.com/tyemirov/medauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenVerifier = func(ctx context.Context, clientID string) (authkit.GoogleTokenVerifier, error) {
	return authkit.NewGoogleIDTokenVerifier(ctx, clientID)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "medauth",
		Short:   "Account and session service with JWT access tokens and a single live session per user",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("log_level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access and refresh tokens")
	rootCmd.Flags().Duration("access_ttl", 30*time.Minute, "Access token and session lifetime")
	rootCmd.Flags().Duration("refresh_ttl", 30*24*time.Hour, "Refresh token lifetime when remember_me is set")
	rootCmd.Flags().Duration("refresh_ttl_short", time.Hour, "Refresh token lifetime without remember_me")
	rootCmd.Flags().Duration("token_leeway", 5*time.Second, "Clock skew tolerated when checking token expiry")
	rootCmd.Flags().String("database_url", "", "User database URL (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("pgx_native", false, "Use the native pgx store with embedded migrations for postgres database_url")
	rootCmd.Flags().String("redis_addr", "", "Redis address for sessions, codes and nonces (leave empty for in-memory stores)")
	rootCmd.Flags().String("redis_password", "", "Redis password")
	rootCmd.Flags().Int("redis_db", 0, "Redis database index")
	rootCmd.Flags().Duration("store_timeout", 2*time.Second, "Upper bound for every session store call")
	rootCmd.Flags().Duration("database_timeout", 5*time.Second, "Upper bound for every user database statement")
	rootCmd.Flags().Duration("verification_code_ttl", 5*time.Minute, "Email verification code lifetime")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().String("smtp_host", "", "SMTP host for verification mail; empty logs deliveries instead of sending")
	rootCmd.Flags().Int("smtp_port", 587, "SMTP port")
	rootCmd.Flags().String("smtp_username", "", "SMTP username")
	rootCmd.Flags().String("smtp_password", "", "SMTP password")
	rootCmd.Flags().String("smtp_from", "", "Sender address; defaults to smtp_username")

	rootCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidTokenLeeway      = "config.invalid_token_leeway"
	configCodeInvalidCodeTTL          = "config.invalid_verification_code_ttl"
	configCodeInvalidLogLevel         = "config.invalid_log_level"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeUserStoreInit           = "config.user_store_init"
	configCodeSessionStoreInit        = "config.session_store_init"
	configCodeNotifierInit            = "config.notifier_init"

	tokenIssuer = "medauth"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the token, cookie and lifetime settings.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	refreshTTLShort := viper.GetDuration("refresh_ttl_short")
	if refreshTTL <= 0 || refreshTTLShort <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl and refresh_ttl_short must be greater than zero")
	}

	tokenLeeway := viper.GetDuration("token_leeway")
	if tokenLeeway < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidTokenLeeway, "token_leeway must not be negative")
	}

	verificationCodeTTL := viper.GetDuration("verification_code_ttl")
	if verificationCodeTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidCodeTTL, "verification_code_ttl must be greater than zero")
	}

	nonceTTL := 5 * time.Minute
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	return authkit.ServerConfig{
		GoogleWebClientID:   viper.GetString("google_web_client_id"),
		AppJWTSigningKey:    []byte(jwtSigningKey),
		AppJWTIssuer:        tokenIssuer,
		CookieDomain:        viper.GetString("cookie_domain"),
		RefreshCookieName:   authkit.DefaultRefreshCookieName,
		AccessTTL:           accessTTL,
		RefreshTTL:          refreshTTL,
		RefreshTTLShort:     refreshTTLShort,
		TokenLeeway:         tokenLeeway,
		VerificationCodeTTL: verificationCodeTTL,
		NonceTTL:            nonceTTL,
	}, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, configError(configCodeInvalidLogLevel, fmt.Sprintf("unknown log_level %q", level))
	}
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(parsedLevel)
	loggerConfig.Encoding = "json"
	return loggerConfig.Build()
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := buildLogger(viper.GetString("log_level"))
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	userStore, healthStore, closeUsers, userStoreErr := openUserStore(commandContext, logger)
	if userStoreErr != nil {
		return fmt.Errorf("%s: %w", configCodeUserStoreInit, userStoreErr)
	}
	defer closeUsers()

	ttlStore, closeTTLStore, ttlStoreErr := openTTLStore(commandContext, logger)
	if ttlStoreErr != nil {
		return fmt.Errorf("%s: %w", configCodeSessionStoreInit, ttlStoreErr)
	}
	defer closeTTLStore()

	notifier, notifierErr := buildNotifier(logger)
	if notifierErr != nil {
		return fmt.Errorf("%s: %w", configCodeNotifierInit, notifierErr)
	}

	codec, codecErr := sessionvalidator.NewCodec(sessionvalidator.CodecConfig{
		SigningKey: serverConfig.AppJWTSigningKey,
		Issuer:     serverConfig.AppJWTIssuer,
		Leeway:     serverConfig.TokenLeeway,
	})
	if codecErr != nil {
		return codecErr
	}
	sessions := authkit.NewSessionStore(ttlStore)
	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{Codec: codec, Sessions: sessions})
	if validatorErr != nil {
		return validatorErr
	}
	authenticator, authenticatorErr := authkit.NewRequestAuthenticator(validator, userStore, logger)
	if authenticatorErr != nil {
		return authenticatorErr
	}

	metricsRecorder := authkit.NewCounterMetrics()
	service, serviceErr := authkit.NewService(authkit.ServiceDependencies{
		Config:         serverConfig,
		Users:          userStore,
		Hasher:         authkit.NewBcryptHasher(),
		Codec:          codec,
		Sessions:       sessions,
		Codes:          ttlStore,
		Notifier:       notifier,
		Metrics:        metricsRecorder,
		Logger:         logger,
		HealthProfiles: healthStore,
	})
	if serviceErr != nil {
		return serviceErr
	}
	healthProfile, healthProfileErr := authkit.NewHealthProfile(healthStore, logger)
	if healthProfileErr != nil {
		return healthProfileErr
	}

	var googleSignIn *authkit.GoogleSignIn
	if serverConfig.GoogleWebClientID != "" {
		verifier, verifierErr := buildGoogleTokenVerifier(commandContext, serverConfig.GoogleWebClientID)
		if verifierErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, verifierErr)
		}
		googleSignIn = &authkit.GoogleSignIn{
			Nonces:   authkit.NewNonceStore(ttlStore, serverConfig.NonceTTL),
			Verifier: verifier,
		}
		logger.Info("google sign-in enabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metricsRecorder.HandleMetrics)

	api := router.Group("/api/v1")
	authkit.MountAuthRoutes(api, serverConfig, service, authenticator, googleSignIn)
	profileHandlers := web.NewProfileHandlers(service, serverConfig, logger)
	profileHandlers.Mount(api, authenticator.RequireSession())
	router.GET("/me", authenticator.RequireSession(), profileHandlers.HandleWhoAmI)
	web.NewHealthHandlers(healthProfile, logger).Mount(api, authenticator.RequireSession())

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	serveErr := serveHTTP(server)
	logger.Info("auth counters", zap.Any("counters", metricsRecorder.Snapshot().Counters))
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		fields := []zap.Field{
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		}
		if len(contextGin.Errors) > 0 {
			logger.Error("http", append(fields, zap.String("errors", contextGin.Errors.String()))...)
			return
		}
		logger.Info("http", fields...)
	}
}
