package main

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/spf13/viper"
	"github.com/tyemirov/medauth/internal/authkit"
	"github.com/tyemirov/medauth/internal/userpg"
	"go.uber.org/zap"
)

var errPgxNativeRequiresPostgres = errors.New("pgx_native requires a postgres database_url")

// openUserStore selects the credential record and health profile stores from database_url
// and pgx_native. Both share one connection pool. The returned release function is always safe to call.
func openUserStore(ctx context.Context, logger *zap.Logger) (authkit.UserStore, authkit.HealthProfileStore, func(), error) {
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	if databaseURL == "" {
		logger.Info("using in-memory user store")
		return authkit.NewMemoryUserStore(), authkit.NewMemoryHealthStore(), func() {}, nil
	}
	timeout := viper.GetDuration("database_timeout")

	if viper.GetBool("pgx_native") {
		parsed, parseErr := url.Parse(databaseURL)
		if parseErr != nil {
			return nil, nil, nil, parseErr
		}
		if scheme := strings.ToLower(parsed.Scheme); scheme != "postgres" && scheme != "postgresql" {
			return nil, nil, nil, errPgxNativeRequiresPostgres
		}
		pool, poolErr := userpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, nil, nil, poolErr
		}
		if migrateErr := userpg.Migrate(ctx, pool); migrateErr != nil {
			pool.Close()
			return nil, nil, nil, migrateErr
		}
		logger.Info("using pgx user store", zap.Duration("timeout", timeout))
		return userpg.NewStore(pool, timeout), userpg.NewHealthStore(pool, timeout), pool.Close, nil
	}

	databaseStore, storeErr := authkit.NewDatabaseUserStore(ctx, databaseURL, timeout)
	if storeErr != nil {
		return nil, nil, nil, storeErr
	}
	logger.Info("using persistent user store", zap.String("driver", databaseStore.Driver()), zap.Duration("timeout", timeout))
	return databaseStore, databaseStore.HealthProfiles(), func() {
		if closeErr := databaseStore.Close(); closeErr != nil {
			logger.Warn("user store close failed", zap.Error(closeErr))
		}
	}, nil
}

// openTTLStore backs sessions, verification codes and nonces with Redis when redis_addr is set.
func openTTLStore(ctx context.Context, logger *zap.Logger) (authkit.TTLStore, func(), error) {
	redisAddr := strings.TrimSpace(viper.GetString("redis_addr"))
	if redisAddr == "" {
		logger.Warn("using in-memory session store; sessions do not survive restarts")
		return authkit.NewMemoryStore(), func() {}, nil
	}
	timeout := viper.GetDuration("store_timeout")
	client, clientErr := authkit.NewRedisClient(ctx, authkit.RedisOptions{
		Addr:     redisAddr,
		Password: viper.GetString("redis_password"),
		DB:       viper.GetInt("redis_db"),
		Timeout:  timeout,
	})
	if clientErr != nil {
		return nil, nil, clientErr
	}
	logger.Info("using redis session store", zap.String("addr", redisAddr))
	return authkit.NewRedisStore(client, timeout), func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("redis close failed", zap.Error(closeErr))
		}
	}, nil
}

func buildNotifier(logger *zap.Logger) (authkit.Notifier, error) {
	smtpHost := strings.TrimSpace(viper.GetString("smtp_host"))
	if smtpHost == "" {
		logger.Warn("smtp_host not set; verification codes are not mailed")
		return authkit.NewLogNotifier(logger), nil
	}
	return authkit.NewSMTPNotifier(authkit.SMTPConfig{
		Host:     smtpHost,
		Port:     viper.GetInt("smtp_port"),
		Username: viper.GetString("smtp_username"),
		Password: viper.GetString("smtp_password"),
		From:     viper.GetString("smtp_from"),
	})
}
