// Package secrets resolves startup secrets (the content encryption
// passphrase, the JWT signing secret) from Vault, AWS Secrets Manager or the
// process environment.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

var (
	ErrProviderUnavailable = errors.New("secret provider unavailable")
	ErrNotFound            = errors.New("secret not found")
	ErrRequiresPrimary     = errors.New("SECRETS_REQUIRE_PRIMARY is enabled, cannot use fallback provider")
)

type Provider interface {
	Name() string
	GetSecret(ctx context.Context, key string) (string, error)
}

// Resolver asks the primary provider first. With failClosed set, a primary
// error is returned instead of falling back to the environment.
type Resolver struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewResolver(primary, fallback Provider, failClosed, requirePrimary bool) *Resolver {
	return &Resolver{
		primary:        primary,
		fallback:       fallback,
		failClosed:     failClosed,
		requirePrimary: requirePrimary,
	}
}

// FromEnv picks Vault when VAULT_ADDR is set, else AWS Secrets Manager when
// AWS_REGION is set, with the process environment as the fallback.
func FromEnv(ctx context.Context) (*Resolver, error) {
	requirePrimary := strings.ToLower(os.Getenv("SECRETS_REQUIRE_PRIMARY")) == "true"
	var primary Provider
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		vp, err := newVaultProvider(ctx, addr)
		if err != nil {
			if requirePrimary {
				return nil, fmt.Errorf("vault unavailable: %w", err)
			}
		} else {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" && os.Getenv("SECRETS_AWS") == "true" {
		ap, err := newAWSProvider(ctx, os.Getenv("AWS_REGION"))
		if err != nil {
			if requirePrimary {
				return nil, fmt.Errorf("aws secrets manager unavailable: %w", err)
			}
		} else {
			primary = ap
		}
	}
	if primary == nil && requirePrimary {
		return nil, fmt.Errorf("SECRETS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS Secrets Manager)")
	}
	var fallback Provider
	if !requirePrimary {
		fallback = EnvProvider{}
	}
	failClosed := os.Getenv("SECRETS_FAIL_CLOSED") != "false"
	return NewResolver(primary, fallback, failClosed, requirePrimary), nil
}

func (r *Resolver) Primary() string {
	if r.primary == nil {
		return "none"
	}
	return r.primary.Name()
}

func (r *Resolver) GetSecret(ctx context.Context, key string) (string, error) {
	if r.primary != nil {
		val, err := r.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if err == nil {
			err = ErrNotFound
		}
		if r.requirePrimary {
			return "", fmt.Errorf("%s: get %s: %w", r.primary.Name(), key, err)
		}
		if r.failClosed {
			return "", fmt.Errorf("get %s failed (fail-closed): %w", key, err)
		}
	}
	if r.fallback != nil {
		return r.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context, addr string) (*vaultProvider, error) {
	vc := vault.DefaultConfig()
	vc.Address = addr
	vc.Timeout = 5 * time.Second
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/psst"),
	}, nil
}

func (v *vaultProvider) Name() string { return "vault" }

// GetSecret reads a KV v2 entry at <secretPath>/<key> and returns its
// "value" field.
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	client *secretsmanager.Client
	prefix string
}

func newAWSProvider(ctx context.Context, region string) (*awsProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		client: secretsmanager.NewFromConfig(awsCfg),
		prefix: getEnvOrDefault("AWS_SECRET_PREFIX", "psst/"),
	}, nil
}

func (a *awsProvider) Name() string { return "aws-secretsmanager" }

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	result, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
