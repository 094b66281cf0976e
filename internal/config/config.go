// Package config resolves the sweeper runtime configuration from the
// environment. The environment variable names predate this tool and are
// kept for compatibility with existing deployments.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/viper"

	"github.com/nasa-pds/registry-sweepers/internal/registry"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called
// once at application startup, before Load.
func Initialize() {
	v = viper.New()

	// Legacy environment variables, bound explicitly.
	_ = v.BindEnv("endpoint", "PROV_ENDPOINT")
	_ = v.BindEnv("credentials", "PROV_CREDENTIALS")
	_ = v.BindEnv("iam-role-name", "SWEEPERS_IAM_ROLE_NAME")
	_ = v.BindEnv("node-id", "MULTITENANCY_NODE_ID")
	_ = v.BindEnv("log-level", "LOGLEVEL")
	_ = v.BindEnv("dev-mode", "DEV_MODE")
	_ = v.BindEnv("sigv4-service", "SWEEPERS_SIGV4_SERVICE")

	v.SetDefault("endpoint", "")
	v.SetDefault("credentials", "")
	v.SetDefault("iam-role-name", "")
	v.SetDefault("node-id", "")
	v.SetDefault("log-level", "INFO")
	v.SetDefault("dev-mode", false)
	v.SetDefault("sigv4-service", "aoss")
}

// Set overrides a configuration key, used by CLI flag handling.
func Set(key string, value any) {
	v.Set(key, value)
}

// Config is the resolved sweeper runtime configuration.
type Config struct {
	Endpoint string
	// Username/Password are set when basic credentials were supplied.
	Username string
	Password string
	// IAMRoleName selects SigV4 request signing via an assumed role.
	IAMRoleName string
	// SigV4Service is the signing service name: "aoss" for serverless
	// collections, "es" for managed domains.
	SigV4Service string
	// TenantNodeID prefixes logical index names; empty for single-tenant.
	TenantNodeID string
	LogLevel     string
	// DevMode disables TLS certificate verification.
	DevMode bool
}

// Load validates the environment and returns the resolved configuration.
// Exactly one authentication flavor must be configured unless dev mode is
// enabled.
func Load() (*Config, error) {
	if v == nil {
		Initialize()
	}

	cfg := &Config{
		Endpoint:     strings.TrimSpace(v.GetString("endpoint")),
		IAMRoleName:  strings.TrimSpace(v.GetString("iam-role-name")),
		SigV4Service: v.GetString("sigv4-service"),
		TenantNodeID: strings.TrimSpace(v.GetString("node-id")),
		LogLevel:     v.GetString("log-level"),
		DevMode:      v.GetBool("dev-mode"),
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("PROV_ENDPOINT must be set")
	}

	credsStr := strings.TrimSpace(v.GetString("credentials"))
	if credsStr != "" {
		username, password, err := parseCredentials(credsStr)
		if err != nil {
			return nil, err
		}
		cfg.Username, cfg.Password = username, password
	}

	hasBasic := cfg.Username != ""
	hasRole := cfg.IAMRoleName != ""
	switch {
	case hasBasic && hasRole:
		return nil, fmt.Errorf("PROV_CREDENTIALS and SWEEPERS_IAM_ROLE_NAME are mutually exclusive")
	case !hasBasic && !hasRole && !cfg.DevMode:
		return nil, fmt.Errorf("one of PROV_CREDENTIALS or SWEEPERS_IAM_ROLE_NAME must be set")
	}
	return cfg, nil
}

// parseCredentials unpacks the {"username": "password"} JSON envelope.
func parseCredentials(credsStr string) (username, password string, err error) {
	var creds map[string]string
	if err := json.Unmarshal([]byte(credsStr), &creds); err != nil {
		return "", "", fmt.Errorf("PROV_CREDENTIALS is not a JSON object: %w", err)
	}
	if len(creds) != 1 {
		return "", "", fmt.Errorf("PROV_CREDENTIALS must contain exactly one user entry (got %d)", len(creds))
	}
	for user, pass := range creds {
		username, password = user, pass
	}
	return username, password, nil
}

// Authenticator builds the authentication strategy for the configured
// flavor: basic auth, SigV4 over an assumed role, or none in dev mode.
func (c *Config) Authenticator(ctx context.Context) (registry.Authenticator, error) {
	if c.Username != "" {
		return &registry.BasicAuth{Username: c.Username, Password: c.Password}, nil
	}
	if c.IAMRoleName == "" {
		return registry.NoAuth{}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), c.IAMRoleName)
	// The cache refreshes rotated credentials before expiry; the signer
	// retrieves from it per request rather than caching the auth header.
	cached := aws.NewCredentialsCache(provider)
	return registry.NewSigV4Auth(cached, awsCfg.Region, c.SigV4Service), nil
}
