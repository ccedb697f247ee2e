package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SecretsManagerClient is the subset of the Secrets Manager API used here.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SSMClient is the subset of the SSM Parameter Store API used here.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretResolver fills secret-valued config fields from AWS.
type SecretResolver struct {
	sm  SecretsManagerClient
	ssm SSMClient
}

// NewSecretResolver wraps explicit clients. Either may be nil.
func NewSecretResolver(sm SecretsManagerClient, ssmClient SSMClient) *SecretResolver {
	return &SecretResolver{sm: sm, ssm: ssmClient}
}

// NewAWSSecretResolver builds clients from the default AWS credential chain.
func NewAWSSecretResolver(ctx context.Context) (*SecretResolver, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SecretResolver{
		sm:  secretsmanager.NewFromConfig(awsCfg),
		ssm: ssm.NewFromConfig(awsCfg),
	}, nil
}

// NeedsResolution reports whether any secret must be fetched from AWS.
func (c *Config) NeedsResolution() bool {
	return c.AnonSalt == "" && (c.AnonSaltSecretID != "" || c.AnonSaltParam != "")
}

// Resolve populates AnonSalt when it was not given directly. Secrets Manager
// wins over SSM when both are configured.
func (r *SecretResolver) Resolve(ctx context.Context, cfg *Config) error {
	if !cfg.NeedsResolution() {
		return nil
	}

	switch {
	case cfg.AnonSaltSecretID != "":
		v, err := r.secret(ctx, cfg.AnonSaltSecretID)
		if err != nil {
			return err
		}
		cfg.AnonSalt = v
	case cfg.AnonSaltParam != "":
		v, err := r.parameter(ctx, cfg.AnonSaltParam)
		if err != nil {
			return err
		}
		cfg.AnonSalt = v
	}
	return nil
}

func (r *SecretResolver) secret(ctx context.Context, id string) (string, error) {
	if r.sm == nil {
		return "", errors.New("config: secrets manager client not configured")
	}
	out, err := r.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", id, err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value", id)
	}
	return *out.SecretString, nil
}

func (r *SecretResolver) parameter(ctx context.Context, name string) (string, error) {
	if r.ssm == nil {
		return "", errors.New("config: ssm client not configured")
	}
	out, err := r.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}
