package pki

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/crypto/ssh"
)

// ParameterAPI is the subset of the SSM client used to load CA keys.
type ParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSSMSigner loads a CA private key stored as a SecureString parameter.
func LoadSSMSigner(ctx context.Context, client ParameterAPI, name string) (ssh.Signer, error) {
	value, err := getParameter(ctx, client, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA key from SSM: %w", err)
	}
	return ParsePrivateKey([]byte(value))
}

// getParameter fetches a decrypted parameter from SSM
func getParameter(ctx context.Context, client ParameterAPI, name string) (string, error) {
	output, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *output.Parameter.Value, nil
}
