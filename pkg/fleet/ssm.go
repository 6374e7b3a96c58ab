package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrParameterNotFound is returned by GetParameter when the parameter does
// not exist, as distinct from a transport or permission failure.
var ErrParameterNotFound = errors.New("parameter not found")

// SSMAPI is the subset of the SSM client the controller consumes.
type SSMAPI interface {
	PutParameter(ctx context.Context, input *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	GetParameter(ctx context.Context, input *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretStore writes per-instance registration secrets and reads plain
// parameters from SSM.
type SecretStore struct {
	ssm    SSMAPI
	logger *slog.Logger

	// TokenPath is the parameter prefix for registration secrets; the full
	// path for an instance is TokenPath/<instance-id>.
	TokenPath string
}

// NewSecretStore creates a SecretStore rooted at tokenPath.
func NewSecretStore(api SSMAPI, tokenPath string, logger *slog.Logger) *SecretStore {
	return &SecretStore{ssm: api, TokenPath: tokenPath, logger: logger}
}

// SecretPath returns the deterministic parameter path for an instance.
func (s *SecretStore) SecretPath(instanceID string) string {
	return s.TokenPath + "/" + instanceID
}

// PutRunnerSecret writes the registration secret for an instance as a
// secure string tagged with the instance id. The call does not set
// Overwrite, so it fails when a parameter already exists at the path; each
// instance id has its own path. The booting instance polls this path, so a
// secret written after launch is still picked up.
func (s *SecretStore) PutRunnerSecret(ctx context.Context, instanceID, value string) error {
	_, err := s.ssm.PutParameter(ctx, &ssm.PutParameterInput{
		Name:  aws.String(s.SecretPath(instanceID)),
		Value: aws.String(value),
		Type:  ssmtypes.ParameterTypeSecureString,
		Tags: []ssmtypes.Tag{
			{Key: aws.String("InstanceId"), Value: aws.String(instanceID)},
		},
	})
	if err != nil {
		return fmt.Errorf("writing runner secret for %s: %w", instanceID, err)
	}
	return nil
}

// PutParameter writes a plain string parameter at the given absolute path,
// overwriting any existing value.
func (s *SecretStore) PutParameter(ctx context.Context, name, value string) error {
	_, err := s.ssm.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("writing parameter %s: %w", name, err)
	}
	return nil
}

// GetParameter reads a parameter with decryption. A missing parameter
// returns ErrParameterNotFound.
func (s *SecretStore) GetParameter(ctx context.Context, name string) (string, error) {
	resp, err := s.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			return "", ErrParameterNotFound
		}
		return "", fmt.Errorf("reading parameter %s: %w", name, err)
	}
	return aws.ToString(resp.Parameter.Value), nil
}
