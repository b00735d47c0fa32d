package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	"github.com/deckhand-dev/deckhand/internal/log"
)

// SecretsManagerAPI is the slice of the Secrets Manager client the provider
// needs, narrow so tests can fake it.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

var _ Provider = (*SecretsManager)(nil)

// SecretsManager resolves AWS Secrets Manager ARNs (and bare secret names
// via the awssm:// scheme) whose SecretString holds a flat JSON object.
type SecretsManager struct {
	api SecretsManagerAPI
}

func NewSecretsManager(cfg aws.Config) *SecretsManager {
	return &SecretsManager{api: secretsmanager.NewFromConfig(cfg)}
}

func NewSecretsManagerFromAPI(api SecretsManagerAPI) *SecretsManager {
	return &SecretsManager{api: api}
}

func (s *SecretsManager) Name() string { return "secretsmanager" }

func (s *SecretsManager) Handles(ref string) bool {
	return strings.HasPrefix(ref, "arn:aws:secretsmanager:") ||
		strings.HasPrefix(ref, "arn:aws-cn:secretsmanager:") ||
		strings.HasPrefix(ref, "arn:aws-us-gov:secretsmanager:") ||
		strings.HasPrefix(ref, "awssm://")
}

func (s *SecretsManager) Fetch(ctx context.Context, ref string) (map[string]string, error) {
	id := strings.TrimPrefix(ref, "awssm://")

	log.Debug(ctx, "fetching secret", "secret_id", id)

	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException" {
			return nil, fmt.Errorf("secret %s does not exist", id)
		}
		return nil, err
	}

	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s is binary, only JSON string secrets are supported", id)
	}

	values, err := decodeSecretJSON(*out.SecretString)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", id, err)
	}

	log.Debug(ctx, "fetched secret", "secret_id", id, "keys", Keys(values))

	return values, nil
}

// decodeSecretJSON decodes a flat JSON object into string values. Numbers
// and bools are stringified, since operators routinely store ports and flags
// unquoted. Nested values are rejected.
func decodeSecretJSON(raw string) (map[string]string, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var parsed map[string]any
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("secret value is not a JSON object: %w", err)
	}

	values := make(map[string]string, len(parsed))
	for k, v := range parsed {
		switch t := v.(type) {
		case string:
			values[k] = t
		case json.Number:
			values[k] = t.String()
		case bool:
			values[k] = strconv.FormatBool(t)
		case nil:
			values[k] = ""
		default:
			return nil, fmt.Errorf("key %q holds a nested value, only flat objects are supported", k)
		}
	}

	return values, nil
}
