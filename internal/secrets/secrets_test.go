package secrets

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSM struct {
	value  *string
	binary []byte
}

func (f *fakeSM) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return &secretsmanager.GetSecretValueOutput{
		SecretString: f.value,
		SecretBinary: f.binary,
	}, nil
}

func TestSecretsManagerFetch(t *testing.T) {
	sm := NewSecretsManagerFromAPI(&fakeSM{
		value: aws.String(`{"DB_HOST": "db.internal", "DB_PORT": 5432, "TLS": true, "EMPTY": null}`),
	})

	values, err := sm.Fetch(context.Background(), "arn:aws:secretsmanager:us-east-1:123456789012:secret:webapp/prod")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"DB_HOST": "db.internal",
		"DB_PORT": "5432",
		"TLS":     "true",
		"EMPTY":   "",
	}, values)
}

func TestSecretsManagerRejectsBinary(t *testing.T) {
	sm := NewSecretsManagerFromAPI(&fakeSM{binary: []byte{0x1}})

	_, err := sm.Fetch(context.Background(), "awssm://webapp/prod")
	require.ErrorContains(t, err, "binary")
}

func TestSecretsManagerRejectsNested(t *testing.T) {
	sm := NewSecretsManagerFromAPI(&fakeSM{
		value: aws.String(`{"DB": {"HOST": "db.internal"}}`),
	})

	_, err := sm.Fetch(context.Background(), "awssm://webapp/prod")
	require.ErrorContains(t, err, "nested")
}

func TestSecretsManagerRejectsNonObject(t *testing.T) {
	sm := NewSecretsManagerFromAPI(&fakeSM{value: aws.String(`"just-a-string"`)})

	_, err := sm.Fetch(context.Background(), "awssm://webapp/prod")
	require.ErrorContains(t, err, "not a JSON object")
}

func TestSelect(t *testing.T) {
	values := map[string]string{
		"DB_HOST":     "db.internal",
		"DB_USER":     "app",
		"DB_PASSWORD": "hunter2",
	}

	// No keys selects everything
	all, err := Select(values, nil)
	require.NoError(t, err)
	assert.Equal(t, values, all)

	subset, err := Select(values, []string{"DB_HOST", "DB_USER"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"DB_HOST": "db.internal",
		"DB_USER": "app",
	}, subset)

	_, err = Select(values, []string{"DB_HOST", "MISSING_A", "MISSING_B"})
	require.ErrorContains(t, err, "missing required keys")
	require.ErrorContains(t, err, "MISSING_A")
	require.ErrorContains(t, err, "MISSING_B")
}

func TestEnvProvider(t *testing.T) {
	env := &Env{environ: func() []string {
		return []string{
			"MYAPP_DB_HOST=localhost",
			"MYAPP_DB_USER=dev",
			"OTHER=ignored",
		}
	}}

	values, err := env.Fetch(context.Background(), "env://MYAPP_")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"DB_HOST": "localhost",
		"DB_USER": "dev",
	}, values)

	// Without a prefix everything comes through untouched
	values, err = env.Fetch(context.Background(), "env://")
	require.NoError(t, err)
	assert.Equal(t, "ignored", values["OTHER"])
}

func TestResolverDispatch(t *testing.T) {
	r := NewResolver(
		NewEnv(),
		NewSecretsManagerFromAPI(&fakeSM{value: aws.String(`{"KEY": "value"}`)}),
	)

	values, err := r.Fetch(context.Background(), "arn:aws:secretsmanager:us-east-1:123456789012:secret:webapp/prod")
	require.NoError(t, err)
	assert.Equal(t, "value", values["KEY"])

	_, err = r.Fetch(context.Background(), "vault://nope")
	require.ErrorContains(t, err, "no secret provider handles")
}
