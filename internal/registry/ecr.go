// registry resolves credentials for image registries. ECR hosts are handled
// with short-lived tokens from the ECR API, everything else falls through to
// the default docker keychain.
package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/smithy-go"
	"github.com/google/go-containerregistry/pkg/authn"

	"github.com/deckhand-dev/deckhand/internal/log"
)

// ECR authorization tokens are valid for 12 hours. Refresh a little early so
// a token never expires mid-deploy.
const tokenRefreshSkew = 30 * time.Minute

// Matches standard, GovCloud and China partition ECR registry hosts.
var ecrHost = regexp.MustCompile(`^\d{12}\.dkr\.ecr(-fips)?\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// ECRAPI is the slice of the ECR client the keychain needs.
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

var _ authn.Keychain = (*Keychain)(nil)

// Keychain implements authn.Keychain backed by the ECR API, so the engine
// pull path and the remote digest checks share one credential source.
type Keychain struct {
	ctx      context.Context
	api      ECRAPI
	fallback authn.Keychain

	mu    sync.Mutex
	token *authorization
}

type authorization struct {
	username string
	password string
	expires  time.Time
}

func NewKeychain(ctx context.Context, cfg aws.Config) *Keychain {
	return NewKeychainFromAPI(ctx, ecr.NewFromConfig(cfg))
}

func NewKeychainFromAPI(ctx context.Context, api ECRAPI) *Keychain {
	return &Keychain{
		ctx:      ctx,
		api:      api,
		fallback: authn.DefaultKeychain,
	}
}

// IsECR reports whether host is an ECR registry endpoint.
func IsECR(host string) bool {
	return ecrHost.MatchString(host)
}

// Resolve implements authn.Keychain.
func (k *Keychain) Resolve(target authn.Resource) (authn.Authenticator, error) {
	if !IsECR(target.RegistryStr()) {
		return k.fallback.Resolve(target)
	}

	auth, err := k.authorize(k.ctx)
	if err != nil {
		return nil, err
	}

	return authn.FromConfig(authn.AuthConfig{
		Username: auth.username,
		Password: auth.password,
	}), nil
}

func (k *Keychain) authorize(ctx context.Context) (*authorization, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.token != nil && time.Now().Before(k.token.expires.Add(-tokenRefreshSkew)) {
		return k.token, nil
	}

	log.Debug(ctx, "requesting new ECR authorization token")

	out, err := k.api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("ECR authorization failed (%s): %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return nil, fmt.Errorf("getting ECR authorization token: %w", err)
	}

	if len(out.AuthorizationData) == 0 {
		return nil, fmt.Errorf("ECR returned no authorization data")
	}

	data := out.AuthorizationData[0]
	if data.AuthorizationToken == nil {
		return nil, fmt.Errorf("ECR returned an empty authorization token")
	}

	raw, err := base64.StdEncoding.DecodeString(*data.AuthorizationToken)
	if err != nil {
		return nil, fmt.Errorf("decoding ECR authorization token: %w", err)
	}

	username, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, fmt.Errorf("malformed ECR authorization token")
	}

	expires := time.Now().Add(12 * time.Hour)
	if data.ExpiresAt != nil {
		expires = *data.ExpiresAt
	}

	k.token = &authorization{
		username: username,
		password: password,
		expires:  expires,
	}

	return k.token, nil
}
