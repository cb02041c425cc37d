/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"knative.dev/pkg/logging"
)

const (
	apiKeyPrefix    = "api_key_"
	apiKeyCacheTTL  = 30 * time.Second
	apiKeysCacheKey = "keys"

	// minFallbackTokenLength gates the non-strict development fallback.
	minFallbackTokenLength = 10
	fallbackPrincipal      = "api-user"
)

type principalKey struct{}

// Principal returns the authenticated identity stored by the auth middleware.
func Principal(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(string); ok {
		return p
	}
	return ""
}

type secretGetter interface {
	Get(ctx context.Context, name string) (map[string][]byte, error)
}

// Authenticator validates REST callers. Methods are tried in order: cluster
// TokenReview gated by the service-account allowlist, static API keys from
// the keys Secret, and, outside strict mode, an opaque development token.
type Authenticator struct {
	client     kubernetes.Interface
	secrets    secretGetter
	secretName string
	allowlist  func() []string
	strict     bool
	staticKey  string
	keys       *cache.Cache
}

func NewAuthenticator(client kubernetes.Interface, secrets secretGetter, secretName string, allowlist func() []string, strict bool, staticKey string) *Authenticator {
	return &Authenticator{
		client:     client,
		secrets:    secrets,
		secretName: secretName,
		allowlist:  allowlist,
		strict:     strict,
		staticKey:  staticKey,
		keys:       cache.New(apiKeyCacheTTL, 2*apiKeyCacheTTL),
	}
}

// errForbidden marks an authenticated-but-unauthorized caller; everything
// else is a 401.
var errForbidden = fmt.Errorf("service account not in allowlist")

// Authenticate resolves the bearer token to a principal name.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("missing bearer token")
	}
	if principal, err := a.tokenReview(ctx, token); err == nil {
		return principal, nil
	} else if err == errForbidden {
		return "", err
	}
	if principal, ok := a.matchAPIKey(ctx, token); ok {
		return principal, nil
	}
	if !a.strict && len(token) >= minFallbackTokenLength {
		logging.FromContext(ctx).Warnw("accepting opaque token via non-strict fallback")
		return fallbackPrincipal, nil
	}
	return "", fmt.Errorf("invalid token")
}

// tokenReview validates cluster service-account tokens. An authenticated
// identity outside the allowlist is rejected outright; the allowlist denies
// by default when empty.
func (a *Authenticator) tokenReview(ctx context.Context, token string) (string, error) {
	review, err := a.client.AuthenticationV1().TokenReviews().Create(ctx, &authenticationv1.TokenReview{
		Spec: authenticationv1.TokenReviewSpec{Token: token},
	}, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("token review, %w", err)
	}
	if !review.Status.Authenticated {
		return "", fmt.Errorf("token not authenticated")
	}
	username := review.Status.User.Username
	if !lo.Contains(a.allowlist(), username) {
		return "", errForbidden
	}
	return username, nil
}

// matchAPIKey compares the token against the api_key_* entries of the keys
// Secret, caching them briefly and re-reading once on a miss so freshly
// rotated keys work immediately.
func (a *Authenticator) matchAPIKey(ctx context.Context, token string) (string, bool) {
	if a.staticKey != "" && token == a.staticKey {
		return fallbackPrincipal, true
	}
	keys, cached := a.cachedKeys(ctx, false)
	if principal, ok := keys[token]; ok {
		return principal, true
	}
	if cached {
		if keys, _ := a.cachedKeys(ctx, true); keys != nil {
			principal, ok := keys[token]
			return principal, ok
		}
	}
	return "", false
}

func (a *Authenticator) cachedKeys(ctx context.Context, force bool) (map[string]string, bool) {
	if !force {
		if cached, ok := a.keys.Get(apiKeysCacheKey); ok {
			return cached.(map[string]string), true
		}
	}
	data, err := a.secrets.Get(ctx, a.secretName)
	if err != nil {
		logging.FromContext(ctx).Warnf("reading api keys secret, %s", err)
		return nil, false
	}
	keys := map[string]string{}
	for name, value := range data {
		if strings.HasPrefix(name, apiKeyPrefix) {
			keys[string(value)] = strings.TrimPrefix(name, apiKeyPrefix)
		}
	}
	a.keys.SetDefault(apiKeysCacheKey, keys)
	return keys, false
}

// middleware enforces authentication on the API routes.
func (a *Authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		principal, err := a.Authenticate(r.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			if err == errForbidden {
				status = http.StatusForbidden
			}
			writeError(w, status, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}
