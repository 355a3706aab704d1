/*
 * Copyright 2026 Overmesh, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package controller

import (
	"context"
	"errors"

	"github.com/overmesh/merang/pkg/models"
)

// ErrUnauthorized rejects a credential no authenticator recognizes.
var ErrUnauthorized = errors.New("device credential rejected")

// Authenticator resolves a device's opaque credential to the tenant it
// belongs to. Credential issuance and rotation live outside this core.
type Authenticator interface {
	Authenticate(ctx context.Context, auth models.AuthData) (tenantID string, err error)
}

// StaticTokenAuthenticator maps pre-shared tokens to tenant identifiers.
// It backs single-node deployments and tests.
type StaticTokenAuthenticator struct {
	tokens map[string]string
}

// NewStaticTokenAuthenticator builds an authenticator over a token ->
// tenant map. The map is copied; later caller mutations are invisible.
func NewStaticTokenAuthenticator(tokens map[string]string) *StaticTokenAuthenticator {
	owned := make(map[string]string, len(tokens))
	for token, tenant := range tokens {
		owned[token] = tenant
	}

	return &StaticTokenAuthenticator{tokens: owned}
}

// Authenticate resolves the token or rejects the request.
func (a *StaticTokenAuthenticator) Authenticate(_ context.Context, auth models.AuthData) (string, error) {
	if auth.Token == "" {
		return "", ErrUnauthorized
	}

	tenant, ok := a.tokens[auth.Token]
	if !ok {
		return "", ErrUnauthorized
	}

	return tenant, nil
}

// AllowAllAuthenticator accepts every credential and assigns a fixed
// tenant. Development mode only.
type AllowAllAuthenticator struct {
	TenantID string
}

// Authenticate accepts unconditionally.
func (a AllowAllAuthenticator) Authenticate(context.Context, models.AuthData) (string, error) {
	return a.TenantID, nil
}
