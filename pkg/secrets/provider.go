// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets resolves tenant credentials (provider API keys, SMS
// credentials, webhook signing keys) and masks them out of logs and
// tool-visible output.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Well-known secret names used across the worker.
const (
	// NameOpenAIAPIKey is the model provider API key.
	NameOpenAIAPIKey = "openai_api_key"
	// NameSMSAccountSID is the SMS gateway account identifier.
	NameSMSAccountSID = "sms_account_sid"
	// NameSMSAuthToken is the SMS gateway auth token.
	NameSMSAuthToken = "sms_auth_token"
	// NameSMSFromNumber is the SMS sender number.
	NameSMSFromNumber = "sms_from_number"
)

// Provider resolves named secrets. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Get returns the secret value for name, or an error when the secret
	// is not configured. Empty values are treated as not configured.
	Get(ctx context.Context, name string) (string, error)
}

// EnvProvider resolves secrets from the process environment. A secret
// "openai_api_key" resolves from MAGNET_SECRET_OPENAI_API_KEY first, then
// from OPENAI_API_KEY as a plain fallback.
type EnvProvider struct{}

var _ Provider = EnvProvider{}

// Get resolves the named secret from the environment.
func (EnvProvider) Get(ctx context.Context, name string) (string, error) {
	upper := strings.ToUpper(name)
	if v := os.Getenv("MAGNET_SECRET_" + upper); v != "" {
		return v, nil
	}
	if v := os.Getenv(upper); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %q is not configured", name)
}

// ToolSecretNames returns the secret names exposed to shell tool
// environments, from the comma-separated MAGNET_TOOL_SECRETS list.
func ToolSecretNames() []string {
	raw := os.Getenv("MAGNET_TOOL_SECRETS")
	if raw == "" {
		return nil
	}
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}

// StaticProvider serves secrets from a fixed map, for tests and local runs.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider creates a provider over the given values.
func NewStaticProvider(values map[string]string) *StaticProvider {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticProvider{values: copied}
}

// Get returns the secret value for name.
func (p *StaticProvider) Get(ctx context.Context, name string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.values[name]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %q is not configured", name)
}

// Set adds or replaces a secret value.
func (p *StaticProvider) Set(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[name] = value
}
