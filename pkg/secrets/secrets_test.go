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

package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProviderPrefersMagnetPrefix(t *testing.T) {
	t.Setenv("MAGNET_SECRET_OPENAI_API_KEY", "sk-prefixed")
	t.Setenv("OPENAI_API_KEY", "sk-plain")

	v, err := EnvProvider{}.Get(context.Background(), NameOpenAIAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-prefixed", v)
}

func TestEnvProviderFallsBackToPlainName(t *testing.T) {
	t.Setenv("SMS_AUTH_TOKEN", "tok-123")

	v, err := EnvProvider{}.Get(context.Background(), NameSMSAuthToken)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", v)
}

func TestEnvProviderMissing(t *testing.T) {
	_, err := EnvProvider{}.Get(context.Background(), "definitely_not_set_anywhere")
	assert.Error(t, err)
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(map[string]string{NameSMSFromNumber: "+15550001234"})

	v, err := p.Get(context.Background(), NameSMSFromNumber)
	require.NoError(t, err)
	assert.Equal(t, "+15550001234", v)

	_, err = p.Get(context.Background(), NameSMSAccountSID)
	assert.Error(t, err)

	p.Set(NameSMSAccountSID, "AC123")
	v, err = p.Get(context.Background(), NameSMSAccountSID)
	require.NoError(t, err)
	assert.Equal(t, "AC123", v)
}

func TestToolSecretNames(t *testing.T) {
	t.Setenv("MAGNET_TOOL_SECRETS", "openai_api_key, firecrawl_api_key ,")
	assert.Equal(t, []string{"openai_api_key", "firecrawl_api_key"}, ToolSecretNames())

	t.Setenv("MAGNET_TOOL_SECRETS", "")
	assert.Nil(t, ToolSecretNames())
}

func TestMaskerMasksKnownValues(t *testing.T) {
	m := NewMasker()
	m.AddValue("sk-verysecret")

	assert.Equal(t, "key=***", m.Mask("key=sk-verysecret"))
	assert.Equal(t, "no secrets here", m.Mask("no secrets here"))
}

func TestMaskerAddFromEnv(t *testing.T) {
	m := NewMasker()
	m.AddFromEnv(map[string]string{
		"OPENAI_API_KEY": "sk-abc",
		"SMS_AUTH_TOKEN": "tok-def",
		"HOME":           "/home/user",
	})

	assert.Equal(t, "***", m.Mask("sk-abc"))
	assert.Equal(t, "***", m.Mask("tok-def"))
	assert.Equal(t, "/home/user", m.Mask("/home/user"))
}

func TestMaskerMaskMap(t *testing.T) {
	m := NewMasker()
	m.AddValue("sk-abc")

	masked := m.MaskMap(map[string]any{
		"command": "curl -H 'Authorization: Bearer sk-abc'",
		"nested":  map[string]any{"token": "sk-abc"},
		"list":    []any{"sk-abc", "clean"},
		"count":   3,
	})

	assert.Equal(t, "curl -H 'Authorization: Bearer ***'", masked["command"])
	assert.Equal(t, "***", masked["nested"].(map[string]any)["token"])
	assert.Equal(t, "***", masked["list"].([]any)[0])
	assert.Equal(t, "clean", masked["list"].([]any)[1])
}
