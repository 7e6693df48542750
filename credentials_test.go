package metabase

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialRenderingIsRedacted(t *testing.T) {
	creds := []Credential{
		NewEmailPassword("alice@example.com", "hunter2"),
		NewAPIKey("mb_supersecret"),
	}

	for _, cred := range creds {
		t.Run(cred.Kind(), func(t *testing.T) {
			for _, verb := range []string{"%v", "%+v", "%#v", "%s"} {
				out := fmt.Sprintf(verb, cred)
				assert.NotContains(t, out, "hunter2", verb)
				assert.NotContains(t, out, "mb_supersecret", verb)
				assert.Contains(t, out, redacted, verb)
			}

			raw, err := json.Marshal(cred)
			require.NoError(t, err)
			assert.NotContains(t, string(raw), "hunter2")
			assert.NotContains(t, string(raw), "mb_supersecret")
		})
	}
}

func TestEmailPasswordLoginBody(t *testing.T) {
	cred := NewEmailPassword("bob@example.com", "p\"a\\ss\n\x01é")
	body := cred.loginBody()

	var decoded struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "bob@example.com", decoded.Username)
	assert.Equal(t, "p\"a\\ss\n\x01é", decoded.Password)
}

func TestCredentialDestroy(t *testing.T) {
	cred := NewEmailPassword("a@b.c", "secret")
	buf := cred.password
	require.False(t, cred.destroyed())

	cred.Destroy()
	assert.True(t, cred.destroyed())
	assert.Equal(t, make([]byte, len(buf)), buf)

	key := NewAPIKey("k")
	clone := key.clone()
	key.Destroy()
	assert.True(t, key.destroyed())
	assert.False(t, clone.destroyed(), "clones own their secret")
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***@example.com", maskEmail("alice@example.com"))
	assert.Equal(t, "***", maskEmail("no-at-sign"))
	assert.Equal(t, "***", maskEmail("@example.com"))
	assert.Equal(t, "", maskEmail(""))
}
