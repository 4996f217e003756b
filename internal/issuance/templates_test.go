package issuance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credtrust/internal/credential"
	dErrors "credtrust/pkg/domain-errors"
)

func TestNewTemplates(t *testing.T) {
	tpls, err := NewTemplates(Template{ID: "Badge", Types: []string{"OpenBadgeCredential"}})
	require.NoError(t, err)

	tpl, ok := tpls.Get("Badge")
	require.True(t, ok)
	assert.Equal(t, []string{"VerifiableCredential", "OpenBadgeCredential"}, tpl.Types)
	assert.Equal(t, "OpenBadgeCredential", tpl.VCT)
	assert.Equal(t, credential.FormatJWTVC, tpl.DefaultFormat)
	assert.NoError(t, tpls.Validate("Badge", map[string]any{"anything": true}))

	_, err = NewTemplates(Template{ID: "A"}, Template{ID: "A"})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewTemplates(Template{ID: "A", DefaultFormat: "ldp_vc"})
	assert.ErrorContains(t, err, "unsupported default format")

	_, err = NewTemplates(Template{ID: "A", Schema: json.RawMessage(`{"type": 12}`)})
	assert.Error(t, err)
}

func TestTemplatesValidate(t *testing.T) {
	tpls, err := NewTemplates(DefaultTemplates()...)
	require.NoError(t, err)

	assert.NoError(t, tpls.Validate("UniversityDegreeCredential", map[string]any{"degree": "B.Tech", "score": 9}))

	err = tpls.Validate("UniversityDegreeCredential", map[string]any{"degree": ""})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	err = tpls.Validate("EmploymentCredential", map[string]any{"employer": "Acme"})
	assert.ErrorContains(t, err, "credential_data")
}

func TestLoadTemplates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "Membership", "types": ["MembershipCredential"], "default_format": "sd-jwt-vc", "validity_days": 30}
	]`), 0o600))

	tpls, err := LoadTemplates(path)
	require.NoError(t, err)
	all := tpls.All()
	require.Len(t, all, 1)
	assert.Equal(t, credential.FormatSDJWTVC, all[0].DefaultFormat)
	assert.Equal(t, 30, all[0].ValidityDays)

	_, err = LoadTemplates(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
