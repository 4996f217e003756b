package canonical

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type CanonicalSuite struct {
	suite.Suite
}

func TestCanonicalSuite(t *testing.T) {
	suite.Run(t, new(CanonicalSuite))
}

func (s *CanonicalSuite) TestStrictIsOrderIndependent() {
	s.Run("go maps", func() {
		a := map[string]any{"b": 1, "a": map[string]any{"y": true, "x": []any{"p", "q"}}}
		b := map[string]any{"a": map[string]any{"x": []any{"p", "q"}, "y": true}, "b": 1}

		ha, err := HashStrict(a)
		s.Require().NoError(err)
		hb, err := HashStrict(b)
		s.Require().NoError(err)
		s.Equal(ha, hb)
	})

	s.Run("raw json with nested reordering", func() {
		a := []byte(`{"degree":"B.Tech","meta":{"school":"IIT","year":2020},"score":9.1}`)
		b := []byte(`{"score":9.1,"meta":{"year":2020,"school":"IIT"},"degree":"B.Tech"}`)

		ha, err := Hash(a, SHA256, ModeStrict)
		s.Require().NoError(err)
		hb, err := Hash(b, SHA256, ModeStrict)
		s.Require().NoError(err)
		s.Equal(ha, hb)
	})

	s.Run("array order is preserved", func() {
		ha, _ := HashStrict([]any{1, 2})
		hb, _ := HashStrict([]any{2, 1})
		s.NotEqual(ha, hb)
	})
}

func (s *CanonicalSuite) TestCanonicalForm() {
	out, err := Canonicalize(map[string]any{
		"z":    "<b>",
		"a":    []any{1.5, int64(2), nil, false},
		"m":    map[string]string{"k": "v"},
		"big":  1e21,
		"tiny": 1e-7,
		"neg0": math.Copysign(0, -1),
	}, ModeStrict)
	s.Require().NoError(err)
	s.Equal(`{"a":[1.5,2,null,false],"big":1e+21,"m":{"k":"v"},"neg0":0,"tiny":1e-7,"z":"<b>"}`, out)
}

func (s *CanonicalSuite) TestJSONNumbers() {
	out, err := Canonicalize([]byte(`{"n":1.50,"i":12345678901234567890,"e":1E3,"z":-0}`), ModeStrict)
	s.Require().NoError(err)
	s.Equal(`{"e":1000,"i":12345678901234567890,"n":1.5,"z":0}`, out)
}

func (s *CanonicalSuite) TestStrictRejectsNonPlainValues() {
	type degree struct{ Name string }

	cases := map[string]any{
		"nan":         map[string]any{"score": math.NaN()},
		"infinity":    map[string]any{"score": math.Inf(1)},
		"neg inf":     []any{math.Inf(-1)},
		"time":        map[string]any{"issued": time.Now()},
		"time ptr":    map[string]any{"issued": &time.Time{}},
		"struct":      map[string]any{"degree": degree{Name: "B.Tech"}},
		"func":        map[string]any{"f": func() {}},
		"bytes":       map[string]any{"raw": []byte{1, 2}},
		"int map key": map[int]string{1: "a"},
	}
	for name, value := range cases {
		s.Run(name, func() {
			_, err := Canonicalize(value, ModeStrict)
			var cErr *Error
			s.Require().True(errors.As(err, &cErr), "expected *canonical.Error, got %v", err)
		})
	}

	s.Run("error carries path", func() {
		_, err := Canonicalize(map[string]any{"a": []any{1, math.NaN()}}, ModeStrict)
		var cErr *Error
		s.Require().True(errors.As(err, &cErr))
		s.Equal("/a/1", cErr.Path)
	})
}

func (s *CanonicalSuite) TestStrictAndLegacyDiverge() {
	// nested keys out of order
	payload := []byte(`{"b":{"y":1,"x":2},"a":1}`)

	strict, err := Hash(payload, SHA256, ModeStrict)
	s.Require().NoError(err)
	legacy, err := HashLegacy(payload, SHA256)
	s.Require().NoError(err)
	s.NotEqual(strict, legacy)

	legacyForm, err := Canonicalize(payload, ModeLegacy)
	s.Require().NoError(err)
	s.Equal(`{"a":1,"b":{"y":1,"x":2}}`, legacyForm)

	s.Run("legacy is sensitive to nested order", func() {
		other, err := HashLegacy([]byte(`{"a":1,"b":{"x":2,"y":1}}`), SHA256)
		s.Require().NoError(err)
		s.NotEqual(legacy, other)
	})
}

func (s *CanonicalSuite) TestAlgorithms() {
	value := map[string]any{"credential_id": "abc"}

	sha, err := Hash(value, SHA256, ModeStrict)
	s.Require().NoError(err)
	s.Len(sha, 64)

	keccak, err := Hash(value, Keccak256, ModeStrict)
	s.Require().NoError(err)
	s.True(strings.HasPrefix(keccak, "0x"))
	s.Len(keccak, 66)
	s.NotEqual(sha, strings.TrimPrefix(keccak, "0x"))

	_, err = Hash(value, Algorithm("md5"), ModeStrict)
	s.ErrorIs(err, ErrUnsupportedAlgorithm)

	_, err = Canonicalize(value, Mode("loose"))
	s.ErrorIs(err, ErrUnsupportedMode)
}

func (s *CanonicalSuite) TestVerifyDigest() {
	payload := json.RawMessage(`{"b":{"y":1,"x":2},"a":1}`)
	strict, _ := Hash(payload, SHA256, ModeStrict)
	legacy, _ := HashLegacy(payload, SHA256)

	mode, ok, err := VerifyDigest(payload, SHA256, strict)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(ModeStrict, mode)

	mode, ok, err = VerifyDigest(payload, SHA256, strings.ToUpper(legacy))
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(ModeLegacy, mode)

	_, ok, err = VerifyDigest(payload, SHA256, strings.Repeat("0", 64))
	s.Require().NoError(err)
	s.False(ok)
}
