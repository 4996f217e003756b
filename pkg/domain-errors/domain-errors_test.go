package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// DomainErrorsSuite covers the error primitives used at every trust boundary:
// wrapped errors keep their original code and errors.Is matches by code.
type DomainErrorsSuite struct {
	suite.Suite
}

func TestDomainErrorsSuite(t *testing.T) {
	suite.Run(t, new(DomainErrorsSuite))
}

func (s *DomainErrorsSuite) TestErrorString() {
	s.Run("message wins over code", func() {
		err := &Error{Code: CodeNotFound, Message: "credential not found"}
		s.Equal("credential not found", err.Error())
	})

	s.Run("falls back to code", func() {
		err := &Error{Code: CodeInvalidGrant}
		s.Equal("invalid_grant", err.Error())
	})
}

func (s *DomainErrorsSuite) TestIsMatchesByCode() {
	s.Run("same code different message", func() {
		s.True(errors.Is(New(CodeNotFound, "grant not found"), New(CodeNotFound, "request not found")))
	})

	s.Run("different codes", func() {
		s.False(errors.Is(New(CodeNotFound, "x"), New(CodeConflict, "x")))
	})

	s.Run("through fmt wrapping", func() {
		err := fmt.Errorf("lookup: %w", New(CodeReplayDetected, "seen"))
		s.True(errors.Is(err, &Error{Code: CodeReplayDetected}))
	})
}

func (s *DomainErrorsSuite) TestWrap() {
	s.Run("preserves existing domain code", func() {
		wrapped := Wrap(New(CodeNotFound, "key not found"), CodeInternal, "sign failed")
		s.True(HasCode(wrapped, CodeNotFound))
		s.Equal("sign failed", wrapped.Error())
	})

	s.Run("applies code to plain errors", func() {
		root := errors.New("redis: connection refused")
		wrapped := Wrap(root, CodeUnavailable, "store unavailable")
		s.True(HasCode(wrapped, CodeUnavailable))
		s.True(errors.Is(wrapped, root))
	})
}

func (s *DomainErrorsSuite) TestField() {
	err := Field("credential_id", "is required")
	var de *Error
	s.Require().True(errors.As(err, &de))
	s.Equal(CodeValidation, de.Code)
	s.Equal("credential_id", de.Field)
	s.Equal("credential_id: is required", de.Error())
}

func (s *DomainErrorsSuite) TestCodeOf() {
	s.Equal(CodeUnsupportedGrantType, CodeOf(New(CodeUnsupportedGrantType, "nope")))
	s.Equal(CodeInternal, CodeOf(errors.New("boom")))
	s.False(HasCode(nil, CodeNotFound))
}
