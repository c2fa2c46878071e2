package address

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMailParams(t *testing.T) {
	p, err := ParseMailParams(" BODY=8bitmime SIZE=1024 ENVID=abc+2Bdef RET=hdrs")
	require.NoError(t, err)
	assert.Equal(t, Body8BitMIME, p.Body)
	assert.Equal(t, int64(1024), p.Size)
	assert.Equal(t, "abc+def", p.EnvID)
	assert.Equal(t, "HDRS", p.Ret)
	assert.Equal(t, " BODY=8BITMIME SIZE=1024 ENVID=abc+2Bdef RET=HDRS", p.String())

	empty, err := ParseMailParams("")
	require.NoError(t, err)
	assert.Equal(t, "", empty.String())
}

func TestParseMailParamsErrors(t *testing.T) {
	tests := []struct {
		input string
		kind  error
	}{
		{"SIZE=abc", ErrBadSyntax},
		{"SIZE=1 SIZE=2", ErrBadSyntax},
		{"BODY=OTHER", ErrBadSyntax},
		{"BODY=BINARYMIME", ErrNotSupported},
		{"SMTPUTF8", ErrNotSupported},
		{"RET=SOME", ErrBadSyntax},
		{"ENVID=", ErrBadSyntax},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseMailParams(tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestParseRcptParams(t *testing.T) {
	p, err := ParseRcptParams(" NOTIFY=SUCCESS,FAILURE ORCPT=rfc822;orig+2Bx@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"SUCCESS", "FAILURE"}, p.Notify)
	require.NotNil(t, p.ORCPT)
	assert.Equal(t, Address{"orig+x", "example.com"}, *p.ORCPT)
	assert.Equal(t, " NOTIFY=SUCCESS,FAILURE ORCPT=rfc822;orig+2Bx@example.com", p.String())

	p, err = ParseRcptParams("ORCPT=x-other;whatever")
	require.NoError(t, err)
	assert.Nil(t, p.ORCPT)
	assert.Equal(t, "x-other;whatever", p.ORCPTRaw)
}

func TestParseRcptParamsErrors(t *testing.T) {
	_, err := ParseRcptParams("NOTIFY=NEVER,SUCCESS")
	assert.True(t, errors.Is(err, ErrBadSyntax))

	_, err = ParseRcptParams("ORCPT=rfc822")
	assert.True(t, errors.Is(err, ErrBadSyntax))

	_, err = ParseRcptParams("ORCPT=rfc822;not an address")
	assert.True(t, errors.Is(err, ErrBadSyntax))

	_, err = ParseRcptParams("XFORWARD=1")
	assert.True(t, errors.Is(err, ErrNotSupported))
}

func TestXtext(t *testing.T) {
	decoded, err := DecodeXtext("a+2Bb+3Dc")
	require.NoError(t, err)
	assert.Equal(t, "a+b=c", decoded)
	assert.Equal(t, "a+2Bb+3Dc", EncodeXtext("a+b=c"))

	_, err = DecodeXtext("a+2")
	assert.Error(t, err)
	_, err = DecodeXtext("a+zz")
	assert.Error(t, err)
}
