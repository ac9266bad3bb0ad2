package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinor(t *testing.T) {
	cases := map[string]int64{
		"100":    10000,
		"12.5":   1250,
		"0.01":   1,
		"999.99": 99999,
	}
	for in, want := range cases {
		got, err := ParseMinor(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMinor("1.005")
	assert.ErrorIs(t, err, ErrAmountPrecision)

	_, err = ParseMinor("abc")
	assert.Error(t, err)
}

func TestFormatMinor(t *testing.T) {
	assert.Equal(t, "0.01", FormatMinor(1))
	assert.Equal(t, "100.00", FormatMinor(10000))
	assert.Equal(t, "-5.50", FormatMinor(-550))
}

func TestValidatePayin(t *testing.T) {
	ok := CreatePayinRequest{Vendor: "acme", PayerHandle: "payer-1", Amount: "10.00"}
	assert.NoError(t, Validate(ok))

	bad := ok
	bad.Amount = "-1"
	assert.Error(t, Validate(bad))

	bad = ok
	bad.Amount = "0.001"
	assert.Error(t, Validate(bad))

	bad = ok
	bad.Vendor = ""
	assert.Error(t, Validate(bad))

	bad = ok
	bad.CallbackURL = "not a url"
	assert.Error(t, Validate(bad))
}

func TestValidateEvidenceSource(t *testing.T) {
	req := SubmitEvidenceRequest{PayinRef: "p", Amount: "1", EvidenceRef: "e", Source: "ocr"}
	assert.NoError(t, Validate(req))
	req.Source = "fax"
	assert.Error(t, Validate(req))
}
