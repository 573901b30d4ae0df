package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/creditledger-backend/pkg/errors"
)

type adjustBody struct {
	Amount string `json:"amount" validate:"required,credits"`
	Reason string `json:"reason" validate:"required,notblank,max=10"`
}

func decode(t *testing.T, body string) (adjustBody, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	var dest adjustBody
	err := DecodeJSONBody(req, &dest)
	return dest, err
}

func TestDecodeJSONBodyAcceptsValidPayload(t *testing.T) {
	dest, err := decode(t, `{"amount":"-12.5","reason":"refund"}`)
	require.NoError(t, err)
	require.Equal(t, "-12.5", dest.Amount)
}

func TestDecodeJSONBodyFieldErrors(t *testing.T) {
	cases := map[string]struct {
		body  string
		field string
		msg   string
	}{
		"exponent":  {`{"amount":"1e3","reason":"x"}`, "amount", "must be a decimal string"},
		"word":      {`{"amount":"ten","reason":"x"}`, "amount", "must be a decimal string"},
		"blank":     {`{"amount":"1","reason":"   "}`, "reason", "is required"},
		"too long":  {`{"amount":"1","reason":"far too long reason"}`, "reason", "must be at most 10"},
		"no amount": {`{"reason":"x"}`, "amount", "is required"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decode(t, tc.body)
			typed := pkgerrors.As(err)
			require.NotNil(t, typed)
			require.Equal(t, pkgerrors.CodeValidation, typed.Code())
			details, ok := typed.Details().(map[string]string)
			require.True(t, ok)
			require.Equal(t, tc.msg, details[tc.field])
		})
	}
}

func TestDecodeJSONBodyRejectsMalformedInput(t *testing.T) {
	for _, body := range []string{
		`{"amount":"1","reason":"x","extra":true}`,
		`{"amount":"1","reason":"x"}{"amount":"2"}`,
		`not json`,
		`{"amount":"1","reason":"` + strings.Repeat("a", MaxBodyBytes) + `"}`,
	} {
		_, err := decode(t, body)
		require.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
	}
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=20&bad=x&big=500", nil)

	v, err := ParseQueryInt(req, "limit", 50, 1, 100)
	require.NoError(t, err)
	require.Equal(t, 20, v)

	v, err = ParseQueryInt(req, "missing", 50, 1, 100)
	require.NoError(t, err)
	require.Equal(t, 50, v)

	_, err = ParseQueryInt(req, "bad", 50, 1, 100)
	require.Error(t, err)
	_, err = ParseQueryInt(req, "big", 50, 1, 100)
	require.Error(t, err)
}

func TestParseQueryTime(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?from=2026-03-01T02:00:00%2B02:00&bad=yesterday", nil)

	v, ok, err := ParseQueryTime(req, "from")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), v)

	_, ok, err = ParseQueryTime(req, "to")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = ParseQueryTime(req, "bad")
	require.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}
