package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
)

func smsClient(t *testing.T, url string) *SMSClient {
	t.Helper()
	return NewSMSClient(config.SMSConfig{
		URL:            url,
		AccountSID:     "AC123",
		AuthToken:      "secret",
		FromNumber:     "+15550001111",
		StatusCallback: "https://grantradar.io/sms/status",
	}, zap.NewNop())
}

func TestSendSMS(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "AC123", user)
			assert.Equal(t, "secret", pass)

			require.NoError(t, r.ParseForm())
			assert.Equal(t, "+15550001111", r.PostForm.Get("From"))
			assert.Equal(t, "+15559998888", r.PostForm.Get("To"))
			assert.Equal(t, "https://grantradar.io/sms/status", r.PostForm.Get("StatusCallback"))

			w.Write([]byte(`{"sid":"SM123"}`))
		}))
		defer srv.Close()

		res, err := smsClient(t, srv.URL).SendSMS(context.Background(), SMSMessage{
			To: "+15559998888", Body: "GrantRadar: new match",
		})
		require.NoError(t, err)
		assert.Equal(t, "SM123", res.ProviderMessageID)
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("rejects oversized body without calling the provider", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		defer srv.Close()

		_, err := smsClient(t, srv.URL).SendSMS(context.Background(), SMSMessage{
			To: "+15559998888", Body: strings.Repeat("x", SMSMaxLen+1),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNonRetryable)
		assert.Zero(t, calls.Load())
	})

	t.Run("single attempt on provider error", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error_code":21211,"message":"invalid to number"}`))
		}))
		defer srv.Close()

		res, err := smsClient(t, srv.URL).SendSMS(context.Background(), SMSMessage{To: "bad", Body: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "21211")
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("error code with 2xx status still fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"sid":"SM1","error_code":30007,"message":"filtered"}`))
		}))
		defer srv.Close()

		_, err := smsClient(t, srv.URL).SendSMS(context.Background(), SMSMessage{To: "+1555", Body: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "30007")
	})

	t.Run("missing sid fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		_, err := smsClient(t, srv.URL).SendSMS(context.Background(), SMSMessage{To: "+1555", Body: "hi"})
		assert.Error(t, err)
	})
}

func TestTruncateTitle(t *testing.T) {
	t.Run("short titles pass through", func(t *testing.T) {
		assert.Equal(t, "Short title", TruncateTitle("Short title"))
	})

	t.Run("long titles are trimmed with ellipsis", func(t *testing.T) {
		long := strings.Repeat("a", 80)
		got := TruncateTitle(long)
		assert.Len(t, got, SMSTitleMaxLen)
		assert.True(t, strings.HasSuffix(got, "..."))
	})

	t.Run("exact limit is untouched", func(t *testing.T) {
		exact := strings.Repeat("a", SMSTitleMaxLen)
		assert.Equal(t, exact, TruncateTitle(exact))
	})

	t.Run("multi-byte characters are never split", func(t *testing.T) {
		long := strings.Repeat("é", 60)
		got := TruncateTitle(long)
		assert.True(t, utf8.ValidString(got))
		assert.LessOrEqual(t, len(got), SMSTitleMaxLen)
	})
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "abc", TruncateBytes("abc", 10))
	assert.Equal(t, "ab", TruncateBytes("abcd", 2))

	// "é" is two bytes; cutting at 3 must back off to the rune boundary.
	got := TruncateBytes("aéé", 3)
	assert.Equal(t, "aé", got)
	assert.True(t, utf8.ValidString(got))
}
