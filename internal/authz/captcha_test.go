package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptchaService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("secret") != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("response") == "good" {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	svc := NewCaptchaService(srv.URL, "s3cret")
	ok, err := svc.VerifyCaptcha(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.VerifyCaptcha(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewCaptchaService(srv.URL, "wrong").VerifyCaptcha(context.Background(), "good")
	assert.Error(t, err)
}
