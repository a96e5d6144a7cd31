package http

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/authd"
	"github.com/atinyakov/keygate/internal/certgen"
	"github.com/atinyakov/keygate/internal/client/storage"
	"github.com/atinyakov/keygate/internal/middleware"
	"github.com/atinyakov/keygate/internal/models"
	"github.com/atinyakov/keygate/internal/session"
)

// remote serves a real Device over mutual TLS and returns a Client for it.
func remote(t *testing.T) (*authd.Device, *authd.Client) {
	t.Helper()
	log := zap.NewNop()
	ca, err := certgen.NewAuthority("keygate test CA")
	require.NoError(t, err)

	dev := authd.NewDevice(models.BiometricStrong, authd.Options{}, log)
	router := NewRouter(
		&PairingHandler{Issuer: ca, CAPEM: ca.CertPEM(), Log: log},
		&DeviceHandler{Platform: dev, Prompts: authd.NewBroker(dev, log), LongPoll: time.Second, Log: log},
		middleware.NewRateLimiter(1000, 1000),
		log,
	)

	srvCert, srvKey, err := ca.IssueServerCertificate("127.0.0.1")
	require.NoError(t, err)
	cert, err := tls.X509KeyPair(srvCert, srvKey)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)

	ts := httptest.NewUnstartedServer(router)
	ts.TLS = &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}
	ts.StartTLS()
	t.Cleanup(ts.Close)

	cliCert, cliKey, err := ca.IssueClientCertificate("notes-app")
	require.NoError(t, err)
	hc, err := storage.NewMTLSClient(cliCert, cliKey, ca.CertPEM())
	require.NoError(t, err)

	c := authd.NewClient(ts.URL+"/", hc, log)
	c.PollWait = 50 * time.Millisecond
	return dev, c
}

func waitPending(t *testing.T, dev *authd.Device) session.PromptRequest {
	t.Helper()
	var req session.PromptRequest
	require.Eventually(t, func() bool {
		var ok bool
		req, ok = dev.Pending()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return req
}

func TestClient_CapabilityAndEnrollment(t *testing.T) {
	ctx := context.Background()
	dev, c := remote(t)

	code, err := c.ProbeCapability(ctx, models.BiometricStrong)
	require.NoError(t, err)
	assert.Equal(t, models.CodeSuccess, code)

	code, err = c.ProbeCapability(ctx, models.DeviceCredential)
	require.NoError(t, err)
	assert.Equal(t, models.CodeNoneEnrolled, code)

	before, err := c.Enrollment(ctx)
	require.NoError(t, err)
	dev.Enroll(models.BiometricWeak)
	after, err := c.Enrollment(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, dev.Status().Enrolled, st.Enrolled)
	assert.Equal(t, after, st.Generation)
}

func TestClient_PromptApproved(t *testing.T) {
	ctx := context.Background()
	dev, c := remote(t)

	req := promptRequest()
	events, err := c.Authenticate(ctx, req)
	require.NoError(t, err)

	shown := waitPending(t, dev)
	assert.Equal(t, req.SessionID, shown.SessionID)
	assert.Equal(t, req.Copy, shown.Copy)

	// the prompt stays up across several long polls
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, dev.Resolve(req.SessionID, authd.ActionApprove))

	select {
	case ev := <-events:
		assert.Equal(t, session.EventSucceeded, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
}

func TestClient_PromptPending(t *testing.T) {
	dev, c := remote(t)
	// registered after the server so the poll stops before Close waits on it
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req := promptRequest()
	_, err := c.Authenticate(ctx, req)
	require.NoError(t, err)
	waitPending(t, dev)

	_, err = c.Authenticate(ctx, promptRequest())
	assert.ErrorIs(t, err, authd.ErrPromptPending)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Pending)
	assert.Equal(t, req.SessionID, *st.Pending)
}

func TestClient_SessionCancelDismissesPrompt(t *testing.T) {
	dev, c := remote(t)
	auth := session.NewAuthenticator(c, zap.NewNop())
	s, err := auth.Configure(models.StrongOnly(), models.EncryptPromptCopy())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Trigger(ctx, nil))
	waitPending(t, dev)
	cancel()

	out, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeErrored, out.Kind)
	assert.Equal(t, models.ErrCodeCanceled, out.Code)
	assert.ErrorIs(t, out.Err(), models.ErrAuthenticationCancelled)

	assert.Eventually(t, func() bool {
		_, pending := dev.Pending()
		return !pending
	}, 2*time.Second, 5*time.Millisecond, "DELETE dismisses the device prompt")
}

func TestClient_Unauthenticated(t *testing.T) {
	_, c := remote(t)
	// same server, no client certificate
	anon := authd.NewClient(c.BaseURL(), &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}, zap.NewNop())
	_, err := anon.Enrollment(context.Background())
	var se *authd.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 401, se.Code)
}
