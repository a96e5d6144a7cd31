// Package http provides the HTTP face of authd: pairing, capability and
// enrollment queries, and remote prompts.
package http

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/authd"
)

// CertificateIssuer signs client certificates for new clients.
type CertificateIssuer interface {
	// IssueClientCertificate returns a PEM certificate and key for commonName.
	IssueClientCertificate(commonName string) ([]byte, []byte, error)
}

// PairingHandler hands out client certificates.
type PairingHandler struct {
	// Issuer signs the client certificate.
	Issuer CertificateIssuer
	// CAPEM is returned to the client so it can verify authd.
	CAPEM []byte
	Log   *zap.Logger
}

// Pair handles POST /api/pair. It expects a JSON body with a client name
// and responds with a certificate whose Common Name is that name.
func (h *PairingHandler) Pair(w http.ResponseWriter, r *http.Request) {
	var req authd.PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := authd.Validate(req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	certPEM, keyPEM, err := h.Issuer.IssueClientCertificate(req.Name)
	if err != nil {
		h.Log.Error("issue client certificate", zap.String("name", req.Name), zap.Error(err))
		http.Error(w, "failed to generate certificate", http.StatusInternalServerError)
		return
	}
	h.Log.Info("client paired", zap.String("name", req.Name))

	writeJSON(w, http.StatusOK, authd.PairResponse{
		Cert: string(certPEM),
		Key:  string(keyPEM),
		CA:   string(h.CAPEM),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
