package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// Authenticator attaches credentials to an outgoing request. body is the
// exact payload the request will carry; signing schemes need it to compute
// a payload hash.
type Authenticator interface {
	Apply(req *http.Request, body []byte) error
}

// BasicAuth authenticates with a static username/password pair, as read
// from the PROV_CREDENTIALS environment envelope.
type BasicAuth struct {
	Username string
	Password string
}

func (a *BasicAuth) Apply(req *http.Request, _ []byte) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// NoAuth sends requests unauthenticated, for local development clusters.
type NoAuth struct{}

func (NoAuth) Apply(*http.Request, []byte) error { return nil }

// SigV4Auth signs each request with AWS Signature V4, for serverless
// collections fronted by IAM. Credentials are retrieved from the provider
// on every request: assumed-role credentials rotate, so the auth header
// must never be cached across requests.
type SigV4Auth struct {
	Credentials aws.CredentialsProvider
	Region      string
	Service     string

	signer *v4.Signer
}

// NewSigV4Auth returns a signer for the given credentials provider.
// service is "aoss" for serverless collections and "es" for managed
// domains.
func NewSigV4Auth(credentials aws.CredentialsProvider, region, service string) *SigV4Auth {
	return &SigV4Auth{
		Credentials: credentials,
		Region:      region,
		Service:     service,
		signer:      v4.NewSigner(),
	}
}

func (a *SigV4Auth) Apply(req *http.Request, body []byte) error {
	creds, err := a.Credentials.Retrieve(req.Context())
	if err != nil {
		return err
	}
	payloadHash := sha256.Sum256(body)
	return a.signer.SignHTTP(req.Context(), creds, req,
		hex.EncodeToString(payloadHash[:]), a.Service, a.Region, time.Now())
}
