package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// emptyPayloadHash is the SHA-256 of an empty body, precomputed because
// GET health probes carry no payload.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// SigV4Config configures request signing for agents deployed behind AWS
// endpoints (API Gateway, Lambda function URLs).
type SigV4Config struct {
	// Service is the AWS service name to sign for (e.g.,
	// "execute-api", "lambda", required)
	Service string

	// Region is the AWS region (required)
	Region string

	// Profile selects a shared-config profile. Empty uses the default
	// credential chain.
	Profile string

	// Timeout bounds each request (default 120s)
	Timeout time.Duration
}

// Validate checks the configuration is complete.
func (c *SigV4Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("service is required for sigv4 transport")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required for sigv4 transport")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// NewSigV4Client returns an HTTP client whose requests carry AWS
// Signature Version 4 authentication from the default credential chain.
// Credentials are verified once against STS before the client is handed
// out, so bad credentials surface here and not mid-run.
func NewSigV4Client(ctx context.Context, cfg SigV4Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(verifyCtx, &sts.GetCallerIdentityInput{}); err != nil {
		return nil, fmt.Errorf("AWS credential validation failed: %w", err)
	}

	rt := &sigv4RoundTripper{
		service:  cfg.Service,
		region:   cfg.Region,
		provider: awsCfg.Credentials,
		signer:   v4.NewSigner(),
		base:     http.DefaultTransport,
	}
	return newClient(cfg.Timeout, rt), nil
}

// sigv4RoundTripper signs each outgoing request. Credentials from the
// provider chain are cached for at most an hour.
type sigv4RoundTripper struct {
	service  string
	region   string
	provider aws.CredentialsProvider
	signer   *v4.Signer
	base     http.RoundTripper

	mu     sync.Mutex
	creds  aws.Credentials
	expiry time.Time
}

func (t *sigv4RoundTripper) credentials(ctx context.Context) (aws.Credentials, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.expiry.IsZero() && time.Now().Before(t.expiry) {
		return t.creds, nil
	}
	creds, err := t.provider.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("unable to resolve AWS credentials: %w", err)
	}
	expiry := creds.Expires
	if expiry.IsZero() || time.Until(expiry) > time.Hour {
		expiry = time.Now().Add(time.Hour)
	}
	t.creds = creds
	t.expiry = expiry
	return creds, nil
}

func (t *sigv4RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	creds, err := t.credentials(ctx)
	if err != nil {
		return nil, err
	}

	// Signing mutates headers, so work on a clone.
	signed := req.Clone(ctx)
	payloadHash := emptyPayloadHash
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body for signing: %w", err)
		}
		sum := sha256.Sum256(body)
		payloadHash = hex.EncodeToString(sum[:])
		signed.Body = io.NopCloser(bytes.NewReader(body))
		signed.ContentLength = int64(len(body))
	}
	signed.Header.Set("X-Amz-Content-Sha256", payloadHash)

	if err := t.signer.SignHTTP(ctx, creds, signed, payloadHash, t.service, t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	return t.base.RoundTrip(signed)
}
