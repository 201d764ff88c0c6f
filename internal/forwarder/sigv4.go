package forwarder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/unionsquare/unionsquare/internal/config"
)

// bedrockSigningService is the SigV4 service name Bedrock's runtime API
// signs under.
const bedrockSigningService = "bedrock"

// signBedrockRequest SigV4-signs an outgoing Bedrock invoke request using
// the ambient AWS credential chain (environment, shared config, or
// instance/task role), the way every other AWS SDK client authenticates.
// Bedrock requests are the one upstream in this proxy that need signing
// at all — OpenAI and Anthropic authenticate with a client-supplied
// bearer token that is forwarded through unchanged.
//
// Signing requires the full body up front to compute its SHA-256 hash,
// so this reads upstreamReq.Body into memory rather than streaming it.
// That's a deliberate exception to the hot path's usual streaming
// posture, scoped to the one provider whose auth scheme demands it.
func signBedrockRequest(ctx context.Context, upstreamReq *http.Request, providerCfg config.ProviderConfig) error {
	region := providerCfg.Region
	if region == "" {
		return fmt.Errorf("forwarder: bedrock provider has no region configured")
	}

	var body []byte
	if upstreamReq.Body != nil {
		b, err := io.ReadAll(upstreamReq.Body)
		if err != nil {
			return fmt.Errorf("forwarder: reading body for sigv4 signing: %w", err)
		}
		upstreamReq.Body = io.NopCloser(bytes.NewReader(b))
		upstreamReq.ContentLength = int64(len(b))
		body = b
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return fmt.Errorf("forwarder: loading aws config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("forwarder: retrieving aws credentials: %w", err)
	}

	signer := v4.NewSigner()
	return signer.SignHTTP(ctx, creds, upstreamReq, payloadHash, bedrockSigningService, region, time.Now())
}
