package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/coinatlas/edge-gatekeeper/internal/xerrors"
)

// kmsKeyFetcher is the subset of the KMS API needed to fetch a public key.
// Extracted as an interface to enable unit testing without live AWS
// credentials.
type kmsKeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier verifies detached signatures over rules documents using a KMS
// signing key's public half, fetched once and cached.
type KMSVerifier struct {
	client kmsKeyFetcher
	keyARN string

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewKMSVerifier(client *kms.Client, keyARN string) *KMSVerifier {
	return &KMSVerifier{client: client, keyARN: keyARN}
}

// PublicKey fetches and caches the KMS public key for local verification.
// First call hits the KMS API, subsequent calls return the cached key.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.RLock()
	if v.pubKey != nil {
		defer v.mu.RUnlock()
		return v.pubKey, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	// double-check after acquiring write lock
	if v.pubKey != nil {
		return v.pubKey, nil
	}

	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(v.keyARN),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}

	// sanity check before we cache a bad key or attempt verification
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}

	v.pubKey = pub
	return v.pubKey, nil
}

// VerifySignature fetches the public key (cached) and verifies the signature
// locally. Supports ECDSA (P-256/P-384) and RSA-PSS with SHA-256.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSA(key, message, signature)
	case *rsa.PublicKey:
		return verifyRSAPSS(key, message, signature)
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}

// verifyECDSA selects the hash from the curve and verifies an ASN.1 signature.
func verifyECDSA(key *ecdsa.PublicKey, message, signature []byte) error {
	var digest []byte
	switch key.Curve {
	case elliptic.P384():
		d := sha512.Sum384(message)
		digest = d[:]
	case elliptic.P256():
		d := sha256.Sum256(message)
		digest = d[:]
	default:
		return xerrors.Newf("unsupported ECDSA curve: %s", key.Curve.Params().Name)
	}
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return xerrors.Newf("ECDSA signature verification failed (curve %s)", key.Curve.Params().Name)
	}
	return nil
}

func verifyRSAPSS(key *rsa.PublicKey, message, signature []byte) error {
	digest := sha256.Sum256(message)
	err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	if err != nil {
		return xerrors.Wrap(err, "RSA-PSS signature verification failed")
	}
	return nil
}
