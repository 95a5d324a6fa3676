package rules

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/coinatlas/edge-gatekeeper/internal/cryptoutil"
	"github.com/coinatlas/edge-gatekeeper/internal/log"
	"github.com/coinatlas/edge-gatekeeper/internal/xerrors"
)

// maxBundleBytes caps a rules document download. Policy documents are a few
// KB; anything near this size is a misconfigured parameter or an attack.
const maxBundleBytes = 1 << 20

// SSMClient is the subset of the SSM API the loader needs.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3Client is the subset of the S3 API the loader needs.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier verifies a detached signature over the raw rules
// document. Implemented by cryptoutil.KMSVerifier.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type LoaderOptions struct {
	Logger log.Logger

	// SSM parameter containing the SHA-256 of the current rules document
	SSMParam string

	// S3 location for documents: s3://{bucket}/{prefix}/{hash}.yaml
	S3Bucket string
	S3Prefix string

	SSMClient SSMClient
	S3Client  S3Client

	// Verifier, when set, requires a valid detached signature at
	// {prefix}/{hash}.yaml.sig before a document is accepted.
	Verifier SignatureVerifier
}

// Loader fetches operator rules bundles from S3, pinned by an SSM parameter.
type Loader struct {
	opts   LoaderOptions
	logger log.Logger
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.SSMClient == nil || opts.S3Client == nil {
		return nil, xerrors.New("SSM and S3 clients are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Loader{opts: opts, logger: opts.Logger}, nil
}

// FetchCurrentHash gets the pinned rules document hash from SSM.
func (l *Loader) FetchCurrentHash(ctx context.Context) (string, error) {
	out, err := l.opts.SSMClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	hash := strings.TrimSpace(*out.Parameter.Value)
	if hash == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", l.opts.SSMParam)
	}
	return hash, nil
}

func (l *Loader) s3Key(hash, suffix string) string {
	if l.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s%s", l.opts.S3Prefix, hash, suffix)
	}
	return hash + suffix
}

func (l *Loader) fetchObject(ctx context.Context, key string) ([]byte, error) {
	out, err := l.opts.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxBundleBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	if len(data) > maxBundleBytes {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", l.opts.S3Bucket, key, maxBundleBytes)
	}
	return data, nil
}

// LoadHash fetches, verifies, and compiles a specific rules document.
func (l *Loader) LoadHash(ctx context.Context, hash string) (*Snapshot, error) {
	key := l.s3Key(hash, ".yaml")
	data, err := l.fetchObject(ctx, key)
	if err != nil {
		return nil, err
	}

	// constant-time comparison is house policy for all hash checks, even
	// where the value is not secret
	actual := cryptoutil.SHA256Hex(data)
	if !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("rules checksum mismatch: expected %s, got %s", hash, actual)
	}

	if l.opts.Verifier != nil {
		sig, err := l.fetchObject(ctx, l.s3Key(hash, ".yaml.sig"))
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch rules signature")
		}
		if err := l.opts.Verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrap(err, "verify rules signature")
		}
	}

	compiled, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse rules document %s", hash)
	}

	l.logger.Info(ctx, "loaded rules document",
		"hash", truncHash(hash),
		"bytes", len(data),
		"signed", l.opts.Verifier != nil,
	)

	return &Snapshot{Compiled: compiled, Source: SourceS3, Hash: hash}, nil
}

// Load fetches the currently pinned document.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	hash, err := l.FetchCurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
