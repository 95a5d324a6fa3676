package rules

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/coinatlas/edge-gatekeeper/internal/cryptoutil"
	"github.com/coinatlas/edge-gatekeeper/internal/xerrors"
)

type fakeSSM struct {
	value string
	err   error
}

func (f *fakeSSM) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Value: &f.value},
	}, nil
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, xerrors.Newf("no such key %s", *params.Key)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	return f.err
}

func newTestLoader(t *testing.T, opts LoaderOptions) *Loader {
	t.Helper()
	if opts.SSMParam == "" {
		opts.SSMParam = "/gatekeeper/rules/current"
	}
	if opts.S3Bucket == "" {
		opts.S3Bucket = "rules-bucket"
	}
	l, err := NewLoader(opts)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

func TestLoaderLoadsPinnedDocument(t *testing.T) {
	doc := []byte("denylist: [203.0.113.7]")
	hash := cryptoutil.SHA256Hex(doc)

	l := newTestLoader(t, LoaderOptions{
		S3Prefix:  "policies",
		SSMClient: &fakeSSM{value: hash + "\n"},
		S3Client:  &fakeS3{objects: map[string][]byte{"policies/" + hash + ".yaml": doc}},
	})

	snap, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Source != SourceS3 {
		t.Errorf("Source = %v, want s3", snap.Source)
	}
	if snap.Hash != hash {
		t.Errorf("Hash = %q, want %q", snap.Hash, hash)
	}
	if _, ok := snap.Compiled.DenyIPs["203.0.113.7"]; !ok {
		t.Error("loaded document not applied")
	}
}

func TestLoaderRejectsChecksumMismatch(t *testing.T) {
	doc := []byte("denylist: [203.0.113.7]")
	wrong := cryptoutil.SHA256Hex([]byte("something else"))

	l := newTestLoader(t, LoaderOptions{
		SSMClient: &fakeSSM{value: wrong},
		S3Client:  &fakeS3{objects: map[string][]byte{wrong + ".yaml": doc}},
	})

	_, err := l.Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
}

func TestLoaderSignatureVerification(t *testing.T) {
	doc := []byte("denylist: [203.0.113.7]")
	hash := cryptoutil.SHA256Hex(doc)
	objects := map[string][]byte{
		hash + ".yaml":     doc,
		hash + ".yaml.sig": []byte("sig-bytes"),
	}

	t.Run("valid signature accepted", func(t *testing.T) {
		l := newTestLoader(t, LoaderOptions{
			SSMClient: &fakeSSM{value: hash},
			S3Client:  &fakeS3{objects: objects},
			Verifier:  &fakeVerifier{},
		})
		if _, err := l.Load(context.Background()); err != nil {
			t.Fatalf("Load with valid signature: %v", err)
		}
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		l := newTestLoader(t, LoaderOptions{
			SSMClient: &fakeSSM{value: hash},
			S3Client:  &fakeS3{objects: objects},
			Verifier:  &fakeVerifier{err: xerrors.New("bad signature")},
		})
		if _, err := l.Load(context.Background()); err == nil {
			t.Fatal("expected signature error")
		}
	})

	t.Run("missing signature object rejected", func(t *testing.T) {
		l := newTestLoader(t, LoaderOptions{
			SSMClient: &fakeSSM{value: hash},
			S3Client:  &fakeS3{objects: map[string][]byte{hash + ".yaml": doc}},
			Verifier:  &fakeVerifier{},
		})
		if _, err := l.Load(context.Background()); err == nil {
			t.Fatal("expected error for missing signature object")
		}
	})
}

func TestLoaderEmptySSMParameter(t *testing.T) {
	l := newTestLoader(t, LoaderOptions{
		SSMClient: &fakeSSM{value: "  "},
		S3Client:  &fakeS3{},
	})
	if _, err := l.FetchCurrentHash(context.Background()); err == nil {
		t.Fatal("expected error for empty parameter")
	}
}

func TestLoaderRejectsOversizeDocument(t *testing.T) {
	doc := bytes.Repeat([]byte("a"), maxBundleBytes+1)
	hash := cryptoutil.SHA256Hex(doc)

	l := newTestLoader(t, LoaderOptions{
		SSMClient: &fakeSSM{value: hash},
		S3Client:  &fakeS3{objects: map[string][]byte{hash + ".yaml": doc}},
	})
	_, err := l.Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("err = %v, want size error", err)
	}
}

func TestNewLoaderValidation(t *testing.T) {
	if _, err := NewLoader(LoaderOptions{}); err == nil {
		t.Fatal("expected error for empty options")
	}
	if _, err := NewLoader(LoaderOptions{SSMParam: "p", S3Bucket: "b"}); err == nil {
		t.Fatal("expected error for missing clients")
	}
}
