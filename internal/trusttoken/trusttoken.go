// Package trusttoken loads the secret shared with trusted edge proxies.
//
// The token can come from a flag or environment value, an SSM SecureString
// parameter, a base64 KMS ciphertext, or a small S3 object. At most one
// source may be configured. The token is read once at startup; the value is
// never logged.
package trusttoken

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/proxyfix/internal/log"
	"github.com/keithlinneman/proxyfix/internal/xerrors"
)

// Token sources, also used as the proxyfix_trust_token_info label.
const (
	SourceNone   = "none"
	SourceStatic = "static"
	SourceSSM    = "ssm"
	SourceKMS    = "kms"
	SourceS3     = "s3"
)

// MaxObjectSize bounds how much of an S3 token object is read.
const MaxObjectSize = 4 << 10

// minTokenLen is the length below which a loaded token draws a warning.
const minTokenLen = 16

var (
	ErrMultipleSources = errors.New("more than one trust token source configured")
	ErrEmptyToken      = errors.New("trust token is empty")
	ErrObjectTooLarge  = errors.New("trust token object exceeds size limit")
)

type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type KMSAPI interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Options struct {
	// Static is a token given directly by flag or environment.
	Static string
	// SSMParam names a SecureString parameter; it is read with decryption.
	SSMParam string
	// KMSCiphertext is a base64 KMS ciphertext blob holding the token.
	KMSCiphertext string
	// S3URI is s3://bucket/key of an object whose first line is the token.
	S3URI string

	// AWSConfig is used to build clients not given below. nil loads the
	// default chain on first use.
	AWSConfig *aws.Config
	SSM       SSMAPI
	KMS       KMSAPI
	S3        S3API

	Logger log.Logger
}

// Token is a resolved trust token. Value is empty when Source is SourceNone.
type Token struct {
	Value  string
	Source string
}

// String never reveals the value.
func (t Token) String() string { return "trusttoken(" + t.Source + ")" }

// Source reports which source opts selects, or an error if several are set.
func (o Options) Source() (string, error) {
	var set []string
	if o.Static != "" {
		set = append(set, SourceStatic)
	}
	if o.SSMParam != "" {
		set = append(set, SourceSSM)
	}
	if o.KMSCiphertext != "" {
		set = append(set, SourceKMS)
	}
	if o.S3URI != "" {
		set = append(set, SourceS3)
	}
	switch len(set) {
	case 0:
		return SourceNone, nil
	case 1:
		return set[0], nil
	default:
		return "", xerrors.Wrapf(ErrMultipleSources, "sources %s", strings.Join(set, ","))
	}
}

// Resolve loads the token from the single configured source. With no source
// it returns a SourceNone token and no error.
func Resolve(ctx context.Context, opts Options) (Token, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	src, err := opts.Source()
	if err != nil {
		return Token{}, err
	}

	r := resolver{opts: opts}
	var raw string
	switch src {
	case SourceNone:
		L.Warn(ctx, "no trust token configured, trusted proxy headers will be ignored")
		return Token{Source: SourceNone}, nil
	case SourceStatic:
		raw = opts.Static
	case SourceSSM:
		raw, err = r.fromSSM(ctx)
	case SourceKMS:
		raw, err = r.fromKMS(ctx)
	case SourceS3:
		raw, err = r.fromS3(ctx)
	}
	if err != nil {
		return Token{}, err
	}

	v := strings.TrimSpace(raw)
	if v == "" {
		return Token{}, xerrors.Wrapf(ErrEmptyToken, "source %s", src)
	}
	if len(v) < minTokenLen {
		L.Warn(ctx, "trust token is short", "source", src, "min_len", minTokenLen)
	}
	L.Info(ctx, "trust token loaded", "source", src)
	return Token{Value: v, Source: src}, nil
}

type resolver struct {
	opts Options
	cfg  *aws.Config
}

func (r *resolver) awsConfig(ctx context.Context) (aws.Config, error) {
	if r.cfg != nil {
		return *r.cfg, nil
	}
	if r.opts.AWSConfig != nil {
		r.cfg = r.opts.AWSConfig
		return *r.cfg, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load AWS config")
	}
	r.cfg = &cfg
	return cfg, nil
}

func (r *resolver) fromSSM(ctx context.Context) (string, error) {
	client := r.opts.SSM
	if client == nil {
		cfg, err := r.awsConfig(ctx)
		if err != nil {
			return "", err
		}
		client = ssm.NewFromConfig(cfg)
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(r.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", r.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Wrapf(ErrEmptyToken, "SSM parameter %s has no value", r.opts.SSMParam)
	}
	return *out.Parameter.Value, nil
}

func (r *resolver) fromKMS(ctx context.Context) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.opts.KMSCiphertext))
	if err != nil {
		return "", xerrors.Wrap(err, "decode KMS ciphertext")
	}
	client := r.opts.KMS
	if client == nil {
		cfg, err := r.awsConfig(ctx)
		if err != nil {
			return "", err
		}
		client = kms.NewFromConfig(cfg)
	}
	out, err := client.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", xerrors.Wrap(err, "KMS decrypt trust token")
	}
	return string(out.Plaintext), nil
}

func (r *resolver) fromS3(ctx context.Context) (string, error) {
	bucket, key, err := ParseS3URI(r.opts.S3URI)
	if err != nil {
		return "", err
	}
	client := r.opts.S3
	if client == nil {
		cfg, err := r.awsConfig(ctx)
		if err != nil {
			return "", err
		}
		client = s3.NewFromConfig(cfg)
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, MaxObjectSize+1))
	if err != nil {
		return "", xerrors.Wrapf(err, "read S3 object s3://%s/%s", bucket, key)
	}
	if len(body) > MaxObjectSize {
		return "", xerrors.Wrapf(ErrObjectTooLarge, "s3://%s/%s", bucket, key)
	}
	return firstLine(body), nil
}

func firstLine(b []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, MaxObjectSize), MaxObjectSize+1)
	if sc.Scan() {
		return sc.Text()
	}
	return ""
}

// ParseS3URI splits s3://bucket/key. Both parts must be non-empty.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", xerrors.Wrapf(err, "parse S3 URI %q", uri)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", xerrors.Newf("S3 URI %q must look like s3://bucket/key", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", xerrors.Newf("S3 URI %q has no object key", uri)
	}
	return u.Host, key, nil
}
