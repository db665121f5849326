// Package cfg holds the server's flag-and-environment configuration.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/proxyfix/internal/log"
	"github.com/keithlinneman/proxyfix/internal/trusttoken"
)

// EnvPrefix is prepended to upper-cased flag names to find env overrides.
const EnvPrefix = "PROXYFIX_"

// secretFlags never have their values echoed in config diagnostics.
var secretFlags = map[string]bool{
	"proxy-token": true,
}

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort     int
	AdminPort    int
	MaxBodyBytes int64
	DrainPeriod  time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// Proxy resolution
	NumProxies              int
	ProxyToken              string
	ProxyTokenSSMParam      string
	ProxyTokenKMSCiphertext string
	ProxyTokenS3URI         string
	StripVhmRoot            bool

	EnableRateLimit      bool
	RateLimitRPS         float64
	RateLimitBurst       int
	RateLimitMaxVisitors int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 15*time.Second, "how long readiness fails before listeners close on shutdown")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<10, "maximum request body size in bytes")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.IntVar(&c.NumProxies, "num-proxies", 1, "number of proxies in front of the app; selects the X-Forwarded-For hop")
	fs.StringVar(&c.ProxyToken, "proxy-token", "", "shared token trusted edge proxies send in Warehouse-Token (prefer the env var)")
	fs.StringVar(&c.ProxyTokenSSMParam, "proxy-token-ssm-param", "", "SSM SecureString parameter holding the proxy token")
	fs.StringVar(&c.ProxyTokenKMSCiphertext, "proxy-token-kms-ciphertext", "", "base64 KMS ciphertext of the proxy token")
	fs.StringVar(&c.ProxyTokenS3URI, "proxy-token-s3-uri", "", "s3://bucket/key of an object holding the proxy token")
	fs.BoolVar(&c.StripVhmRoot, "strip-vhm-root", true, "remove X-Vhm-Root from incoming requests")

	fs.BoolVar(&c.EnableRateLimit, "enable-rate-limit", true, "rate limit clients by resolved address")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 10, "sustained requests per second per client")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 40, "burst size per client")
	fs.IntVar(&c.RateLimitMaxVisitors, "rate-limit-max-visitors", 100_000, "tracked clients before new ones are refused")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		shown := envVal
		if secretFlags[f.Name] {
			shown = "<redacted>"
		}
		if explicit[f.Name] {
			if logf != nil {
				cli := f.Value.String()
				if secretFlags[f.Name] {
					cli = "<redacted>"
				}
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, cli, key, shown)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q", f.Name, key, shown)
			}
		}
	})
}

// EnvKey is the environment variable consulted for a flag.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// TrustTokenOptions maps the proxy token settings onto a trusttoken source
// selection. AWS clients and the logger are left for the caller.
func (c App) TrustTokenOptions() trusttoken.Options {
	return trusttoken.Options{
		Static:        c.ProxyToken,
		SSMParam:      c.ProxyTokenSSMParam,
		KMSCiphertext: c.ProxyTokenKMSCiphertext,
		S3URI:         c.ProxyTokenS3URI,
	}
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must not be negative (got %s)", c.DrainPeriod))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be positive (got %d)", c.MaxBodyBytes))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Proxy resolution
	if c.NumProxies < 1 {
		errs = append(errs, fmt.Errorf("NUM_PROXIES must be at least 1 (got %d)", c.NumProxies))
	}
	if _, err := c.TrustTokenOptions().Source(); err != nil {
		errs = append(errs, fmt.Errorf("set at most one of PROXY_TOKEN, PROXY_TOKEN_SSM_PARAM, PROXY_TOKEN_KMS_CIPHERTEXT, PROXY_TOKEN_S3_URI: %w", err))
	}
	if c.ProxyTokenS3URI != "" {
		if _, _, err := trusttoken.ParseS3URI(c.ProxyTokenS3URI); err != nil {
			errs = append(errs, fmt.Errorf("invalid PROXY_TOKEN_S3_URI: %w", err))
		}
	}

	if c.EnableRateLimit {
		if c.RateLimitRPS <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be positive (got %g)", c.RateLimitRPS))
		}
		if c.RateLimitBurst < 1 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be at least 1 (got %d)", c.RateLimitBurst))
		}
		if c.RateLimitMaxVisitors < 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX_VISITORS must not be negative (got %d)", c.RateLimitMaxVisitors))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
