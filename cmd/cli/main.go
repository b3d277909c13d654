// Command larderctl is a CLI client for the larder authentication service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/larder/internal/api/authv1"
	"github.com/and161185/larder/internal/convert"
	"github.com/and161185/larder/internal/model"
)

// ---- session store ----

type sessionFile struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	UserID           string    `json:"user_id"`
}

var errNoSession = errors.New("no session (signin required)")

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "larder")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "larder")
}

func sessionPath() string { return filepath.Join(cfgDir(), "session.json") }

func saveSession(t model.Tokens) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sessionFile{
		AccessToken:      t.AccessToken,
		RefreshToken:     t.RefreshToken,
		ExpiresAt:        t.ExpiresAt,
		RefreshExpiresAt: t.RefreshExpiresAt,
		UserID:           t.UserID.String(),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sessionPath(), b, 0o600)
}

func loadSession() (sessionFile, error) {
	var sf sessionFile
	b, err := os.ReadFile(sessionPath())
	if errors.Is(err, os.ErrNotExist) {
		return sf, errNoSession
	}
	if err != nil {
		return sf, err
	}
	if err := json.Unmarshal(b, &sf); err != nil {
		return sf, fmt.Errorf("session file: %w", err)
	}
	if sf.RefreshToken == "" {
		return sf, errNoSession
	}
	return sf, nil
}

func clearSession() error {
	err := os.Remove(sessionPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// accessExpired reports whether the stored access token needs a refresh.
// A small skew keeps us from sending a token that expires in flight.
func (s sessionFile) accessExpired(now time.Time) bool {
	return s.AccessToken == "" || !now.Add(10*time.Second).Before(s.ExpiresAt)
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify, plaintext bool) (credentials.TransportCredentials, error) {
	if plaintext {
		return insecure.NewCredentials(), nil
	}
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type dialer struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
}

func (d dialer) dial() (*grpc.ClientConn, authv1.AuthServiceClient, error) {
	creds, err := loadTLS(d.caPath, d.skipVerify, d.plaintext)
	if err != nil {
		return nil, nil, err
	}
	cc, err := grpc.NewClient(d.addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, err
	}
	return cc, authv1.NewAuthServiceClient(cc), nil
}

func (d dialer) bearer(token string) grpc.CallOption {
	return grpc.PerRPCCredentials(bearerCreds{token: token, secure: !d.plaintext})
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

// tokenArg returns v, or stdin content when v is "-".
func tokenArg(v string) (string, error) {
	if v != "-" {
		return strings.TrimSpace(v), nil
	}
	b, err := readAll("-")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// refreshSession rotates the stored refresh token and persists the new pair.
func refreshSession(ctx context.Context, cli authv1.AuthServiceClient, sf sessionFile) (model.Tokens, error) {
	out, err := cli.Refresh(ctx, wrapperspb.String(sf.RefreshToken))
	if err != nil {
		return model.Tokens{}, err
	}
	toks, err := convert.FromProtoTokens(out)
	if err != nil {
		return model.Tokens{}, err
	}
	if err := saveSession(toks); err != nil {
		return model.Tokens{}, err
	}
	return toks, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `larderctl
Usage:
  larderctl -addr HOST:PORT [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
  signin   -token <identity token|->   (saves session)
  refresh                              (rotates the stored refresh token)
  whoami                               (refreshes first when the access token expired)
  logout                               (revokes and removes the stored session)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	// global flags
	addr := flag.String("addr", "localhost:8443", "server addr")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	skipVerify := flag.Bool("insecure", false, "skip cert verify (dev)")
	plaintext := flag.Bool("plaintext", false, "disable TLS (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	d := dialer{addr: *addr, caPath: *caPath, skipVerify: *skipVerify, plaintext: *plaintext}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {

	case "version":
		fmt.Printf("larderctl %s (%s)\n", version, buildDate)

	case "signin":
		fs := flag.NewFlagSet("signin", flag.ExitOnError)
		tok := fs.String("token", "", "identity token ('-'=stdin)")
		_ = fs.Parse(flag.Args()[1:])
		if *tok == "" {
			fmt.Fprintln(os.Stderr, "need -token")
			os.Exit(1)
		}
		idToken, err := tokenArg(*tok)
		if err != nil {
			fail(err)
		}

		cc, cli, err := d.dial()
		if err != nil {
			fail(err)
		}
		defer cc.Close()

		out, err := cli.SignIn(ctx, wrapperspb.String(idToken))
		if err != nil {
			fail(err)
		}
		toks, err := convert.FromProtoTokens(out)
		if err != nil {
			fail(err)
		}
		if err := saveSession(toks); err != nil {
			fail(err)
		}
		fmt.Println(toks.UserID)

	case "refresh":
		sf, err := loadSession()
		if err != nil {
			fail(err)
		}
		cc, cli, err := d.dial()
		if err != nil {
			fail(err)
		}
		defer cc.Close()

		toks, err := refreshSession(ctx, cli, sf)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{
			"user_id":            toks.UserID.String(),
			"expires_at":         toks.ExpiresAt.UTC().Format(time.RFC3339),
			"refresh_expires_at": toks.RefreshExpiresAt.UTC().Format(time.RFC3339),
		})

	case "whoami":
		sf, err := loadSession()
		if err != nil {
			fail(err)
		}
		cc, cli, err := d.dial()
		if err != nil {
			fail(err)
		}
		defer cc.Close()

		access := sf.AccessToken
		if sf.accessExpired(time.Now()) {
			toks, err := refreshSession(ctx, cli, sf)
			if err != nil {
				fail(err)
			}
			access = toks.AccessToken
		}
		out, err := cli.WhoAmI(ctx, &emptypb.Empty{}, d.bearer(access))
		if err != nil {
			fail(err)
		}
		fmt.Println(out.GetValue())

	case "logout":
		sf, err := loadSession()
		if err != nil {
			fail(err)
		}
		cc, cli, err := d.dial()
		if err != nil {
			fail(err)
		}
		defer cc.Close()

		if _, err := cli.Logout(ctx, wrapperspb.String(sf.RefreshToken)); err != nil {
			fail(err)
		}
		if err := clearSession(); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	default:
		usage()
	}
}

// ---- helpers ----

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
