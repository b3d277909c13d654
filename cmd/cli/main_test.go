package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/larder/internal/convert"
	"github.com/and161185/larder/internal/model"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "larder")
}

func sampleTokens(refresh string) model.Tokens {
	now := time.Now().UTC().Truncate(time.Second)
	return model.Tokens{
		AccessToken:      "acc-" + refresh,
		RefreshToken:     refresh,
		ExpiresAt:        now.Add(15 * time.Minute),
		RefreshExpiresAt: now.Add(30 * 24 * time.Hour),
		UserID:           uuid.Must(uuid.NewV4()),
	}
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(sessionPath(), base) || !strings.HasSuffix(sessionPath(), "session.json") {
		t.Fatalf("sessionPath unexpected: %s", sessionPath())
	}
}

func Test_session_SaveLoadClear(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadSession(); !errors.Is(err, errNoSession) {
		t.Fatalf("want errNoSession when file missing, got %v", err)
	}

	toks := sampleTokens("r1")
	if err := saveSession(toks); err != nil {
		t.Fatalf("saveSession: %v", err)
	}
	fi, err := os.Stat(sessionPath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("session file mode = %v", fi.Mode().Perm())
	}

	sf, err := loadSession()
	if err != nil {
		t.Fatalf("loadSession: %v", err)
	}
	if sf.RefreshToken != "r1" || sf.AccessToken != "acc-r1" || sf.UserID != toks.UserID.String() {
		t.Fatalf("loaded session mismatch: %+v", sf)
	}
	if !sf.ExpiresAt.Equal(toks.ExpiresAt) {
		t.Fatalf("expires_at %v != %v", sf.ExpiresAt, toks.ExpiresAt)
	}

	if err := clearSession(); err != nil {
		t.Fatalf("clearSession: %v", err)
	}
	if err := clearSession(); err != nil {
		t.Fatalf("clearSession twice: %v", err)
	}
	if _, err := loadSession(); !errors.Is(err, errNoSession) {
		t.Fatalf("want errNoSession after clear, got %v", err)
	}
}

func Test_loadSession_Corrupt(t *testing.T) {
	_ = withTmpConfig(t)
	_ = os.MkdirAll(cfgDir(), 0o700)
	_ = os.WriteFile(sessionPath(), []byte("{not json"), 0o600)

	_, err := loadSession()
	if err == nil || errors.Is(err, errNoSession) {
		t.Fatalf("want decode error, got %v", err)
	}
}

func Test_accessExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := map[string]struct {
		sf   sessionFile
		want bool
	}{
		"fresh":       {sessionFile{AccessToken: "a", ExpiresAt: now.Add(time.Minute)}, false},
		"past":        {sessionFile{AccessToken: "a", ExpiresAt: now.Add(-time.Second)}, true},
		"within skew": {sessionFile{AccessToken: "a", ExpiresAt: now.Add(5 * time.Second)}, true},
		"no token":    {sessionFile{ExpiresAt: now.Add(time.Hour)}, true},
	}
	for name, tc := range cases {
		if got := tc.sf.accessExpired(now); got != tc.want {
			t.Errorf("%s: accessExpired=%v want %v", name, got, tc.want)
		}
	}
}

type fakeClient struct {
	refreshIn string
	out       *structpb.Struct
	err       error
}

func (f *fakeClient) SignIn(context.Context, *wrapperspb.StringValue, ...grpc.CallOption) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "n/a")
}
func (f *fakeClient) Refresh(_ context.Context, in *wrapperspb.StringValue, _ ...grpc.CallOption) (*structpb.Struct, error) {
	f.refreshIn = in.GetValue()
	return f.out, f.err
}
func (f *fakeClient) Logout(context.Context, *wrapperspb.StringValue, ...grpc.CallOption) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}
func (f *fakeClient) WhoAmI(context.Context, *emptypb.Empty, ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(""), nil
}

func Test_refreshSession_PersistsRotatedPair(t *testing.T) {
	_ = withTmpConfig(t)

	old := sampleTokens("r1")
	if err := saveSession(old); err != nil {
		t.Fatalf("saveSession: %v", err)
	}
	sf, _ := loadSession()

	next := sampleTokens("r2")
	next.UserID = old.UserID
	cli := &fakeClient{out: convert.ToProtoTokens(next)}

	got, err := refreshSession(context.Background(), cli, sf)
	if err != nil {
		t.Fatalf("refreshSession: %v", err)
	}
	if cli.refreshIn != "r1" {
		t.Fatalf("refresh sent %q, want r1", cli.refreshIn)
	}
	if got.RefreshToken != "r2" {
		t.Fatalf("returned %+v", got)
	}
	stored, _ := loadSession()
	if stored.RefreshToken != "r2" || stored.AccessToken != "acc-r2" {
		t.Fatalf("stored session not rotated: %+v", stored)
	}
}

func Test_refreshSession_ErrorKeepsSession(t *testing.T) {
	_ = withTmpConfig(t)

	_ = saveSession(sampleTokens("r1"))
	sf, _ := loadSession()
	cli := &fakeClient{err: status.Error(codes.Unauthenticated, "authentication failed")}

	if _, err := refreshSession(context.Background(), cli, sf); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", err)
	}
	stored, _ := loadSession()
	if stored.RefreshToken != "r1" {
		t.Fatalf("session must stay untouched, got %+v", stored)
	}
}

func Test_tokenArg(t *testing.T) {
	got, err := tokenArg("  abc \n")
	if err != nil || got != "abc" {
		t.Fatalf("tokenArg(literal): %q %v", got, err)
	}

	r, w, _ := os.Pipe()
	old := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = old }()
	go func() { _, _ = io.WriteString(w, "eyJ.from.stdin\n"); _ = w.Close() }()
	got, err = tokenArg("-")
	if err != nil || got != "eyJ.from.stdin" {
		t.Fatalf("tokenArg(stdin): %q %v", got, err)
	}
}

func Test_readAll_File(t *testing.T) {
	t.Parallel()

	tmp := filepath.Join(t.TempDir(), "f.txt")
	_ = os.WriteFile(tmp, []byte("hello"), 0o600)
	b, err := readAll(tmp)
	if err != nil || string(b) != "hello" {
		t.Fatalf("readAll(file): %q %v", b, err)
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	printJSON(map[string]any{"a": 1})
	_ = w.Close()
	out, _ := io.ReadAll(r)

	var m map[string]any
	if json.Unmarshal(out, &m) != nil || m["a"] != float64(1) {
		t.Fatalf("printJSON produced invalid json: %s", string(out))
	}
	if !bytes.Contains(out, []byte("\n")) {
		t.Fatalf("printJSON should indent")
	}
}

func Test_bearerCreds_Metadata(t *testing.T) {
	t.Parallel()

	b := bearerCreds{token: "T", secure: true}
	md, err := b.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata: %v", err)
	}
	if md["authorization"] != "Bearer T" {
		t.Fatalf("auth header mismatch: %v", md)
	}
	if !b.RequireTransportSecurity() {
		t.Fatalf("bearerCreds must require TLS unless plaintext")
	}
	if (bearerCreds{token: "T"}).RequireTransportSecurity() {
		t.Fatalf("plaintext bearer must not require TLS")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	creds, err := loadTLS("", false, true)
	if err != nil || creds.Info().SecurityProtocol != "insecure" {
		t.Fatalf("plaintext: %v %v", creds, err)
	}

	creds, err = loadTLS("", true, false)
	if err != nil || creds.Info().SecurityProtocol != "tls" {
		t.Fatalf("skip verify: %v %v", creds, err)
	}

	creds, err = loadTLS("", false, false)
	if err != nil || creds == nil {
		t.Fatalf("default tls: %v %v", creds, err)
	}

	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	creds, err = loadTLS(tmp, false, false)
	if err == nil || creds != nil {
		t.Fatalf("bad CA should error, got creds=%v err=%v", creds, err)
	}
}
