package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"sos-mesh-relay/api/internal/verify"
	"sos-mesh-relay/shared/authx"
	"sos-mesh-relay/shared/config"
)

func run(t *testing.T, cfg config.Config, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAppSignatureCommand(t *testing.T) {
	cfg := config.Config{AppSignatureSecret: "s3cret", AppBundleIDs: []string{"org.example.sos"}}
	out, err := run(t, cfg, "app-signature")
	if err != nil {
		t.Fatalf("app-signature: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v (%q)", err, out)
	}
	want := verify.New("s3cret", nil, 0).AppSignature("org.example.sos")
	if got["org.example.sos"] != want {
		t.Fatalf("expected %s, got %v", want, got)
	}
}

func TestSignCommandMatchesVerifier(t *testing.T) {
	cfg := config.Config{AppSignatureSecret: "s3cret"}
	out, err := run(t, cfg, "sign",
		"--message-id", "m-1",
		"--device-id", "dev-1",
		"--lat", "12.5",
		"--lon", "-3.25",
		"--originated-at", "2026-03-01T10:00:00.123Z",
	)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var got signOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	lat, lon := 12.5, -3.25
	m := verify.Message{
		MessageID:          "m-1",
		OriginatorDeviceID: "dev-1",
		EmergencyType:      "medical",
		Priority:           "high",
		Latitude:           &lat,
		Longitude:          &lon,
		OriginatedAt:       time.Date(2026, 3, 1, 10, 0, 0, 123_000_000, time.UTC),
	}
	v := verify.New("s3cret", nil, 0)
	if !v.VerifyMessageSignature(m, got.Signature, "") {
		t.Fatalf("signature does not verify: %+v", got)
	}
	if !strings.Contains(got.Canonical, "12.500000|-3.250000") {
		t.Fatalf("unexpected canonical payload %q", got.Canonical)
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	cfg := config.Config{DeviceJWTSecret: "device-secret"}
	out, err := run(t, cfg, "token", "dev-9", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	var got struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	tokens, err := authx.NewDeviceTokens("device-secret", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	auth, err := tokens.Verify(got.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if auth.DeviceID != "dev-9" {
		t.Fatalf("expected dev-9, got %q", auth.DeviceID)
	}
}

func TestCommandsRequireSecrets(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "migrate without url", args: []string{"migrate", "up"}},
		{name: "app signature without secret", args: []string{"app-signature", "org.example"}},
		{name: "token without secret", args: []string{"token", "dev-1"}},
		{name: "sign without ids", args: []string{"sign", "--secret", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, config.Config{}, tt.args...); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
