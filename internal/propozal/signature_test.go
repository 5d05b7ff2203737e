package propozal

import (
	"strings"
	"testing"
)

func TestSignMatchesReferenceHMAC(t *testing.T) {
	body := []byte(`{"event":"proposal.viewed","id":"p1"}`)
	const want = "1648d8a3686804edc0a0eb3a96d35a17f97f3a552b72da5f849ef596a76eabf6"
	if got := Sign("whsec_test", body); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if !Verify("whsec_test", body, want) {
		t.Fatalf("expected signature to verify")
	}
	if !Verify("whsec_test", body, strings.ToUpper(want)) {
		t.Fatalf("expected hex case to be ignored")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	body := []byte(`{"event":"proposal.won","data":{"value":100}}`)
	sig := Sign("secret-a", body)

	mutated := append([]byte(nil), body...)
	mutated[len(mutated)-3] = '9'
	if Verify("secret-a", mutated, sig) {
		t.Fatalf("expected mutated body to fail verification")
	}
	if Verify("secret-b", body, sig) {
		t.Fatalf("expected wrong secret to fail verification")
	}
	for _, bad := range []string{"", "zz", sig[:10], sig + "00"} {
		if Verify("secret-a", body, bad) {
			t.Fatalf("expected malformed signature %q to fail", bad)
		}
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"b": 1, "a": []any{true, nil}, "c": map[string]any{"z": "x", "y": 1.5}})
	if err != nil {
		t.Fatalf("canonical json failed: %v", err)
	}
	const want = `{"a":[true,null],"b":1,"c":{"y":1.5,"z":"x"}}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestGenerateWebhookSecret(t *testing.T) {
	a, err := GenerateWebhookSecret()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	b, _ := GenerateWebhookSecret()
	if !strings.HasPrefix(a, "whsec_") || len(a) != len("whsec_")+64 {
		t.Fatalf("unexpected secret format %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct secrets")
	}
}
