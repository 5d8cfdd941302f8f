package sources

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"price-tracker/internal/logger"
	"price-tracker/internal/models"
)

func TestCanonical(t *testing.T) {
	got, err := canonical(map[string]interface{}{
		"timestamp": "2023-12-05 16:15:00",
		"appKey":    "k1",
		"sign":      "ignored",
		"empty":     "",
		"list":      []int{1, 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `appKey"k1"list[1,2]timestamp"2023-12-05 16:15:00"`
	if got != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}

func TestYouPin_SignsRequests(t *testing.T) {
	pubB64, privB64, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	der, _ := base64.StdEncoding.DecodeString(pubB64)
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		t.Fatal(err)
	}
	pub := parsed.(*rsa.PublicKey)

	var verifyErr error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			verifyErr = err
		} else {
			sig, _ := base64.StdEncoding.DecodeString(fmt.Sprint(params["sign"]))
			msg, _ := canonical(params)
			hashed := sha256.Sum256([]byte(msg))
			verifyErr = rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], sig)
		}
		fmt.Fprint(w, `{"code":0,"data":[{"saleTemplateResponse":{"templateId":7},"saleCommodityResponse":{"minSellPrice":"5","sellNum":1}}]}`)
	}))
	defer srv.Close()

	cfg := testSource("youpin", srv.URL)
	cfg.APIKey = "app-1"
	s := NewYouPin(cfg, logger.Discard())
	if err := s.UseKey(privB64); err != nil {
		t.Fatalf("UseKey: %v", err)
	}
	if _, err := s.FetchCurrent(context.Background(), models.Item{ID: 1, YYYPTemplateID: int64p(7)}); err != nil {
		t.Fatalf("FetchCurrent: %v", err)
	}
	if verifyErr != nil {
		t.Errorf("signature did not verify: %v", verifyErr)
	}

	if err := s.UseKey("bm90IGEga2V5"); err == nil {
		t.Error("expected error for garbage key")
	}
}
