package sources

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// rsaSigner signs open platform requests with SHA256withRSA.
type rsaSigner struct {
	key *rsa.PrivateKey
}

// newRSASigner parses a base64 PKCS8 private key.
func newRSASigner(privateKeyBase64 string) (*rsaSigner, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(privateKeyBase64))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return &rsaSigner{key: key}, nil
}

// canonical concatenates key + JSON(value) for every non-empty param, keys in
// ASCII order. The sign field itself is never part of it.
func canonical(params map[string]interface{}) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "sign" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := params[k]
		if v == nil || v == "" {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal param %s: %w", k, err)
		}
		b.WriteString(k)
		b.Write(raw)
	}
	return b.String(), nil
}

func (s *rsaSigner) sign(params map[string]interface{}) (string, error) {
	msg, err := canonical(params)
	if err != nil {
		return "", err
	}
	hashed := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// GenerateKeyPair returns a new 2048-bit key pair, base64 encoded: the public
// key as PKIX for registering with the platform, the private key as PKCS8.
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	priv, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", err
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv), nil
}
