package logic

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"warbler/dal"
	"warbler/shared"
)

//go:generate mockgen --build_flags=--mod=mod -destination mock_key_store_test.go -package logic warbler/logic IKeyStore

type IKeyStore interface {
	GetPrivKey(user string) (*rsa.PrivateKey, error)
	MakeKeyPair() (pubKey, privKey string, err error)
}

type keyStore struct {
	cfg  *shared.Config
	repo dal.IRepo
}

func NewKeyStore(cfg *shared.Config, repo dal.IRepo) IKeyStore {
	return &keyStore{cfg, repo}
}

func (ks *keyStore) GetPrivKey(user string) (*rsa.PrivateKey, error) {

	privKeyStr, err := ks.repo.GetPrivKey(user)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode([]byte(privKeyStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in stored private key of '%s'", user)
	}
	privKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return privKey, nil
}

func (ks *keyStore) MakeKeyPair() (pubKey, privKey string, err error) {

	pubKey = ""
	privKey = ""
	err = nil

	// Generate RSA key
	var key *rsa.PrivateKey
	key, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return
	}

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)

	// Public key goes out in actor documents as PKIX, which is what other
	// servers expect under publicKeyPem.
	pubBytes, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return
	}
	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubBytes,
		},
	)

	pubKey = string(pubPEM)
	privKey = string(keyPEM)

	return
}
