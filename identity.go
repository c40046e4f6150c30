package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"

	"github.com/pion/webrtc/v4"
	bolt "go.etcd.io/bbolt"
)

var (
	identityBucket = []byte("identity")
	dtlsCertKey    = []byte("dtls_cert_pem")
)

// loadIdentity returns the server's long-lived DTLS certificate, creating
// and persisting one on first run. A stable certificate keeps the server's
// fingerprint constant across restarts even though accounting state is
// deliberately volatile.
func loadIdentity(db *bolt.DB) (*webrtc.Certificate, error) {
	var pem string
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(identityBucket)
		if err != nil {
			return err
		}
		if v := b.Get(dtlsCertKey); v != nil {
			pem = string(v)
			return nil
		}
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return err
		}
		cert, err := webrtc.GenerateCertificate(key)
		if err != nil {
			return err
		}
		pem, err = cert.PEM()
		if err != nil {
			return err
		}
		return b.Put(dtlsCertKey, []byte(pem))
	})
	if err != nil {
		return nil, fmt.Errorf("identity store: %w", err)
	}
	cert, err := webrtc.CertificateFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("stored certificate unusable: %w", err)
	}
	return cert, nil
}
