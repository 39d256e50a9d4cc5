package gateway

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt"
)

const appleRootCAG3Pem = `-----BEGIN CERTIFICATE-----
MIICQzCCAcmgAwIBAgIILcX8iNLFS5UwCgYIKoZIzj0EAwMwZzEbMBkGA1UEAwwS
QXBwbGUgUm9vdCBDQSAtIEczMSYwJAYDVQQLDB1BcHBsZSBDZXJ0aWZpY2F0aW9u
IEF1dGhvcml0eTETMBEGA1UECgwKQXBwbGUgSW5jLjELMAkGA1UEBhMCVVMwHhcN
MTQwNDMwMTgxOTA2WhcNMzkwNDMwMTgxOTA2WjBnMRswGQYDVQQDDBJBcHBsZSBS
b290IENBIC0gRzMxJjAkBgNVBAsMHUFwcGxlIENlcnRpZmljYXRpb24gQXV0aG9y
aXR5MRMwEQYDVQQKDApBcHBsZSBJbmMuMQswCQYDVQQGEwJVUzB2MBAGByqGSM49
AgEGBSuBBAAiA2IABJjpLz1AcqTtkyJygRMc3RCV8cWjTnHcFBbZDuWmBSp3ZHtf
TjjTuxxEtX/1H7YyYl3J6YRbTzBPEVoA/VhYDKX1DyxNB0cTddqXl5dvMVztK517
IDvYuVTZXpmkOlEKMaNCMEAwHQYDVR0OBBYEFLuw3qFYM4iapIqZ3r6966/ayySr
MA8GA1UdEwEB/wQFMAMBAf8wDgYDVR0PAQH/BAQDAgEGMAoGCCqGSM49BAMDA2gA
MGUCMQCD6cHEFl4aXTQY2e3v9GwOAEZLuN+yRhHFD/3meoyhpmvOwgPUnPWTxnS4
at+qIxUCMG1mihDK1A3UT82NQz60imOlM27jbdoXt2QfyFMm+YhidDkLF1vLUagM
6BgD56KyKA==
-----END CERTIFICATE-----`

// AppleNotification is a verified App Store Server Notification V2.
type AppleNotification struct {
	UUID          string `json:"notificationUUID"`
	Type          string `json:"notificationType"`
	Subtype       string `json:"subtype"`
	TransactionID string `json:"-"`
	// UserID is decoded from the app account token, empty when the purchase carried none.
	UserID      string `json:"-"`
	Environment string `json:"-"`
}

func (n *AppleNotification) IsTest() bool { return n.Type == "TEST" }

type appleNotificationClaims struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	} `json:"data"`
	jwt.StandardClaims
}

type appleTransactionClaims struct {
	TransactionID   string `json:"transactionId"`
	AppAccountToken string `json:"appAccountToken"`
	jwt.StandardClaims
}

// AppleNotificationVerifier checks that signed payloads chain up to Apple's root CA.
type AppleNotificationVerifier struct {
	roots *x509.CertPool
}

func NewAppleNotificationVerifier() *AppleNotificationVerifier {
	v, err := NewAppleNotificationVerifierWithRoot([]byte(appleRootCAG3Pem))
	if err != nil {
		panic(err)
	}
	return v
}

func NewAppleNotificationVerifierWithRoot(rootPEM []byte) (*AppleNotificationVerifier, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(rootPEM) {
		return nil, errors.New("root certificate couldn't be parsed")
	}
	return &AppleNotificationVerifier{roots: roots}, nil
}

// Parse verifies signedPayload and the transaction it carries.
func (v *AppleNotificationVerifier) Parse(signedPayload string) (*AppleNotification, error) {
	var claims appleNotificationClaims
	if err := v.parseSigned(signedPayload, &claims); err != nil {
		return nil, fmt.Errorf("invalid notification payload: %w", err)
	}
	n := &AppleNotification{
		UUID:        claims.NotificationUUID,
		Type:        claims.NotificationType,
		Subtype:     claims.Subtype,
		Environment: claims.Data.Environment,
	}
	if n.IsTest() || claims.Data.SignedTransactionInfo == "" {
		return n, nil
	}

	var tx appleTransactionClaims
	if err := v.parseSigned(claims.Data.SignedTransactionInfo, &tx); err != nil {
		return nil, fmt.Errorf("invalid signed transaction: %w", err)
	}
	n.TransactionID = tx.TransactionID
	if tx.AppAccountToken != "" {
		if userID, err := UUIDToUserID(tx.AppAccountToken); err == nil {
			n.UserID = userID
		}
	}
	return n, nil
}

func (v *AppleNotificationVerifier) parseSigned(payload string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(payload, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.leafKey(token)
	})
	return err
}

// leafKey verifies the x5c chain of token and returns the leaf certificate's key.
func (v *AppleNotificationVerifier) leafKey(token *jwt.Token) (*ecdsa.PublicKey, error) {
	raw, ok := token.Header["x5c"].([]interface{})
	if !ok || len(raw) < 2 {
		return nil, errors.New("x5c header is missing")
	}
	certs := make([]*x509.Certificate, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			return nil, errors.New("x5c entry is not a string")
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("x5c entry is not base64: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c certificate couldn't be parsed: %w", err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("certificate chain verification failed: %w", err)
	}
	pk, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("appstore public key must be of type ecdsa.PublicKey")
	}
	return pk, nil
}
