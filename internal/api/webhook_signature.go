package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	errInvalidSignature = errors.New("invalid webhook signature")
	errStaleSignature   = errors.New("webhook signature timestamp outside tolerance")
)

// signatureTolerance bounds how far the signed ts may drift from the local clock.
const signatureTolerance = 5 * time.Minute

// verifyPaymentSignature checks the gateway's x-signature header
// ("ts=<ts>,v1=<hex hmac>") against the manifest
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;". Parts whose value is empty are
// left out of the manifest. The ts must lie within signatureTolerance of now.
func verifyPaymentSignature(secret, header, requestID, dataID string, now time.Time) error {
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return errInvalidSignature
	}

	provided, err := hex.DecodeString(v1)
	if err != nil {
		return errInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureManifest(dataID, requestID, ts)))
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return errInvalidSignature
	}

	signedAt, err := parseSignatureTime(ts)
	if err != nil {
		return errInvalidSignature
	}
	drift := now.Sub(signedAt)
	if drift > signatureTolerance || drift < -signatureTolerance {
		return errStaleSignature
	}
	return nil
}

// parseSignatureTime accepts Unix seconds or milliseconds.
func parseSignatureTime(ts string) (time.Time, error) {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, errInvalidSignature
	}
	if n >= 1e12 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}

func signatureManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		// Alphanumeric ids are signed in lower case.
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}
