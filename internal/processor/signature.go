package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Tolerance is the webhook replay window.
const Tolerance = 5 * time.Minute

// now is swapped in tests.
var now = time.Now

// SignTimestamped returns hex(HMAC-SHA256(secret, "<unix>.<payload>")).
func SignTimestamped(secret string, ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyTimestamped checks a timestamped hex signature and the replay window.
func VerifyTimestamped(secret, timestamp, signature string, payload []byte) error {
	if secret == "" || signature == "" || timestamp == "" {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if err := checkWindow(time.Unix(unix, 0)); err != nil {
		return err
	}

	expected := SignTimestamped(secret, time.Unix(unix, 0), payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignURL returns base64(HMAC-SHA256(secret, url+payload)), the scheme used by Square.
func SignURL(secret, url string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(url))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func VerifyURL(secret, url, signature string, payload []byte) error {
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(SignURL(secret, url, payload)), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func checkWindow(ts time.Time) error {
	d := now().Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > Tolerance {
		return ErrStaleWebhook
	}
	return nil
}
