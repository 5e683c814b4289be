// Mech is a multi-tenant job queueing and dispatch service.
// Copyright (C) 2025 Mech Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Delivery headers. The signature covers "<timestamp>.<body>" so a replayed
// body cannot reuse an old signature outside the tolerance window. The
// delivery id is stable across retries of one delivery, so receivers can
// dedup on it; the attempt header distinguishes the retries.
const (
	HeaderEvent     = "X-Mech-Event"
	HeaderTimestamp = "X-Mech-Timestamp"
	HeaderSignature = "X-Mech-Signature"
	HeaderDelivery  = "X-Mech-Delivery-Id"
	HeaderAttempt   = "X-Mech-Attempt"

	signatureVersion = "v1"
)

// Sign computes the signature header value for a payload at a unix-seconds
// timestamp: "v1=" + hex(hmac_sha256(secret, timestamp + "." + body)).
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature header against the payload. tolerance
// bounds timestamp skew; zero disables the check.
func Verify(secret, header string, timestamp int64, body []byte, now time.Time, tolerance time.Duration) error {
	prefix := signatureVersion + "="
	if !strings.HasPrefix(header, prefix) {
		return fmt.Errorf("unsupported signature version")
	}
	if tolerance > 0 {
		skew := now.Unix() - timestamp
		if skew < 0 {
			skew = -skew
		}
		if time.Duration(skew)*time.Second > tolerance {
			return fmt.Errorf("timestamp outside tolerance")
		}
	}
	want := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(header), []byte(want)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
