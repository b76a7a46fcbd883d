// Package awssig implements AWS Signature Version 4 request signing for the
// Bedrock endpoints. It works on plain header maps so both the request
// pipeline (fasthttp) and the key checker (net/http) can use it.
package awssig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const algorithm = "AWS4-HMAC-SHA256"

// Credentials is one AWS access key pair scoped to a region.
type Credentials struct {
	AccessKeyID string
	SecretKey   string
	Region      string
}

// Request describes the outbound HTTP request to sign. Time zero means now.
type Request struct {
	Method      string
	Host        string
	Path        string
	Query       string
	ContentType string
	Body        []byte
	Time        time.Time
}

// Sign computes the SigV4 headers for a request against an AWS service
// ("bedrock" for both the control-plane and runtime endpoints). The returned
// map holds every header the caller must set, including Host.
func Sign(creds Credentials, service string, r Request) map[string]string {
	now := r.Time
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	headers := map[string]string{
		"Host":       r.Host,
		"X-Amz-Date": amzdate,
	}
	if r.ContentType != "" {
		headers["Content-Type"] = r.ContentType
	}

	// Canonical headers must be lower-cased and sorted.
	var names []string
	canonical := ""
	if r.ContentType != "" {
		names = append(names, "content-type")
		canonical += "content-type:" + r.ContentType + "\n"
	}
	names = append(names, "host", "x-amz-date")
	canonical += "host:" + r.Host + "\n" + "x-amz-date:" + amzdate + "\n"
	signedHeaders := strings.Join(names, ";")

	path := r.Path
	if path == "" {
		path = "/"
	}

	canonicalRequest := strings.Join([]string{
		r.Method,
		path,
		r.Query,
		canonical,
		signedHeaders,
		sha256Hex(r.Body),
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, creds.Region, service)

	stringToSign := strings.Join([]string{
		algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretKey, datestamp, creds.Region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	headers["Authorization"] = fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, creds.AccessKeyID, credentialScope, signedHeaders, signature,
	)
	return headers
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
