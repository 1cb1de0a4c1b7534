package otp

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/feitiansk/agent/agenterr"
)

// SeedFormat identifies how a caller-supplied seed string is encoded.
type SeedFormat string

const (
	SeedBase32 SeedFormat = "base32"
	SeedHex    SeedFormat = "hex"
	SeedBase64 SeedFormat = "base64"
	SeedText   SeedFormat = "text"
	SeedCSV    SeedFormat = "csv"
)

// NormalizeSeed decodes a seed in the given format into raw key bytes.
// Text seeds are NFKC-normalized before being treated as a Base32
// alphabet-compatible string (matching how authenticator apps commonly
// accept secrets typed by hand); a CSV seed uses only its first column,
// itself Base32.
func NormalizeSeed(input string, format SeedFormat) ([]byte, error) {
	switch format {
	case SeedBase32:
		return decodeBase32(input)
	case SeedHex:
		return decodeHex(input)
	case SeedBase64:
		return decodeBase64(input)
	case SeedText:
		return decodeText(input)
	case SeedCSV:
		return decodeCSV(input)
	default:
		return nil, agenterr.Newf(agenterr.CodeInvalidParams, "unknown seed format %q", format)
	}
}

func decodeBase32(input string) ([]byte, error) {
	clean := strings.ToUpper(strings.TrimSpace(input))
	clean = strings.ReplaceAll(clean, " ", "")
	data, err := base32.StdEncoding.WithPadding(base32.StdPadding).DecodeString(padBase32(clean))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeFormatError, "decode base32 seed", err)
	}
	return data, nil
}

// padBase32 adds the '=' padding RFC 4648 requires, since seeds are
// commonly shared without it.
func padBase32(s string) string {
	if n := len(s) % 8; n != 0 {
		s += strings.Repeat("=", 8-n)
	}
	return s
}

func decodeHex(input string) ([]byte, error) {
	clean := strings.TrimSpace(input)
	if len(clean)%2 != 0 {
		return nil, agenterr.New(agenterr.CodeFormatError, "hex seed must have even length")
	}
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeFormatError, "decode hex seed", err)
	}
	return data, nil
}

func decodeBase64(input string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(input))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeFormatError, "decode base64 seed", err)
	}
	return data, nil
}

// decodeText folds a human-typed seed to NFKC (so visually identical but
// differently-coded Unicode sequences normalize the same way) and then
// treats the result as a Base32 string. A failed decode returns
// FORMAT_ERROR; a successful decode returns the bytes with no warning.
func decodeText(input string) ([]byte, error) {
	folded := norm.NFKC.String(strings.TrimSpace(input))
	data, err := decodeBase32(folded)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeFormatError, "text seed did not decode as base32 after NFKC normalization", err)
	}
	return data, nil
}

func decodeCSV(input string) ([]byte, error) {
	line := input
	if idx := strings.IndexAny(input, "\r\n"); idx >= 0 {
		line = input[:idx]
	}
	fields := strings.Split(line, ",")
	if len(fields) == 0 {
		return nil, agenterr.New(agenterr.CodeFormatError, "csv seed has no columns")
	}
	return decodeBase32(fields[0])
}

// GenerateSeed produces a cryptographically random seed of length raw
// bytes, returned Base32-encoded per spec.
func GenerateSeed(length int) (string, error) {
	if length <= 0 {
		return "", agenterr.New(agenterr.CodeInvalidParams, "seed length must be positive")
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", agenterr.Wrap(agenterr.CodeIOError, "read random seed", err)
	}
	return base32.StdEncoding.EncodeToString(buf), nil
}
