package otp

import "fmt"

// modhexAlphabet is the 16-symbol alphabet vendor OTP devices use to
// encode the public identity prefix of a generated one-time password,
// chosen so every character types the same key on any keyboard layout.
const modhexAlphabet = "cbdefghijklnrtuv"

// modhexEncoding is a byte<->nibble-pair codec over a fixed 16-symbol
// alphabet.
type modhexEncoding []byte

var modhex = newModhex(modhexAlphabet)

func newModhex(alphabet string) modhexEncoding {
	enc := []byte(alphabet)
	if len(enc) != 16 {
		panic("otp: modhex alphabet must have 16 symbols")
	}
	return enc
}

func (enc modhexEncoding) Encode(data []byte) string {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		out[i*2] = enc[b>>4]
		out[i*2+1] = enc[b&0x0F]
	}
	return string(out)
}

func (enc modhexEncoding) Decode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("otp: modhex input length must be even")
	}
	index := func(c byte) (int, error) {
		for i, sym := range enc {
			if sym == c {
				return i, nil
			}
		}
		return -1, fmt.Errorf("otp: invalid modhex character %q", c)
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		hi, err := index(s[i])
		if err != nil {
			return nil, err
		}
		lo, err := index(s[i+1])
		if err != nil {
			return nil, err
		}
		out[i/2] = byte(hi<<4 | lo)
	}
	return out, nil
}
