// Package handle validates and generates the session handles a relay pairs peers on.
package handle

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

// Pattern is the handle syntax accepted by the relay:
//   - begins with a lowercase letter, followed by lowercase letters, digits or underscores
//   - 3 to 32 characters long
//   - no consecutive or trailing underscores
const Pattern = `[a-z](?:_?[a-z0-9]){2,31}`

var re = regexp.MustCompile(`^` + Pattern + `$`)

const (
	generatedPrefix = "random_"
	generatedLen    = 10
	alphabet        = "abcdefghijklmnopqrstuvwxyz"
)

// Valid reports whether h is an acceptable handle.
func Valid(h string) bool {
	return re.MatchString(h)
}

// Generate produces a random valid handle such as "random_qxkzjwmabe".
func Generate() string {
	b := make([]byte, generatedLen)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms.
			panic(err)
		}
		b[i] = alphabet[n.Int64()]
	}
	return generatedPrefix + string(b)
}
