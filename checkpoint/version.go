package checkpoint

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// NextVersion returns the channel version following current. Versions are
// strings of the form "<32-digit zero-padded counter>.<16-digit random tail>";
// the counter makes lexicographic order match numeric order and the tail
// disambiguates concurrent producers. An empty current starts the counter
// at one.
func NextVersion(current string) string {
	v := 0
	if current != "" {
		head, _, _ := strings.Cut(current, ".")
		if n, err := strconv.Atoi(head); err == nil {
			v = n
		}
	}
	return fmt.Sprintf("%032d.%016d", v+1, rand.Int63n(1e16))
}
