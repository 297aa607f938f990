package runq

import (
	crand "crypto/rand"

	"github.com/glycerine/base58"
)

func cryptoRandBytes(n int) []byte {
	b := make([]byte, n)
	_, err := crand.Read(b)
	if err != nil {
		panic(err)
	}
	return b
}

func toUncheckedBase58(by []byte) string {
	return base58.Encode(by)
}

func fromUncheckedBase58(encodedStr string) []byte {
	return base58.Decode(encodedStr)
}

// newSchedID tags a scheduler instance so logs from
// several shards stay tellable apart.
func newSchedID() string {
	return "sched_" + toUncheckedBase58(cryptoRandBytes(20))
}
