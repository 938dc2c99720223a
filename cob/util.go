package cob

import (
	"encoding/hex"
	"time"
)

// nowFn is overridable in tests that need deterministic timestamps for
// sibling-ordering scenarios (§8 scenario 2).
var nowFn = func() int64 { return time.Now().Unix() }

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }
