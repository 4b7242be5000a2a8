package mc

import "fmt"

// MaxKeyLen is the backend protocol limit on key length in bytes.
const MaxKeyLen = 250

// CheckKey validates a key against backend protocol rules: non-empty, at
// most MaxKeyLen bytes, no spaces and no control characters. The returned
// error names the first violated rule.
func CheckKey(key string) error {
	if len(key) == 0 {
		return fmt.Errorf("empty key")
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("key too long (%d > %d)", len(key), MaxKeyLen)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c <= ' ' || c == 0x7f {
			return fmt.Errorf("invalid character 0x%02x at offset %d", c, i)
		}
	}
	return nil
}
