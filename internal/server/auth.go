package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// DefaultKeyTTL is how long an issued API key stays valid.
const DefaultKeyTTL = 3600 * time.Second

// newAPIKey mints a key ID and its secret. The caller gets "<id>.<secret>"
// exactly once; only the argon2 hash of the secret is stored.
func newAPIKey() (id, secret string, err error) {
	id = uuid.NewString()
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	return id, hex.EncodeToString(raw), nil
}

func splitAPIKey(token string) (id, secret string, ok bool) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}

// Argon2id helpers (encoded format: argon2id$v=19$m=...,t=...,p=...$saltB64$hashB64)
func hashSecret(secret string) (string, error) {
	var (
		timeIters uint32 = 3
		memory    uint32 = 64 * 1024
		keyLen    uint32 = 32
		saltLen          = 16
	)
	threads := uint8(selectHashParallelism())
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(secret), salt, timeIters, memory, threads, keyLen)
	return fmt.Sprintf("argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		memory, timeIters, threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

func selectHashParallelism() int {
	cores := runtime.NumCPU()
	if cores <= 1 {
		return 1
	}
	p := cores / 2
	if p < 1 {
		p = 1
	}
	if p > 4 {
		p = 4
	}
	return p
}

func verifySecret(encoded, secret string) bool {
	toks := strings.Split(encoded, "$")
	if len(toks) < 5 || toks[0] != "argon2id" {
		return false
	}
	var memory, timeIters, threads uint64
	for _, p := range strings.Split(toks[2], ",") {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "m":
			memory, _ = strconv.ParseUint(kv[1], 10, 32)
		case "t":
			timeIters, _ = strconv.ParseUint(kv[1], 10, 32)
		case "p":
			threads, _ = strconv.ParseUint(kv[1], 10, 8)
		}
	}
	salt, err := base64.RawStdEncoding.DecodeString(toks[3])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(toks[4])
	if err != nil {
		return false
	}
	calc := argon2.IDKey([]byte(secret), salt, uint32(timeIters), uint32(memory), uint8(threads), uint32(len(want)))
	if len(calc) != len(want) {
		return false
	}
	var v byte
	for i := range calc {
		v |= calc[i] ^ want[i]
	}
	return v == 0
}

// authMiddleware accepts "Authorization: Bearer <id>.<secret>" for a key
// that is unexpired, unrevoked, hash-valid, and presented from the IP it
// was issued to.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		id, secret, ok := splitAPIKey(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		key, err := s.store.GetAPIKey(c.Request.Context(), id)
		if err != nil || key == nil || key.Expired(time.Now()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if key.IP != "" && key.IP != c.ClientIP() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if !verifySecret(key.SecretHash, secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// loopbackOnly restricts key management to the host itself.
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip != "127.0.0.1" && ip != "::1" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "key management is local-only"})
			return
		}
		c.Next()
	}
}
