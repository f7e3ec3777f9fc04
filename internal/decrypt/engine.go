// Package decrypt fetches segment keys and decrypts AES-128 HLS segments.
package decrypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opd-ai/go-hls-offline/internal/common"
	"github.com/opd-ai/go-hls-offline/internal/manifest"
	"github.com/opd-ai/go-hls-offline/internal/transport"
)

// KeyCache holds key bytes by key URI for the lifetime of one download run.
// Entries are never invalidated; a new run gets a new cache.
type KeyCache struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewKeyCache creates an empty key cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{keys: make(map[string][]byte)}
}

// Get returns the cached key for uri.
func (c *KeyCache) Get(uri string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keys[uri]
	return key, ok
}

// Put stores key under uri.
func (c *KeyCache) Put(uri string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[uri] = key
}

// Len reports the number of cached keys.
func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// Engine decrypts segments using keys fetched through the transport.
type Engine struct {
	fetcher     transport.Fetcher
	cache       *KeyCache
	trustHeader string
	logger      *slog.Logger
}

// NewEngine creates a decryption engine bound to cache. A nil cache gets a
// fresh one.
func NewEngine(fetcher transport.Fetcher, cache *KeyCache, trustHeader string, logger *slog.Logger) *Engine {
	if cache == nil {
		cache = NewKeyCache()
	}
	return &Engine{
		fetcher:     fetcher,
		cache:       cache,
		trustHeader: trustHeader,
		logger:      logger,
	}
}

// Cache returns the engine's key cache.
func (e *Engine) Cache() *KeyCache {
	return e.cache
}

// Decrypt returns the plaintext of one segment. Segments without a key, or
// keyed with SAMPLE-AES or an unknown method, are returned unchanged.
func (e *Engine) Decrypt(ctx context.Context, data []byte, key *manifest.KeyInfo, index uint32) ([]byte, error) {
	if key == nil || key.Method == manifest.MethodNone {
		return data, nil
	}
	if key.Method != manifest.MethodAES128 {
		e.logger.Warn("Unsupported encryption method, passing segment through",
			"method", key.Method,
			"segment", index)
		return data, nil
	}

	keyBytes, err := e.key(ctx, key.URI)
	if err != nil {
		return nil, err
	}

	iv := key.IV
	if len(iv) == 0 {
		iv = IVForIndex(index)
	}

	plain, err := DecryptAES128(data, keyBytes, iv)
	if err != nil {
		return nil, common.NewError(common.CodeDecryption, key.URI,
			fmt.Sprintf("failed to decrypt segment %d", index), err)
	}
	return plain, nil
}

func (e *Engine) key(ctx context.Context, uri string) ([]byte, error) {
	if k, ok := e.cache.Get(uri); ok {
		return k, nil
	}

	resp, err := e.fetcher.FetchBinary(ctx, transport.Request{
		URL:         uri,
		TrustHeader: e.trustHeader,
	})
	if err != nil {
		return nil, common.NewError(common.CodeKeyFetch, uri, "failed to fetch key",
			common.FromContext(ctx, ctx, uri, err))
	}
	if len(resp.Body) != aes.BlockSize {
		return nil, common.NewError(common.CodeKeyFetch, uri,
			fmt.Sprintf("key has %d bytes, want %d", len(resp.Body), aes.BlockSize), nil)
	}

	e.cache.Put(uri, resp.Body)
	e.logger.Debug("Fetched decryption key", "uri", uri)
	return resp.Body, nil
}

// IVForIndex derives the default IV: the segment index as a 16-byte
// big-endian integer.
func IVForIndex(index uint32) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(iv[12:], index)
	return iv
}

// DecryptAES128 runs AES-128-CBC over data. Well-formed PKCS#7 padding is
// removed; anything else is returned as decrypted.
func DecryptAES128(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("IV has %d bytes, want %d", len(iv), aes.BlockSize)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	return unpad(out), nil
}

// EncryptAES128 is the inverse of DecryptAES128, with PKCS#7 padding.
func EncryptAES128(plain, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("IV has %d bytes, want %d", len(iv), aes.BlockSize)
	}

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func unpad(b []byte) []byte {
	n := len(b)
	if n == 0 {
		return b
	}
	pad := int(b[n-1])
	if pad == 0 || pad > aes.BlockSize || pad > n {
		return b
	}
	for _, v := range b[n-pad:] {
		if int(v) != pad {
			return b
		}
	}
	return b[:n-pad]
}
