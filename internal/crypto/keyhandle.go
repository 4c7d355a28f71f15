package crypto

import (
	"errors"

	"github.com/jhossain3/signed-letters-sub000/internal/codec"
)

var ErrKeyDestroyed = errors.New("crypto: key handle destroyed")

// KeyHandle owns the bytes of a symmetric key for the life of a session.
// The raw bytes never leave the handle except through ExportForWrap, used
// exactly once per wrap operation. Handles must not be copied; pass the
// pointer. Destroy zeroizes the backing memory.
type KeyHandle struct {
	key       []byte
	destroyed bool
}

// NewKeyHandle takes ownership of a copy of raw. The caller should zero
// its own copy afterwards.
func NewKeyHandle(raw []byte) (*KeyHandle, error) {
	if len(raw) != KeySize {
		return nil, ErrBadKeyLength
	}
	k := make([]byte, KeySize)
	copy(k, raw)
	_ = lockMemory(k)
	return &KeyHandle{key: k}, nil
}

// RandomKeyHandle generates a fresh key and wraps it in a handle.
func RandomKeyHandle() (*KeyHandle, error) {
	raw, err := codec.RandomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	defer Zero(raw)
	return NewKeyHandle(raw)
}

func (h *KeyHandle) Seal(plaintext, aad []byte) ([]byte, error) {
	if h.destroyed {
		return nil, ErrKeyDestroyed
	}
	return Seal(h.key, plaintext, aad)
}

func (h *KeyHandle) Open(blob, aad []byte) ([]byte, error) {
	if h.destroyed {
		return nil, ErrKeyDestroyed
	}
	return Open(h.key, blob, aad)
}

func (h *KeyHandle) SealDetached(plaintext, aad []byte) (iv, ct []byte, err error) {
	if h.destroyed {
		return nil, nil, ErrKeyDestroyed
	}
	return SealDetached(h.key, plaintext, aad)
}

func (h *KeyHandle) OpenDetached(iv, ct, aad []byte) ([]byte, error) {
	if h.destroyed {
		return nil, ErrKeyDestroyed
	}
	return OpenDetached(h.key, iv, ct, aad)
}

// ExportForWrap exposes the raw key so it can be wrapped under another
// key. The returned slice aliases the handle's memory: do not retain it
// past the wrap call.
func (h *KeyHandle) ExportForWrap() ([]byte, error) {
	if h.destroyed {
		return nil, ErrKeyDestroyed
	}
	return h.key, nil
}

// Destroy zeroizes the backing bytes. Further use fails with
// ErrKeyDestroyed.
func (h *KeyHandle) Destroy() {
	if h == nil || h.destroyed {
		return
	}
	Zero(h.key)
	_ = unlockMemory(h.key)
	h.destroyed = true
}
