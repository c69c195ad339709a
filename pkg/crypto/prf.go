package crypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"
)

// IKEv1 哈希算法 ID (RFC 2409 附录 A, Hash Algorithm)
const (
	HashMD5      uint16 = 1
	HashSHA1     uint16 = 2
	HashSHA2_256 uint16 = 4
	HashSHA2_384 uint16 = 5
	HashSHA2_512 uint16 = 6
)

// PRF (伪随机函数) 接口
// IKEv1 未协商 PRF 时使用所协商哈希的 HMAC 版本
type PRF interface {
	Hash() hash.Hash
	KeyLen() int
}

type hmacPRF struct {
	newHash func() hash.Hash
	keyLen  int
}

func (h *hmacPRF) Hash() hash.Hash {
	return h.newHash()
}

func (h *hmacPRF) KeyLen() int {
	return h.keyLen
}

var (
	PRF_HMAC_MD5      = &hmacPRF{newHash: md5.New, keyLen: 16}
	PRF_HMAC_SHA1     = &hmacPRF{newHash: sha1.New, keyLen: 20}
	PRF_HMAC_SHA2_256 = &hmacPRF{newHash: sha256.New, keyLen: 32}
	PRF_HMAC_SHA2_384 = &hmacPRF{newHash: sha512.New384, keyLen: 48}
	PRF_HMAC_SHA2_512 = &hmacPRF{newHash: sha512.New, keyLen: 64}
)

var ErrUnsupportedHash = errors.New("不支持的哈希算法")

// GetPRF 按 IKEv1 哈希算法 ID 取 HMAC PRF
func GetPRF(id uint16) (PRF, error) {
	switch id {
	case HashMD5:
		return PRF_HMAC_MD5, nil
	case HashSHA1:
		return PRF_HMAC_SHA1, nil
	case HashSHA2_256:
		return PRF_HMAC_SHA2_256, nil
	case HashSHA2_384:
		return PRF_HMAC_SHA2_384, nil
	case HashSHA2_512:
		return PRF_HMAC_SHA2_512, nil
	default:
		return nil, ErrUnsupportedHash
	}
}

// Compute 计算 prf(key, data[0] | data[1] | ...)
func Compute(prf PRF, key []byte, data ...[]byte) []byte {
	h := hmac.New(prf.Hash, key)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Digest 使用 PRF 底层哈希计算普通摘要 (IV 计算使用)
func Digest(prf PRF, data ...[]byte) []byte {
	h := prf.Hash()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Equal 常量时间比较 HASH 载荷
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// Zero 覆盖密钥材料
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
