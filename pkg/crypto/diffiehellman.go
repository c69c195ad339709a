package crypto

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// Oakley / RFC 3526 模指数 (MODP) Diffie-Hellman 组

const (
	DHGroupModp768  uint16 = 1
	DHGroupModp1024 uint16 = 2
	DHGroupModp1536 uint16 = 5
	DHGroupModp2048 uint16 = 14
)

var (
	// 组 1: 768 位 (RFC 2409 6.1)
	prime768, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A63A3620FFFFFFFFFFFFFFFF", 16)
	// 组 2: 1024 位 (RFC 2409 6.2)
	prime1024, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF", 16)
	// 组 5: 1536 位 (RFC 3526 2)
	prime1536, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA237327FFFFFFFFFFFFFFFF", 16)
	// 组 14: 2048 位 MODP 组
	// 素数是 2^2048 - 2^1984 - 1 + 2^64 * { [2^1918 pi] + 124476 }
	prime2048, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)
	gen2         = big.NewInt(2)
)

var ErrUnsupportedGroup = errors.New("不支持的 DH 组")

type DiffieHellman struct {
	Group      uint16
	PrivateKey *big.Int
	PublicKey  *big.Int
	SharedKey  []byte
	P          *big.Int
	G          *big.Int
}

func groupPrime(group uint16) *big.Int {
	switch group {
	case DHGroupModp768:
		return prime768
	case DHGroupModp1024:
		return prime1024
	case DHGroupModp1536:
		return prime1536
	case DHGroupModp2048:
		return prime2048
	}
	return nil
}

// GroupSupported 判断是否支持该 Oakley 组
func GroupSupported(group uint16) bool {
	return groupPrime(group) != nil
}

// PublicValueLen 返回该组公开值的字节长度 (KE 载荷长度)
func PublicValueLen(group uint16) int {
	p := groupPrime(group)
	if p == nil {
		return 0
	}
	return (p.BitLen() + 7) / 8
}

func NewDiffieHellman(group uint16) (*DiffieHellman, error) {
	p := groupPrime(group)
	if p == nil {
		return nil, ErrUnsupportedGroup
	}
	return &DiffieHellman{Group: group, P: p, G: gen2}, nil
}

func (dh *DiffieHellman) GenerateKey() error {
	// 私钥取 [1, P-1]
	var err error
	dh.PrivateKey, err = rand.Int(rand.Reader, dh.P)
	if err != nil {
		return err
	}
	if dh.PrivateKey.Sign() == 0 {
		dh.PrivateKey.SetInt64(1)
	}

	// 计算公钥: G^x mod P
	dh.PublicKey = new(big.Int).Exp(dh.G, dh.PrivateKey, dh.P)

	return nil
}

func (dh *DiffieHellman) ComputeSharedSecret(peerPubKeyBytes []byte) ([]byte, error) {
	if dh.PrivateKey == nil {
		return nil, errors.New("DH 私钥未生成")
	}
	peerPubKey := new(big.Int).SetBytes(peerPubKeyBytes)

	// 验证对端密钥: 1 < peer < P-1
	one := big.NewInt(1)
	pMinusOne := new(big.Int).Sub(dh.P, one)
	if peerPubKey.Cmp(one) <= 0 || peerPubKey.Cmp(pMinusOne) >= 0 {
		return nil, errors.New("无效的对端公钥")
	}

	// 计算 S = peer^x mod P
	secret := new(big.Int).Exp(peerPubKey, dh.PrivateKey, dh.P)

	// g^xy 左侧填充零到组长度，HASH 和 KEYMAT 输入依赖固定长度
	dh.SharedKey = leftPad(secret.Bytes(), (dh.P.BitLen()+7)/8)
	return dh.SharedKey, nil
}

func (dh *DiffieHellman) PublicKeyBytes() []byte {
	return leftPad(dh.PublicKey.Bytes(), (dh.P.BitLen()+7)/8)
}

// Clear 清除私钥与共享密钥
func (dh *DiffieHellman) Clear() {
	if dh == nil {
		return
	}
	if dh.PrivateKey != nil {
		dh.PrivateKey.SetInt64(0)
		dh.PrivateKey = nil
	}
	Zero(dh.SharedKey)
	dh.SharedKey = nil
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}
