package kernel

import (
	"fmt"

	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/policy"
)

// IPsec DOI 变换 ID → Linux XFRM 内核算法名称的映射

// CryptAlgo 加密算法描述
type CryptAlgo struct {
	Name    string // 内核算法名称 (如 "cbc(aes)")
	KeyBits int
}

// AuthAlgo 完整性算法描述
type AuthAlgo struct {
	Name         string
	KeyBits      int
	TruncateBits int // ICV 长度
}

// AeadAlgo AEAD 算法描述
type AeadAlgo struct {
	Name    string
	KeyBits int // 含 4 字节 salt
	ICVBits int
}

// IsAEAD 判断 ESP 变换是否为 AEAD
func IsAEAD(transformID uint8) bool {
	switch transformID {
	case 18, 19, 20: // ESP_AES_GCM_*
		return true
	}
	return false
}

// ESPCrypt 将 ESP 变换 ID 映射为内核加密算法
func ESPCrypt(transformID uint8, keyLenBits int) (*CryptAlgo, error) {
	bits, err := crypto.ESPEncKeyBits(transformID, keyLenBits)
	if err != nil {
		return nil, err
	}
	var name string
	switch transformID {
	case isakmp.ESP_DES:
		name = "cbc(des)"
	case isakmp.ESP_3DES:
		name = "cbc(des3_ede)"
	case isakmp.ESP_CAST:
		name = "cbc(cast5)"
	case isakmp.ESP_BLOWFISH:
		name = "cbc(blowfish)"
	case isakmp.ESP_NULL:
		name = "ecb(cipher_null)"
	case isakmp.ESP_AES:
		name = "cbc(aes)"
	default:
		return nil, fmt.Errorf("不支持的 XFRM 加密算法 ID: %d", transformID)
	}
	return &CryptAlgo{Name: name, KeyBits: bits}, nil
}

// ESPAead 将 ESP AES-GCM 变换映射为内核 AEAD 算法
func ESPAead(transformID uint8, keyLenBits int) (*AeadAlgo, error) {
	bits, err := crypto.ESPEncKeyBits(transformID, keyLenBits)
	if err != nil {
		return nil, err
	}
	a := &AeadAlgo{Name: "rfc4106(gcm(aes))", KeyBits: bits}
	switch transformID {
	case 18:
		a.ICVBits = 64
	case 19:
		a.ICVBits = 96
	case 20:
		a.ICVBits = 128
	default:
		return nil, fmt.Errorf("不支持的 XFRM AEAD 算法 ID: %d", transformID)
	}
	return a, nil
}

// AuthByAttr 将 IPsec DOI 认证算法属性映射为内核完整性算法
func AuthByAttr(authAlg uint16) (*AuthAlgo, error) {
	switch authAlg {
	case isakmp.AuthAlgHMACMD5:
		return &AuthAlgo{Name: "hmac(md5)", KeyBits: 128, TruncateBits: 96}, nil
	case isakmp.AuthAlgHMACSHA:
		return &AuthAlgo{Name: "hmac(sha1)", KeyBits: 160, TruncateBits: 96}, nil
	case isakmp.AuthAlgHMACSHA2256:
		return &AuthAlgo{Name: "hmac(sha256)", KeyBits: 256, TruncateBits: 128}, nil
	case isakmp.AuthAlgHMACSHA2384:
		return &AuthAlgo{Name: "hmac(sha384)", KeyBits: 384, TruncateBits: 192}, nil
	case isakmp.AuthAlgHMACSHA2512:
		return &AuthAlgo{Name: "hmac(sha512)", KeyBits: 512, TruncateBits: 256}, nil
	default:
		return nil, fmt.Errorf("不支持的 XFRM 完整性算法: %d", authAlg)
	}
}

// AHAuth 将 AH 变换 ID 映射为内核完整性算法
func AHAuth(transformID uint8) (*AuthAlgo, error) {
	switch transformID {
	case isakmp.AH_MD5:
		return AuthByAttr(isakmp.AuthAlgHMACMD5)
	case isakmp.AH_SHA:
		return AuthByAttr(isakmp.AuthAlgHMACSHA)
	case isakmp.AH_SHA2_256:
		return AuthByAttr(isakmp.AuthAlgHMACSHA2256)
	case isakmp.AH_SHA2_384:
		return AuthByAttr(isakmp.AuthAlgHMACSHA2384)
	case isakmp.AH_SHA2_512:
		return AuthByAttr(isakmp.AuthAlgHMACSHA2512)
	default:
		return nil, fmt.Errorf("不支持的 AH 变换: %d", transformID)
	}
}

// Algos 一个 SA 的内核算法与密钥切分结果
type Algos struct {
	Crypt   *CryptAlgo
	Aead    *AeadAlgo
	Auth    *AuthAlgo
	EncKey  []byte
	AuthKey []byte
}

// SplitKeymat 按协商的变换切分 KEYMAT
func SplitKeymat(proto isakmp.ProtocolID, t policy.Transform, keymat []byte) (*Algos, error) {
	a := &Algos{}
	encBytes := 0
	switch proto {
	case isakmp.ProtoESP:
		if IsAEAD(t.ID) {
			aead, err := ESPAead(t.ID, int(t.KeyLen))
			if err != nil {
				return nil, err
			}
			a.Aead = aead
			encBytes = aead.KeyBits / 8
		} else {
			c, err := ESPCrypt(t.ID, int(t.KeyLen))
			if err != nil {
				return nil, err
			}
			a.Crypt = c
			encBytes = c.KeyBits / 8
			if t.AuthAlg != 0 {
				if a.Auth, err = AuthByAttr(t.AuthAlg); err != nil {
					return nil, err
				}
			}
		}
	case isakmp.ProtoAH:
		auth, err := AHAuth(t.ID)
		if err != nil {
			return nil, err
		}
		a.Auth = auth
	default:
		return nil, fmt.Errorf("不支持的协议: %s", proto)
	}

	need := encBytes
	if a.Auth != nil {
		need += a.Auth.KeyBits / 8
	}
	if len(keymat) < need {
		return nil, fmt.Errorf("KEYMAT 长度不足: %d < %d", len(keymat), need)
	}
	if encBytes > 0 {
		a.EncKey = keymat[:encBytes]
	}
	if a.Auth != nil {
		a.AuthKey = keymat[encBytes:need]
	}
	return a, nil
}
