package crypto

import "errors"

// IPsec SA (ESP/AH) 所需密钥长度表，KEYMAT 长度据此计算

// ESPEncKeyBits 返回 ESP 加密算法所需的密钥位数
// keyLenBits 为 Key Length 属性，0 表示默认值
func ESPEncKeyBits(transformID uint8, keyLenBits int) (int, error) {
	switch transformID {
	case 2: // ESP_DES
		return 64, nil
	case 3: // ESP_3DES
		return 192, nil
	case 6, 7: // ESP_CAST, ESP_BLOWFISH
		if keyLenBits == 0 {
			return 128, nil
		}
		return keyLenBits, nil
	case 11: // ESP_NULL
		return 0, nil
	case 12: // ESP_AES (CBC)
		switch keyLenBits {
		case 0:
			return 128, nil
		case 128, 192, 256:
			return keyLenBits, nil
		}
		return 0, errors.New("无效的 AES 密钥长度")
	case 18, 19, 20: // ESP_AES_GCM_8/12/16，额外 32 位盐
		switch keyLenBits {
		case 0:
			return 128 + 32, nil
		case 128, 192, 256:
			return keyLenBits + 32, nil
		}
		return 0, errors.New("无效的 AES-GCM 密钥长度")
	default:
		return 0, errors.New("不支持的 ESP 加密算法")
	}
}

// AuthKeyBits 返回 IPsec DOI 认证算法属性对应的密钥位数
func AuthKeyBits(authAlg uint16) (int, error) {
	switch authAlg {
	case 0: // 未指定 (AEAD)
		return 0, nil
	case 1: // HMAC-MD5
		return 128, nil
	case 2: // HMAC-SHA
		return 160, nil
	case 5: // HMAC-SHA2-256
		return 256, nil
	case 6: // HMAC-SHA2-384
		return 384, nil
	case 7: // HMAC-SHA2-512
		return 512, nil
	default:
		return 0, errors.New("不支持的认证算法")
	}
}

// AHKeyBits 返回 AH 变换 ID 对应的密钥位数
func AHKeyBits(transformID uint8) (int, error) {
	switch transformID {
	case 2: // AH_MD5
		return 128, nil
	case 3: // AH_SHA
		return 160, nil
	case 5: // AH_SHA2_256
		return 256, nil
	case 6: // AH_SHA2_384
		return 384, nil
	case 7: // AH_SHA2_512
		return 512, nil
	default:
		return 0, errors.New("不支持的 AH 算法")
	}
}
