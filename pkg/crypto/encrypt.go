package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/cast5"
)

// IKEv1 阶段一加密算法 ID (RFC 2409 附录 A, Encryption Algorithm)
const (
	EncrDES      uint16 = 1
	EncrBlowfish uint16 = 3
	Encr3DES     uint16 = 5
	EncrCAST     uint16 = 6
	EncrAES      uint16 = 7
)

// 加密接口
// IKEv1 消息加密只有 CBC 模式，IV 由调用者按消息链维护
type Encrypter interface {
	Encrypt(plaintext []byte, key []byte, iv []byte) ([]byte, error)
	Decrypt(ciphertext []byte, key []byte, iv []byte) ([]byte, error)
	BlockSize() int
	KeySize() int // 字节
}

type cbcCipher struct {
	name      string
	blockSize int
	keySize   int
	newBlock  func(key []byte) (cipher.Block, error)
}

func (e *cbcCipher) BlockSize() int { return e.blockSize }
func (e *cbcCipher) KeySize() int   { return e.keySize }
func (e *cbcCipher) String() string { return e.name }

func (e *cbcCipher) Encrypt(plaintext []byte, key []byte, iv []byte) ([]byte, error) {
	block, err := e.newBlock(key)
	if err != nil {
		return nil, err
	}
	// 填充由调用者处理 (ISAKMP 填充到块长)
	if len(plaintext)%e.blockSize != 0 {
		return nil, errors.New("明文未对齐块")
	}
	if len(iv) < e.blockSize {
		return nil, errors.New("IV 长度不足")
	}

	ciphertext := make([]byte, len(plaintext))
	mode := cipher.NewCBCEncrypter(block, iv[:e.blockSize])
	mode.CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}

func (e *cbcCipher) Decrypt(ciphertext []byte, key []byte, iv []byte) ([]byte, error) {
	block, err := e.newBlock(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%e.blockSize != 0 {
		return nil, errors.New("密文未对齐块")
	}
	if len(iv) < e.blockSize {
		return nil, errors.New("IV 长度不足")
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv[:e.blockSize])
	mode.CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

func newBlowfish(key []byte) (cipher.Block, error) {
	return blowfish.NewCipher(key)
}

func newCAST(key []byte) (cipher.Block, error) {
	// cast5 只接受 128 位密钥，较短密钥按 RFC 2144 右补零
	if len(key) < cast5.KeySize {
		k := make([]byte, cast5.KeySize)
		copy(k, key)
		key = k
	}
	return cast5.NewCipher(key[:cast5.KeySize])
}

// 工厂函数
func GetEncrypter(id uint16) (Encrypter, error) {
	return GetEncrypterWithKeyLen(id, 0)
}

// GetEncrypterWithKeyLen keyLenBits 来自 SA 属性 Key Length，0 表示使用默认长度
func GetEncrypterWithKeyLen(id uint16, keyLenBits int) (Encrypter, error) {
	if keyLenBits%8 != 0 {
		return nil, errors.New("无效的密钥长度")
	}
	keySize := keyLenBits / 8

	switch id {
	case EncrDES:
		return &cbcCipher{name: "des-cbc", blockSize: des.BlockSize, keySize: 8, newBlock: des.NewCipher}, nil
	case Encr3DES:
		return &cbcCipher{name: "3des-cbc", blockSize: des.BlockSize, keySize: 24, newBlock: des.NewTripleDESCipher}, nil
	case EncrAES:
		if keySize == 0 {
			keySize = 16
		}
		if keySize != 16 && keySize != 24 && keySize != 32 {
			return nil, errors.New("无效的 AES 密钥长度")
		}
		return &cbcCipher{name: "aes-cbc", blockSize: aes.BlockSize, keySize: keySize, newBlock: aes.NewCipher}, nil
	case EncrBlowfish:
		if keySize == 0 {
			keySize = 16
		}
		if keySize < 5 || keySize > 56 {
			return nil, errors.New("无效的 Blowfish 密钥长度")
		}
		return &cbcCipher{name: "blowfish-cbc", blockSize: blowfish.BlockSize, keySize: keySize, newBlock: newBlowfish}, nil
	case EncrCAST:
		if keySize == 0 {
			keySize = 16
		}
		if keySize < 5 || keySize > cast5.KeySize {
			return nil, errors.New("无效的 CAST 密钥长度")
		}
		return &cbcCipher{name: "cast128-cbc", blockSize: cast5.BlockSize, keySize: keySize, newBlock: newCAST}, nil
	default:
		return nil, errors.New("不支持的加密算法")
	}
}

// 随机数生成
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	return b, err
}
