package oakley

import (
	"github.com/pkg/errors"

	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
)

// IV 一次交换的 IV 状态
// Keep 是发送/接收下一条消息时使用的 IV，每处理一条密文后更新为其最后一个密文块
type IV struct {
	MsgID uint32
	Keep  []byte
}

// NewIV 阶段一首个 IV = hash(g^xi | g^xr)，截取到块长
func NewIV(prf crypto.PRF, gxi, gxr []byte, blockLen int) ([]byte, error) {
	if len(gxi) == 0 || len(gxr) == 0 {
		return nil, errors.New("DH 公开值为空")
	}
	h := crypto.Digest(prf, gxi, gxr)
	if len(h) < blockLen {
		return nil, errors.New("哈希输出短于加密块长")
	}
	return h[:blockLen], nil
}

// NewIV2 阶段一之后每个交换的 IV = hash(阶段一最后 IV | M-ID)，截取到块长
func NewIV2(prf crypto.PRF, phase1IV []byte, msgID uint32, blockLen int) (*IV, error) {
	if len(phase1IV) == 0 {
		return nil, errors.New("阶段一 IV 为空")
	}
	h := crypto.Digest(prf, phase1IV, isakmp.MessageIDBytes(msgID))
	if len(h) < blockLen {
		return nil, errors.New("哈希输出短于加密块长")
	}
	return &IV{MsgID: msgID, Keep: append([]byte(nil), h[:blockLen]...)}, nil
}

// Encrypt 零填充到块长后 CBC 加密，并将 IV 推进到最后一个密文块
func (iv *IV) Encrypt(enc crypto.Encrypter, key, plain []byte) ([]byte, error) {
	bs := enc.BlockSize()
	padded := plain
	if rem := len(plain) % bs; rem != 0 || len(plain) == 0 {
		padded = make([]byte, len(plain)+bs-rem)
		copy(padded, plain)
	}
	out, err := enc.Encrypt(padded, key, iv.Keep)
	if err != nil {
		return nil, errors.Wrap(err, "加密失败")
	}
	iv.Keep = append([]byte(nil), out[len(out)-bs:]...)
	return out, nil
}

// Decrypt CBC 解密，并将 IV 推进到最后一个密文块；填充由载荷链解码忽略
func (iv *IV) Decrypt(enc crypto.Encrypter, key, ciphertext []byte) ([]byte, error) {
	bs := enc.BlockSize()
	out, err := enc.Decrypt(ciphertext, key, iv.Keep)
	if err != nil {
		return nil, errors.Wrap(err, "解密失败")
	}
	iv.Keep = append([]byte(nil), ciphertext[len(ciphertext)-bs:]...)
	return out, nil
}

// Peek 解密但不推进 IV，用于在 HASH 验证通过前不污染状态
func (iv *IV) Peek(enc crypto.Encrypter, key, ciphertext []byte) (plain, next []byte, err error) {
	bs := enc.BlockSize()
	out, err := enc.Decrypt(ciphertext, key, iv.Keep)
	if err != nil {
		return nil, nil, errors.Wrap(err, "解密失败")
	}
	return out, append([]byte(nil), ciphertext[len(ciphertext)-bs:]...), nil
}

func (iv *IV) Clone() *IV {
	if iv == nil {
		return nil
	}
	return &IV{MsgID: iv.MsgID, Keep: append([]byte(nil), iv.Keep...)}
}
