package oakley

import (
	"github.com/pkg/errors"

	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
)

// Keys 已建立 ISAKMP SA 的密钥材料
type Keys struct {
	PRF    crypto.PRF
	Cipher crypto.Encrypter

	SKEYID  []byte
	SKEYIDd []byte
	SKEYIDa []byte
	SKEYIDe []byte
	EncKey  []byte

	// IV 阶段一最后一条消息之后的 IV，阶段二 IV 由它派生
	IV []byte
}

// Clear 覆盖全部密钥材料
func (k *Keys) Clear() {
	if k == nil {
		return
	}
	for _, b := range [][]byte{k.SKEYID, k.SKEYIDd, k.SKEYIDa, k.SKEYIDe, k.EncKey, k.IV} {
		crypto.Zero(b)
	}
	k.SKEYID, k.SKEYIDd, k.SKEYIDa, k.SKEYIDe, k.EncKey, k.IV = nil, nil, nil, nil, nil, nil
}

// NewExchangeIV 为 M-ID 的交换派生 IV
func (k *Keys) NewExchangeIV(msgID uint32) (*IV, error) {
	return NewIV2(k.PRF, k.IV, msgID, k.Cipher.BlockSize())
}

// Phase1Input 阶段一协商结果
type Phase1Input struct {
	Method  AuthMethod
	HashAlg uint16
	EncAlg  uint16
	KeyLen  int // 位，0 为默认
	PSK     []byte
	Ni, Nr  []byte
	GXi     []byte
	GXr     []byte
	GXY     []byte
	Index   isakmp.Index

	// LastIV 阶段一最后一条加密消息之后的 IV (主模式为第六条消息的最后一个密文块)
	// 为空时表示阶段一没有加密消息，使用 hash(g^xi | g^xr)
	LastIV []byte
}

// DerivePhase1 SKEYID -> SKEYID_d/a/e -> 加密密钥 -> 阶段一最终 IV
func DerivePhase1(in *Phase1Input) (*Keys, error) {
	prf, err := crypto.GetPRF(in.HashAlg)
	if err != nil {
		return nil, err
	}
	enc, err := crypto.GetEncrypterWithKeyLen(in.EncAlg, in.KeyLen)
	if err != nil {
		return nil, err
	}

	k := &Keys{PRF: prf, Cipher: enc}
	k.SKEYID, err = ComputeSKEYID(in.Method, prf, &SKEYIDInput{PSK: in.PSK, Ni: in.Ni, Nr: in.Nr, GXY: in.GXY})
	if err != nil {
		return nil, err
	}
	k.SKEYIDd, k.SKEYIDa, k.SKEYIDe, err = ComputeSKEYIDdae(prf, k.SKEYID, in.GXY, in.Index)
	if err != nil {
		k.Clear()
		return nil, err
	}
	k.EncKey, err = ComputeEncKey(prf, k.SKEYIDe, enc.KeySize())
	if err != nil {
		k.Clear()
		return nil, err
	}
	if len(in.LastIV) > 0 {
		if len(in.LastIV) != enc.BlockSize() {
			k.Clear()
			return nil, errors.Errorf("阶段一 IV 长度 %d 与加密块长 %d 不符", len(in.LastIV), enc.BlockSize())
		}
		k.IV = append([]byte(nil), in.LastIV...)
		return k, nil
	}
	k.IV, err = NewIV(prf, in.GXi, in.GXr, enc.BlockSize())
	if err != nil {
		k.Clear()
		return nil, errors.Wrap(err, "计算阶段一 IV 失败")
	}
	return k, nil
}
