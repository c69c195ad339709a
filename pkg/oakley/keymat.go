package oakley

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
)

// KeymatInput 单个协议单个方向的 KEYMAT 输入
type KeymatInput struct {
	GXY       []byte // 仅 PFS 时非空
	Protocol  isakmp.ProtocolID
	SPI       []byte
	Initiator bool // 本端是否为本次快速模式的发起方
	OwnNonce  []byte
	PeerNonce []byte
	Bits      int // 加密密钥 + 认证密钥总位数
}

// nonces 始终按 Ni_b | Nr_b 排列
func (in *KeymatInput) nonces() (first, second []byte) {
	if in.Initiator {
		return in.OwnNonce, in.PeerNonce
	}
	return in.PeerNonce, in.OwnNonce
}

// ComputeKeymat
//
//	K1 = prf(SKEYID_d, [g(qm)^xy |] protocol | SPI | Ni_b | Nr_b)
//	Kn = prf(SKEYID_d, K(n-1) | [g(qm)^xy |] protocol | SPI | Ni_b | Nr_b)
//
// 需要的位数超过 |K1| 时生成 ceil(bits/prfbits)+2 块 (至少 3 块)，再截取 ceil(bits/8) 字节
func ComputeKeymat(prf crypto.PRF, skeyidD []byte, in *KeymatInput) ([]byte, error) {
	if len(skeyidD) == 0 {
		return nil, errors.New("SKEYID_d 为空")
	}
	if len(in.SPI) == 0 {
		return nil, errors.New("SPI 为空")
	}
	if in.Bits < 0 {
		return nil, errors.New("无效的密钥位数")
	}
	ni, nr := in.nonces()

	seed := make([]byte, 0, len(in.GXY)+1+len(in.SPI)+len(ni)+len(nr))
	seed = append(seed, in.GXY...)
	seed = append(seed, uint8(in.Protocol))
	seed = append(seed, in.SPI...)
	seed = append(seed, ni...)
	seed = append(seed, nr...)

	need := (in.Bits + 7) / 8
	k := crypto.Compute(prf, skeyidD, seed)
	if need <= len(k) {
		return k[:need], nil
	}

	blockBits := len(k) * 8
	dupkeymat := (in.Bits+blockBits-1)/blockBits + 2
	if dupkeymat < 3 {
		dupkeymat = 3
	}

	out := make([]byte, 0, dupkeymat*len(k))
	out = append(out, k...)
	for i := 1; i < dupkeymat; i++ {
		k = crypto.Compute(prf, skeyidD, k, seed)
		out = append(out, k...)
	}
	return out[:need], nil
}

// SPIBytes 4 字节网络序 SPI
func SPIBytes(spi uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, spi)
	return b
}

// KeymatPair 计算一个协议的入站 (本端 SPI) 与出站 (对端 SPI) KEYMAT
func KeymatPair(prf crypto.PRF, skeyidD []byte, base KeymatInput, ownSPI, peerSPI []byte) (in, out []byte, err error) {
	base.SPI = ownSPI
	in, err = ComputeKeymat(prf, skeyidD, &base)
	if err != nil {
		return nil, nil, errors.Wrap(err, "入站 KEYMAT")
	}
	base.SPI = peerSPI
	out, err = ComputeKeymat(prf, skeyidD, &base)
	if err != nil {
		return nil, nil, errors.Wrap(err, "出站 KEYMAT")
	}
	return in, out, nil
}
