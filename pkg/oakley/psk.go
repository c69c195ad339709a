package oakley

import (
	"net/netip"

	"github.com/pkg/errors"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
)

var ErrNoPSK = errors.New("找不到预共享密钥")

// PSKSource 预共享密钥查询
type PSKSource interface {
	LookupByID(id []byte) ([]byte, bool)
	LookupByAddr(addr netip.Addr) ([]byte, bool)
}

// ResolvePSK 查找顺序: 配置中显式给出 -> (非主模式) 对端 ID -> 对端地址
// 主模式下对端 ID 在 SKEYID 之后才可解密，因此不能按 ID 查找
func ResolvePSK(src PSKSource, explicit []byte, exchange isakmp.ExchangeType, peerID []byte, peer netip.Addr) ([]byte, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if src == nil {
		return nil, ErrNoPSK
	}
	if exchange != isakmp.ExchangeIdentProt && len(peerID) > 0 {
		if k, ok := src.LookupByID(peerID); ok && len(k) > 0 {
			return k, nil
		}
	}
	if peer.IsValid() {
		if k, ok := src.LookupByAddr(peer.Unmap()); ok && len(k) > 0 {
			return k, nil
		}
	}
	return nil, errors.Wrapf(ErrNoPSK, "peer=%s", peer)
}
