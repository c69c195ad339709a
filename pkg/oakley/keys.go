package oakley

import (
	"github.com/pkg/errors"

	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
)

// ComputeSKEYID 按认证方式计算 SKEYID
func ComputeSKEYID(method AuthMethod, prf crypto.PRF, in *SKEYIDInput) ([]byte, error) {
	auth, err := method.Authenticator()
	if err != nil {
		return nil, err
	}
	skeyid, err := auth.SKEYID(prf, in)
	if err != nil {
		return nil, errors.Wrap(err, "计算 SKEYID 失败")
	}
	return skeyid, nil
}

// ComputeSKEYIDdae 依次派生 SKEYID_d / SKEYID_a / SKEYID_e
//
//	SKEYID_d = prf(SKEYID, g^xy | CKY-I | CKY-R | 0)
//	SKEYID_a = prf(SKEYID, SKEYID_d | g^xy | CKY-I | CKY-R | 1)
//	SKEYID_e = prf(SKEYID, SKEYID_a | g^xy | CKY-I | CKY-R | 2)
//
// cookie 顺序固定为发起方在前，与本端角色无关
func ComputeSKEYIDdae(prf crypto.PRF, skeyid, gxy []byte, index isakmp.Index) (d, a, e []byte, err error) {
	if len(skeyid) == 0 || len(gxy) == 0 {
		return nil, nil, nil, errors.New("SKEYID 或 g^xy 为空")
	}
	ckyI, ckyR := index.I[:], index.R[:]

	d = crypto.Compute(prf, skeyid, gxy, ckyI, ckyR, []byte{0})
	a = crypto.Compute(prf, skeyid, d, gxy, ckyI, ckyR, []byte{1})
	e = crypto.Compute(prf, skeyid, a, gxy, ckyI, ckyR, []byte{2})
	return d, a, e, nil
}

// ComputeEncKey 由 SKEYID_e 得到加密密钥
// 所需长度不超过 SKEYID_e 时直接截取，否则
// K1 = prf(SKEYID_e, 0), Kn = prf(SKEYID_e, K(n-1))
func ComputeEncKey(prf crypto.PRF, skeyidE []byte, keyLen int) ([]byte, error) {
	if keyLen <= 0 {
		return nil, errors.New("无效的加密密钥长度")
	}
	if len(skeyidE) == 0 {
		return nil, errors.New("SKEYID_e 为空")
	}
	if keyLen <= len(skeyidE) {
		out := make([]byte, keyLen)
		copy(out, skeyidE)
		return out, nil
	}

	var out []byte
	k := crypto.Compute(prf, skeyidE, []byte{0})
	out = append(out, k...)
	for len(out) < keyLen {
		k = crypto.Compute(prf, skeyidE, k)
		out = append(out, k...)
	}
	return out[:keyLen], nil
}

// ComputeHash1 hash1 = prf(SKEYID_a, M-ID | body)
// 快速模式 HASH(1)/HASH(2) 与信息交换 HASH 使用
func ComputeHash1(prf crypto.PRF, skeyidA []byte, msgID uint32, body ...[]byte) []byte {
	if len(skeyidA) == 0 {
		return nil
	}
	parts := append([][]byte{isakmp.MessageIDBytes(msgID)}, body...)
	return crypto.Compute(prf, skeyidA, parts...)
}

// ComputeHash3 hash3 = prf(SKEYID_a, 0 | M-ID | body)
// 快速模式 HASH(3) 使用
func ComputeHash3(prf crypto.PRF, skeyidA []byte, msgID uint32, body ...[]byte) []byte {
	if len(skeyidA) == 0 {
		return nil
	}
	parts := append([][]byte{{0}, isakmp.MessageIDBytes(msgID)}, body...)
	return crypto.Compute(prf, skeyidA, parts...)
}
