package engine

import (
	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/oakley"
	"github.com/iniwex5/isakmp-go/pkg/session"
)

// seal 编码并加密载荷链
// 返回报文与推进后的 IV，调用方在发送成功后再提交 IV
func seal(ph1 *session.Phase1, iv *oakley.IV, exch isakmp.ExchangeType, flags uint8, payloads []isakmp.Payload) ([]byte, *oakley.IV, error) {
	first, chain, err := isakmp.EncodeChain(payloads)
	if err != nil {
		return nil, nil, err
	}
	next := iv.Clone()
	ct, err := next.Encrypt(ph1.Keys.Cipher, ph1.Keys.EncKey, chain)
	if err != nil {
		return nil, nil, err
	}
	m := &isakmp.Message{Header: &isakmp.Header{
		Index:        ph1.Index,
		Version:      isakmp.Version1,
		ExchangeType: exch,
		Flags:        flags | isakmp.FlagEncryption,
		MessageID:    iv.MsgID,
	}}
	return m.Assemble(first, ct), next, nil
}

// open 用 iv 解密但不推进；返回载荷链与校验通过后应采用的 IV
func open(ph1 *session.Phase1, iv *oakley.IV, p *isakmp.Packet) (isakmp.Chain, []byte, error) {
	if !p.Encrypted() {
		return nil, nil, notifyf(isakmp.InvalidFlags, "报文未加密")
	}
	bs := ph1.Keys.Cipher.BlockSize()
	if len(p.Body) == 0 || len(p.Body)%bs != 0 {
		return nil, nil, notifyf(isakmp.PayloadMalformed, "密文长度 %d 不是块长 %d 的整数倍", len(p.Body), bs)
	}
	plain, next, err := iv.Peek(ph1.Keys.Cipher, ph1.Keys.EncKey, p.Body)
	if err != nil {
		return nil, nil, internal(err, "解密")
	}
	chain, err := isakmp.DecodeChain(p.Header.NextPayload, plain)
	if err != nil {
		return nil, nil, notifyf(isakmp.PayloadMalformed, "%v", err)
	}
	return chain, next, nil
}

// withHash 在载荷前加 HASH，compute 的输入是 HASH 之后全部载荷的编码
func withHash(compute func(rest []byte) []byte, rest []isakmp.Payload) ([]isakmp.Payload, error) {
	_, chain, err := isakmp.EncodeChain(rest)
	if err != nil {
		return nil, err
	}
	h := compute(chain)
	if len(h) == 0 {
		return nil, notifyf(isakmp.InternalError, "计算 HASH 失败")
	}
	return append([]isakmp.Payload{&isakmp.PayloadHash{HashData: h}}, rest...), nil
}

// splitHash 首个载荷必须是 HASH；返回 HASH 值与其后载荷的原始字节 (不含填充)
func splitHash(chain isakmp.Chain) ([]byte, []byte, error) {
	if len(chain) == 0 || chain[0].Type() != isakmp.HASH {
		return nil, nil, notifyf(isakmp.PayloadMalformed, "首个载荷不是 HASH")
	}
	var rest []byte
	for _, en := range chain[1:] {
		rest = append(rest, en.Raw...)
	}
	return chain[0].Payload.(*isakmp.PayloadHash).HashData, rest, nil
}

// checkHash 常数时间比较
func checkHash(got, want []byte) error {
	if len(want) == 0 || !crypto.Equal(got, want) {
		return notifyf(isakmp.InvalidHashInformation, "HASH 不匹配")
	}
	return nil
}
